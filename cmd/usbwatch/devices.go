package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/paularlott/cli"

	"github.com/ardnew/usbwatch/config"
	"github.com/ardnew/usbwatch/pkg"
	"github.com/ardnew/usbwatch/pkg/linux/usbid"
	"github.com/ardnew/usbwatch/registry"
	"github.com/ardnew/usbwatch/security"
)

// DevicesCommand lists the attached devices once.
func DevicesCommand() *cli.Command {
	return &cli.Command{
		Name:        "devices",
		Usage:       "List attached USB devices",
		Description: "Enumerate the attached devices; with a policy file, also report whether each complies",
		Flags:       configFlags(),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			b, err := openBackend(cfg.Backend, pkg.Logger(pkg.ComponentBackend))
			if err != nil {
				return err
			}

			ids := usbid.New()
			if cfg.USBIDsPath != "" {
				ids = usbid.NewWithPaths([]string{cfg.USBIDsPath})
			}
			ids.Load()

			var coord *security.Coordinator
			if cfg.PolicyFile != "" {
				coord = security.NewCoordinator(security.NewAuthorizer())
				if err := coord.LoadSecurityConfig(cfg.PolicyFile); err != nil {
					return fmt.Errorf("policy: %w", err)
				}
			}

			reg := registry.New(b, registry.WithUSBIDs(ids))
			defer b.Close()
			records, err := reg.Enumerate(ctx)
			if err != nil {
				return err
			}
			defer func() {
				for _, rec := range records {
					rec.Release()
				}
			}()
			return printDevices(os.Stdout, cfg, coord, records)
		},
	}
}

// printDevices writes one row per record. The compliance column appears
// only when coord is non-nil.
func printDevices(w io.Writer, cfg config.Config, coord *security.Coordinator, records []*registry.Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No devices found")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if coord != nil {
		fmt.Fprintln(tw, "KEY\tCLASS\tSPEED\tCOMPLIANT\tNAME")
	} else {
		fmt.Fprintln(tw, "KEY\tCLASS\tSPEED\tNAME")
	}
	for _, rec := range records {
		dev := rec.Device()
		if coord != nil {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n",
				rec.Key(), dev.Class(), dev.Speed, coord.CheckDeviceCompliance(dev), deviceName(cfg, dev))
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", rec.Key(), dev.Class(), dev.Speed, deviceName(cfg, dev))
	}
	return tw.Flush()
}
