package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/paularlott/cli"

	"github.com/ardnew/usbwatch/audit"
	"github.com/ardnew/usbwatch/pkg"
	"github.com/ardnew/usbwatch/security"
)

const (
	flagSince  = "since"
	flagBefore = "before"
)

// AuditCommand groups the audit journal subcommands.
func AuditCommand() *cli.Command {
	return &cli.Command{
		Name:        "audit",
		Usage:       "Inspect the security audit journal",
		Description: "List and prune security events recorded by the monitor",
		Commands: []*cli.Command{
			AuditListCommand(),
			AuditPruneCommand(),
		},
	}
}

// AuditListCommand prints recorded security events.
func AuditListCommand() *cli.Command {
	return &cli.Command{
		Name:        "list",
		Usage:       "List security events",
		Description: "Print the security events recorded in the journal, oldest first",
		Flags: append(configFlags(), auditFlag(),
			&cli.StringFlag{Name: flagSince, Usage: "Only events newer than this duration, e.g. 24h"},
		),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			j, err := openJournal(ctx, cmd)
			if err != nil {
				return err
			}
			defer j.Close()

			var start time.Time
			if s := cmd.GetString(flagSince); s != "" {
				d, err := parseAge(flagSince, s)
				if err != nil {
					return err
				}
				start = time.Now().Add(-d)
			}
			events, err := j.Query(ctx, start, time.Time{})
			if err != nil {
				return err
			}
			return printEvents(os.Stdout, events)
		},
	}
}

// AuditPruneCommand deletes old security events.
func AuditPruneCommand() *cli.Command {
	return &cli.Command{
		Name:        "prune",
		Usage:       "Delete old security events",
		Description: "Delete the security events older than the given age",
		Flags: append(configFlags(), auditFlag(),
			&cli.StringFlag{Name: flagBefore, Usage: "Delete events older than this duration", DefaultValue: "720h"},
		),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			j, err := openJournal(ctx, cmd)
			if err != nil {
				return err
			}
			defer j.Close()

			d, err := parseAge(flagBefore, cmd.GetString(flagBefore))
			if err != nil {
				return err
			}
			n, err := j.Prune(ctx, time.Now().Add(-d))
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d events\n", n)
			return nil
		},
	}
}

func openJournal(ctx context.Context, cmd flagGetter) (*audit.Journal, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Audit.Path == "" {
		return nil, fmt.Errorf("no audit journal configured (set audit.path or --%s): %w", flagAudit, pkg.ErrConfiguration)
	}
	return audit.Open(ctx, cfg.Audit.Path)
}

// parseAge parses a positive duration flag.
func parseAge(flag, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("--%s %q is not a positive duration: %w", flag, s, pkg.ErrInvalidParameter)
	}
	return d, nil
}

func printEvents(w io.Writer, events []security.Event) error {
	if len(events) == 0 {
		_, err := fmt.Fprintln(w, "No events")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tDEVICE\tLEVEL\tDESCRIPTION")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.Time.Format(time.RFC3339), e.Type, e.DeviceID, e.Level, e.Description)
	}
	return tw.Flush()
}
