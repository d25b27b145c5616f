// Command usbwatch monitors USB devices: it tracks arrivals and removals,
// gates new devices through the security policy, samples power and
// bandwidth, and forwards everything it observes to the configured sinks.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/paularlott/cli"

	"github.com/ardnew/usbwatch/pkg"
)

// componentCLI tags log lines written by the command itself.
const componentCLI pkg.Component = "cli"

func main() {
	cmd := &cli.Command{
		Name:        "usbwatch",
		Usage:       "Monitor and police USB devices",
		Description: "Track USB devices, enforce the device security policy and export telemetry",
		Commands: []*cli.Command{
			MonitorCommand(),
			DevicesCommand(),
			PolicyCommand(),
			AuditCommand(),
		},
	}

	err := cmd.Execute(context.Background())
	_ = pkg.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "usbwatch:", err)
		os.Exit(1)
	}
}
