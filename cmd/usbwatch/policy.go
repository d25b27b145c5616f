package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/paularlott/cli"

	"github.com/ardnew/usbwatch/security"
)

// PolicyCommand groups the policy file subcommands.
func PolicyCommand() *cli.Command {
	return &cli.Command{
		Name:        "policy",
		Usage:       "Inspect security policy files",
		Description: "Validate and display JSON security policy files",
		Commands: []*cli.Command{
			PolicyValidateCommand(),
			PolicyShowCommand(),
		},
	}
}

// PolicyValidateCommand checks a policy file against the schema.
func PolicyValidateCommand() *cli.Command {
	return &cli.Command{
		Name:        "validate",
		Usage:       "Validate a policy file",
		Description: "Check a policy file against the policy schema and rule constraints",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "file", Required: true},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.GetStringArg("file")
			if err := security.ValidatePolicyFile(path); err != nil {
				return err
			}
			fmt.Printf("%s: valid\n", path)
			return nil
		},
	}
}

// PolicyShowCommand prints the level and rules of a policy file.
func PolicyShowCommand() *cli.Command {
	return &cli.Command{
		Name:        "show",
		Usage:       "Show a policy file",
		Description: "Print the security level, rules and authorization policy of a policy file",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "file", Required: true},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			f, err := security.ReadPolicyFile(cmd.GetStringArg("file"))
			if err != nil {
				return err
			}
			return printPolicy(os.Stdout, f)
		},
	}
}

func printPolicy(w io.Writer, f *security.PolicyFile) error {
	fmt.Fprintf(w, "Security level: %s\n", f.Level)
	if f.Policy != nil {
		p := f.Policy
		fmt.Fprintf(w, "Authorization:  autoAuthorizeKnown=%t confirm=%t certificates=%t systemPolicies=%t timeout=%s\n",
			p.AutoAuthorizeKnownDevices, p.RequireUserConfirmation,
			p.CheckDeviceCertificates, p.EnforceSystemPolicies, p.AuthorizationTimeout)
	}
	if len(f.Rules) == 0 {
		_, err := fmt.Fprintln(w, "No rules")
		return err
	}
	fmt.Fprintf(w, "Rules (%d):\n", len(f.Rules))
	for _, r := range f.Rules {
		if _, err := fmt.Fprintf(w, "  %s\n", r); err != nil {
			return err
		}
	}
	return nil
}
