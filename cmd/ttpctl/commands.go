package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ttp/pkg/client"
	"ttp/pkg/config"
)

type options struct {
	host     string
	port     int
	json     string
	timeout  time.Duration
	resolved int
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "ttpctl",
		Short: "Talk to a running TTP daemon",
		Long: `Send commands to the control socket of a TTP daemon.

The daemon is addressed either by --port or by --json, in which case the
listening port is read from the daemon configuration file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.resolvePort()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.host, "host", client.DefaultHost, "daemon host")
	flags.IntVar(&opts.port, "port", 0, "daemon listening port")
	flags.StringVar(&opts.json, "json", "", "daemon JSON configuration to read the port from")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "how long to wait for the daemon to answer")

	cmd.AddCommand(newCommandCommand(opts))
	cmd.AddCommand(newFixedCommand(opts, "status", "Show how long the daemon has been running", "status"))
	cmd.AddCommand(newFixedCommand(opts, "stop", "Ask the daemon to terminate", "terminate"))
	cmd.AddCommand(newFixedCommand(opts, "list", "List the commands the daemon answers", "help"))

	return cmd
}

func newCommandCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "command <name> [args...]",
		Short: "Send an arbitrary command to the daemon",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.send(cmd, args[0], args[1:]...)
		},
	}
}

func newFixedCommand(opts *options, use, short, command string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.send(cmd, command)
		},
	}
}

func (o *options) resolvePort() error {
	switch {
	case o.port > 0:
		o.resolved = o.port
	case o.json != "":
		cfg, err := config.LoadFromFile(o.json)
		if err != nil {
			return fmt.Errorf("read daemon configuration: %w", err)
		}
		o.resolved = cfg.ListeningPort
	default:
		return fmt.Errorf("either --port or --json is required")
	}
	return nil
}

func (o *options) send(cmd *cobra.Command, command string, args ...string) error {
	reply, err := client.New(o.host, o.resolved, o.timeout).Send(cmd.Context(), command, args...)
	if err != nil {
		return err
	}

	if body := reply.Body(); body != "" {
		fmt.Fprintln(cmd.OutOrStdout(), body)
	}
	if !reply.OK() {
		return fmt.Errorf("daemon did not acknowledge %q", command)
	}
	return nil
}
