package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/procgod/pkg/client"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	root.AddCommand(
		createDaemonCommand(flags),
		createStartCommand(flags),
		createListCommand(flags),
		createDescribeCommand(flags),
		createStopCommand(flags),
		createRestartCommand(flags),
		createDeleteCommand(flags),
		createReloadCommand(flags),
		createScaleCommand(flags),
		createSignalCommand(flags),
		createLogsCommand(flags),
		createMonitCommand(flags),
		createMonitorSourceCommand(flags),
		createDumpCommand(flags),
		createResurrectCommand(flags),
		createReloadLogsCommand(flags),
		createPingCommand(flags),
		createVersionCommand(flags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "procgod",
		Short: "Process supervisor daemon and client",
		Long: `procgod keeps a fleet of long-running programs alive: it restarts crashed
processes with backoff, reloads clusters without downtime, samples their
resource usage and persists the process list across daemon restarts.

Examples:
  procgod daemon --config=procgod.toml
  procgod start ecosystem.toml
  procgod start --name=api -i 4 --exec-mode=cluster -- ./api --port 8080
  procgod reload api --update-env
  procgod list`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to procgod.toml (daemon only)")
	pf.StringVar(&flags.APIUrl, "api-url", client.DefaultBaseURL, "daemon API base URL")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 60*time.Second, "request timeout")
	pf.BoolVar(&flags.JSON, "json", false, "print raw JSON instead of tables")
	return root
}

func createVersionCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print client and daemon versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "client: %s\n", version)
			c := newClient(flags)
			ctx, cancel := commandContext(cmd, flags)
			defer cancel()
			v, err := c.Version(ctx)
			if err != nil {
				_, _ = fmt.Fprintln(out, "daemon: not reachable")
				return nil
			}
			_, _ = fmt.Fprintf(out, "daemon: %s\n", v)
			return nil
		},
	}
}
