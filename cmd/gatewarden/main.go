package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "gatewarden",
		Short: "Supervise a gateway process and keep its state in a durable store",
		Long: `gatewarden keeps a gateway process running inside an ephemeral container,
restores and backs up its state, registers its recurring jobs and serves
health telemetry.

Examples:
  gatewarden run --config=/etc/gatewarden.toml
  gatewarden push                      # one manual backup
  gatewarden check --cheap             # container health check
  gatewarden topic study`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", os.Getenv("GATEWARDEN_CONFIG"), "path to TOML config file (optional)")

	root.AddCommand(
		createRunCommand(flags),
		createRestoreCommand(flags),
		createPushCommand(flags),
		createCheckCommand(flags),
		createTopicCommand(flags),
	)
	return root
}
