package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/aegis/pkg/cli"
)

const defaultConfigFile = "aegis.yaml"

var (
	// Global flags
	cfgFile string
	verbose bool
	output  string
)

var rootCmd = &cobra.Command{
	Use:   "aegis",
	Short: "Aegis - governance control plane for agent runs",
	Long: `Aegis governs agent runs against versioned, tenant-scoped policy snapshots.

Every run step is bound to the tenant's active snapshot, evaluated by a
deterministic policy interpreter and resolved by precedence. Overrides can
suspend enforcement of one policy for a bounded time, and every run is
reconciled against its declared audit obligations before it is finalized.

The configuration file defaults to ./aegis.yaml, or $AEGIS_CONFIG when set.
Without a file, built-in defaults and AEGIS_* environment variables apply.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits with the command's status.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default ./aegis.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "output format: text, json, csv")
}

// render writes data to the command's output in the --output format.
func render(cmd *cobra.Command, data any) error {
	format, err := cli.ParseFormat(output)
	if err != nil {
		return err
	}
	return cli.NewFormatter(format).FormatTo(out(cmd), data)
}

func out(cmd *cobra.Command) io.Writer {
	if cmd == nil {
		return os.Stdout
	}
	return cmd.OutOrStdout()
}
