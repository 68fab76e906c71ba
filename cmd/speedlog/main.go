package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

const defaultConfigPath = "./speedlog.yaml"

func main() {
	os.Exit(int(run(os.Args[1:])))
}

func run(args []string) ExitCode {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "speedlog",
		Short:        "Periodic internet speed tests per network interface.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to the YAML or JSON config file")

	rootCmd.AddCommand(
		NewCollectCmd().Command(),
		NewProbeCmd().Command(),
		NewReduceCmd().Command(),
		NewConvertCmd().Command(),
		NewVersionCmd().Command(),
	)
	return rootCmd
}
