// Package cmd holds the researcher command line.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCMD().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCMD() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "researcher",
		Short:         "Iterative multi-step research orchestrator",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.yaml)")

	root.AddCommand(
		runCMD(&cfgPath),
		serveCMD(&cfgPath),
		migrateCMD(&cfgPath),
		watchCMD(&cfgPath),
		answerCMD(&cfgPath),
		mcpCMD(&cfgPath),
		toolsCMD(&cfgPath),
		hashPasswordCMD(),
	)
	return root
}
