package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/researcher/internal/mcp"
)

// mcpCMD serves tools over stdio. Logs go to stderr so stdout stays a
// clean protocol stream.
func mcpCMD(cfgPath *string) *cobra.Command {
	var toolsOnly bool
	c := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tool registry and research runs over stdio JSON-RPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := loadApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			var runs mcp.Runs
			if !toolsOnly {
				runs = a.orch
			}
			s := mcp.New(a.tools, runs,
				mcp.WithServerInfo("researcher", serviceVersion),
				mcp.WithCallTimeout(a.cfg.Orchestrator.MaxDuration),
				mcp.WithLogger(a.logger))
			return s.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	c.Flags().BoolVar(&toolsOnly, "tools-only", false, "do not offer the research tool")
	return c
}
