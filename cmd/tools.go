package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/capability"
	"github.com/mohammad-safakhou/researcher/internal/human"
	"github.com/mohammad-safakhou/researcher/internal/logging"
	"github.com/mohammad-safakhou/researcher/internal/runtime"
	"github.com/mohammad-safakhou/researcher/tools"
)

// toolsCMD lists the tools a run would see. It needs no reasoner.
func toolsCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List registered tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(cfg.General.LogLevel, cfg.General.LogFormat)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			reg := capability.NewRegistry(capability.WithLogger(logger))
			rdb, err := maybeRedis(ctx, cfg)
			if err != nil {
				return err
			}
			if rdb != nil {
				defer rdb.Close()
			}
			if err := tools.Register(reg, cfg.Tools, rdb, logger); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tDESCRIPTION\tARGS")
			for _, d := range reg.ListTools() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, d.Description, d.ArgSchemaHint)
			}
			return tw.Flush()
		},
	}
}

// answerCMD delivers a clarification answer through the redis human
// channel to a run paused in another process.
func answerCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "answer <run-id> <answer>",
		Short: "Answer a paused run's clarification question",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.Human.Backend != "redis" {
				return fmt.Errorf("answer needs human.backend=redis; use the HTTP API otherwise")
			}
			rdb, err := runtime.ConnectRedis(ctx, cfg.Storage.Redis)
			if err != nil {
				return err
			}
			defer rdb.Close()

			ch := human.NewRedisChannel(rdb, "human")
			runID := args[0]
			if q, ok, err := ch.Pending(ctx, runID); err != nil {
				return err
			} else if ok {
				fmt.Fprintf(cmd.ErrOrStderr(), "question: %s\n", q.Text)
			}
			return ch.Respond(ctx, runID, strings.Join(args[1:], " "))
		},
	}
}

func hashPasswordCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for server.admin_password_hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
				fmt.Fprint(cmd.ErrOrStderr(), "password: ")
				b, err := term.ReadPassword(int(f.Fd()))
				fmt.Fprintln(cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				password = string(b)
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return fmt.Errorf("password is empty")
			}
			hash, err := runtime.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func maybeRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if !cfg.Storage.Redis.Enabled() {
		return nil, nil
	}
	return runtime.ConnectRedis(ctx, cfg.Storage.Redis)
}
