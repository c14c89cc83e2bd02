package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/observer"
	"github.com/mohammad-safakhou/researcher/internal/runtime"
)

// watchCMD tails the step stream written by the redis observer backend.
func watchCMD(cfgPath *string) *cobra.Command {
	var runID, group string
	var replay bool
	watch := &cobra.Command{
		Use:   "watch",
		Short: "Follow run progress published to the redis step stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if !cfg.Storage.Redis.Enabled() {
				return fmt.Errorf("watch requires storage.redis")
			}
			rdb, err := runtime.ConnectRedis(ctx, cfg.Storage.Redis)
			if err != nil {
				return err
			}
			defer rdb.Close()

			name := "watch-" + uuid.NewString()[:8]
			if group == "" {
				// a private group sees every record
				group = name
			}
			start := "$"
			if replay {
				start = "0"
			}
			f, err := observer.NewFollower(ctx, rdb, cfg.Observer.Stream, group, name, start)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			err = f.Follow(ctx, func(ev observer.Event) bool {
				switch {
				case ev.Step != nil:
					if runID == "" || ev.Step.RunID == runID {
						fmt.Fprintf(out, "%s ", ev.Step.RunID)
						writeStep(out, *ev.Step)
					}
				case ev.Finished != nil:
					if runID == "" || ev.Finished.RunID == runID {
						fmt.Fprintf(out, "%s finished: %s\n", ev.Finished.RunID, ev.Finished.Status)
						return runID == ""
					}
				}
				return true
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	watch.Flags().StringVar(&runID, "run", "", "only show this run and exit when it finishes")
	watch.Flags().StringVar(&group, "group", "", "consumer group to join (default a private one)")
	watch.Flags().BoolVar(&replay, "replay", false, "start from the beginning of the stream")
	return watch
}
