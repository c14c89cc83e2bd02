package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/researcher/config"
	srv "github.com/mohammad-safakhou/researcher/internal/server"
)

func migrateCMD(cfgPath *string) *cobra.Command {
	var direction string
	var steps int
	var dsn string

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				cfg, err := config.Load(*cfgPath)
				if err != nil {
					return err
				}
				if !cfg.Storage.Postgres.Enabled() {
					return fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
				}
				if dsn, err = cfg.Storage.Postgres.DSN(); err != nil {
					return err
				}
			}
			if err := srv.Migrate(dsn, direction, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", direction)
			return nil
		},
	}
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	migrate.Flags().StringVar(&dsn, "dsn", "", "postgres dsn (overrides config)")
	return migrate
}
