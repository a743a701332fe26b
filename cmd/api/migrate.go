package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the collections, tables and indexes of the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("store: %w", err)
			}
			defer st.Close(context.Background())

			if err := st.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrate: done", "driver", cfg.StoreDriver)
			return nil
		},
	}
}
