package main

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/ent0n29/voicerelay/internal/storage"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the usage ledger schema migrations to DATABASE_URL",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is not set")
		}
		pool, err := pgxpool.New(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer pool.Close()
		if err := storage.Migrate(cmd.Context(), pool); err != nil {
			return err
		}
		logger.Info("migrations applied")
		return nil
	},
}
