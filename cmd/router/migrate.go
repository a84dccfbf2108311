package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-agent-router/internal/infra"
	"github.com/xela07ax/spaceai-agent-router/internal/repository/postgres"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Database.URL == "" {
			return errors.New("database.url is not set")
		}
		logger := infra.NewLogger(cfg.Logger)
		defer func() { _ = logger.Sync() }()

		pool, err := postgres.Connect(cmd.Context(), cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()

		n, err := postgres.Migrate(cmd.Context(), pool)
		if err != nil {
			return err
		}
		logger.Info("migrations applied", zap.Int("count", n))
		fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
		return nil
	},
}
