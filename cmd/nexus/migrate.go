package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nexuschat/orchestrator/internal/config"
)

// buildMigrateCmd applies the store's embedded schema. Both backends
// (sqlitestore, pgstore) run their CREATE TABLE IF NOT EXISTS schema
// unconditionally on Open, so "migrating" is simply opening the store once
// and reporting success; there is no separate up/down ledger to track.
func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the persistent store's schema",
		Long: `migrate opens the configured store, which applies its embedded
CREATE TABLE IF NOT EXISTS schema (and, for sqlite, its session.message_count
trigger) before returning, then closes the connection.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	return cmd
}

func runMigrate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fatalConfigError(fmt.Errorf("migrate: %w", err))
	}

	st, err := openStore(cmd.Context(), cfg.Store)
	if err != nil {
		return fatalStoreError(fmt.Errorf("migrate: %w", err))
	}
	defer st.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "schema applied: driver=%s\n", cfg.Store.Driver)
	return nil
}
