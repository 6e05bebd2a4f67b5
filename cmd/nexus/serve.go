package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nexuschat/orchestrator/internal/config"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator's HTTP/SSE server",
		Long: `serve loads configuration, opens the persistent store, wires the turn
pipeline, and starts the HTTP server until SIGINT/SIGTERM, then drains
active session locks and abandons any tool execution still pending before
exiting (see the shutdown sequence this implements).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fatalConfigError(fmt.Errorf("serve: %w", err))
	}

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}

	srv := a.httpServer()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.logger.Info(ctx, "nexus orchestrator starting",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"store_driver", cfg.Store.Driver,
		"llm_provider", cfg.LLM.DefaultProvider,
	)

	if err := srv.ListenAndServe(ctx, fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)); err != nil {
		_ = a.shutdown(context.Background())
		return fmt.Errorf("serve: %w", err)
	}

	a.logger.Info(context.Background(), "draining session locks and abandoning pending tool executions")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.TurnTimeout)
	defer shutdownCancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("serve: shutdown: %w", err)
	}
	a.logger.Info(context.Background(), "nexus orchestrator stopped")
	return nil
}
