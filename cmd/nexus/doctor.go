package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nexuschat/orchestrator/internal/config"
)

// buildDoctorCmd builds a connectivity/configuration check: load config,
// report what's wrong, exit non-zero on failure. It covers config
// validity, store connectivity, and LLM credential presence.
func buildDoctorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and store connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	return cmd
}

func runDoctor(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	ok := true

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(out, "[FAIL] config: %v\n", err)
		return fatalConfigError(fmt.Errorf("doctor: %w", err))
	}
	fmt.Fprintf(out, "[ OK ] config: mode=%s llm_provider=%s store_driver=%s\n",
		cfg.Server.Mode, cfg.LLM.DefaultProvider, cfg.Store.Driver)

	ok = checkStore(cmd.Context(), out, cfg.Store) && ok
	ok = checkLLMCredentials(out, cfg) && ok
	ok = checkMemoryBackend(out, cfg) && ok

	if !ok {
		return fatalConfigError(fmt.Errorf("doctor: one or more checks failed"))
	}
	fmt.Fprintln(out, "all checks passed")
	return nil
}

func checkStore(ctx context.Context, out io.Writer, cfg config.StoreConfig) bool {
	st, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(out, "[FAIL] store (%s): %v\n", cfg.Driver, err)
		return false
	}
	defer st.Close()
	fmt.Fprintf(out, "[ OK ] store (%s): reachable\n", cfg.Driver)
	return true
}

func checkLLMCredentials(out io.Writer, cfg *config.Config) bool {
	if cfg.Server.Mode != "orch" {
		fmt.Fprintf(out, "[ OK ] llm: skipped (server.mode=%s)\n", cfg.Server.Mode)
		return true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "[FAIL] llm credentials: %v\n", err)
		return false
	}
	fmt.Fprintf(out, "[ OK ] llm credentials: %s configured\n", cfg.LLM.DefaultProvider)
	return true
}

func checkMemoryBackend(out io.Writer, cfg *config.Config) bool {
	if cfg.Memory.Backend == "http" && cfg.Memory.HTTPBaseURL == "" {
		fmt.Fprintln(out, "[FAIL] memory: backend=http requires memory.http_base_url")
		return false
	}
	fmt.Fprintf(out, "[ OK ] memory: backend=%s\n", cfg.Memory.Backend)
	return true
}

