package config

import (
	"testing"
	"time"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Context.MaxMessages != 100 {
		t.Errorf("MaxMessages = %d, want 100", cfg.Context.MaxMessages)
	}
	if cfg.Session.InactivityWindow != 1800*time.Second {
		t.Errorf("InactivityWindow = %v, want 1800s", cfg.Session.InactivityWindow)
	}
	if cfg.Tools.DefaultTimeout != 30*time.Second {
		t.Errorf("Tools.DefaultTimeout = %v, want 30s", cfg.Tools.DefaultTimeout)
	}
	if cfg.Server.TurnTimeout != 120*time.Second {
		t.Errorf("TurnTimeout = %v, want 120s", cfg.Server.TurnTimeout)
	}
	if cfg.Server.MaxRequestBody != 64*1024 {
		t.Errorf("MaxRequestBody = %d, want 65536", cfg.Server.MaxRequestBody)
	}
	if cfg.Router.ConfidenceThreshold != 0.30 {
		t.Errorf("ConfidenceThreshold = %v, want 0.30", cfg.Router.ConfidenceThreshold)
	}
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	cfg := Default()
	t.Setenv("NEXUS_PORT", "9090")
	t.Setenv("NEXUS_ROUTER_CONFIDENCE_THRESHOLD", "0.5")
	t.Setenv("NEXUS_CONTEXT_CROSS_SESSION_ENABLED", "false")

	LoadEnv(cfg)

	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Router.ConfidenceThreshold != 0.5 {
		t.Errorf("ConfidenceThreshold = %v, want 0.5", cfg.Router.ConfidenceThreshold)
	}
	if cfg.Context.CrossSessionEnabled {
		t.Errorf("CrossSessionEnabled = true, want false")
	}
}

func TestValidateRequiresCredentialsInOrchMode(t *testing.T) {
	cfg := Default()
	cfg.Server.Mode = "orch"
	cfg.LLM.DefaultProvider = "anthropic"
	cfg.LLM.Anthropic.APIKey = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing ANTHROPIC_API_KEY in orch mode")
	}

	cfg.LLM.Anthropic.APIKey = "sk-ant-test"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidatePassthroughModeSkipsCredentialCheck(t *testing.T) {
	cfg := Default()
	cfg.Server.Mode = "passthrough"
	cfg.LLM.Anthropic.APIKey = ""

	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
