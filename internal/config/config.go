// Package config loads the orchestrator's runtime configuration: an
// environment-variable-driven struct with sensible defaults, plus an
// optional YAML file overlay via gopkg.in/yaml.v3 for the pieces awkward
// to express as individual env vars (router rules, agent prompt
// families).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level orchestrator configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Session     SessionConfig     `yaml:"session"`
	LLM         LLMConfig         `yaml:"llm"`
	Memory      MemoryConfig      `yaml:"memory"`
	Context     ContextConfig     `yaml:"context"`
	Router      RouterConfig      `yaml:"router"`
	Tools       ToolsConfig       `yaml:"tools"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Logging     LoggingConfig     `yaml:"logging"`
	Observ      ObservabilityCfg  `yaml:"observability"`
}

// ServerConfig configures the HTTP/SSE surface.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	MaxRequestBody int64         `yaml:"max_request_body"`
	// MaxMessageContentBytes caps a single user/assistant message's content
	// (default 4 KiB), distinct from MaxRequestBody, which bounds the
	// whole HTTP request envelope.
	MaxMessageContentBytes int           `yaml:"max_message_content_bytes"`
	TurnTimeout            time.Duration `yaml:"turn_timeout"`
	CSRFSecret             string        `yaml:"csrf_secret"`
	Mode                   string        `yaml:"mode"` // orch | passthrough | mock
}

// StoreConfig selects and configures the PersistentStore backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`
}

// SessionConfig configures SessionRegistry behavior.
type SessionConfig struct {
	InactivityWindow time.Duration `yaml:"inactivity_window"`
}

// LLMConfig selects the default provider and per-provider credentials.
type LLMConfig struct {
	DefaultProvider string           `yaml:"default_provider"`
	Anthropic       AnthropicConfig  `yaml:"anthropic"`
	Bedrock         BedrockConfig    `yaml:"bedrock"`
	OpenAI          OpenAIConfig     `yaml:"openai"`
}

type AnthropicConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
}

type BedrockConfig struct {
	Region       string `yaml:"region"`
	DefaultModel string `yaml:"default_model"`
}

type OpenAIConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// MemoryConfig configures the MemoryGateway.
type MemoryConfig struct {
	Backend     string        `yaml:"backend"` // inprocess | http
	HTTPBaseURL string        `yaml:"http_base_url"`
	QueryBudget time.Duration `yaml:"query_budget"`
	AddBudget   time.Duration `yaml:"add_budget"`
}

// ContextConfig configures the ContextAssembler.
type ContextConfig struct {
	MaxMessages         int           `yaml:"max_messages"`
	CrossSessionMaxK    int           `yaml:"cross_session_max_sessions"`
	CrossSessionMaxM    int           `yaml:"cross_session_max_messages"`
	CrossSessionWindow  time.Duration `yaml:"cross_session_window"`
	CrossSessionEnabled bool          `yaml:"cross_session_enabled"`
	MemoryTopK          int           `yaml:"memory_top_k"`
	OverflowStrategy    string        `yaml:"overflow_strategy"` // sliding-window | truncate | summarize
	SystemReserve       int           `yaml:"system_reserve"`
}

// RouterConfig configures the Router.
type RouterConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	FallbackAgent       string  `yaml:"fallback_agent"`
	UseLLMClassifier    bool    `yaml:"use_llm_classifier"`
}

// ToolsConfig configures default tool behavior.
type ToolsConfig struct {
	DefaultTimeout    time.Duration `yaml:"default_timeout"`
	OutputSizeCap     int           `yaml:"output_size_cap"`
	MaxRetriesPerTool int           `yaml:"max_retries_per_tool"`
	CRMBaseURL        string        `yaml:"crm_base_url"`
}

// RateLimitConfig configures per-IP/per-session limiting ahead of the pipeline.
type RateLimitConfig struct {
	WindowSeconds int `yaml:"window_seconds"`
	MaxPerWindow  int `yaml:"max_per_window"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityCfg configures metrics/tracing.
type ObservabilityCfg struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
	ServiceName    string `yaml:"service_name"`
}

// Default returns the configuration with every built-in default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   8080,
			MaxRequestBody:         64 * 1024,
			MaxMessageContentBytes: 4 * 1024,
			TurnTimeout:            120 * time.Second,
			Mode:                   "orch",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "file:nexus.db?_pragma=journal_mode(WAL)",
		},
		Session: SessionConfig{
			InactivityWindow: 1800 * time.Second,
		},
		LLM: LLMConfig{
			DefaultProvider: "anthropic",
			Anthropic:       AnthropicConfig{DefaultModel: "claude-sonnet-4-20250514"},
			Bedrock:         BedrockConfig{Region: "us-east-1", DefaultModel: "anthropic.claude-3-sonnet-20240229-v1:0"},
			OpenAI:          OpenAIConfig{DefaultModel: "gpt-4o"},
		},
		Memory: MemoryConfig{
			Backend:     "inprocess",
			QueryBudget: 1500 * time.Millisecond,
			AddBudget:   3 * time.Second,
		},
		Context: ContextConfig{
			MaxMessages:         100,
			CrossSessionMaxK:    3,
			CrossSessionMaxM:    10,
			CrossSessionWindow:  24 * time.Hour,
			CrossSessionEnabled: true,
			MemoryTopK:          5,
			OverflowStrategy:    "sliding-window",
			SystemReserve:       2,
		},
		Router: RouterConfig{
			ConfidenceThreshold: 0.30,
			FallbackAgent:       "analytical",
		},
		Tools: ToolsConfig{
			DefaultTimeout:    30 * time.Second,
			OutputSizeCap:     32 * 1024,
			MaxRetriesPerTool: 1,
		},
		RateLimit: RateLimitConfig{
			WindowSeconds: 60,
			MaxPerWindow:  60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Observ: ObservabilityCfg{
			MetricsEnabled: true,
			TracingEnabled: true,
			ServiceName:    "nexus-orchestrator",
		},
	}
}

// LoadFile overlays a YAML config file onto cfg. A missing file is not an
// error; an unreadable or malformed one is.
func LoadFile(cfg *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// LoadEnv overlays recognized NEXUS_* environment variables onto cfg.
// Env is applied last so secrets never need to live in a checked-in
// file.
func LoadEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	i := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	i64 := func(key string, dst *int64) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	f := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = n
			}
		}
	}
	b := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			if n, err := strconv.ParseBool(v); err == nil {
				*dst = n
			}
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str("NEXUS_HOST", &cfg.Server.Host)
	i("NEXUS_PORT", &cfg.Server.Port)
	i64("NEXUS_MAX_REQUEST_BODY", &cfg.Server.MaxRequestBody)
	i("NEXUS_MAX_MESSAGE_CONTENT_BYTES", &cfg.Server.MaxMessageContentBytes)
	dur("NEXUS_TURN_TIMEOUT", &cfg.Server.TurnTimeout)
	str("NEXUS_CSRF_SECRET", &cfg.Server.CSRFSecret)
	str("NEXUS_MODE", &cfg.Server.Mode)

	str("NEXUS_STORE_DRIVER", &cfg.Store.Driver)
	str("NEXUS_STORE_DSN", &cfg.Store.DSN)

	dur("NEXUS_SESSION_INACTIVITY_WINDOW", &cfg.Session.InactivityWindow)

	str("NEXUS_LLM_PROVIDER", &cfg.LLM.DefaultProvider)
	str("ANTHROPIC_API_KEY", &cfg.LLM.Anthropic.APIKey)
	str("NEXUS_ANTHROPIC_MODEL", &cfg.LLM.Anthropic.DefaultModel)
	str("AWS_REGION", &cfg.LLM.Bedrock.Region)
	str("NEXUS_BEDROCK_MODEL", &cfg.LLM.Bedrock.DefaultModel)
	str("OPENAI_API_KEY", &cfg.LLM.OpenAI.APIKey)
	str("OPENAI_BASE_URL", &cfg.LLM.OpenAI.BaseURL)
	str("NEXUS_OPENAI_MODEL", &cfg.LLM.OpenAI.DefaultModel)

	str("NEXUS_MEMORY_BACKEND", &cfg.Memory.Backend)
	str("NEXUS_MEMORY_HTTP_BASE_URL", &cfg.Memory.HTTPBaseURL)
	dur("NEXUS_MEMORY_QUERY_BUDGET", &cfg.Memory.QueryBudget)
	dur("NEXUS_MEMORY_ADD_BUDGET", &cfg.Memory.AddBudget)

	i("NEXUS_CONTEXT_MAX_MESSAGES", &cfg.Context.MaxMessages)
	i("NEXUS_CONTEXT_CROSS_SESSION_MAX_K", &cfg.Context.CrossSessionMaxK)
	i("NEXUS_CONTEXT_CROSS_SESSION_MAX_M", &cfg.Context.CrossSessionMaxM)
	dur("NEXUS_CONTEXT_CROSS_SESSION_WINDOW", &cfg.Context.CrossSessionWindow)
	b("NEXUS_CONTEXT_CROSS_SESSION_ENABLED", &cfg.Context.CrossSessionEnabled)
	i("NEXUS_CONTEXT_MEMORY_TOP_K", &cfg.Context.MemoryTopK)
	str("NEXUS_CONTEXT_OVERFLOW_STRATEGY", &cfg.Context.OverflowStrategy)

	f("NEXUS_ROUTER_CONFIDENCE_THRESHOLD", &cfg.Router.ConfidenceThreshold)
	str("NEXUS_ROUTER_FALLBACK_AGENT", &cfg.Router.FallbackAgent)
	b("NEXUS_ROUTER_USE_LLM_CLASSIFIER", &cfg.Router.UseLLMClassifier)

	dur("NEXUS_TOOL_DEFAULT_TIMEOUT", &cfg.Tools.DefaultTimeout)
	i("NEXUS_TOOL_OUTPUT_SIZE_CAP", &cfg.Tools.OutputSizeCap)
	i("NEXUS_TOOL_MAX_RETRIES", &cfg.Tools.MaxRetriesPerTool)
	str("NEXUS_CRM_BASE_URL", &cfg.Tools.CRMBaseURL)

	i("NEXUS_RATE_LIMIT_WINDOW_SECONDS", &cfg.RateLimit.WindowSeconds)
	i("NEXUS_RATE_LIMIT_MAX_PER_WINDOW", &cfg.RateLimit.MaxPerWindow)

	str("NEXUS_LOG_LEVEL", &cfg.Logging.Level)
	str("NEXUS_LOG_FORMAT", &cfg.Logging.Format)

	b("NEXUS_METRICS_ENABLED", &cfg.Observ.MetricsEnabled)
	b("NEXUS_TRACING_ENABLED", &cfg.Observ.TracingEnabled)
	str("NEXUS_SERVICE_NAME", &cfg.Observ.ServiceName)
}

// Load builds the Config from defaults, an optional YAML file, then the
// environment, in that priority order (env wins).
func Load(filePath string) (*Config, error) {
	cfg := Default()
	if err := LoadFile(cfg, filePath); err != nil {
		return nil, err
	}
	LoadEnv(cfg)
	return cfg, cfg.Validate()
}

// Validate rejects configurations that would make the orchestrator mode
// unable to start, such as missing LLM credentials while Mode is "orch".
func (c *Config) Validate() error {
	if c.Server.Mode != "orch" {
		return nil
	}
	switch c.LLM.DefaultProvider {
	case "anthropic":
		if c.LLM.Anthropic.APIKey == "" {
			return fmt.Errorf("config: orchestrator mode requires ANTHROPIC_API_KEY")
		}
	case "openai":
		if c.LLM.OpenAI.APIKey == "" {
			return fmt.Errorf("config: orchestrator mode requires OPENAI_API_KEY")
		}
	case "bedrock":
		// Bedrock uses the default AWS credential chain; no key to check here.
	default:
		return fmt.Errorf("config: unknown llm provider %q", c.LLM.DefaultProvider)
	}
	return nil
}
