package main

import (
	"context"
	"fmt"

	"github.com/nexuschat/orchestrator/internal/agent"
	"github.com/nexuschat/orchestrator/internal/config"
	nexuscontext "github.com/nexuschat/orchestrator/internal/context"
	"github.com/nexuschat/orchestrator/internal/crm"
	"github.com/nexuschat/orchestrator/internal/httpapi"
	"github.com/nexuschat/orchestrator/internal/llm"
	"github.com/nexuschat/orchestrator/internal/llm/bedrockprovider"
	"github.com/nexuschat/orchestrator/internal/llm/openaiprovider"
	"github.com/nexuschat/orchestrator/internal/memory"
	"github.com/nexuschat/orchestrator/internal/memory/httpmemory"
	"github.com/nexuschat/orchestrator/internal/memory/inprocess"
	"github.com/nexuschat/orchestrator/internal/observability"
	"github.com/nexuschat/orchestrator/internal/pipeline"
	"github.com/nexuschat/orchestrator/internal/ratelimit"
	"github.com/nexuschat/orchestrator/internal/registry"
	"github.com/nexuschat/orchestrator/internal/router"
	"github.com/nexuschat/orchestrator/internal/router/llmclassifier"
	"github.com/nexuschat/orchestrator/internal/store"
	"github.com/nexuschat/orchestrator/internal/store/pgstore"
	"github.com/nexuschat/orchestrator/internal/store/sqlitestore"
	"github.com/nexuschat/orchestrator/internal/tools"
	"github.com/nexuschat/orchestrator/internal/tools/calculator"
	"github.com/nexuschat/orchestrator/internal/tools/coderunner"
	"github.com/nexuschat/orchestrator/internal/tools/contactsearch"
	"github.com/nexuschat/orchestrator/internal/tools/websearch"
)

// turnEventBufferSize bounds the in-memory turn event timeline; older
// events are evicted once the buffer fills.
const turnEventBufferSize = 4096

// app bundles every collaborator openStore through buildPipeline wires
// together, so serve/doctor can share one construction path.
type app struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	store    store.Store
	registry *registry.Registry
	pipeline *pipeline.Pipeline
	router   *router.Router
	memory   *memory.Budgeted

	tracerShutdown func(context.Context) error
}

// openStore selects and opens the PersistentStore backend named by
// cfg.Store.Driver.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return sqlitestore.Open(cfg.DSN)
	case "postgres":
		return pgstore.Open(ctx, pgstore.Config{DSN: cfg.DSN})
	default:
		return nil, fmt.Errorf("wiring: unknown store driver %q", cfg.Driver)
	}
}

// logWarnAdapter bridges observability.Logger's ctx-first Warn to the
// memory.DegradedLogger interface's narrower (msg, kv...) shape, since
// Budgeted is deliberately built without an observability import.
type logWarnAdapter struct {
	ctx context.Context
	log *observability.Logger
}

func (a logWarnAdapter) Warn(msg string, kv ...any) { a.log.Warn(a.ctx, msg, kv...) }

// buildLLMProvider selects the default llm.Provider named by cfg.
func buildLLMProvider(ctx context.Context, cfg config.LLMConfig) (llm.Provider, error) {
	switch cfg.DefaultProvider {
	case "", "anthropic":
		return llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:       cfg.Anthropic.APIKey,
			DefaultModel: cfg.Anthropic.DefaultModel,
		})
	case "openai":
		return openaiprovider.New(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)
	case "bedrock":
		return bedrockprovider.New(ctx, bedrockprovider.Config{
			Region:       cfg.Bedrock.Region,
			DefaultModel: cfg.Bedrock.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("wiring: unknown llm provider %q", cfg.DefaultProvider)
	}
}

// buildMemoryGateway selects the memory.Gateway backend named by cfg.
// Backend "" / "inprocess" needs no credentials and is the default for a
// deployment with no external memory service.
func buildMemoryGateway(cfg config.MemoryConfig) (memory.Gateway, error) {
	switch cfg.Backend {
	case "", "inprocess":
		return inprocess.New(), nil
	case "http":
		return httpmemory.New(httpmemory.Config{BaseURL: cfg.HTTPBaseURL})
	default:
		return nil, fmt.Errorf("wiring: unknown memory backend %q", cfg.Backend)
	}
}

// buildToolRegistry registers the built-in tools.
// contact_search degrades to a clearly-labeled "unavailable" client when no
// CRM base URL is configured, the same shape websearch.NewUnavailable
// already establishes for web_search.
func buildToolRegistry(st store.Store, metrics *observability.Metrics, logger *observability.Logger, tracer *observability.Tracer, cfg config.ToolsConfig) (*tools.Registry, error) {
	reg := tools.New(st, metrics, logger, tracer, tools.Config{
		DefaultTimeout: cfg.DefaultTimeout,
		OutputSizeCap:  cfg.OutputSizeCap,
	})

	if err := reg.Register(calculator.New()); err != nil {
		return nil, err
	}
	if err := reg.Register(coderunner.New()); err != nil {
		return nil, err
	}
	contactSearchTool, err := buildContactSearch(cfg)
	if err != nil {
		return nil, err
	}
	if err := reg.Register(contactSearchTool); err != nil {
		return nil, err
	}
	if err := reg.Register(websearch.NewUnavailable()); err != nil {
		return nil, err
	}
	return reg, nil
}

func buildContactSearch(cfg config.ToolsConfig) (*contactsearch.Tool, error) {
	if cfg.CRMBaseURL == "" {
		return contactsearch.New(unavailableCRM{}), nil
	}
	client, err := crm.New(crm.Config{BaseURL: cfg.CRMBaseURL})
	if err != nil {
		return nil, fmt.Errorf("wiring: crm client: %w", err)
	}
	return contactsearch.New(client), nil
}

// unavailableCRM satisfies contactsearch.Client for deployments with no CRM
// base URL configured, mirroring websearch.NewUnavailable's pattern.
type unavailableCRM struct{}

func (unavailableCRM) SearchContacts(ctx context.Context, query string, limit int) ([]contactsearch.Contact, error) {
	return nil, fmt.Errorf("crm: no crm_base_url configured")
}

// buildAgents constructs every closed-set agent variant from a shared
// VariantConfig built around provider.
func buildAgents(provider llm.Provider, cfg config.LLMConfig) map[string]pipeline.Agent {
	model := ""
	switch cfg.DefaultProvider {
	case "", "anthropic":
		model = cfg.Anthropic.DefaultModel
	case "openai":
		model = cfg.OpenAI.DefaultModel
	case "bedrock":
		model = cfg.Bedrock.DefaultModel
	}
	vc := agent.VariantConfig{Provider: provider, Model: model}

	return map[string]pipeline.Agent{
		agent.KeyAnalytical:      agent.NewAnalytical(vc),
		agent.KeyCreative:        agent.NewCreative(vc),
		agent.KeyTechnical:       agent.NewTechnical(vc),
		agent.KeyCRM:             agent.NewCRM(vc),
		agent.KeyCustomerSupport: agent.NewCustomerSupport(vc),
	}
}

// buildRouter wires the Router's classifier: the heuristic default, or an
// LLM classifier riding the same default Provider when cfg.UseLLMClassifier
// asks for it.
func buildRouter(cfg config.RouterConfig, provider llm.Provider) *router.Router {
	var classifier router.Classifier
	if cfg.UseLLMClassifier && provider != nil {
		classifier = llmclassifier.New(llm.CompleterAdapter{Provider: provider}, routingSystemPrompt)
	}
	return router.New(router.Config{
		SlashCommands:       defaultSlashCommands,
		Classifier:          classifier,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		FallbackAgent:       cfg.FallbackAgent,
	})
}

const routingSystemPrompt = `Score how well each available agent fits the user's message. Respond with
a JSON object mapping agent key to a confidence between 0 and 1.`

// defaultSlashCommands maps each closed-set agent's slash command to
// itself; an explicit /agent-key command always wins over the router.
var defaultSlashCommands = map[string]string{
	agent.KeyAnalytical:      agent.KeyAnalytical,
	agent.KeyCreative:        agent.KeyCreative,
	agent.KeyTechnical:       agent.KeyTechnical,
	agent.KeyCRM:             agent.KeyCRM,
	agent.KeyCustomerSupport: agent.KeyCustomerSupport,
}

// buildApp wires every collaborator named by cfg into a runnable app,
// shared by the serve and doctor commands.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	var metrics *observability.Metrics
	if cfg.Observ.MetricsEnabled {
		metrics = observability.NewMetrics()
	}

	tracer, tracerShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName: cfg.Observ.ServiceName,
	})
	if !cfg.Observ.TracingEnabled {
		tracer = nil
		tracerShutdown = func(context.Context) error { return nil }
	}

	events := observability.NewEventRecorder(observability.NewMemoryEventStore(turnEventBufferSize), logger)

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fatalStoreError(fmt.Errorf("wiring: open store: %w", err))
	}

	provider, err := buildLLMProvider(ctx, cfg.LLM)
	if err != nil {
		if cfg.Server.Mode == "orch" {
			_ = st.Close()
			return nil, fatalConfigError(fmt.Errorf("wiring: llm provider: %w", err))
		}
		provider = nil
	}

	reg := registry.New(st, metrics, logger, cfg.Session.InactivityWindow)

	toolRegistry, err := buildToolRegistry(st, metrics, logger, tracer, cfg.Tools)
	if err != nil {
		_ = st.Close()
		return nil, fatalConfigError(fmt.Errorf("wiring: tools: %w", err))
	}

	gw, err := buildMemoryGateway(cfg.Memory)
	if err != nil {
		_ = st.Close()
		return nil, fatalConfigError(fmt.Errorf("wiring: memory gateway: %w", err))
	}
	var memoryMetrics memory.DegradedMetrics
	if metrics != nil {
		memoryMetrics = metrics
	}
	budgetedMemory := memory.NewBudgeted(gw, cfg.Memory.QueryBudget, cfg.Memory.AddBudget, memoryMetrics, logWarnAdapter{ctx: ctx, log: logger})

	assembler := nexuscontext.New(st, budgetedMemory, cfg.Context)

	rtr := buildRouter(cfg.Router, provider)

	var agents map[string]pipeline.Agent
	if provider != nil {
		agents = buildAgents(provider, cfg.LLM)
	}

	ipLimiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerSecond: float64(cfg.RateLimit.MaxPerWindow) / float64(max1(cfg.RateLimit.WindowSeconds)),
		BurstSize:         cfg.RateLimit.MaxPerWindow,
		Enabled:           true,
	})
	sessionLimiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerSecond: float64(cfg.RateLimit.MaxPerWindow) / float64(max1(cfg.RateLimit.WindowSeconds)),
		BurstSize:         cfg.RateLimit.MaxPerWindow,
		Enabled:           true,
	})

	pl := pipeline.New(st, reg, rtr, assembler, toolRegistry, budgetedMemory, agents, ipLimiter, sessionLimiter, metrics, logger, tracer, events, pipeline.Config{
		MaxMessageContentBytes: cfg.Server.MaxMessageContentBytes,
		TurnTimeout:            cfg.Server.TurnTimeout,
	})

	return &app{
		cfg:            cfg,
		logger:         logger,
		metrics:        metrics,
		tracer:         tracer,
		store:          st,
		registry:       reg,
		pipeline:       pl,
		router:         rtr,
		memory:         budgetedMemory,
		tracerShutdown: tracerShutdown,
	}, nil
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// httpServer builds the httpapi.Server fronting a.
func (a *app) httpServer() *httpapi.Server {
	return httpapi.New(httpapi.Config{
		Pipeline:    a.pipeline,
		Store:       a.store,
		Registry:    a.registry,
		Router:      a.router,
		Memory:      a.memory,
		CSRFSecret:  a.cfg.Server.CSRFSecret,
		CORSOrigins: nil,
		Metrics:     a.metrics,
		Logger:      a.logger,
	})
}

// shutdown drains the registry's locks, abandons any tool execution still
// pending, and closes the store, in that order.
func (a *app) shutdown(ctx context.Context) error {
	a.registry.Shutdown()
	if _, err := a.store.AbandonPendingToolExecutions(ctx); err != nil {
		a.logger.Warn(ctx, "wiring: failed to abandon pending tool executions", "error", err)
	}
	_ = a.tracerShutdown(ctx)
	return a.store.Close()
}
