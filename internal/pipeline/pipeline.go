// Package pipeline implements the turn pipeline: the per-turn
// orchestration that validates a request, serializes it through the
// session registry, routes it to an agent, assembles context, drives the
// agent state machine, and persists the resulting assistant message,
// emitting SSE events at every step. The whole
// validate -> rate-limit -> lock -> route -> assemble -> stream chain is
// one synchronous method per turn, since this package owns a turn's
// entire lifetime.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel/trace"

	"github.com/nexuschat/orchestrator/internal/agent"
	nexuscontext "github.com/nexuschat/orchestrator/internal/context"
	"github.com/nexuschat/orchestrator/internal/errs"
	"github.com/nexuschat/orchestrator/internal/memory"
	"github.com/nexuschat/orchestrator/internal/models"
	"github.com/nexuschat/orchestrator/internal/observability"
	"github.com/nexuschat/orchestrator/internal/ratelimit"
	"github.com/nexuschat/orchestrator/internal/registry"
	"github.com/nexuschat/orchestrator/internal/router"
	"github.com/nexuschat/orchestrator/internal/store"
	"github.com/nexuschat/orchestrator/internal/stream"
	"github.com/nexuschat/orchestrator/internal/tools"
)

// Agent is the subset of agent.Agent / agent.CustomerSupportAgent the
// pipeline needs, so it can drive either the plain FSM or an Agency
// wrapper through the same call without caring which.
type Agent interface {
	Name() string
	AllowedTools() []string
	Prompt() string
	Run(ctx context.Context, bundle *models.ContextBundle, registry *tools.Registry, exec agent.ToolExecutor) (<-chan agent.Event, error)
}

// Config tunes pipeline-level behavior that isn't owned by one of its
// collaborators' own configuration.
type Config struct {
	// MaxMessageContentBytes caps a single turn's user message content
	// (default 4 KiB).
	MaxMessageContentBytes int
	// TurnTimeout bounds an entire turn (default 120s); Run
	// derives its own working context from this when the caller's ctx
	// carries no earlier deadline.
	TurnTimeout time.Duration
	// FinalizeTimeout bounds the detached, disconnect-proof window used to
	// persist the assistant message, record memory, and touch the
	// registry after a turn completes or is cancelled.
	FinalizeTimeout time.Duration
}

// Pipeline wires the turn's collaborators into the single per-turn
// entry point Run.
type Pipeline struct {
	store     store.Store
	registry  *registry.Registry
	router    *router.Router
	assembler *nexuscontext.Assembler
	tools     *tools.Registry
	memory    *memory.Budgeted
	agents    map[string]Agent
	agentKeys []string

	ipLimiter      *ratelimit.Limiter
	sessionLimiter *ratelimit.Limiter

	metrics *observability.Metrics
	logger  *observability.Logger
	tracer  *observability.Tracer
	events  *observability.EventRecorder

	cfg Config
}

// New builds a Pipeline. ipLimiter/sessionLimiter may be nil to disable
// that dimension of rate limiting; the by-IP and by-session checks run
// independently.
func New(
	st store.Store,
	reg *registry.Registry,
	rtr *router.Router,
	asm *nexuscontext.Assembler,
	toolRegistry *tools.Registry,
	mem *memory.Budgeted,
	agents map[string]Agent,
	ipLimiter, sessionLimiter *ratelimit.Limiter,
	metrics *observability.Metrics,
	logger *observability.Logger,
	tracer *observability.Tracer,
	events *observability.EventRecorder,
	cfg Config,
) *Pipeline {
	if cfg.MaxMessageContentBytes <= 0 {
		cfg.MaxMessageContentBytes = 4 * 1024
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 120 * time.Second
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 10 * time.Second
	}

	keys := make([]string, 0, len(agents))
	for k := range agents {
		keys = append(keys, k)
	}

	return &Pipeline{
		store:          st,
		registry:       reg,
		router:         rtr,
		assembler:      asm,
		tools:          toolRegistry,
		memory:         mem,
		agents:         agents,
		agentKeys:      keys,
		ipLimiter:      ipLimiter,
		sessionLimiter: sessionLimiter,
		metrics:        metrics,
		logger:         logger,
		tracer:         tracer,
		events:         events,
		cfg:            cfg,
	}
}

// Request is one turn's input, gathered by the HTTP surface from the
// request body, path, and connection metadata.
type Request struct {
	SessionID string
	UserID    string
	Content   string
	ClientIP  string
}

// Run drives one full turn, writing the turn's SSE events to sink, and
// returns the persisted assistant message. A non-nil error
// return means the turn never reached "append user message" (validation,
// rate limit, or lock acquisition failure): no assistant message
// was written and sink received no events. Past that point, Run always
// returns the assistant message it persisted, with its Metadata recording
// whatever outcome the turn reached (ok, cancelled, or error), and any
// in-turn failure is reported through that metadata and an `error` SSE
// event rather than a Go error.
func (p *Pipeline) Run(ctx context.Context, req Request, sink *stream.Sink) (*models.Message, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = models.NewSessionID()
	}

	// 1. Validate request.
	if len(req.Content) > p.cfg.MaxMessageContentBytes {
		return nil, errs.New(errs.Validation, "pipeline", fmt.Sprintf("message content exceeds %d bytes", p.cfg.MaxMessageContentBytes))
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, errs.New(errs.Validation, "pipeline", "message content is empty")
	}

	// 2. Rate-limit by IP and by session.
	if p.ipLimiter != nil && req.ClientIP != "" && !p.ipLimiter.Allow(req.ClientIP) {
		return nil, errs.New(errs.RateLimit, "pipeline", "rate limit exceeded for client ip")
	}
	if p.sessionLimiter != nil && !p.sessionLimiter.Allow(sessionID) {
		return nil, errs.New(errs.RateLimit, "pipeline", "rate limit exceeded for session")
	}

	started := time.Now()
	turnCtx, cancelTurn := context.WithTimeout(ctx, p.cfg.TurnTimeout)
	defer cancelTurn()
	turnCtx = observability.AddSessionID(turnCtx, sessionID)

	var turnSpan trace.Span
	if p.tracer != nil {
		// The routed agent isn't known yet; its attribute is set once the
		// router has decided.
		turnCtx, turnSpan = p.tracer.TraceTurn(turnCtx, sessionID, "")
		defer turnSpan.End()
	}

	// 3. Acquire the session's exclusive writer lock; create the session
	// if it doesn't exist yet.
	release, err := p.registry.AcquireWriter(turnCtx, sessionID, "pipeline")
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := p.store.GetSession(turnCtx, sessionID)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "pipeline", err)
	}
	if sess == nil {
		sess, err = p.store.CreateSession(turnCtx, sessionID, req.UserID, defaultTitle(req.Content))
		if err != nil {
			return nil, errs.Wrap(errs.Storage, "pipeline", err)
		}
	}

	// 4. Append the user message.
	userMsg, err := p.store.AppendMessage(turnCtx, sessionID, models.MessageUser, req.Content, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "pipeline", err)
	}

	// From here on, the turn has reached "append user message": every
	// exit path below persists an assistant message rather than returning
	// a bare Go error.
	if p.metrics != nil {
		p.metrics.TurnStarted()
	}
	turnID := fmt.Sprintf("turn-%d", userMsg.ID)
	turnCtx = observability.AddTurnID(turnCtx, turnID)
	if p.events != nil {
		_ = p.events.RecordTurnStart(turnCtx, turnID, map[string]any{
			"session_id": sessionID,
			"user_id":    req.UserID,
		})
	}

	// 5. Load session settings.
	settings := LoadSettings(sess)

	// 6. Router decision.
	slashCmd := parseSlashCommand(req.Content)
	routeCtx := turnCtx
	var routeSpan trace.Span
	if p.tracer != nil {
		routeCtx, routeSpan = p.tracer.TraceRouterDecision(turnCtx, sessionID)
	}
	decision := p.router.Route(routeCtx, router.Request{
		UserText: req.Content,
		Settings: router.SessionSettings{
			AgentLock:       settings.AgentLock,
			LastAgent:       settings.LastAgent,
			AgentPreference: settings.AgentPreference,
		},
		ExplicitSlashCommand: slashCmd,
		AvailableAgents:      p.agentKeys,
	})
	if routeSpan != nil {
		p.tracer.SetAttributes(routeSpan,
			"agent", decision.Agent,
			"override_source", string(decision.OverrideSource),
			"confidence", decision.Confidence,
		)
		routeSpan.End()
	}
	if turnSpan != nil {
		p.tracer.SetAttributes(turnSpan, "agent", decision.Agent)
	}
	if p.metrics != nil {
		p.metrics.RecordRouterDecision(decision.Agent, string(decision.OverrideSource), decision.Confidence)
	}

	agentImpl, ok := p.agents[decision.Agent]
	if !ok {
		err := fmt.Errorf("no agent registered for %q", decision.Agent)
		return p.finalize(turnCtx, sink, sessionID, req, decision, nil, nil, "", started, false, err)
	}

	// 7. ContextAssembler produces the bundle.
	crossSessionEnabled := settings.CrossSessionEnabled
	bundle, err := p.assembler.Assemble(turnCtx, nexuscontext.Request{
		SessionID:           sessionID,
		UserID:              req.UserID,
		CurrentUserText:     req.Content,
		SystemPrompt:        agentImpl.Prompt(),
		CrossSessionEnabled: &crossSessionEnabled,
	})
	if err != nil {
		return p.finalize(turnCtx, sink, sessionID, req, decision, nil, nil, "", started, false, errs.Wrap(errs.Storage, "pipeline", err))
	}

	// 8. Start the SSE stream.
	sink.Emit(turnCtx, stream.Event{Type: stream.EventStart, Data: stream.StartData{Agent: decision.Agent, SessionID: sessionID}})

	// 9. Drive the agent FSM.
	var toolsUsed []map[string]any
	exec := p.makeExecutor(sink, sessionID, &toolsUsed)

	events, err := agentImpl.Run(turnCtx, bundle, p.tools, exec)
	if err != nil {
		return p.finalize(turnCtx, sink, sessionID, req, decision, bundle, toolsUsed, "", started, false, err)
	}

	content, cancelled, turnErr := p.driveAgent(turnCtx, sink, events)

	if turnSpan != nil && turnErr != nil {
		p.tracer.RecordError(turnSpan, turnErr)
	}
	if p.metrics != nil {
		terminal := "done"
		switch {
		case cancelled:
			terminal = "cancelled"
		case turnErr != nil:
			terminal = "error"
		}
		p.metrics.TurnCompleted(decision.Agent, terminal, time.Since(started).Seconds())
	}

	return p.finalize(turnCtx, sink, sessionID, req, decision, bundle, toolsUsed, content, started, cancelled, turnErr)
}

// makeExecutor wraps internal/tools.Registry.Execute as an
// agent.ToolExecutor, emitting tool_start/tool_result SSE events around
// each call and appending to toolsUsed for the assistant message's
// metadata (the toolsUsed-metadata link described in DESIGN.md, used
// instead of a second ToolExecution patch call). Tool execution itself
// runs on a context detached from turn cancellation (still bounded by its
// own per-tool timeout inside Execute) so a client disconnect can never
// mid-abort a tool call already in flight.
func (p *Pipeline) makeExecutor(sink *stream.Sink, sessionID string, toolsUsed *[]map[string]any) agent.ToolExecutor {
	return func(ctx context.Context, toolCallID, name string, input json.RawMessage) (*tools.Result, error) {
		ctx = observability.AddToolCallID(ctx, toolCallID)
		sink.Emit(ctx, stream.Event{Type: stream.EventToolStart, Data: stream.ToolStartData{
			ToolID:   toolCallID,
			ToolName: name,
			Params:   input,
		}})
		if p.events != nil {
			_ = p.events.RecordToolStart(ctx, name, input)
		}

		started := time.Now()
		result, err := p.tools.Execute(context.WithoutCancel(ctx), sessionID, nil, name, input)
		duration := time.Since(started)

		success := err == nil && result != nil && !result.IsError
		resultText := ""
		errText := ""
		var executionID int64
		switch {
		case err != nil:
			errText = err.Error()
		case result != nil:
			resultText = result.Content
			executionID = result.ExecutionID
			if result.IsError {
				errText = result.Content
			}
		}

		sink.Emit(ctx, stream.Event{Type: stream.EventToolResult, Data: stream.ToolResultData{
			ToolID:     toolCallID,
			Success:    success,
			Result:     resultText,
			Error:      errText,
			DurationMs: duration.Milliseconds(),
		}})
		if p.events != nil {
			_ = p.events.RecordToolEnd(ctx, name, duration, resultText, err)
		}

		if p.metrics != nil {
			status := "ok"
			if !success {
				status = "error"
			}
			p.metrics.RecordToolExecution(name, status, duration.Seconds())
		}

		*toolsUsed = append(*toolsUsed, map[string]any{
			"name":        name,
			"executionId": executionID,
			"success":     success,
		})

		return result, err
	}
}

// driveAgent consumes an agent's event channel, turning StateGenerating
// text/status into token/status SSE events and accumulating the assistant
// message's content, until the channel closes or ctx is cancelled. When
// cancelled, it stops emitting events but keeps draining the channel so the agent
// goroutine (and any in-flight tool call it's awaiting) can still finish
// without leaking.
func (p *Pipeline) driveAgent(ctx context.Context, sink *stream.Sink, events <-chan agent.Event) (content string, cancelled bool, turnErr error) {
	var buf strings.Builder

loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return buf.String(), false, turnErr
			}
			switch ev.State {
			case agent.StateGenerating:
				if ev.Text != "" {
					buf.WriteString(ev.Text)
					sink.Emit(ctx, stream.Event{Type: stream.EventToken, Data: stream.TokenData{Content: ev.Text}})
				}
				if ev.StatusText != "" {
					sink.Emit(ctx, stream.Event{Type: stream.EventStatus, Data: stream.StatusData{Message: ev.StatusText}})
				}
			case agent.StateDone:
				if buf.Len() == 0 {
					buf.WriteString(ev.Text)
				}
			case agent.StateError:
				turnErr = ev.Err
			}
		case <-ctx.Done():
			cancelled = true
			break loop
		}
	}

	// Drain without a select on ctx: the agent goroutine may still be
	// mid-tool-call on a detached context and needs its channel read to
	// unblock, but nothing further should reach the client.
	for ev := range events {
		if ev.State == agent.StateDone && buf.Len() == 0 {
			buf.WriteString(ev.Text)
		}
		if ev.State == agent.StateError {
			turnErr = ev.Err
		}
	}
	return buf.String(), cancelled, turnErr
}

// finalize persists the assistant message, best-effort records the turn in
// memory, releases the lock, and emits the terminal SSE event, all on a
// context detached from the caller's ctx so a client disconnect never
// prevents the turn's required bookkeeping.
func (p *Pipeline) finalize(
	ctx context.Context,
	sink *stream.Sink,
	sessionID string,
	req Request,
	decision models.RouterDecision,
	bundle *models.ContextBundle,
	toolsUsed []map[string]any,
	content string,
	started time.Time,
	cancelled bool,
	turnErr error,
) (*models.Message, error) {
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FinalizeTimeout)
	defer cancel()

	if toolsUsed == nil {
		toolsUsed = []map[string]any{}
	}

	status := "ok"
	metadata := models.JSONMap{
		"agent": decision.Agent,
		"routerDecision": map[string]any{
			"agent":          decision.Agent,
			"confidence":     decision.Confidence,
			"reason":         decision.Reason,
			"overrideSource": string(decision.OverrideSource),
		},
		"toolsUsed": toolsUsed,
	}

	memoryMeta := map[string]any{"status": "ok"}
	if bundle != nil && bundle.MemoryDegraded {
		memoryMeta = map[string]any{"status": "degraded", "reason": bundle.MemoryReason}
	}
	metadata["memory"] = memoryMeta
	if bundle != nil && bundle.Degraded {
		metadata["degraded"] = true
	}

	switch {
	case cancelled:
		status = "cancelled"
	case turnErr != nil:
		status = "error"
		metadata["error"] = map[string]any{
			"kind":    string(errs.KindOf(turnErr)),
			"message": turnErr.Error(),
		}
		if p.metrics != nil {
			p.metrics.RecordError("pipeline", string(errs.KindOf(turnErr)))
		}
	}
	metadata["status"] = status

	msg, err := p.store.AppendMessage(finalCtx, sessionID, models.MessageAssistant, content, metadata)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn(finalCtx, "pipeline: failed to persist assistant message", "session_id", sessionID, "error", err)
		}
		// Callers still get the turn's outcome even when the row write
		// failed; the message just has no store-assigned id.
		msg = &models.Message{
			SessionID: sessionID,
			Type:      models.MessageAssistant,
			Content:   content,
			CreatedAt: time.Now(),
			Metadata:  metadata,
		}
	}

	if _, err := p.store.UpdateSession(finalCtx, sessionID, lastAgentPatch(decision.Agent)); err != nil && p.logger != nil {
		p.logger.Warn(finalCtx, "pipeline: failed to record last agent", "session_id", sessionID, "error", err)
	}

	if p.memory != nil {
		p.memory.AddTurn(finalCtx, sessionID, req.UserID, []memory.Message{
			{Role: "user", Content: req.Content},
			{Role: "assistant", Content: content},
		})
	}

	if status == "error" {
		sink.Emit(ctx, stream.Event{Type: stream.EventError, Data: stream.ErrorData{Code: string(errs.KindOf(turnErr)), Message: turnErr.Error()}})
	} else {
		metaOut := map[string]any(metadata)
		sink.Emit(ctx, stream.Event{Type: stream.EventEnd, Data: stream.EndData{Message: content, Metadata: metaOut}})
	}
	sink.Close()

	if err := p.registry.Touch(finalCtx, sessionID); err != nil && p.logger != nil {
		p.logger.Warn(finalCtx, "pipeline: failed to touch session activity", "session_id", sessionID, "error", err)
	}

	if p.events != nil {
		_ = p.events.RecordTurnEnd(finalCtx, time.Since(started), turnErr)
	}

	return msg, nil
}

// parseSlashCommand extracts a leading "/command" token from content,
// without its slash, or "" if content doesn't start with one. The full
// content (slash included) is still passed as the router's UserText, so a
// classifier fallback sees the whole message if the command isn't
// recognized.
func parseSlashCommand(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "/") {
		return ""
	}
	rest := trimmed[1:]
	if idx := strings.IndexFunc(rest, unicode.IsSpace); idx >= 0 {
		return rest[:idx]
	}
	return rest
}

// defaultTitle derives a session title from the first line of its first
// message when the caller supplied none.
func defaultTitle(content string) string {
	line := strings.SplitN(strings.TrimSpace(content), "\n", 2)[0]
	const maxLen = 80
	if len(line) > maxLen {
		return line[:maxLen]
	}
	return line
}
