// Package tools implements the tool registry: a name-keyed set of
// JSON-schema validated tools, each invocation logged as exactly one
// ToolExecution row that transitions pending -> success|error exactly
// once. Input is validated against the tool's compiled schema
// (santhosh-tekuri/jsonschema) before Execute is ever called.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/nexuschat/orchestrator/internal/errs"
	"github.com/nexuschat/orchestrator/internal/models"
	"github.com/nexuschat/orchestrator/internal/observability"
	"github.com/nexuschat/orchestrator/internal/store"
)

// Tool parameter limits.
const (
	MaxToolNameLength  = 256
	MaxToolParamsBytes = 1 << 20
)

// Result is a tool's output: human/LLM-readable content plus an error flag.
type Result struct {
	Content string
	IsError bool

	// ExecutionID is the ToolExecution row id Execute just wrote, so a
	// caller that later learns the assistant message id (messages are
	// append-only and persisted only once the turn completes) can link the
	// two via UpdateToolExecution without Execute itself needing to block
	// on that later write.
	ExecutionID int64
}

// Capability names a behavior a Tool opts into beyond the base
// describe/validate/execute contract.
type Capability string

// CapabilityStreams marks a tool whose result the agent pipeline may
// treat as a sequence of progress chunks; without it a tool's result is a
// single atomic event.
const CapabilityStreams Capability = "streams"

// Tool is a single named, schema-described capability a turn can invoke.
type Tool interface {
	Name() string
	Description() string
	// Schema returns a JSON Schema (draft 2020-12 compatible) describing the
	// shape Execute's input must take.
	Schema() json.RawMessage
	Execute(ctx context.Context, input json.RawMessage) (*Result, error)
}

// CapabilityProvider is an optional interface a Tool may implement to
// declare its Capability set. A Tool that doesn't implement it is treated
// as having no capabilities, i.e. a plain atomic tool.
type CapabilityProvider interface {
	Capabilities() []Capability
}

// Capabilities returns t's declared capability set, or nil if t doesn't
// implement CapabilityProvider.
func Capabilities(t Tool) []Capability {
	if cp, ok := t.(CapabilityProvider); ok {
		return cp.Capabilities()
	}
	return nil
}

// HasCapability reports whether t declares cap.
func HasCapability(t Tool, cap Capability) bool {
	for _, c := range Capabilities(t) {
		if c == cap {
			return true
		}
	}
	return false
}

// Registry holds every tool available to a turn and mediates execution
// through store-backed logging, so every call produces exactly one
// ToolExecution row regardless of how the tool itself behaves.
type Registry struct {
	store   store.Store
	metrics *observability.Metrics
	logger  *observability.Logger
	tracer  *observability.Tracer

	defaultTimeout time.Duration
	outputCap      int

	mu       sync.RWMutex
	tools    map[string]Tool
	compiled map[string]*jsonschema.Schema
	schemaOK map[string]bool // false means Schema() didn't compile; validation is skipped, not fatal
}

// Config tunes the registry's execution budget, sourced from
// internal/config.ToolsConfig.
type Config struct {
	DefaultTimeout time.Duration
	OutputSizeCap  int
}

// New builds an empty Registry. Call Register for each built-in tool before
// first use. metrics/logger/tracer may be nil.
func New(st store.Store, metrics *observability.Metrics, logger *observability.Logger, tracer *observability.Tracer, cfg Config) *Registry {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cap := cfg.OutputSizeCap
	if cap <= 0 {
		cap = 32 * 1024
	}
	return &Registry{
		store:          st,
		metrics:        metrics,
		logger:         logger,
		tracer:         tracer,
		defaultTimeout: timeout,
		outputCap:      cap,
		tools:          make(map[string]Tool),
		compiled:       make(map[string]*jsonschema.Schema),
		schemaOK:       make(map[string]bool),
	}
}

// Register adds a tool, replacing any existing tool of the same name. Its
// schema is compiled eagerly so a malformed Schema() is caught at wiring
// time, not on the first turn that calls the tool.
func (r *Registry) Register(t Tool) error {
	compiler := jsonschema.NewCompiler()
	url := "mem://" + t.Name() + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(t.Schema())); err != nil {
		return fmt.Errorf("tools: register %s: add schema resource: %w", t.Name(), err)
	}
	schema, err := compiler.Compile(url)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	if err != nil {
		// The tool is still registered; it just runs unvalidated.
		r.schemaOK[t.Name()] = false
		delete(r.compiled, t.Name())
		return fmt.Errorf("tools: register %s: compile schema: %w", t.Name(), err)
	}
	r.compiled[t.Name()] = schema
	r.schemaOK[t.Name()] = true
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool, for building an LLM provider's tools
// parameter.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// ToolCapabilities returns the declared Capability set for a registered
// tool, or (nil, false) if no tool with that name is registered.
func (r *Registry) ToolCapabilities(name string) ([]Capability, bool) {
	t, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	return Capabilities(t), true
}

func (r *Registry) validate(name string, input json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.compiled[name]
	valid := r.schemaOK[name]
	r.mu.RUnlock()
	if !ok || !valid {
		return nil
	}
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return err
	}
	return nil
}

// Execute runs a tool by name within a single ToolExecution row's lifetime:
// the row is created pending, the tool runs under defaultTimeout, and the
// row is updated to its terminal status exactly once before Execute
// returns, whether the tool succeeds, errors, or the context expires.
func (r *Registry) Execute(ctx context.Context, sessionID string, messageID *int64, name string, input json.RawMessage) (*Result, error) {
	if len(name) > MaxToolNameLength {
		return nil, errs.New(errs.Validation, "tools", "tool name exceeds maximum length")
	}
	if len(input) > MaxToolParamsBytes {
		return nil, errs.New(errs.Validation, "tools", "tool input exceeds maximum size")
	}

	tool, ok := r.Get(name)
	if !ok {
		return nil, errs.New(errs.NotFound, "tools", "tool not found: "+name)
	}

	if err := r.validate(name, input); err != nil {
		return nil, errs.Wrapf(errs.Validation, "tools", err, "invalid input for tool %s", name)
	}

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.TraceToolExecution(ctx, name)
		defer span.End()
	}

	execID, err := r.store.LogToolExecution(ctx, sessionID, &models.ToolExecution{
		MessageID: messageID,
		ToolName:  name,
		Input:     input,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "tools", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.defaultTimeout)
	defer cancel()

	start := time.Now()
	result, runErr := tool.Execute(runCtx, input)
	duration := time.Since(start)

	patch := store.ToolExecutionPatch{
		CompletedAt: time.Now().UTC(),
		DurationMs:  duration.Milliseconds(),
	}

	var outErr error
	switch {
	case runErr != nil:
		patch.Status = models.ToolExecutionError
		msg := runErr.Error()
		patch.ErrorMessage = &msg
		outErr = errs.Wrap(errs.Tool, "tools", runErr)
		if r.tracer != nil {
			r.tracer.RecordError(trace.SpanFromContext(ctx), runErr)
		}
	case result == nil:
		patch.Status = models.ToolExecutionError
		msg := "tool returned no result"
		patch.ErrorMessage = &msg
		result = &Result{Content: msg, IsError: true}
		outErr = errs.New(errs.Tool, "tools", msg)
	case result.IsError:
		patch.Status = models.ToolExecutionError
		msg := result.Content
		patch.ErrorMessage = &msg
	default:
		patch.Status = models.ToolExecutionSuccess
	}

	if result != nil {
		result.ExecutionID = execID
		content := capString(result.Content, r.outputCap)
		result.Content = content
		raw := json.RawMessage(mustMarshal(content))
		out := []byte(raw)
		patch.Output = &out
	}

	if updErr := r.store.UpdateToolExecution(ctx, execID, patch); updErr != nil && r.logger != nil {
		r.logger.Warn(ctx, "tools: failed to update tool_execution row", "tool", name, "error", updErr)
	}

	if r.metrics != nil {
		status := "success"
		if patch.Status == models.ToolExecutionError {
			status = "error"
		}
		r.metrics.RecordToolExecution(name, status, duration.Seconds())
	}

	return result, outErr
}

func capString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

func mustMarshal(s string) []byte {
	b, err := json.Marshal(s)
	if err != nil {
		return []byte(`""`)
	}
	return b
}
