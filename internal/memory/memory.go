// Package memory is the gateway to long-term memory: a best-effort
// bridge that never fails a turn. The narrow
// AddTurn/QueryRelevant/DeleteSession surface has two adapters: an
// in-process index (no external service, the default) and an HTTP
// adapter for a real vector/graph store.
package memory

import (
	"context"
	"time"
)

// Message is one turn of conversation handed to AddTurn for indexing.
type Message struct {
	Role    string
	Content string
}

// Snippet is one ranked memory result.
type Snippet struct {
	Text      string
	Score     float64
	SessionID string
	CreatedAt time.Time
}

// Gateway is the narrow long-term-memory interface. Adapters are free to
// fail outright; degrade-not-fail semantics are applied by Budgeted, not
// by the adapters themselves.
type Gateway interface {
	AddTurn(ctx context.Context, sessionID, userID string, messages []Message) error
	QueryRelevant(ctx context.Context, sessionID, userID, queryText string, k int) ([]Snippet, error)
	DeleteSession(ctx context.Context, sessionID, userID string) error
}

// DegradedMetrics is the subset of observability.Metrics that Budgeted uses
// to record degradations, kept narrow so this package doesn't import
// observability's full surface.
type DegradedMetrics interface {
	RecordMemoryDegraded(operation, reason string)
}

// noopMetrics is used when Budgeted is built without a metrics sink.
type noopMetrics struct{}

func (noopMetrics) RecordMemoryDegraded(string, string) {}

// DegradedLogger is the subset of observability.Logger that Budgeted logs
// degradations through.
type DegradedLogger interface {
	Warn(msg string, kv ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Budgeted wraps a Gateway with hard wall-clock budgets (default 1.5s
// query / 3s add), enforced here at the call site rather than inside the
// adapter. Every method degrades rather than propagates: a timeout or
// adapter error is logged, counted, and turned into an empty/no-op result
// instead of failing the turn.
type Budgeted struct {
	gw          Gateway
	queryBudget time.Duration
	addBudget   time.Duration
	metrics     DegradedMetrics
	logger      DegradedLogger
}

// NewBudgeted wraps gw. A zero queryBudget/addBudget falls back to the
// defaults (1.5s/3s). metrics/logger may be nil.
func NewBudgeted(gw Gateway, queryBudget, addBudget time.Duration, metrics DegradedMetrics, logger DegradedLogger) *Budgeted {
	if queryBudget <= 0 {
		queryBudget = 1500 * time.Millisecond
	}
	if addBudget <= 0 {
		addBudget = 3 * time.Second
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Budgeted{gw: gw, queryBudget: queryBudget, addBudget: addBudget, metrics: metrics, logger: logger}
}

// QueryResult carries the ranked snippets alongside the degraded-status
// metadata the pipeline attaches to the assistant message as
// memory: {status: degraded, reason}.
type QueryResult struct {
	Snippets []Snippet
	Degraded bool
	Reason   string
}

// QueryRelevant returns no snippets (never an error) on timeout or
// adapter failure.
func (b *Budgeted) QueryRelevant(ctx context.Context, sessionID, userID, queryText string, k int) QueryResult {
	if b == nil || b.gw == nil {
		return QueryResult{}
	}
	runCtx, cancel := context.WithTimeout(ctx, b.queryBudget)
	defer cancel()

	snippets, err := b.gw.QueryRelevant(runCtx, sessionID, userID, queryText, k)
	if err != nil {
		reason := degradeReason(runCtx, err)
		b.metrics.RecordMemoryDegraded("query", reason)
		b.logger.Warn("memory query degraded", "session_id", sessionID, "reason", reason)
		return QueryResult{Degraded: true, Reason: reason}
	}
	return QueryResult{Snippets: snippets}
}

// AddTurn is best-effort: its error, if any, is absorbed and only recorded
// via metrics/logging, never returned to the caller.
func (b *Budgeted) AddTurn(ctx context.Context, sessionID, userID string, messages []Message) {
	if b == nil || b.gw == nil || len(messages) == 0 {
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, b.addBudget)
	defer cancel()

	if err := b.gw.AddTurn(runCtx, sessionID, userID, messages); err != nil {
		reason := degradeReason(runCtx, err)
		b.metrics.RecordMemoryDegraded("add", reason)
		b.logger.Warn("memory add degraded", "session_id", sessionID, "reason", reason)
	}
}

// DeleteSession is best-effort cleanup fired alongside a hard delete; a
// failure here must never block the store delete that triggered it.
func (b *Budgeted) DeleteSession(ctx context.Context, sessionID, userID string) {
	if b == nil || b.gw == nil {
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, b.addBudget)
	defer cancel()

	if err := b.gw.DeleteSession(runCtx, sessionID, userID); err != nil {
		reason := degradeReason(runCtx, err)
		b.metrics.RecordMemoryDegraded("delete", reason)
		b.logger.Warn("memory delete degraded", "session_id", sessionID, "reason", reason)
	}
}

func degradeReason(ctx context.Context, err error) string {
	if ctx.Err() == context.DeadlineExceeded {
		return "timeout"
	}
	return "error"
}
