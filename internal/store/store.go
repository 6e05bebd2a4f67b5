// Package store defines the persistence contract: durable storage for
// sessions, messages, and tool executions with ordering and
// counter invariants enforced at the storage layer, not by callers. Two
// implementations satisfy this interface: sqlitestore (embedded, default)
// and pgstore (shared Postgres server), both exercised by the shared
// storetest conformance suite.
package store

import (
	"context"
	"time"

	"github.com/nexuschat/orchestrator/internal/models"
)

// ReadOrder controls the ordering of ReadMessages results.
type ReadOrder string

const (
	OrderAsc  ReadOrder = "asc"
	OrderDesc ReadOrder = "desc"
)

// ReadMessagesOptions configures a paginated message read.
type ReadMessagesOptions struct {
	Limit  int
	Offset int
	Order  ReadOrder
}

// SessionPatch is a partial update to a Session. Nil fields are left
// unchanged; Metadata is shallow-merged into the existing map, never
// replaced wholesale.
type SessionPatch struct {
	Title          *string
	Status         *models.SessionStatus
	Metadata       models.JSONMap
	LastActivityAt *time.Time

	// UnreadCount overwrites the counter the message trigger increments
	// for assistant inserts; PATCH /api/chats/{id}/read sets it to zero.
	UnreadCount *int
}

// ListSessionsOptions filters and paginates ListSessions.
type ListSessionsOptions struct {
	Status    models.SessionStatus // empty means "exclude deleted"
	UserID    string
	SortBy    string // "last_activity_at" | "created_at"
	SortOrder string // "asc" | "desc"
	Limit     int
	Offset    int
}

// ToolExecutionPatch is a partial update to a ToolExecution, applied exactly
// once to transition it to a terminal status.
type ToolExecutionPatch struct {
	Status       models.ToolExecutionStatus
	Output       *[]byte
	CompletedAt  time.Time
	DurationMs   int64
	ErrorMessage *string
	MessageID    *int64
	Metadata     models.JSONMap
}

// SearchResult is a Message annotated with its session for cross-session
// search results.
type SearchResult struct {
	models.Message
	SessionTitle string
}

// Store is the persistence contract every backend implements.
type Store interface {
	// CreateSession is idempotent: on conflict it updates title and touches
	// LastActivityAt rather than erroring.
	CreateSession(ctx context.Context, id, userID, title string) (*models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, id string, patch SessionPatch) (*models.Session, error)
	ListSessions(ctx context.Context, opts ListSessionsOptions) ([]*models.Session, error)

	// HardDeleteSession cascades to messages and tool_executions. Soft
	// delete is UpdateSession with Status=deleted.
	HardDeleteSession(ctx context.Context, id string) error

	// AppendMessage inserts a Message; the store-level trigger increments
	// messageCount and touches lastActivityAt as a side effect.
	AppendMessage(ctx context.Context, sessionID string, msgType models.MessageType, content string, metadata models.JSONMap) (*models.Message, error)
	ReadMessages(ctx context.Context, sessionID string, opts ReadMessagesOptions) ([]*models.Message, error)
	ReadLastMessages(ctx context.Context, sessionID string, n int) ([]*models.Message, error)
	SearchMessages(ctx context.Context, userID, term string, limit int) ([]*SearchResult, error)

	LogToolExecution(ctx context.Context, sessionID string, rec *models.ToolExecution) (int64, error)
	UpdateToolExecution(ctx context.Context, id int64, patch ToolExecutionPatch) error

	// AbandonPendingToolExecutions marks every ToolExecution still pending
	// at shutdown as error/"abandoned".
	AbandonPendingToolExecutions(ctx context.Context) (int, error)

	Close() error
}
