// Package models defines the data entities shared across the orchestrator:
// sessions, messages, tool executions, router decisions, and the ephemeral
// context bundle assembled for each turn.
package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionInactive SessionStatus = "inactive"
	SessionArchived SessionStatus = "archived"
	SessionDeleted  SessionStatus = "deleted"
)

// MessageType distinguishes who or what produced a Message.
type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
	MessageSystem    MessageType = "system"
)

// ToolExecutionStatus tracks a ToolExecution through its lifecycle.
type ToolExecutionStatus string

const (
	ToolExecutionPending ToolExecutionStatus = "pending"
	ToolExecutionSuccess ToolExecutionStatus = "success"
	ToolExecutionError   ToolExecutionStatus = "error"
)

// OverrideSource records which mechanism picked the agent for a turn.
type OverrideSource string

const (
	OverrideSlash    OverrideSource = "slash"
	OverrideLock     OverrideSource = "lock"
	OverrideRouter   OverrideSource = "router"
	OverrideFallback OverrideSource = "fallback"
)

// JSONMap is a map[string]any that round-trips through a jsonb or text
// column. A nil JSONMap marshals as SQL NULL and scans back as nil, so
// callers don't need to special-case "no metadata" separately from "empty
// metadata".
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	buf, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("models: marshal JSONMap: %w", err)
	}
	return buf, nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var buf []byte
	switch v := src.(type) {
	case []byte:
		buf = v
	case string:
		buf = []byte(v)
	default:
		return fmt.Errorf("models: JSONMap.Scan: unsupported type %T", src)
	}
	if len(bytes.TrimSpace(buf)) == 0 {
		*m = nil
		return nil
	}
	out := make(JSONMap)
	if err := json.Unmarshal(buf, &out); err != nil {
		return fmt.Errorf("models: unmarshal JSONMap: %w", err)
	}
	*m = out
	return nil
}

// Session is a conversation thread belonging to a single user.
type Session struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	Title          string        `json:"title,omitempty"`
	Status         SessionStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	MessageCount   int           `json:"message_count"`
	UnreadCount    int           `json:"unread_count"`
	Metadata       JSONMap       `json:"metadata,omitempty"`
}

// Message is one turn of conversation content within a Session.
type Message struct {
	ID        int64       `json:"id"`
	SessionID string      `json:"session_id"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
	Metadata  JSONMap     `json:"metadata,omitempty"`
}

// ToolExecution records a single tool invocation triggered during a turn.
type ToolExecution struct {
	ID           int64                `json:"id"`
	SessionID    string               `json:"session_id"`
	MessageID    *int64               `json:"message_id,omitempty"`
	ToolName     string               `json:"tool_name"`
	Input        json.RawMessage      `json:"input"`
	Output       *json.RawMessage     `json:"output,omitempty"`
	Status       ToolExecutionStatus  `json:"status"`
	StartedAt    time.Time            `json:"started_at"`
	CompletedAt  *time.Time           `json:"completed_at,omitempty"`
	DurationMs   *int64               `json:"duration_ms,omitempty"`
	ErrorMessage *string              `json:"error_message,omitempty"`
	Metadata     JSONMap              `json:"metadata,omitempty"`
}

// RouterDecision is the ephemeral record of how an agent was chosen for a
// turn. It is never persisted on its own; the pipeline folds it into the
// assistant Message's Metadata under the "router" key.
type RouterDecision struct {
	Agent          string         `json:"agent"`
	Confidence     float64        `json:"confidence"`
	Reason         string         `json:"reason"`
	OverrideSource OverrideSource `json:"override_source"`
}

// ContextBundle is the assembled input handed to an agent for a turn. It is
// built fresh every turn and never persisted.
type ContextBundle struct {
	SystemPrompt         string
	CrossSessionSnippets []string
	MemorySnippets       []string
	RecentMessages       []Message
	CurrentUser          string

	// Degraded is set when the overflow strategy fell back from
	// "summarize" to "sliding-window" for lack of a configured summarizer.
	Degraded bool

	// MemoryDegraded and MemoryReason record a failed or timed-out memory
	// lookup, carried through to the assistant message's metadata. The
	// turn itself proceeds with no memory snippets.
	MemoryDegraded bool
	MemoryReason   string
}

// NewSessionID returns a 32-character lowercase hex session identifier,
// a UUIDv4 with its separating dashes stripped.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
