// Package pgstore is the shared-server store backend, for deployments
// that run the orchestrator behind a pooled Postgres instance instead of
// the embedded default. Counter maintenance is a plpgsql trigger function
// (Postgres has no inline AFTER INSERT ... BEGIN ... END syntax).
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/nexuschat/orchestrator/internal/models"
	"github.com/nexuschat/orchestrator/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL,
	last_activity_at TIMESTAMPTZ NOT NULL,
	message_count BIGINT NOT NULL DEFAULT 0,
	unread_count BIGINT NOT NULL DEFAULT 0,
	metadata JSONB
);

CREATE TABLE IF NOT EXISTS messages (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	metadata JSONB
);
CREATE INDEX IF NOT EXISTS idx_messages_session_order ON messages(session_id, created_at, id);

CREATE TABLE IF NOT EXISTS tool_executions (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	message_id BIGINT,
	tool_name TEXT NOT NULL,
	tool_input JSONB,
	tool_output JSONB,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	duration_ms BIGINT,
	error_message TEXT,
	metadata JSONB
);
CREATE INDEX IF NOT EXISTS idx_tool_executions_session ON tool_executions(session_id);

CREATE OR REPLACE FUNCTION bump_session_on_message() RETURNS TRIGGER AS $$
BEGIN
	UPDATE sessions
	SET message_count = message_count + 1,
	    unread_count = unread_count + (CASE WHEN NEW.type = 'assistant' THEN 1 ELSE 0 END),
	    last_activity_at = NEW.created_at
	WHERE id = NEW.session_id;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_messages_bump_session ON messages;
CREATE TRIGGER trg_messages_bump_session
AFTER INSERT ON messages
FOR EACH ROW EXECUTE FUNCTION bump_session_on_message();
`

// Store implements store.Store against a pooled Postgres database.
type Store struct {
	db *sql.DB
}

// Config configures connection pooling, mirroring CockroachConfig's fields.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to Postgres, applies the schema, and verifies connectivity.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// FromDB wraps an already-open *sql.DB, used by tests to inject a sqlmock
// connection without dialing a real Postgres server.
func FromDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func marshalMeta(m models.JSONMap) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalMeta(raw []byte) (models.JSONMap, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m models.JSONMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) CreateSession(ctx context.Context, id, userID, title string) (*models.Session, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, title, status, created_at, last_activity_at)
		VALUES ($1, $2, $3, 'active', $4, $4)
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, last_activity_at = EXCLUDED.last_activity_at
	`, id, userID, title, now)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create session: %w", err)
	}
	return s.GetSession(ctx, id)
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, status, created_at, last_activity_at, message_count, unread_count, metadata
		FROM sessions WHERE id = $1
	`, id)
	return scanSession(row)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*models.Session, error) {
	var sess models.Session
	var meta []byte
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.Status, &sess.CreatedAt, &sess.LastActivityAt, &sess.MessageCount, &sess.UnreadCount, &meta); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("pgstore: scan session: %w", err)
	}
	m, err := unmarshalMeta(meta)
	if err != nil {
		return nil, err
	}
	sess.Metadata = m
	return &sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, id string, patch store.SessionPatch) (*models.Session, error) {
	current, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}

	title := current.Title
	if patch.Title != nil {
		title = *patch.Title
	}
	status := current.Status
	if patch.Status != nil {
		status = *patch.Status
	}
	lastActivity := current.LastActivityAt
	if patch.LastActivityAt != nil {
		lastActivity = *patch.LastActivityAt
	}
	unread := current.UnreadCount
	if patch.UnreadCount != nil {
		unread = *patch.UnreadCount
	}
	merged := models.JSONMap{}
	for k, v := range current.Metadata {
		merged[k] = v
	}
	for k, v := range patch.Metadata {
		merged[k] = v
	}
	metaVal, err := marshalMeta(merged)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions SET title = $1, status = $2, last_activity_at = $3, unread_count = $4, metadata = $5 WHERE id = $6
	`, title, status, lastActivity, unread, metaVal, id)
	if err != nil {
		return nil, fmt.Errorf("pgstore: update session: %w", err)
	}
	return s.GetSession(ctx, id)
}

func (s *Store) ListSessions(ctx context.Context, opts store.ListSessionsOptions) ([]*models.Session, error) {
	query := `SELECT id, user_id, title, status, created_at, last_activity_at, message_count, unread_count, metadata FROM sessions WHERE 1=1`
	var args []any
	n := 1

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, opts.Status)
		n++
	} else {
		query += " AND status != 'deleted'"
	}
	if opts.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", n)
		args = append(args, opts.UserID)
		n++
	}

	sortBy := "last_activity_at"
	if opts.SortBy == "created_at" {
		sortBy = "created_at"
	}
	sortOrder := "DESC"
	if strings.EqualFold(opts.SortOrder, "asc") {
		sortOrder = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", sortBy, sortOrder)

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", n, n+1)
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) HardDeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tool_executions WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("pgstore: delete tool_executions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("pgstore: delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("pgstore: delete session: %w", err)
	}
	return tx.Commit()
}

func (s *Store) AppendMessage(ctx context.Context, sessionID string, msgType models.MessageType, content string, metadata models.JSONMap) (*models.Message, error) {
	metaVal, err := marshalMeta(metadata)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO messages (session_id, type, content, created_at, metadata) VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, sessionID, msgType, content, now, metaVal).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("pgstore: append message: %w", err)
	}
	return &models.Message{
		ID:        id,
		SessionID: sessionID,
		Type:      msgType,
		Content:   content,
		CreatedAt: now,
		Metadata:  metadata,
	}, nil
}

func (s *Store) ReadMessages(ctx context.Context, sessionID string, opts store.ReadMessagesOptions) ([]*models.Message, error) {
	order := "ASC"
	if opts.Order == store.OrderDesc {
		order = "DESC"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, session_id, type, content, created_at, metadata
		FROM messages WHERE session_id = $1
		ORDER BY created_at %s, id %s
		LIMIT $2 OFFSET $3
	`, order, order), sessionID, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("pgstore: read messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	var out []*models.Message
	for rows.Next() {
		var m models.Message
		var meta []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Type, &m.Content, &m.CreatedAt, &meta); err != nil {
			return nil, fmt.Errorf("pgstore: scan message: %w", err)
		}
		metaMap, err := unmarshalMeta(meta)
		if err != nil {
			return nil, err
		}
		m.Metadata = metaMap
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *Store) ReadLastMessages(ctx context.Context, sessionID string, n int) ([]*models.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	msgs, err := s.ReadMessages(ctx, sessionID, store.ReadMessagesOptions{Limit: n, Order: store.OrderDesc})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) SearchMessages(ctx context.Context, userID, term string, limit int) ([]*store.SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.session_id, m.type, m.content, m.created_at, m.metadata, s.title
		FROM messages m
		JOIN sessions s ON s.id = m.session_id
		WHERE s.user_id = $1 AND s.status != 'deleted' AND m.content ILIKE $2
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $3
	`, userID, "%"+term+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: search messages: %w", err)
	}
	defer rows.Close()

	var out []*store.SearchResult
	for rows.Next() {
		var r store.SearchResult
		var meta []byte
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Type, &r.Content, &r.CreatedAt, &meta, &r.SessionTitle); err != nil {
			return nil, fmt.Errorf("pgstore: scan search result: %w", err)
		}
		metaMap, err := unmarshalMeta(meta)
		if err != nil {
			return nil, err
		}
		r.Metadata = metaMap
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Store) LogToolExecution(ctx context.Context, sessionID string, rec *models.ToolExecution) (int64, error) {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tool_executions (session_id, message_id, tool_name, tool_input, status, started_at)
		VALUES ($1, $2, $3, $4, 'pending', $5)
		RETURNING id
	`, sessionID, rec.MessageID, rec.ToolName, []byte(rec.Input), rec.StartedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("pgstore: log tool execution: %w", err)
	}
	return id, nil
}

func (s *Store) UpdateToolExecution(ctx context.Context, id int64, patch store.ToolExecutionPatch) error {
	var outputVal []byte
	if patch.Output != nil {
		outputVal = *patch.Output
	}
	completedAt := patch.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE tool_executions
		SET status = $1, tool_output = $2, completed_at = $3, duration_ms = $4, error_message = $5,
		    message_id = COALESCE($6, message_id)
		WHERE id = $7
	`, patch.Status, outputVal, completedAt, patch.DurationMs, patch.ErrorMessage, patch.MessageID, id)
	if err != nil {
		return fmt.Errorf("pgstore: update tool execution: %w", err)
	}
	return nil
}

func (s *Store) AbandonPendingToolExecutions(ctx context.Context) (int, error) {
	reason := "abandoned"
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_executions SET status = 'error', error_message = $1, completed_at = $2 WHERE status = 'pending'
	`, reason, now)
	if err != nil {
		return 0, fmt.Errorf("pgstore: abandon pending tool executions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
