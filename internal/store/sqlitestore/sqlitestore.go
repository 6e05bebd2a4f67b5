// Package sqlitestore is the default embedded store backend, using the
// pure-Go modernc.org/sqlite driver so the default deployment has no cgo
// dependency. Counter maintenance is a literal SQLite AFTER INSERT
// trigger on messages, not computed in Go, so message_count and
// last_activity_at stay correct no matter which code path inserts.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nexuschat/orchestrator/internal/models"
	"github.com/nexuschat/orchestrator/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	created_at DATETIME NOT NULL,
	last_activity_at DATETIME NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0,
	unread_count INTEGER NOT NULL DEFAULT 0,
	metadata TEXT
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_session_order ON messages(session_id, created_at, id);

CREATE TABLE IF NOT EXISTS tool_executions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	message_id INTEGER,
	tool_name TEXT NOT NULL,
	tool_input TEXT,
	tool_output TEXT,
	status TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	completed_at DATETIME,
	duration_ms INTEGER,
	error_message TEXT,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_tool_executions_session ON tool_executions(session_id);

CREATE TRIGGER IF NOT EXISTS trg_messages_bump_session
AFTER INSERT ON messages
BEGIN
	UPDATE sessions
	SET message_count = message_count + 1,
	    unread_count = unread_count + (CASE WHEN NEW.type = 'assistant' THEN 1 ELSE 0 END),
	    last_activity_at = NEW.created_at
	WHERE id = NEW.session_id;
END;
`

// Store implements store.Store against an embedded SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates (if necessary) and opens a SQLite-backed store at dsn, e.g.
// "file:nexus.db?_pragma=journal_mode(WAL)" or ":memory:" for tests.
func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; avoid SQLITE_BUSY.

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// FromDB wraps an already-open *sql.DB (used by storetest to inject sqlmock
// in unit tests of the conformance-adjacent pgstore; sqlitestore itself is
// usually exercised against a real in-memory database instead).
func FromDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func marshalMeta(m models.JSONMap) (any, error) {
	if m == nil {
		return nil, nil
	}
	buf, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(buf), nil
}

func unmarshalMeta(raw sql.NullString) (models.JSONMap, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var m models.JSONMap
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) CreateSession(ctx context.Context, id, userID, title string) (*models.Session, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, title, status, created_at, last_activity_at)
		VALUES (?, ?, ?, 'active', ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, last_activity_at = excluded.last_activity_at
	`, id, userID, title, now, now)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: create session: %w", err)
	}
	return s.GetSession(ctx, id)
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, status, created_at, last_activity_at, message_count, unread_count, metadata
		FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*models.Session, error) {
	var sess models.Session
	var meta sql.NullString
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.Status, &sess.CreatedAt, &sess.LastActivityAt, &sess.MessageCount, &sess.UnreadCount, &meta); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlitestore: scan session: %w", err)
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
		UPDATE sessions SET title = ?, status = ?, last_activity_at = ?, unread_count = ?, metadata = ? WHERE id = ?
	`, title, status, lastActivity, unread, metaVal, id)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: update session: %w", err)
	}
	return s.GetSession(ctx, id)
}

func (s *Store) ListSessions(ctx context.Context, opts store.ListSessionsOptions) ([]*models.Session, error) {
	query := `SELECT id, user_id, title, status, created_at, last_activity_at, message_count, unread_count, metadata FROM sessions WHERE 1=1`
	var args []any

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, opts.Status)
	} else {
		query += " AND status != 'deleted'"
	}
	if opts.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, opts.UserID)
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
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list sessions: %w", err)
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
		return fmt.Errorf("sqlitestore: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tool_executions WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("sqlitestore: delete tool_executions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("sqlitestore: delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlitestore: delete session: %w", err)
	}
	return tx.Commit()
}

func (s *Store) AppendMessage(ctx context.Context, sessionID string, msgType models.MessageType, content string, metadata models.JSONMap) (*models.Message, error) {
	metaVal, err := marshalMeta(metadata)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, type, content, created_at, metadata) VALUES (?, ?, ?, ?, ?)
	`, sessionID, msgType, content, now, metaVal)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: last insert id: %w", err)
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
		FROM messages WHERE session_id = ?
		ORDER BY created_at %s, id %s
		LIMIT ? OFFSET ?
	`, order, order), sessionID, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: read messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	var out []*models.Message
	for rows.Next() {
		var m models.Message
		var meta sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Type, &m.Content, &m.CreatedAt, &meta); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan message: %w", err)
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

// ReadLastMessages returns the last n messages in ascending order: it reads
// newest-first (cheap with the (session_id, created_at, id) index) then
// flips the slice server-side.
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
		WHERE s.user_id = ? AND s.status != 'deleted' AND m.content LIKE ?
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?
	`, userID, "%"+term+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: search messages: %w", err)
	}
	defer rows.Close()

	var out []*store.SearchResult
	for rows.Next() {
		var r store.SearchResult
		var meta sql.NullString
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Type, &r.Content, &r.CreatedAt, &meta, &r.SessionTitle); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan search result: %w", err)
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
	inputVal := string(rec.Input)
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_executions (session_id, message_id, tool_name, tool_input, status, started_at)
		VALUES (?, ?, ?, ?, 'pending', ?)
	`, sessionID, rec.MessageID, rec.ToolName, inputVal, rec.StartedAt)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: log tool execution: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) UpdateToolExecution(ctx context.Context, id int64, patch store.ToolExecutionPatch) error {
	var outputVal any
	if patch.Output != nil {
		outputVal = string(*patch.Output)
	}
	completedAt := patch.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE tool_executions
		SET status = ?, tool_output = ?, completed_at = ?, duration_ms = ?, error_message = ?, message_id = COALESCE(?, message_id)
		WHERE id = ?
	`, patch.Status, outputVal, completedAt, patch.DurationMs, patch.ErrorMessage, patch.MessageID, id)
	if err != nil {
		return fmt.Errorf("sqlitestore: update tool execution: %w", err)
	}
	return nil
}

func (s *Store) AbandonPendingToolExecutions(ctx context.Context) (int, error) {
	reason := "abandoned"
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_executions SET status = 'error', error_message = ?, completed_at = ? WHERE status = 'pending'
	`, reason, now)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: abandon pending tool executions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
