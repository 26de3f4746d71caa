package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/pkg/models"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore implements Store on top of database/sql. It supports the
// "sqlite3" and "postgres" drivers; queries are written with ?-style
// placeholders and rebound for postgres.
type SQLStore struct {
	db       *sql.DB
	driver   string
	appendMu keyedMutex
}

// OpenSQLStore opens (and migrates) a store on the given driver and DSN.
// driver is "sqlite3" (default, file path DSN) or "postgres".
func OpenSQLStore(driver, dsn string) (*SQLStore, error) {
	if driver == "" {
		driver = "sqlite3"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sessions: open %s store: %w", driver, err)
	}
	if driver == "sqlite3" {
		// A single writer avoids SQLITE_BUSY under concurrent session turns.
		db.SetMaxOpenConns(1)
	}
	store := &SQLStore{db: db, driver: driver}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStoreFromDB wraps an already-open connection. Used by tests (sqlmock).
func NewSQLStoreFromDB(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

// DB exposes the underlying connection so related stores (cron jobs) can
// share one database file.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the underlying connection.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) migrate(ctx context.Context) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == "postgres" {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			parent_session_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL DEFAULT '',
			key TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_key ON sessions(key) WHERE key != ''`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
			seq %s,
			id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_calls TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sessions: migrate: %w", err)
		}
	}
	return nil
}

// rebind translates ?-placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return fmt.Errorf("session is required")
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = session.CreatedAt
	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("sessions: marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO sessions (id, parent_session_id, agent_id, channel, channel_id, key, title, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		session.ID, session.ParentSessionID, session.AgentID, session.Channel,
		session.ChannelID, session.Key, session.Title, string(metadata),
		session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sessions: create: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, parent_session_id, agent_id, channel, channel_id, key, title, metadata, created_at, updated_at
		 FROM sessions WHERE id = ?`), id)
	return scanSession(row)
}

func (s *SQLStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, parent_session_id, agent_id, channel, channel_id, key, title, metadata, created_at, updated_at
		 FROM sessions WHERE key = ?`), key)
	return scanSession(row)
}

func (s *SQLStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil {
		return fmt.Errorf("session is required")
	}
	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("sessions: marshal metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE sessions SET title = ?, metadata = ?, updated_at = ? WHERE id = ?`),
		session.Title, string(metadata), time.Now(), session.ID)
	if err != nil {
		return fmt.Errorf("sessions: update: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session not found: %s", session.ID)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM messages WHERE session_id = ?`), id); err != nil {
		return fmt.Errorf("sessions: delete messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM sessions WHERE id = ?`), id); err != nil {
		return fmt.Errorf("sessions: delete: %w", err)
	}
	return nil
}

func (s *SQLStore) GetOrCreate(ctx context.Context, key string, agentID string, channel models.ChannelType, channelID string) (*models.Session, error) {
	if existing, err := s.GetByKey(ctx, key); err == nil {
		return existing, nil
	}
	session := &models.Session{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Channel:   channel,
		ChannelID: channelID,
		Key:       key,
	}
	if err := s.Create(ctx, session); err != nil {
		// Lost a create race; the other writer's row wins.
		if existing, getErr := s.GetByKey(ctx, key); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return session, nil
}

func (s *SQLStore) List(ctx context.Context, agentID string, opts ListOptions) ([]*models.Session, error) {
	query := `SELECT id, parent_session_id, agent_id, channel, channel_id, key, title, metadata, created_at, updated_at FROM sessions`
	var clauses []string
	var args []any
	if agentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, agentID)
	}
	if opts.Channel != "" {
		clauses = append(clauses, "channel = ?")
		args = append(args, opts.Channel)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("sessions: list: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func (s *SQLStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	// Serialize appends per session so the adjacent-duplicate check and the
	// insert are never interleaved by a concurrent writer.
	unlock := s.appendMu.lock(sessionID)
	defer unlock()

	last, err := s.lastMessage(ctx, sessionID)
	if err != nil {
		return err
	}
	if last != nil && sameHistoryEntry(last, msg) {
		return nil
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	var toolCalls string
	if len(msg.ToolCalls) > 0 {
		raw, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("sessions: marshal tool calls: %w", err)
		}
		toolCalls = string(raw)
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("sessions: marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO messages (id, session_id, role, content, tool_calls, tool_call_id, name, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, sessionID, msg.Role, msg.Content, toolCalls, msg.ToolCallID,
		msg.Name, string(metadata), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sessions: append message: %w", err)
	}
	return nil
}

func (s *SQLStore) lastMessage(ctx context.Context, sessionID string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, session_id, role, content, tool_calls, tool_call_id, name, metadata, created_at
		 FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT 1`), sessionID)
	msg, err := scanMessage(row)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// GetHistory returns the most recent limit messages in insertion order.
// Serialized tool_calls are rehydrated into the message's ToolCalls field.
func (s *SQLStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	query := `SELECT id, session_id, role, content, tool_calls, tool_call_id, name, metadata, created_at
		 FROM messages WHERE session_id = ? ORDER BY seq DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("sessions: get history: %w", err)
	}
	defer rows.Close()

	var reversed []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		reversed = append(reversed, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*models.Message, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		out = append(out, reversed[i])
	}
	return out, nil
}

func (s *SQLStore) Reset(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM messages WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("sessions: reset: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	session := &models.Session{}
	var metadata string
	err := row.Scan(&session.ID, &session.ParentSessionID, &session.AgentID,
		&session.Channel, &session.ChannelID, &session.Key, &session.Title,
		&metadata, &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: scan session: %w", err)
	}
	if metadata != "" && metadata != "{}" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &session.Metadata); err != nil {
			return nil, fmt.Errorf("sessions: unmarshal metadata: %w", err)
		}
	}
	return session, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var toolCalls, metadata string
	err := row.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
		&toolCalls, &msg.ToolCallID, &msg.Name, &metadata, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message not found")
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: scan message: %w", err)
	}
	if toolCalls != "" {
		if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("sessions: unmarshal tool calls: %w", err)
		}
	}
	if metadata != "" && metadata != "{}" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("sessions: unmarshal metadata: %w", err)
		}
	}
	return msg, nil
}
