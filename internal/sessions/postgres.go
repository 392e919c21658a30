package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmcarnahan/bondai/pkg/models"
	_ "github.com/lib/pq"
)

// Schema creates the tables used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS agent_sessions (
	thread_id  TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	state      BYTEA,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS thread_messages (
	id         TEXT PRIMARY KEY,
	thread_id  TEXT NOT NULL,
	agent_id   TEXT NOT NULL,
	type       TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	is_error   BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS thread_messages_thread_idx ON thread_messages (thread_id, created_at);
CREATE TABLE IF NOT EXISTS thread_locks (
	thread_id   TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL
);
`

// maxHistory is used when History is called without a limit.
const maxHistory = 10000

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default pool settings.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore implements Store and MessageLog on PostgreSQL.
type PostgresStore struct {
	db *sql.DB

	stmtGetSession    *sql.Stmt
	stmtPutSession    *sql.Stmt
	stmtAppendMessage *sql.Stmt
	stmtHistory       *sql.Stmt
}

// NewPostgresStore connects, creates the schema and prepares statements.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	defaults := DefaultPostgresConfig()
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaults.MaxOpenConns
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaults.MaxIdleConns
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	store, err := newPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func newPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.prepareStatements(); err != nil {
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtGetSession, err = s.db.Prepare(`
		SELECT session_id, state, updated_at
		FROM agent_sessions WHERE thread_id = $1
	`)
	if err != nil {
		return fmt.Errorf("prepare get session: %w", err)
	}

	s.stmtPutSession, err = s.db.Prepare(`
		INSERT INTO agent_sessions (thread_id, session_id, state, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (thread_id) DO UPDATE
		SET session_id = EXCLUDED.session_id, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare put session: %w", err)
	}

	s.stmtAppendMessage, err = s.db.Prepare(`
		INSERT INTO thread_messages (id, thread_id, agent_id, type, role, content, is_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare append message: %w", err)
	}

	s.stmtHistory, err = s.db.Prepare(`
		SELECT id, thread_id, agent_id, type, role, content, is_error, created_at
		FROM (
			SELECT id, thread_id, agent_id, type, role, content, is_error, created_at
			FROM thread_messages WHERE thread_id = $1
			ORDER BY created_at DESC LIMIT $2
		) recent
		ORDER BY created_at ASC
	`)
	if err != nil {
		return fmt.Errorf("prepare history: %w", err)
	}
	return nil
}

// Locker returns a lease lock sharing the store's connection pool.
func (s *PostgresStore) Locker(cfg DBLockerConfig) (*DBLocker, error) {
	return NewDBLocker(s.db, cfg)
}

// Get loads the thread's session.
func (s *PostgresStore) Get(ctx context.Context, threadID string) (*models.Session, error) {
	sess := &models.Session{ThreadID: threadID}
	err := s.stmtGetSession.QueryRowContext(ctx, threadID).Scan(&sess.SessionID, &sess.State, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// Put upserts the thread's session.
func (s *PostgresStore) Put(ctx context.Context, threadID string, session *models.Session) error {
	if threadID == "" {
		return errors.New("thread ID is required")
	}
	if session == nil || session.SessionID == "" {
		return errors.New("session ID is required")
	}
	updated := session.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	if _, err := s.stmtPutSession.ExecContext(ctx, threadID, session.SessionID, session.State, updated); err != nil {
		return fmt.Errorf("failed to put session: %w", err)
	}
	return nil
}

// RecordMessage inserts msg. Re-recording the same id is a no-op.
func (s *PostgresStore) RecordMessage(ctx context.Context, msg models.Message) error {
	if msg.ID == "" || msg.ThreadID == "" {
		return errors.New("message ID and thread ID are required")
	}
	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.stmtAppendMessage.ExecContext(ctx,
		msg.ID, msg.ThreadID, msg.AgentID, string(msg.Type), string(msg.Role),
		msg.Content, msg.IsError, created,
	)
	if err != nil {
		return fmt.Errorf("failed to record message: %w", err)
	}
	return nil
}

// History returns up to limit of the most recent messages, oldest first.
func (s *PostgresStore) History(ctx context.Context, threadID string, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > maxHistory {
		limit = maxHistory
	}
	rows, err := s.stmtHistory.QueryContext(ctx, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var typ, role string
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.AgentID, &typ, &role, &m.Content, &m.IsError, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Type = models.FrameType(typ)
		m.Role = models.Role(role)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return msgs, nil
}

// Close releases statements and the connection pool.
func (s *PostgresStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.stmtGetSession, s.stmtPutSession, s.stmtAppendMessage, s.stmtHistory} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}
