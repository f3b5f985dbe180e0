package trace

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed migrations/001_traces.sql
var tracesSchema string

// SQLiteStore persists sessions in a local SQLite database. It is the
// durable alternative to FileStore for deployments that want queryable
// trace retention.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the trace database at dbPath
// and runs the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open trace database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	if _, err := s.db.Exec(tracesSchema); err != nil {
		return fmt.Errorf("run trace schema migration: %w", err)
	}
	return nil
}

// Save upserts one finalized session.
func (s *SQLiteStore) Save(sess *Session) error {
	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.SessionID, err)
	}

	var endedAt any
	if sess.EndedAt != nil {
		endedAt = sess.EndedAt.Format(time.RFC3339Nano)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trace_sessions (
			session_id, started_at, ended_at,
			total_steps, total_tool_calls, total_decisions, total_memory_updates,
			duration_seconds, final_answer, document
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			ended_at = excluded.ended_at,
			total_steps = excluded.total_steps,
			total_tool_calls = excluded.total_tool_calls,
			total_decisions = excluded.total_decisions,
			total_memory_updates = excluded.total_memory_updates,
			duration_seconds = excluded.duration_seconds,
			final_answer = excluded.final_answer,
			document = excluded.document`,
		sess.SessionID,
		sess.StartedAt.Format(time.RFC3339Nano),
		endedAt,
		sess.Metadata.TotalSteps,
		sess.Metadata.TotalToolCalls,
		sess.Metadata.TotalDecisions,
		sess.Metadata.TotalMemoryUpdates,
		sess.Metadata.DurationSeconds,
		sess.FinalAnswer,
		string(doc),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.SessionID, err)
	}
	return nil
}

// Load retrieves one session by id.
func (s *SQLiteStore) Load(sessionID string) (*Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var doc string
	err := s.db.QueryRowContext(ctx,
		"SELECT document FROM trace_sessions WHERE session_id = ?", sessionID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(doc), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// LoadAll returns every persisted session in start order.
func (s *SQLiteStore) LoadAll() ([]*Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		"SELECT document FROM trace_sessions ORDER BY started_at")
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		var sess Session
		if err := json.Unmarshal([]byte(doc), &sess); err != nil {
			continue
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: WAL checkpoint failed: %v\n", err)
	}
	return s.db.Close()
}
