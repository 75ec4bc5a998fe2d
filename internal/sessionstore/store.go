// Package sessionstore persists conversation turns and action results to a
// local SQLite database. The agent loop calls it fire-and-forget: the store
// is for durability and replay, never on the correctness path of a run.
package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// Store is the local persistence layer. Single-writer: the loop owns it.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// TurnRecord is the serialized projection of one conversation turn.
type TurnRecord struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CallID    string `json:"call_id,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	AtUnixMs  int64  `json:"at_unix_ms"`
}

// ResultRecord is the serialized projection of one action result.
type ResultRecord struct {
	SessionID        string `json:"session_id"`
	CallID           string `json:"call_id"`
	Name             string `json:"name"`
	State            string `json:"state"`
	Content          string `json:"content"`
	StartedAtUnixMs  int64  `json:"started_at_unix_ms"`
	FinishedAtUnixMs int64  `json:"finished_at_unix_ms"`
}

func (s *Store) AppendTurn(ctx context.Context, rec TurnRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store not open")
	}
	sessionID := strings.TrimSpace(rec.SessionID)
	if sessionID == "" {
		return errors.New("missing session_id")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_turns (session_id, role, content, call_id, tool_name, at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?);`,
		sessionID, strings.TrimSpace(rec.Role), rec.Content,
		strings.TrimSpace(rec.CallID), strings.TrimSpace(rec.ToolName), rec.AtUnixMs)
	return err
}

func (s *Store) AppendResult(ctx context.Context, rec ResultRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store not open")
	}
	sessionID := strings.TrimSpace(rec.SessionID)
	if sessionID == "" {
		return errors.New("missing session_id")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO action_results (session_id, call_id, name, state, content, started_at_unix_ms, finished_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id, call_id) DO UPDATE SET
  state=excluded.state,
  content=excluded.content,
  started_at_unix_ms=excluded.started_at_unix_ms,
  finished_at_unix_ms=excluded.finished_at_unix_ms;`,
		sessionID, strings.TrimSpace(rec.CallID), strings.TrimSpace(rec.Name),
		strings.TrimSpace(rec.State), rec.Content, rec.StartedAtUnixMs, rec.FinishedAtUnixMs)
	return err
}

// ListTurns returns all turns of one session in append order.
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]TurnRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not open")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, role, content, call_id, tool_name, at_unix_ms
FROM session_turns WHERE session_id = ? ORDER BY id ASC;`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TurnRecord
	for rows.Next() {
		var rec TurnRecord
		if err := rows.Scan(&rec.SessionID, &rec.Role, &rec.Content, &rec.CallID, &rec.ToolName, &rec.AtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListResults returns all action results of one session, oldest first.
func (s *Store) ListResults(ctx context.Context, sessionID string) ([]ResultRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not open")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, call_id, name, state, content, started_at_unix_ms, finished_at_unix_ms
FROM action_results WHERE session_id = ? ORDER BY id ASC;`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ResultRecord
	for rows.Next() {
		var rec ResultRecord
		if err := rows.Scan(&rec.SessionID, &rec.CallID, &rec.Name, &rec.State, &rec.Content, &rec.StartedAtUnixMs, &rec.FinishedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS session_turns (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  call_id TEXT NOT NULL DEFAULT '',
  tool_name TEXT NOT NULL DEFAULT '',
  at_unix_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_session_turns_session ON session_turns (session_id, id);

CREATE TABLE IF NOT EXISTS action_results (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  call_id TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL DEFAULT '',
  content TEXT NOT NULL DEFAULT '',
  started_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  finished_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  UNIQUE (session_id, call_id)
);`); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
