package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
)

// SQLiteStore checkpoints arena sessions. Each save replaces the session row
// and its agent rows in one transaction.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// single writer; sqlite serializes anyway
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			pair TEXT NOT NULL,
			tick INTEGER NOT NULL DEFAULT 0,
			data TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);`,
		`CREATE TABLE IF NOT EXISTS session_agents (
			session_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			ord INTEGER NOT NULL,
			name TEXT NOT NULL,
			equity REAL NOT NULL,
			alive BOOLEAN NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (session_id, agent_id)
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveSessionSnapshot(ctx context.Context, session *domain.Session, agents []domain.Agent) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `INSERT INTO sessions (id, status, pair, tick, data, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(id) DO UPDATE SET
			  status=excluded.status,
			  tick=excluded.tick,
			  data=excluded.data,
			  updated_at=excluded.updated_at`
	if _, err := tx.ExecContext(ctx, query,
		session.ID, session.Status, session.Config.Pair, session.Tick, string(data), session.CreatedAt, time.Now().UTC()); err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_agents WHERE session_id = ?`, session.ID); err != nil {
		return err
	}
	for i := range agents {
		a := &agents[i]
		raw, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode agent %s: %w", a.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_agents (session_id, agent_id, ord, name, equity, alive, data) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			session.ID, a.ID, a.Order, a.Name(), a.Equity, a.Alive, string(raw)); err != nil {
			return fmt.Errorf("save agent %s: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadSession(ctx context.Context, id string) (*domain.SessionSnapshot, error) {
	var data string
	var updated time.Time
	row := s.db.QueryRowContext(ctx, `SELECT data, updated_at FROM sessions WHERE id = ?`, id)
	if err := row.Scan(&data, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
		}
		return nil, err
	}

	snap := &domain.SessionSnapshot{SavedAt: updated}
	if err := json.Unmarshal([]byte(data), &snap.Session); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT data FROM session_agents WHERE session_id = ? ORDER BY ord`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var a domain.Agent
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decode agent of session %s: %w", id, err)
		}
		snap.Agents = append(snap.Agents, a)
	}
	return snap, rows.Err()
}

// ListSessions returns stored sessions, most recently checkpointed first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var sess domain.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return nil, err
		}
		sess.PriceWindow = nil
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
