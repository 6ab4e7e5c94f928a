package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default persistent session store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the session database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			character_id TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS chat_sessions_owner_idx ON chat_sessions(user_id, character_id, created_at_ms DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init session schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions(id, user_id, character_id, created_at_ms) VALUES(?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.CharacterID, sess.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, character_id, created_at_ms FROM chat_sessions WHERE id = ?`, id)
	var (
		sess      Session
		createdMS int64
	)
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.CharacterID, &createdMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query session: %w", err)
	}
	sess.CreatedAt = time.UnixMilli(createdMS).UTC()
	return &sess, nil
}

func (s *SQLiteStore) ListByOwner(ctx context.Context, userID, characterID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, character_id, created_at_ms FROM chat_sessions
		WHERE user_id = ? AND character_id = ?
		ORDER BY created_at_ms DESC, id ASC
		LIMIT ?`, userID, characterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []Session{}
	for rows.Next() {
		var (
			sess      Session
			createdMS int64
		)
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.CharacterID, &createdMS); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.CreatedAt = time.UnixMilli(createdMS).UTC()
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
