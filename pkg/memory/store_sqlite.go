package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore holds turn records with a full-text index over their content.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection avoids writer lock contention under concurrent turns.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			character_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tokens INTEGER NOT NULL DEFAULT 0,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_records_session_idx ON memory_records(session_id, created_at_ms, rowid);`,
		`CREATE INDEX IF NOT EXISTS memory_records_owner_idx ON memory_records(user_id, character_id, created_at_ms DESC);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_records_fts USING fts5(record_id UNINDEXED, content, tokenize='unicode61 remove_diacritics 2');`,
		`CREATE TRIGGER IF NOT EXISTS memory_records_ai AFTER INSERT ON memory_records BEGIN
			INSERT INTO memory_records_fts(record_id, content) VALUES (new.id, new.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS memory_records_ad AFTER DELETE ON memory_records BEGIN
			DELETE FROM memory_records_fts WHERE record_id = old.id;
		END;`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

// InsertRecord stores rec, filling ID, Tokens and CreatedAt when unset.
func (s *SQLiteStore) InsertRecord(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = "rec-" + uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Tokens == 0 {
		rec.Tokens = EstimateTokens(rec.Content)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_records(id, session_id, user_id, character_id, role, content, tokens, metadata_json, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.UserID, rec.CharacterID, rec.Role, rec.Content, rec.Tokens,
		encodeMap(rec.Metadata), rec.CreatedAt.UnixMilli())
	if err != nil {
		return Record{}, fmt.Errorf("insert memory record: %w", err)
	}
	return rec, nil
}

// SearchRecords runs an FTS5 MATCH over records owned by (userID, characterID).
func (s *SQLiteStore) SearchRecords(ctx context.Context, userID, characterID, query string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT r.id, r.session_id, r.user_id, r.character_id, r.role, r.content, r.tokens, r.metadata_json, r.created_at_ms
FROM memory_records_fts f
JOIN memory_records r ON r.id = f.record_id
WHERE memory_records_fts MATCH ?
AND r.user_id = ?
AND r.character_id = ?
ORDER BY bm25(memory_records_fts), r.created_at_ms DESC
LIMIT ?`, query, userID, characterID, limit)
	if err != nil {
		return nil, fmt.Errorf("search memory fts: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ListBySession returns the latest limit records of a session in
// chronological order. limit <= 0 returns all of them.
func (s *SQLiteStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, user_id, character_id, role, content, tokens, metadata_json, created_at_ms
FROM (
	SELECT *, rowid AS rid FROM memory_records
	WHERE session_id = ?
	ORDER BY created_at_ms DESC, rid DESC
	LIMIT ?
)
ORDER BY created_at_ms ASC, rid ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list memory records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	out := []Record{}
	for rows.Next() {
		var (
			rec       Record
			metaRaw   string
			createdMS int64
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.UserID, &rec.CharacterID, &rec.Role, &rec.Content, &rec.Tokens, &metaRaw, &createdMS); err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		rec.Metadata = decodeMap(metaRaw)
		rec.CreatedAt = time.UnixMilli(createdMS).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory records: %w", err)
	}
	return out, nil
}

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMap(raw string) map[string]string {
	out := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func trimSQL(stmt string) string {
	stmt = strings.Join(strings.Fields(stmt), " ")
	if len(stmt) > 60 {
		return stmt[:60] + "..."
	}
	return stmt
}
