package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/supabase-community/supabase-go"
)

// SupabaseStore keeps sessions in a PostgREST table with columns
// id, user_id, character_id and created_at (timestamptz).
type SupabaseStore struct {
	client *supabase.Client
	table  string
}

type supabaseRow struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	CharacterID string    `json:"character_id"`
	CreatedAt   time.Time `json:"created_at"`
}

func NewSupabaseStore(url, apiKey, table string) (*SupabaseStore, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}
	if strings.TrimSpace(table) == "" {
		table = "chat_sessions"
	}

	client, err := supabase.NewClient(url, apiKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return &SupabaseStore{client: client, table: table}, nil
}

func (s *SupabaseStore) Create(ctx context.Context, sess Session) error {
	row := supabaseRow{
		ID:          sess.ID,
		UserID:      sess.UserID,
		CharacterID: sess.CharacterID,
		CreatedAt:   sess.CreatedAt.UTC(),
	}
	var inserted []supabaseRow
	_, err := s.client.From(s.table).
		Insert(row, false, "", "representation", "").
		ExecuteTo(&inserted)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *SupabaseStore) Get(ctx context.Context, id string) (*Session, error) {
	var rows []supabaseRow
	_, err := s.client.From(s.table).
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	sess := rows[0].session()
	return &sess, nil
}

func (s *SupabaseStore) ListByOwner(ctx context.Context, userID, characterID string, limit int) ([]Session, error) {
	var rows []supabaseRow
	_, err := s.client.From(s.table).
		Select("*", "", false).
		Eq("user_id", userID).
		Eq("character_id", characterID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	out := make([]Session, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.session())
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op; the PostgREST client holds no connections of its own.
func (s *SupabaseStore) Close() error {
	return nil
}

func (r supabaseRow) session() Session {
	return Session{
		ID:          r.ID,
		UserID:      r.UserID,
		CharacterID: r.CharacterID,
		CreatedAt:   r.CreatedAt.UTC(),
	}
}
