package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.Get when no session has the given id.
var ErrNotFound = errors.New("session not found")

// Session binds one conversation to exactly one user and one character.
// The binding never changes after creation.
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	CharacterID string    `json:"characterId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists sessions. Implementations are opened once at process start
// and closed at shutdown.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// ListByOwner returns sessions for the pair, newest first. limit <= 0
	// means no limit.
	ListByOwner(ctx context.Context, userID, characterID string, limit int) ([]Session, error)
	Close() error
}
