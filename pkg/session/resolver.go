package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/apperrors"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/google/uuid"
)

// Resolver maps a possibly stale or foreign session id onto a session owned
// by the requesting user and character.
type Resolver struct {
	store Store
	now   func() time.Time
	newID func() string
}

func NewResolver(store Store) *Resolver {
	return &Resolver{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Resolve returns the supplied session when it exists and belongs to
// (userID, characterID). Otherwise a fresh session is created; the supplied
// record is never modified.
func (r *Resolver) Resolve(ctx context.Context, userID, characterID, sessionID string) (Session, error) {
	userID = strings.TrimSpace(userID)
	characterID = strings.TrimSpace(characterID)
	if userID == "" {
		return Session{}, apperrors.NewValidationError("userId is required", nil)
	}
	if characterID == "" {
		return Session{}, apperrors.NewValidationError("characterId is required", nil)
	}

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return r.create(ctx, userID, characterID, "new")
	}

	existing, err := r.store.Get(ctx, sessionID)
	switch {
	case errors.Is(err, ErrNotFound):
		return r.create(ctx, userID, characterID, "unknown")
	case err != nil:
		return Session{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	if existing.UserID != userID || existing.CharacterID != characterID {
		logger.WarnCF("session", "Supplied session belongs to another owner; starting a new one", map[string]interface{}{
			"session_id":   sessionID,
			"user_id":      userID,
			"character_id": characterID,
		})
		return r.create(ctx, userID, characterID, "mismatch")
	}
	return *existing, nil
}

func (r *Resolver) create(ctx context.Context, userID, characterID, reason string) (Session, error) {
	s := Session{
		ID:          r.newID(),
		UserID:      userID,
		CharacterID: characterID,
		CreatedAt:   r.now().UTC(),
	}
	if err := r.store.Create(ctx, s); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	logger.DebugCF("session", "Session created", map[string]interface{}{
		"session_id":   s.ID,
		"user_id":      userID,
		"character_id": characterID,
		"reason":       reason,
	})
	return s, nil
}
