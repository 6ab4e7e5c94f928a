package agent

import (
	"context"
	"strings"

	"github.com/dotsetgreg/dotpersona/pkg/apperrors"
	"github.com/dotsetgreg/dotpersona/pkg/character"
	"github.com/dotsetgreg/dotpersona/pkg/memory"
	"github.com/dotsetgreg/dotpersona/pkg/prompt"
	"github.com/dotsetgreg/dotpersona/pkg/providers"
)

// Generation overrides the configured provider settings for one turn. Zero
// values keep the defaults.
type Generation struct {
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
}

// Request is one user turn against one character.
type Request struct {
	UserID         string
	CharacterID    string
	SessionID      string
	Character      *character.Character
	UserMessage    string
	History        []providers.Message
	Generation     Generation
	OutputLanguage string
	Prompt         prompt.Options
}

// Validate rejects requests that must never reach the pipeline.
func (r Request) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return apperrors.NewValidationError("userId is required", nil)
	}
	if strings.TrimSpace(r.CharacterID) == "" {
		return apperrors.NewValidationError("characterId is required", nil)
	}
	if strings.TrimSpace(r.UserMessage) == "" {
		return apperrors.NewValidationError("message is required", nil)
	}
	if r.Character == nil {
		return apperrors.NewNotFoundError("character "+r.CharacterID+" not found", nil)
	}
	if r.Character.ID != r.CharacterID {
		return apperrors.NewValidationError("character definition does not match characterId", nil)
	}
	if !r.Character.Active {
		return apperrors.NewNotFoundError("character "+r.CharacterID+" is not active", nil)
	}
	return nil
}

// Result is the synchronous turn outcome.
type Result struct {
	Response        string   `json:"response"`
	SystemPrompt    string   `json:"systemPrompt"`
	SessionID       string   `json:"sessionId"`
	UsedLore        []string `json:"usedLore"`
	UsedExamples    int      `json:"usedExamples"`
	Degraded        bool     `json:"degraded"`
	PersistWarnings []string `json:"persistWarnings,omitempty"`
}

type EventType string

const (
	EventChunk EventType = "chunk"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event is one item of a streamed turn. A stream is zero or more chunk events
// followed by exactly one done or error event.
type Event struct {
	Type         EventType `json:"type"`
	Content      string    `json:"content,omitempty"`
	FullResponse string    `json:"fullResponse,omitempty"`
	SessionID    string    `json:"sessionId,omitempty"`
	Message      string    `json:"message,omitempty"`
	ErrorType    string    `json:"errorType,omitempty"`
}

// MemoryHooks is the long-term memory collaborator. BeforeTurn failures
// degrade the turn; AfterTurn failures become warnings.
type MemoryHooks interface {
	BeforeTurn(ctx context.Context, tc memory.TurnContext) (memory.Augmented, error)
	AfterTurn(ctx context.Context, rec memory.Record, characterName string) error
}

// Augmentation is the working prompt after the pre-turn hook.
type Augmentation struct {
	SystemPrompt string
	Metadata     map[string]interface{}
	Degraded     bool
	Cause        error
}
