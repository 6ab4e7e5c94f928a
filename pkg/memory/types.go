package memory

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Record is one persisted side of a turn.
type Record struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"sessionId"`
	UserID      string            `json:"userId"`
	CharacterID string            `json:"characterId"`
	Role        string            `json:"role"`
	Content     string            `json:"content"`
	Tokens      int               `json:"tokens"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// TurnContext is what the pre-turn hook sees.
type TurnContext struct {
	UserID        string
	CharacterID   string
	CharacterName string
	SessionID     string
	UserMessage   string
	SystemPrompt  string
}

// Augmented is the pre-turn hook result. SystemPrompt replaces the working
// prompt for generation.
type Augmented struct {
	SystemPrompt string
	Metadata     map[string]interface{}
}
