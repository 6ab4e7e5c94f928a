package providers

import (
	"context"
	"fmt"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type LLMResponse struct {
	Content      string     `json:"content"`
	FinishReason string     `json:"finish_reason"`
	Usage        *UsageInfo `json:"usage,omitempty"`
}

// StreamDelta is one item of a streamed completion. A delta with Err set is
// the last one sent before the channel closes.
type StreamDelta struct {
	Content      string
	FinishReason string
	Err          error
}

// LLMProvider generates replies from a role-tagged message list.
//
// ChatStream returns a channel that is closed when the completion ends, the
// upstream fails, or ctx is cancelled. Callers that stop reading must cancel
// ctx so the producer can exit.
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, model string, options map[string]interface{}) (*LLMResponse, error)
	ChatStream(ctx context.Context, messages []Message, model string, options map[string]interface{}) (<-chan StreamDelta, error)
	GetDefaultModel() string
}

// APIError is a non-2xx answer from a provider endpoint.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API request failed: status=%d error=%s", e.Provider, e.StatusCode, e.Message)
}

func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}
