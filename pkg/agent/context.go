package agent

import (
	"strings"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/memory"
	"github.com/dotsetgreg/dotpersona/pkg/providers"
)

// BuildMessages lays out the provider input: the working system prompt,
// the trimmed history, then the current user message.
func BuildMessages(systemPrompt string, history []providers.Message, userMessage string, tokenBudget, messageLimit int) []providers.Message {
	kept := TruncateHistory(history, tokenBudget, messageLimit)

	messages := make([]providers.Message, 0, len(kept)+2)
	messages = append(messages, providers.Message{Role: providers.RoleSystem, Content: systemPrompt})
	messages = append(messages, kept...)
	messages = append(messages, providers.Message{Role: providers.RoleUser, Content: userMessage})

	logger.DebugCF("agent", "Messages built", map[string]interface{}{
		"system_chars":  len(systemPrompt),
		"history_in":    len(history),
		"history_kept":  len(kept),
		"message_count": len(messages),
	})
	return messages
}

// TruncateHistory keeps the newest user/assistant messages that fit both
// limits. Other roles and blank messages are dropped so a client cannot
// smuggle in a second system prompt. A non-positive limit disables it.
func TruncateHistory(history []providers.Message, tokenBudget, messageLimit int) []providers.Message {
	clean := make([]providers.Message, 0, len(history))
	for _, m := range history {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		if role != providers.RoleUser && role != providers.RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		clean = append(clean, providers.Message{Role: role, Content: m.Content})
	}

	if messageLimit > 0 && len(clean) > messageLimit {
		clean = clean[len(clean)-messageLimit:]
	}
	if tokenBudget <= 0 {
		return clean
	}

	total := 0
	for _, m := range clean {
		total += memory.EstimateTokens(m.Content)
	}
	for total > tokenBudget && len(clean) > 0 {
		total -= memory.EstimateTokens(clean[0].Content)
		clean = clean[1:]
	}
	return clean
}
