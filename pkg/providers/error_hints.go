package providers

import (
	"net/http"
	"strings"
)

func augmentProviderError(providerName string, status int, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}

	lower := strings.ToLower(msg)
	providerName = NormalizeProviderName(providerName)

	switch status {
	case http.StatusUnauthorized:
		return msg + " Hint: check providers." + providerName + ".api_key."
	case http.StatusTooManyRequests:
		return msg + " Hint: the upstream is rate limiting; the turn will be retried with backoff."
	}

	switch providerName {
	case ProviderOpenRouter:
		if status == http.StatusPaymentRequired || strings.Contains(lower, "insufficient credits") {
			return msg + " Hint: the OpenRouter account has no remaining credits."
		}
		if strings.Contains(lower, "no endpoints found") {
			return msg + " Hint: the model id is not routable on OpenRouter; check persona.defaults.model."
		}
	case ProviderOpenAI:
		if strings.Contains(lower, "incorrect api key provided") {
			return msg + " Hint: provider openai expects a Platform API key."
		}
		if strings.Contains(lower, "does not exist") && strings.Contains(lower, "model") {
			return msg + " Hint: the model is unavailable for this key; check persona.defaults.model."
		}
	}

	return msg
}
