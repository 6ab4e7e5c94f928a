package providers

import (
	"net/http"
	"strings"
	"testing"
)

func TestAugmentProviderError_UnauthorizedHint(t *testing.T) {
	msg := augmentProviderError(ProviderOpenRouter, http.StatusUnauthorized, "No auth credentials found")
	if !strings.Contains(msg, "providers.openrouter.api_key") {
		t.Fatalf("expected api key hint, got %q", msg)
	}
}

func TestAugmentProviderError_OpenRouterCreditsHint(t *testing.T) {
	msg := augmentProviderError(ProviderOpenRouter, http.StatusPaymentRequired, "Insufficient credits")
	if !strings.Contains(msg, "credits") || !strings.Contains(msg, "Hint:") {
		t.Fatalf("expected credits hint, got %q", msg)
	}
}

func TestAugmentProviderError_OpenAIIncorrectAPIKeyHint(t *testing.T) {
	msg := augmentProviderError(ProviderOpenAI, http.StatusBadRequest, "Incorrect API key provided")
	if !strings.Contains(msg, "Platform API key") {
		t.Fatalf("expected platform key hint, got %q", msg)
	}
}

func TestAugmentProviderError_PassThrough(t *testing.T) {
	msg := augmentProviderError(ProviderOpenAI, http.StatusInternalServerError, "  upstream exploded  ")
	if msg != "upstream exploded" {
		t.Fatalf("expected trimmed message without hint, got %q", msg)
	}
}
