package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/config"
)

func TestCreateProvider_OpenRouter_DefaultSelection(t *testing.T) {
	var seenAuth, seenPath, seenTitle string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenPath = r.URL.Path
		seenTitle = r.Header.Get("X-Title")
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if got := req["model"]; got != defaultOpenRouterModel {
			t.Errorf("expected default model %q, got %v", defaultOpenRouterModel, got)
		}
		if _, ok := req["stream"]; ok {
			t.Errorf("non-streaming request must not set stream")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Providers.OpenRouter.APIKey = "or-key"
	cfg.Providers.OpenRouter.APIBase = server.URL
	cfg.Persona.Defaults.Provider = ""

	provider, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	resp, err := provider.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, "", nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "ok" {
		t.Fatalf("expected response content ok, got %q", resp.Content)
	}
	if seenAuth != "Bearer or-key" {
		t.Fatalf("expected openrouter auth bearer, got %q", seenAuth)
	}
	if seenPath != "/chat/completions" {
		t.Fatalf("expected /chat/completions path, got %q", seenPath)
	}
	if seenTitle != openRouterTitle {
		t.Fatalf("expected X-Title header, got %q", seenTitle)
	}
}

func TestCreateProvider_OpenAI_WithOptionsAndOrganization(t *testing.T) {
	var seenAuth, seenOrg string
	var seenReq map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenOrg = r.Header.Get("OpenAI-Organization")
		if err := json.NewDecoder(r.Body).Decode(&seenReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": [{"type":"text","text":"안녕"},{"type":"text","text":"하세요"}]}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Persona.Defaults.Provider = ProviderOpenAI
	cfg.Providers.OpenAI.APIKey = "sk-openai"
	cfg.Providers.OpenAI.APIBase = server.URL
	cfg.Providers.OpenAI.Organization = "org_123"

	provider, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}

	resp, err := provider.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hello"}}, "gpt-5", map[string]interface{}{"max_tokens": 128, "temperature": 0.3})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "안녕하세요" {
		t.Fatalf("expected flattened content, got %q", resp.Content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Fatalf("expected usage to be parsed, got %+v", resp.Usage)
	}
	if seenReq["model"] != "gpt-5" {
		t.Fatalf("expected model override gpt-5, got %v", seenReq["model"])
	}
	if seenReq["max_tokens"] != float64(128) {
		t.Fatalf("expected max_tokens 128, got %v", seenReq["max_tokens"])
	}
	if seenReq["temperature"] != 0.3 {
		t.Fatalf("expected temperature 0.3, got %v", seenReq["temperature"])
	}
	if seenAuth != "Bearer sk-openai" {
		t.Fatalf("expected openai auth bearer with api key, got %q", seenAuth)
	}
	if seenOrg != "org_123" {
		t.Fatalf("expected OpenAI-Organization header, got %q", seenOrg)
	}
}

func TestChat_RateLimitReturnsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit exceeded","code":429}}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Providers.OpenRouter.APIKey = "or-key"
	cfg.Providers.OpenRouter.APIBase = server.URL

	provider, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	_, err = provider.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, "", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T %v", err, err)
	}
	if apiErr.HTTPStatus() != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", apiErr.HTTPStatus())
	}
	if !strings.Contains(apiErr.Message, "Rate limit exceeded") {
		t.Fatalf("expected upstream message to be kept, got %q", apiErr.Message)
	}
}

func TestChatStream_RelaysDeltasUntilDone(t *testing.T) {
	var seenAccept string
	var seenStream interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAccept = r.Header.Get("Accept")
		var req map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&req)
		seenStream = req["stream"]

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		frames := []string{
			": keep-alive",
			`data: {"choices":[{"delta":{"role":"assistant"}}]}`,
			`data: {"choices":[{"delta":{"content":"안녕"}}]}`,
			`data: {"choices":[{"delta":{"content":"하세요"}}]}`,
			`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			"data: [DONE]",
			`data: {"choices":[{"delta":{"content":"ignored"}}]}`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "%s\n\n", f)
			flusher.Flush()
		}
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Providers.OpenRouter.APIKey = "or-key"
	cfg.Providers.OpenRouter.APIBase = server.URL

	provider, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	deltas, err := provider.ChatStream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, "", nil)
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}

	var sb strings.Builder
	var finish string
	for d := range deltas {
		if d.Err != nil {
			t.Fatalf("unexpected stream error: %v", d.Err)
		}
		sb.WriteString(d.Content)
		if d.FinishReason != "" {
			finish = d.FinishReason
		}
	}
	if sb.String() != "안녕하세요" {
		t.Fatalf("expected concatenated deltas, got %q", sb.String())
	}
	if finish != "stop" {
		t.Fatalf("expected finish reason stop, got %q", finish)
	}
	if seenAccept != "text/event-stream" {
		t.Fatalf("expected SSE accept header, got %q", seenAccept)
	}
	if seenStream != true {
		t.Fatalf("expected stream=true in request, got %v", seenStream)
	}
}

func TestChatStream_UpstreamErrorFrame(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"부분\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"overloaded\",\"code\":503}}\n\n")
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Providers.OpenRouter.APIKey = "or-key"
	cfg.Providers.OpenRouter.APIBase = server.URL

	provider, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	deltas, err := provider.ChatStream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, "", nil)
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}

	var got []StreamDelta
	for d := range deltas {
		got = append(got, d)
	}
	if len(got) != 2 {
		t.Fatalf("expected content then error, got %+v", got)
	}
	var apiErr *APIError
	if !errors.As(got[1].Err, &apiErr) || apiErr.StatusCode != 503 {
		t.Fatalf("expected APIError 503, got %v", got[1].Err)
	}
}

func TestChatStream_NonSuccessStatusFailsBeforeStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Providers.OpenRouter.APIKey = "or-key"
	cfg.Providers.OpenRouter.APIBase = server.URL

	provider, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	deltas, err := provider.ChatStream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, "", nil)
	if deltas != nil {
		t.Fatalf("expected no channel on failure")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 APIError, got %v", err)
	}
}

func TestChatStream_CancelStopsProducer(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 100; i++ {
			if _, err := fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"%d\"}}]}\n\n", i); err != nil {
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-release:
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	defer server.Close()
	defer close(release)

	cfg := config.DefaultConfig()
	cfg.Providers.OpenRouter.APIKey = "or-key"
	cfg.Providers.OpenRouter.APIBase = server.URL

	provider, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	deltas, err := provider.ChatStream(ctx, []Message{{Role: RoleUser, Content: "hi"}}, "", nil)
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	<-deltas
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-deltas:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("stream channel not closed after cancel")
		}
	}
}

func TestCreateProviderByName_IgnoresConfiguredDefault(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Persona.Defaults.Provider = ProviderOpenRouter
	cfg.Providers.OpenAI.APIKey = "sk-openai"

	provider, err := CreateProviderByName(cfg, "OpenAI")
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	if provider.GetDefaultModel() != defaultOpenAIModel {
		t.Fatalf("expected openai default model, got %q", provider.GetDefaultModel())
	}

	if _, err := CreateProviderByName(cfg, ProviderOpenRouter); err == nil {
		t.Fatalf("expected missing openrouter key error")
	}
}

func TestCreateProvider_UnsupportedProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Persona.Defaults.Provider = "does-not-exist"

	if _, err := CreateProvider(cfg); err == nil {
		t.Fatalf("expected unsupported provider error")
	}
}

func TestValidateProviderConfig_MissingCredentials(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Persona.Defaults.Provider = ProviderOpenAI

	if err := ValidateProviderConfig(cfg); err == nil {
		t.Fatalf("expected missing credentials error for openai")
	}

	name, configured, _, err := ProviderCredentialStatus(cfg)
	if err != nil {
		t.Fatalf("credential status: %v", err)
	}
	if name != ProviderOpenAI || configured {
		t.Fatalf("expected unconfigured openai, got %s configured=%v", name, configured)
	}
}

func TestSupportedProviders(t *testing.T) {
	got := SupportedProviders()
	if strings.Join(got, ",") != "openai,openrouter" {
		t.Fatalf("unexpected providers %v", got)
	}
}

func TestRegisterFactory_InvalidRegistrationDoesNotPanic(t *testing.T) {
	factoryMu.RLock()
	origFactories := make(map[string]providerFactory, len(factories))
	for k, v := range factories {
		origFactories[k] = v
	}
	origErr := registrationErr
	factoryMu.RUnlock()

	defer func() {
		factoryMu.Lock()
		factories = origFactories
		registrationErr = origErr
		factoryMu.Unlock()
	}()

	didPanic := false
	func() {
		defer func() {
			if recover() != nil {
				didPanic = true
			}
		}()
		RegisterFactory("", nil, nil, nil)
	}()
	if didPanic {
		t.Fatalf("RegisterFactory should not panic on invalid registration")
	}

	cfg := config.DefaultConfig()
	cfg.Providers.OpenRouter.APIKey = "or-key"
	if _, err := CreateProvider(cfg); err == nil {
		t.Fatalf("expected provider creation to fail after invalid registration")
	}
}
