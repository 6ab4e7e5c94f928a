// DotPersona - character-grounded conversational turns
// License: MIT
//
// Copyright (c) 2026 DotPersona contributors

package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/apperrors"
	"github.com/dotsetgreg/dotpersona/pkg/config"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/memory"
	"github.com/dotsetgreg/dotpersona/pkg/prompt"
	"github.com/dotsetgreg/dotpersona/pkg/providers"
	"github.com/dotsetgreg/dotpersona/pkg/retry"
	"github.com/dotsetgreg/dotpersona/pkg/session"
	"github.com/google/uuid"
)

// Options are the process-wide turn defaults.
type Options struct {
	Model               string
	MaxTokens           int
	Temperature         float64
	OutputLanguage      string
	Prompt              prompt.Options
	HistoryTokenBudget  int
	HistoryMessageLimit int
}

// OptionsFromConfig reads persona.defaults.
func OptionsFromConfig(cfg *config.Config) Options {
	d := cfg.Persona.Defaults
	includeHardRules := d.IncludeHardRules
	return Options{
		Model:          d.Model,
		MaxTokens:      d.MaxTokens,
		Temperature:    d.Temperature,
		OutputLanguage: d.OutputLanguage,
		Prompt: prompt.Options{
			MaxLorebookEntries: d.MaxLorebookEntries,
			MaxExamplesChars:   d.MaxExamplesChars,
			IncludeHardRules:   &includeHardRules,
		},
		HistoryTokenBudget:  d.HistoryTokenBudget,
		HistoryMessageLimit: d.HistoryMessageLimit,
	}
}

// RetryPolicyFromConfig reads the retry section.
func RetryPolicyFromConfig(cfg *config.Config) retry.Policy {
	return retry.Policy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
		MaxJitter:  time.Duration(cfg.Retry.MaxJitterMS) * time.Millisecond,
	}
}

// ProviderLookup returns a provider by registry name. It backs per-request
// provider overrides.
type ProviderLookup func(name string) (providers.LLMProvider, error)

// Orchestrator runs turns. It holds no per-turn state and is safe for
// concurrent use.
type Orchestrator struct {
	resolver *session.Resolver
	memory   MemoryHooks
	provider providers.LLMProvider
	lookup   ProviderLookup
	retry    retry.Policy
	opts     Options
}

// NewOrchestrator wires the collaborators. mem may be nil to run without
// augmentation and persistence.
func NewOrchestrator(store session.Store, mem MemoryHooks, provider providers.LLMProvider, policy retry.Policy, opts Options) *Orchestrator {
	return &Orchestrator{
		resolver: session.NewResolver(store),
		memory:   mem,
		provider: provider,
		retry:    policy,
		opts:     opts,
	}
}

// SetProviderLookup enables Generation.Provider overrides.
func (o *Orchestrator) SetProviderLookup(lookup ProviderLookup) {
	o.lookup = lookup
}

// turn is the state shared by both entry points once the pipeline has been
// prepared.
type turn struct {
	id        string
	req       Request
	session   session.Session
	assembled prompt.Assembled
	augment   Augmentation
	messages  []providers.Message
	provider  providers.LLMProvider
	model     string
	options   map[string]interface{}
	started   time.Time
}

// RunTurn generates one reply and returns once it is complete and persisted.
func (o *Orchestrator) RunTurn(ctx context.Context, req Request) (*Result, error) {
	t, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := retry.Do(ctx, o.retry, func(ctx context.Context) (*providers.LLMResponse, error) {
		return t.provider.Chat(ctx, t.messages, t.model, t.options)
	})
	if err != nil {
		err = classifyProviderError(err)
		o.logFailure(t, err)
		return nil, err
	}

	warnings := o.persist(context.WithoutCancel(ctx), t, resp.Content)
	o.logCompletion(t, resp.Content, false)
	return t.result(resp.Content, warnings), nil
}

// RunTurnStreaming starts a turn and returns its event stream. Each provider
// fragment, empty ones included, is forwarded verbatim as soon as it arrives;
// only the concatenation is kept.
// The channel is closed after the terminal event. Cancelling ctx stops
// generation, skips persistence and closes the channel without a terminal
// event.
func (o *Orchestrator) RunTurnStreaming(ctx context.Context, req Request) <-chan Event {
	out := make(chan Event)

	go func() {
		defer close(out)

		emit := func(ev Event) bool {
			if ctx.Err() != nil {
				return false
			}
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		t, err := o.prepare(ctx, req)
		if err != nil {
			emit(errorEvent(err))
			return
		}

		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		deltas, err := retry.Do(streamCtx, o.retry, func(ctx context.Context) (<-chan providers.StreamDelta, error) {
			return t.provider.ChatStream(ctx, t.messages, t.model, t.options)
		})
		if err != nil {
			if ctx.Err() != nil {
				o.logAbort(t)
				return
			}
			err = classifyProviderError(err)
			o.logFailure(t, err)
			emit(errorEvent(err))
			return
		}

		var full strings.Builder
		for delta := range deltas {
			if delta.Err != nil {
				if ctx.Err() != nil {
					break
				}
				err := classifyProviderError(delta.Err)
				o.logFailure(t, err)
				emit(errorEvent(err))
				return
			}
			full.WriteString(delta.Content)
			if !emit(Event{Type: EventChunk, Content: delta.Content}) {
				break
			}
		}
		if ctx.Err() != nil {
			o.logAbort(t)
			return
		}

		// Past this point the reply is committed; both records are written
		// even if the consumer leaves mid-way.
		reply := full.String()
		o.persist(context.WithoutCancel(ctx), t, reply)
		o.logCompletion(t, reply, true)
		emit(Event{Type: EventDone, FullResponse: reply, SessionID: t.session.ID})
	}()

	return out
}

func (o *Orchestrator) prepare(ctx context.Context, req Request) (*turn, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if o.provider == nil && (o.lookup == nil || req.Generation.Provider == "") {
		return nil, apperrors.NewUnavailableError("no generation provider configured", nil)
	}

	sess, err := o.resolver.Resolve(ctx, req.UserID, req.CharacterID, req.SessionID)
	if err != nil {
		if apperrors.TypeOf(err) != "" {
			return nil, err
		}
		return nil, apperrors.NewUnavailableError("session store unavailable", err)
	}

	provider := o.provider
	if name := strings.TrimSpace(req.Generation.Provider); name != "" && o.lookup != nil {
		provider, err = o.lookup(name)
		if err != nil {
			return nil, apperrors.NewValidationError("provider "+name+" is not available", err)
		}
	}

	t := &turn{
		id:       "turn-" + uuid.NewString(),
		req:      req,
		session:  sess,
		provider: provider,
		started:  time.Now(),
	}

	t.assembled = prompt.Assemble(req.Character.Persona, req.UserMessage, req.Character.Lorebook, req.Character.ExampleDialogue, o.promptOptions(req))
	t.augment = o.augment(ctx, t)
	t.messages = BuildMessages(t.augment.SystemPrompt, req.History, req.UserMessage, o.opts.HistoryTokenBudget, o.opts.HistoryMessageLimit)
	t.model, t.options = o.generationOptions(req.Generation)
	return t, nil
}

// augment runs the pre-turn memory hook. Failures fall back to the base
// prompt and mark the turn degraded.
func (o *Orchestrator) augment(ctx context.Context, t *turn) Augmentation {
	base := Augmentation{SystemPrompt: t.assembled.Text}
	if o.memory == nil {
		return base
	}

	got, err := o.memory.BeforeTurn(ctx, memory.TurnContext{
		UserID:        t.req.UserID,
		CharacterID:   t.req.CharacterID,
		CharacterName: t.req.Character.Name,
		SessionID:     t.session.ID,
		UserMessage:   t.req.UserMessage,
		SystemPrompt:  t.assembled.Text,
	})
	if err != nil {
		logger.WarnCF("agent", "Memory augmentation failed; continuing with base prompt", map[string]interface{}{
			"session_id": t.session.ID,
			"turn_id":    t.id,
			"error":      err.Error(),
		})
		base.Degraded = true
		base.Cause = err
		return base
	}
	if strings.TrimSpace(got.SystemPrompt) == "" {
		got.SystemPrompt = t.assembled.Text
	}
	return Augmentation{SystemPrompt: got.SystemPrompt, Metadata: got.Metadata}
}

// persist records the user message then the reply. Both calls are attempted;
// failures are logged and returned as warnings.
func (o *Orchestrator) persist(ctx context.Context, t *turn, reply string) []string {
	if o.memory == nil {
		return nil
	}

	now := time.Now().UTC()
	meta := map[string]string{"turn_id": t.id}
	records := []memory.Record{
		{
			SessionID:   t.session.ID,
			UserID:      t.req.UserID,
			CharacterID: t.req.CharacterID,
			Role:        memory.RoleUser,
			Content:     t.req.UserMessage,
			Metadata:    meta,
			CreatedAt:   now,
		},
		{
			SessionID:   t.session.ID,
			UserID:      t.req.UserID,
			CharacterID: t.req.CharacterID,
			Role:        memory.RoleAssistant,
			Content:     reply,
			Metadata:    meta,
			CreatedAt:   now.Add(time.Millisecond),
		},
	}

	var warnings []string
	for _, rec := range records {
		if err := o.memory.AfterTurn(ctx, rec, t.req.Character.Name); err != nil {
			logger.ErrorCF("agent", "Failed to persist turn record", map[string]interface{}{
				"session_id": t.session.ID,
				"turn_id":    t.id,
				"role":       rec.Role,
				"error":      err.Error(),
			})
			warnings = append(warnings, fmt.Sprintf("persist %s record: %v", rec.Role, err))
		}
	}
	return warnings
}

func (o *Orchestrator) promptOptions(req Request) prompt.Options {
	opts := o.opts.Prompt
	if req.Prompt.MaxLorebookEntries != 0 {
		opts.MaxLorebookEntries = req.Prompt.MaxLorebookEntries
	}
	if req.Prompt.MaxExamplesChars != 0 {
		opts.MaxExamplesChars = req.Prompt.MaxExamplesChars
	}
	if req.Prompt.IncludeHardRules != nil {
		opts.IncludeHardRules = req.Prompt.IncludeHardRules
	}
	opts.OutputLanguage = firstNonEmpty(req.OutputLanguage, req.Prompt.OutputLanguage, o.opts.OutputLanguage, opts.OutputLanguage)
	return opts
}

func (o *Orchestrator) generationOptions(g Generation) (string, map[string]interface{}) {
	model := firstNonEmpty(g.Model, o.opts.Model)
	if strings.TrimSpace(g.Provider) != "" && strings.TrimSpace(g.Model) == "" {
		// The configured default model belongs to the configured provider.
		model = ""
	}

	options := map[string]interface{}{}
	maxTokens := o.opts.MaxTokens
	if g.MaxTokens > 0 {
		maxTokens = g.MaxTokens
	}
	if maxTokens > 0 {
		options["max_tokens"] = maxTokens
	}
	if g.Temperature != nil {
		options["temperature"] = *g.Temperature
	} else if o.opts.Temperature > 0 {
		options["temperature"] = o.opts.Temperature
	}
	return model, options
}

func (t *turn) result(reply string, warnings []string) *Result {
	lore := make([]string, 0, len(t.assembled.UsedLorebookEntries))
	for _, e := range t.assembled.UsedLorebookEntries {
		lore = append(lore, e.ID)
	}
	return &Result{
		Response:        reply,
		SystemPrompt:    t.augment.SystemPrompt,
		SessionID:       t.session.ID,
		UsedLore:        lore,
		UsedExamples:    len(t.assembled.UsedExamples),
		Degraded:        t.augment.Degraded,
		PersistWarnings: warnings,
	}
}

// classifyProviderError maps a final provider failure onto the error taxonomy.
func classifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if retry.IsRateLimited(err) {
		return apperrors.NewUpstreamRateLimitedError("provider rate limit persisted after retries", err)
	}
	return apperrors.NewUpstreamFailureError("provider request failed", err)
}

func errorEvent(err error) Event {
	ev := Event{Type: EventError, Message: err.Error()}
	if t := apperrors.TypeOf(err); t != "" {
		ev.ErrorType = string(t)
	}
	return ev
}

func (o *Orchestrator) logCompletion(t *turn, reply string, streamed bool) {
	logger.InfoCF("agent", fmt.Sprintf("Response: %s", preview(reply, 120)), map[string]interface{}{
		"session_id":   t.session.ID,
		"turn_id":      t.id,
		"character_id": t.req.CharacterID,
		"streamed":     streamed,
		"lore":         len(t.assembled.UsedLorebookEntries),
		"degraded":     t.augment.Degraded,
		"final_length": len(reply),
		"elapsed_ms":   time.Since(t.started).Milliseconds(),
	})
}

func (o *Orchestrator) logFailure(t *turn, err error) {
	logger.ErrorCF("agent", "Generation failed", map[string]interface{}{
		"session_id": t.session.ID,
		"turn_id":    t.id,
		"error":      err.Error(),
	})
}

func (o *Orchestrator) logAbort(t *turn) {
	logger.InfoCF("agent", "Streamed turn cancelled by consumer; nothing persisted", map[string]interface{}{
		"session_id": t.session.ID,
		"turn_id":    t.id,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func preview(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
