package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
)

const defaultRecallTokenBudget = 512

// Config configures the memory subsystem.
type Config struct {
	DBPath            string
	MaxRecallItems    int
	RecallTokenBudget int
}

// Service recalls earlier turns of the same user and character into the
// system prompt and records finished turns.
type Service struct {
	cfg   Config
	store *SQLiteStore

	closeOnce sync.Once
	closeErr  error
}

func NewService(cfg Config) (*Service, error) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		return nil, fmt.Errorf("memory db path is required")
	}
	store, err := NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return newServiceWithStore(cfg, store), nil
}

func newServiceWithStore(cfg Config, store *SQLiteStore) *Service {
	if cfg.MaxRecallItems <= 0 {
		cfg.MaxRecallItems = 6
	}
	if cfg.RecallTokenBudget <= 0 {
		cfg.RecallTokenBudget = defaultRecallTokenBudget
	}
	return &Service{cfg: cfg, store: store}
}

func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}

// BeforeTurn appends a "## Recalled Memory" block built from earlier records
// that match the user message. With no hits the prompt is returned as is.
func (s *Service) BeforeTurn(ctx context.Context, tc TurnContext) (Augmented, error) {
	out := Augmented{
		SystemPrompt: tc.SystemPrompt,
		Metadata:     map[string]interface{}{"recalled": 0},
	}

	query := buildFTSQuery(tc.UserMessage)
	if query == "" {
		return out, nil
	}
	records, err := s.store.SearchRecords(ctx, tc.UserID, tc.CharacterID, query, s.cfg.MaxRecallItems)
	if err != nil {
		return Augmented{}, fmt.Errorf("recall memory: %w", err)
	}

	block, used := formatRecall(records, tc.CharacterName, s.cfg.RecallTokenBudget)
	if used == 0 {
		return out, nil
	}
	out.SystemPrompt = strings.TrimRight(tc.SystemPrompt, "\n") + "\n\n" + block
	out.Metadata["recalled"] = used
	logger.DebugCF("memory", "Recalled memory", map[string]interface{}{
		"session_id":   tc.SessionID,
		"character_id": tc.CharacterID,
		"recalled":     used,
	})
	return out, nil
}

// AfterTurn stores one side of a completed turn.
func (s *Service) AfterTurn(ctx context.Context, rec Record, characterName string) error {
	if rec.Role != RoleUser && rec.Role != RoleAssistant {
		return fmt.Errorf("invalid memory record role %q", rec.Role)
	}
	if strings.TrimSpace(rec.SessionID) == "" || strings.TrimSpace(rec.UserID) == "" || strings.TrimSpace(rec.CharacterID) == "" {
		return fmt.Errorf("memory record requires session, user and character ids")
	}
	meta := make(map[string]string, len(rec.Metadata)+1)
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	if name := strings.TrimSpace(characterName); name != "" {
		meta["character_name"] = name
	}
	rec.Metadata = meta

	if _, err := s.store.InsertRecord(ctx, rec); err != nil {
		return err
	}
	return nil
}

// ListRecords returns the latest limit records of a session, oldest first.
func (s *Service) ListRecords(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	return s.store.ListBySession(ctx, sessionID, limit)
}

func formatRecall(records []Record, characterName string, budgetTokens int) (string, int) {
	if len(records) == 0 {
		return "", 0
	}
	speaker := strings.TrimSpace(characterName)
	if speaker == "" {
		speaker = "Assistant"
	}

	var b strings.Builder
	b.WriteString("## Recalled Memory\n")
	used, tokens := 0, 0
	for _, rec := range records {
		who := "User"
		if rec.Role == RoleAssistant {
			who = speaker
		}
		line := fmt.Sprintf("- %s: %s", who, strings.Join(strings.Fields(rec.Content), " "))
		cost := EstimateTokens(line)
		if tokens+cost > budgetTokens && used > 0 {
			break
		}
		b.WriteString(line)
		b.WriteString("\n")
		tokens += cost
		used++
	}
	return strings.TrimSpace(b.String()), used
}
