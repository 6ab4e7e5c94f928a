package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotpersona/pkg/agent"
	"github.com/dotsetgreg/dotpersona/pkg/character"
	"github.com/dotsetgreg/dotpersona/pkg/config"
	"github.com/dotsetgreg/dotpersona/pkg/providers"
	"github.com/dotsetgreg/dotpersona/pkg/quality"
	"github.com/dotsetgreg/dotpersona/pkg/session"
)

const evalUserID = "eval"

type providerFactory func(cfg *config.Config, name string) (providers.LLMProvider, error)

// evalGenerator runs each case through a full turn with throwaway sessions
// and no long-term memory, so candidates see identical prompts.
type evalGenerator struct {
	cfg     *config.Config
	catalog character.Catalog
	create  providerFactory

	mu        sync.Mutex
	providers map[string]providers.LLMProvider
}

func newEvalGenerator(cfg *config.Config, catalog character.Catalog) *evalGenerator {
	return &evalGenerator{
		cfg:       cfg,
		catalog:   catalog,
		create:    providers.CreateProviderByName,
		providers: map[string]providers.LLMProvider{},
	}
}

func (g *evalGenerator) provider(name string) (providers.LLMProvider, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	name = providers.NormalizeProviderName(name)
	if p, ok := g.providers[name]; ok {
		return p, nil
	}
	p, err := g.create(g.cfg, name)
	if err != nil {
		return nil, err
	}
	g.providers[name] = p
	return p, nil
}

func (g *evalGenerator) Generate(ctx context.Context, cand quality.Candidate, c quality.Case) (string, error) {
	if strings.TrimSpace(c.CharacterID) == "" {
		return "", fmt.Errorf("case %q has no characterId", c.Name)
	}
	ch, err := g.catalog.Get(ctx, c.CharacterID)
	if err != nil {
		return "", err
	}
	p, err := g.provider(cand.Provider)
	if err != nil {
		return "", err
	}

	orch := agent.NewOrchestrator(session.NewMemoryStore(), nil, p, agent.RetryPolicyFromConfig(g.cfg), agent.OptionsFromConfig(g.cfg))
	res, err := orch.RunTurn(ctx, agent.Request{
		UserID:         evalUserID,
		CharacterID:    ch.ID,
		Character:      ch,
		UserMessage:    c.Message,
		Generation:     agent.Generation{Model: cand.Model},
		OutputLanguage: c.OutputLanguage,
	})
	if err != nil {
		return "", err
	}
	return res.Response, nil
}
