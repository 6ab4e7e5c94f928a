// DotPersona - character-grounded conversational turns
// License: MIT
//
// Copyright (c) 2026 DotPersona contributors

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/chzyer/readline"
	"github.com/dotsetgreg/dotpersona/pkg/agent"
	"github.com/dotsetgreg/dotpersona/pkg/character"
	"github.com/dotsetgreg/dotpersona/pkg/config"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/memory"
	"github.com/dotsetgreg/dotpersona/pkg/providers"
	"github.com/dotsetgreg/dotpersona/pkg/session"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "dotpersona"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// formatBuildInfo returns build time and go version info
func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// getConfigPath honours DOTPERSONA_CONFIG, then ~/.dotpersona/config.json.
func getConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("DOTPERSONA_CONFIG")); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dotpersona", "config.json")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.EnableJSON(cfg.Log.JSON)
	return cfg, nil
}

// appRuntime holds the collaborators shared by chat and serve.
type appRuntime struct {
	cfg          *config.Config
	catalog      *character.FileCatalog
	sessions     session.Store
	memory       *memory.Service
	orchestrator *agent.Orchestrator
}

// newRuntime wires stores, provider and orchestrator. An ephemeral runtime
// keeps sessions in memory and skips long-term memory.
func newRuntime(cfg *config.Config, ephemeral bool) (*appRuntime, error) {
	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}

	rt := &appRuntime{cfg: cfg, catalog: character.NewFileCatalog(cfg.CharactersDir())}

	if ephemeral {
		rt.sessions = session.NewMemoryStore()
	} else {
		rt.sessions, err = session.NewStore(cfg)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		if cfg.Memory.Enabled {
			rt.memory, err = memory.NewService(memory.Config{
				DBPath:         cfg.MemoryDBPath(),
				MaxRecallItems: cfg.Memory.MaxRecallItems,
			})
			if err != nil {
				_ = rt.sessions.Close()
				return nil, fmt.Errorf("open memory store: %w", err)
			}
		}
	}

	var hooks agent.MemoryHooks
	if rt.memory != nil {
		hooks = rt.memory
	}
	rt.orchestrator = agent.NewOrchestrator(rt.sessions, hooks, provider, agent.RetryPolicyFromConfig(cfg), agent.OptionsFromConfig(cfg))
	rt.orchestrator.SetProviderLookup(func(name string) (providers.LLMProvider, error) {
		return providers.CreateProviderByName(cfg, name)
	})

	logger.InfoCF("main", "Runtime initialized", map[string]interface{}{
		"provider":       providers.ActiveProviderName(cfg),
		"session_driver": cfg.Store.SessionDriver,
		"memory":         rt.memory != nil,
		"ephemeral":      ephemeral,
	})
	return rt, nil
}

func (rt *appRuntime) Close() {
	if rt.memory != nil {
		_ = rt.memory.Close()
	}
	if rt.sessions != nil {
		_ = rt.sessions.Close()
	}
}

// chatSession carries continuity across turns of one CLI conversation.
type chatSession struct {
	rt          *appRuntime
	userID      string
	character   *character.Character
	sessionID   string
	history     []providers.Message
	stream      bool
	generation  agent.Generation
	language    string
	out         io.Writer
	historySize int
}

func (cs *chatSession) request(message string) agent.Request {
	return agent.Request{
		UserID:         cs.userID,
		CharacterID:    cs.character.ID,
		SessionID:      cs.sessionID,
		Character:      cs.character,
		UserMessage:    message,
		History:        cs.history,
		Generation:     cs.generation,
		OutputLanguage: cs.language,
	}
}

// send runs one turn and prints the reply.
func (cs *chatSession) send(ctx context.Context, message string) error {
	var reply string
	if cs.stream {
		fmt.Fprintf(cs.out, "\n%s: ", cs.character.Name)
		for ev := range cs.rt.orchestrator.RunTurnStreaming(ctx, cs.request(message)) {
			switch ev.Type {
			case agent.EventChunk:
				fmt.Fprint(cs.out, ev.Content)
			case agent.EventDone:
				fmt.Fprintln(cs.out)
				reply = ev.FullResponse
				cs.sessionID = ev.SessionID
			case agent.EventError:
				fmt.Fprintln(cs.out)
				return errors.New(ev.Message)
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	} else {
		res, err := cs.rt.orchestrator.RunTurn(ctx, cs.request(message))
		if err != nil {
			return err
		}
		reply = res.Response
		cs.sessionID = res.SessionID
		fmt.Fprintf(cs.out, "\n%s: %s\n", cs.character.Name, reply)
		for _, w := range res.PersistWarnings {
			logger.WarnC("main", w)
		}
	}

	cs.history = append(cs.history,
		providers.Message{Role: providers.RoleUser, Content: message},
		providers.Message{Role: providers.RoleAssistant, Content: reply},
	)
	if cs.historySize > 0 && len(cs.history) > cs.historySize {
		cs.history = cs.history[len(cs.history)-cs.historySize:]
	}
	return nil
}

func interactiveMode(ctx context.Context, cs *chatSession) error {
	prompt := fmt.Sprintf("%s You: ", appName)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".dotpersona_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(cs.out, "Error initializing readline: %v\n", err)
		fmt.Fprintln(cs.out, "Falling back to simple input mode...")
		return simpleInteractiveMode(ctx, cs, os.Stdin)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(cs.out, "\nGoodbye!")
				return nil
			}
			fmt.Fprintf(cs.out, "Error reading input: %v\n", err)
			continue
		}
		if done := cs.handleLine(ctx, line); done {
			return nil
		}
	}
}

func simpleInteractiveMode(ctx context.Context, cs *chatSession, in io.Reader) error {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprintf(cs.out, "%s You: ", appName)
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(cs.out, "\nGoodbye!")
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		if done := cs.handleLine(ctx, line); done {
			return nil
		}
	}
}

// handleLine reports true when the user asked to leave.
func (cs *chatSession) handleLine(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}
	if input == "exit" || input == "quit" {
		fmt.Fprintln(cs.out, "Goodbye!")
		return true
	}
	if err := cs.send(ctx, input); err != nil {
		if ctx.Err() != nil {
			return true
		}
		fmt.Fprintf(cs.out, "Error: %v\n", err)
	}
	return false
}
