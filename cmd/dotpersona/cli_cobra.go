package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/dotsetgreg/dotpersona/pkg/agent"
	"github.com/dotsetgreg/dotpersona/pkg/api"
	"github.com/dotsetgreg/dotpersona/pkg/character"
	"github.com/dotsetgreg/dotpersona/pkg/config"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/memory"
	"github.com/dotsetgreg/dotpersona/pkg/providers"
	"github.com/dotsetgreg/dotpersona/pkg/quality"
	"github.com/dotsetgreg/dotpersona/pkg/session"
	"github.com/spf13/cobra"
)

func executeCLI() error {
	root := buildRootCommand(true)
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "dotpersona",
		Short: "Character-grounded chat turns with lore, memory, and streaming",
		Long: strings.TrimSpace(`dotpersona runs conversational turns as a configured character.

Each turn assembles a persona prompt with triggered lore and example dialogue,
resolves the chat session, recalls earlier turns, and generates a reply either
at once or as a stream of fragments.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newChatCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newEvalCommand())
	root.AddCommand(newSessionsCommand())
	root.AddCommand(newCharactersCommand())
	root.AddCommand(newConfigCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		docsCmd := newDocsCommand(func() *cobra.Command { return buildRootCommand(false) })
		root.AddCommand(docsCmd)
	}

	return root
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newChatCommand() *cobra.Command {
	var (
		message     string
		characterID string
		userID      string
		sessionID   string
		provider    string
		model       string
		language    string
		stream      bool
		ephemeral   bool
		debug       bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a character from the local catalog",
		Long:  "Run an interactive chat with a character, or send one message with --message.",
		Example: strings.Join([]string{
			"  dotpersona chat -c mira",
			"  dotpersona chat -c mira --stream -m \"용에 대해 알려줘\"",
			"  dotpersona chat -c mira --ephemeral --provider openai --model gpt-5-mini",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if debug {
				logger.SetLevel(logger.DEBUG)
			}

			rt, err := newRuntime(cfg, ephemeral)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := signalContext()
			defer cancel()

			ch, err := rt.catalog.Get(ctx, characterID)
			if err != nil {
				return err
			}

			cs := &chatSession{
				rt:          rt,
				userID:      userID,
				character:   ch,
				sessionID:   sessionID,
				stream:      stream,
				generation:  agent.Generation{Provider: provider, Model: model},
				language:    language,
				out:         cmd.OutOrStdout(),
				historySize: cfg.Persona.Defaults.HistoryMessageLimit,
			}

			if strings.TrimSpace(message) != "" {
				if err := cs.send(ctx, message); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", cs.sessionID)
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s Chatting with %s (Ctrl+C to exit)\n\n", appName, ch.Name)
			return interactiveMode(ctx, cs)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot message to send")
	cmd.Flags().StringVarP(&characterID, "character", "c", "", "Character id from the catalog")
	cmd.Flags().StringVarP(&userID, "user", "u", "local", "User id the session belongs to")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Continue an existing session")
	cmd.Flags().StringVar(&provider, "provider", "", "Provider override for this chat")
	cmd.Flags().StringVar(&model, "model", "", "Model override for this chat")
	cmd.Flags().StringVar(&language, "lang", "", "Output language (ko, en, ja)")
	cmd.Flags().BoolVar(&stream, "stream", false, "Print the reply as it is generated")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "Keep sessions in memory and skip long-term memory")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	_ = cmd.MarkFlagRequired("character")

	return cmd
}

func newServeCommand() *cobra.Command {
	var (
		addr  string
		debug bool
	)

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Serve turns over HTTP, SSE, and WebSocket",
		Long:    "Start the API server: POST /v1/turns, POST /v1/turns/stream, GET /v1/turns/ws, GET /v1/sessions/:id.",
		Example: "  dotpersona serve --addr 127.0.0.1:18791",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if debug {
				logger.SetLevel(logger.DEBUG)
			}

			rt, err := newRuntime(cfg, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if strings.TrimSpace(addr) == "" {
				addr = net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
			}

			ctx, cancel := signalContext()
			defer cancel()

			server := api.NewServer(rt.orchestrator, rt.catalog, rt.sessions, cfg.Server.AllowedOrigins)
			return server.Run(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to server.host:server.port)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newEvalCommand() *cobra.Command {
	var (
		casesPath  string
		candidates []string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Rank provider/model candidates with the response quality gate",
		Long:  "Generate a reply for every case with every candidate, score the replies with the quality gate, and rank candidates by pass rate.",
		Example: strings.Join([]string{
			"  dotpersona eval --cases eval/cases.json --candidate openrouter/openai/gpt-5.2 --candidate openai/gpt-5-mini",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			cases, err := quality.LoadCases(casesPath)
			if err != nil {
				return err
			}
			parsed := make([]quality.Candidate, 0, len(candidates))
			for _, raw := range candidates {
				cand, err := quality.ParseCandidate(raw)
				if err != nil {
					return err
				}
				parsed = append(parsed, cand)
			}

			gate, err := quality.NewGate(gateConfig(cfg))
			if err != nil {
				return err
			}
			gen := newEvalGenerator(cfg, character.NewFileCatalog(cfg.CharactersDir()))

			ctx, cancel := signalContext()
			defer cancel()

			scores, err := quality.NewRunner(gate, gen).Run(ctx, parsed, cases)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(scores)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RANK\tCANDIDATE\tPASS RATE\tPASSED\tFAILED\tERRORS")
			for i, s := range scores {
				fmt.Fprintf(tw, "%d\t%s\t%.2f\t%d\t%d\t%d\n", i+1, s.Candidate, s.PassRate, s.Passed, s.Failed, s.Errors)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&casesPath, "cases", "", "JSON file with evaluation cases")
	cmd.Flags().StringArrayVar(&candidates, "candidate", nil, "provider/model pair to evaluate (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print full results as JSON")
	_ = cmd.MarkFlagRequired("cases")
	_ = cmd.MarkFlagRequired("candidate")
	return cmd
}

func gateConfig(cfg *config.Config) quality.Config {
	q := cfg.Quality
	return quality.Config{
		ScriptEnabled:     strings.TrimSpace(q.TargetScript) != "",
		TargetScript:      q.TargetScript,
		MinScriptRatio:    q.MinScriptRatio,
		MaxForeignChars:   q.MaxForeignChars,
		RepetitionEnabled: q.RepeatThreshold > 1,
		RepeatThreshold:   q.RepeatThreshold,
		LeakageEnabled:    len(q.LeakageKeywords) > 0,
		LeakageKeywords:   q.LeakageKeywords,
	}
}

func newSessionsCommand() *cobra.Command {
	sessionsRoot := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored chat sessions",
	}

	var (
		userID      string
		characterID string
		limit       int
	)
	list := &cobra.Command{
		Use:     "list",
		Short:   "List sessions of one user and character, newest first",
		Example: "  dotpersona sessions list --user local --character mira",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := session.NewStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.ListByOwner(cmd.Context(), userID, characterID, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCHARACTER\tCREATED")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, s.CharacterID, s.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVarP(&userID, "user", "u", "local", "User id")
	list.Flags().StringVarP(&characterID, "character", "c", "", "Character id")
	list.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum sessions to show (0 for all)")
	_ = list.MarkFlagRequired("character")
	sessionsRoot.AddCommand(list)

	var recordLimit int
	show := &cobra.Command{
		Use:     "show <session_id>",
		Short:   "Show a session and its recorded messages",
		Args:    cobra.ExactArgs(1),
		Example: "  dotpersona sessions show 5b0c...",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := session.NewStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			sess, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session:   %s\nUser:      %s\nCharacter: %s\nCreated:   %s\n",
				sess.ID, sess.UserID, sess.CharacterID, sess.CreatedAt.Local().Format("2006-01-02 15:04:05"))

			if !cfg.Memory.Enabled {
				return nil
			}
			mem, err := memory.NewService(memory.Config{DBPath: cfg.MemoryDBPath()})
			if err != nil {
				return err
			}
			defer mem.Close()

			records, err := mem.ListRecords(cmd.Context(), sess.ID, recordLimit)
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			for _, r := range records {
				fmt.Fprintf(out, "[%s] %s: %s\n", r.CreatedAt.Local().Format("15:04:05"), r.Role, r.Content)
			}
			return nil
		},
	}
	show.Flags().IntVarP(&recordLimit, "limit", "n", 50, "Maximum messages to show (0 for all)")
	sessionsRoot.AddCommand(show)

	return sessionsRoot
}

func newCharactersCommand() *cobra.Command {
	charactersRoot := &cobra.Command{
		Use:   "characters",
		Short: "Inspect the local character catalog",
	}

	charactersRoot.AddCommand(&cobra.Command{
		Use:     "list",
		Short:   "List character ids in the catalog",
		Example: "  dotpersona characters list",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ids, err := character.NewFileCatalog(cfg.CharactersDir()).List(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	})

	return charactersRoot
}

func newConfigCommand() *cobra.Command {
	configRoot := &cobra.Command{
		Use:   "config",
		Short: "Manage ~/.dotpersona configuration",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:     "init",
		Short:   "Write the default config and a sample character",
		Example: "  dotpersona config init",
		RunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd, getConfigPath(), force)
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	configRoot.AddCommand(initCmd)

	return configRoot
}

func initConfig(cmd *cobra.Command, configPath string, force bool) error {
	out := cmd.OutOrStdout()
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	catalog := character.NewFileCatalog(cfg.CharactersDir())
	if _, err := catalog.Get(cmd.Context(), sampleCharacter.ID); err != nil {
		if err := catalog.Save(sampleCharacter); err != nil {
			return fmt.Errorf("write sample character: %w", err)
		}
	}

	fmt.Fprintf(out, "%s is ready!\n", appName)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Add your API key to", configPath)
	fmt.Fprintln(out, "     Get one at: https://openrouter.ai/keys")
	fmt.Fprintln(out, "  2. Edit characters in", catalog.Dir())
	fmt.Fprintf(out, "  3. Chat locally: %s chat -c %s\n", appName, sampleCharacter.ID)
	fmt.Fprintf(out, "  4. Serve the API: %s serve\n", appName)
	return nil
}

var sampleCharacter = &character.Character{
	ID:      "mira",
	Name:    "Mira",
	Persona: "당신은 미라입니다. 작은 섬에서 새끼 용들을 돌보는 밝고 호기심 많은 사육사입니다.",
	Lorebook: []character.LorebookEntry{
		{ID: "dragons", Keys: []string{"용", "dragon"}, Content: "섬의 용들은 봄에 부화하고 바닷바람을 좋아한다.", Priority: 10, Active: true},
		{ID: "island", Keys: []string{"섬", "island"}, Content: "섬의 이름은 하늘섬이며 등대가 하나 있다.", Priority: 5, Active: true},
	},
	ExampleDialogue: json.RawMessage(`[{"user":"안녕, 미라!","assistant":"안녕하세요! 오늘은 새끼 용들이 유난히 시끄러워요."}]`),
	Active:          true,
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration, provider, and storage readiness",
		Example: "  dotpersona status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			configPath := getConfigPath()

			fmt.Fprintf(out, "%s Status\n", appName)
			fmt.Fprintf(out, "Version: %s\n\n", formatVersion())

			mark := func(path string) string {
				if _, err := os.Stat(path); err == nil {
					return "✓"
				}
				return "✗"
			}
			fmt.Fprintln(out, "Config:", configPath, mark(configPath))
			fmt.Fprintln(out, "Workspace:", cfg.WorkspacePath(), mark(cfg.WorkspacePath()))
			fmt.Fprintln(out, "Characters:", cfg.CharactersDir(), mark(cfg.CharactersDir()))
			fmt.Fprintln(out, "Session driver:", valueOr(cfg.Store.SessionDriver, session.DriverSQLite))
			if cfg.Memory.Enabled {
				fmt.Fprintln(out, "Memory DB:", cfg.MemoryDBPath(), mark(cfg.MemoryDBPath()))
			} else {
				fmt.Fprintln(out, "Memory: disabled")
			}

			name, configured, mode, err := providers.ProviderCredentialStatus(cfg)
			if err != nil {
				fmt.Fprintln(out, "Provider:", err)
				return nil
			}
			state := "not set"
			if configured {
				state = "✓ " + mode
			}
			fmt.Fprintf(out, "Provider: %s (model %s) credentials %s\n", name, cfg.Persona.Defaults.Model, strings.TrimSpace(state))
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  dotpersona version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
