package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/agent"
	"github.com/dotsetgreg/dotpersona/pkg/character"
	"github.com/dotsetgreg/dotpersona/pkg/config"
	"github.com/dotsetgreg/dotpersona/pkg/providers"
	"github.com/dotsetgreg/dotpersona/pkg/quality"
	"github.com/dotsetgreg/dotpersona/pkg/retry"
	"github.com/dotsetgreg/dotpersona/pkg/session"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand(false)
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestCLIHelp(t *testing.T) {
	cases := map[string]struct {
		args []string
		want []string
	}{
		"root":     {args: []string{"--help"}, want: []string{"chat", "serve", "eval", "sessions", "characters", "config", "status", "version"}},
		"chat":     {args: []string{"chat", "--help"}, want: []string{"--character", "--stream", "--ephemeral", "--message"}},
		"sessions": {args: []string{"sessions", "--help"}, want: []string{"list", "show"}},
		"eval":     {args: []string{"eval", "--help"}, want: []string{"--cases", "--candidate"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			out, err := runRootCommandForTest(tc.args...)
			require.NoError(t, err, out)
			for _, w := range tc.want {
				assert.Contains(t, out, w)
			}
		})
	}

	out, err := runRootCommandForTest("--help")
	require.NoError(t, err)
	assert.NotContains(t, out, "docs")
}

func TestVersionCommand(t *testing.T) {
	out, err := runRootCommandForTest("version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "dotpersona dev"))
}

func TestDocsGenerateAndCheck(t *testing.T) {
	dir := t.TempDir()
	factory := func() *cobra.Command { return buildRootCommand(false) }

	require.NoError(t, generateDocumentation(factory, dir, false))
	require.NoError(t, generateDocumentation(factory, dir, true))

	configRef, err := os.ReadFile(filepath.Join(dir, "reference", "config.md"))
	require.NoError(t, err)
	assert.Contains(t, string(configRef), "`providers.openrouter.api_key` | `string` | `DOTPERSONA_PROVIDERS_OPENROUTER_API_KEY`")
	assert.Contains(t, string(configRef), "`retry.max_retries`")

	providerRef, err := os.ReadFile(filepath.Join(dir, "reference", "providers.md"))
	require.NoError(t, err)
	assert.Contains(t, string(providerRef), "## `openai`")

	_, err = os.Stat(filepath.Join(dir, "reference", "cli", "dotpersona_chat.md"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "reference", "man", "dotpersona-sessions-list.1"))
	require.NoError(t, err)

	orphan := filepath.Join(dir, "reference", "cli", "dotpersona_removed.md")
	require.NoError(t, os.WriteFile(orphan, []byte("# gone"), 0o644))
	assert.ErrorContains(t, generateDocumentation(factory, dir, true), "unexpected")

	// Regenerating clears pages of commands that no longer exist.
	require.NoError(t, generateDocumentation(factory, dir, false))
	assert.NoFileExists(t, orphan)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "reference", "config.md"), []byte("stale"), 0o644))
	assert.Error(t, generateDocumentation(factory, dir, true))
}

func TestConfigInitAndCharactersList(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("DOTPERSONA_CONFIG", filepath.Join(home, "cfg", "config.json"))

	out, err := runRootCommandForTest("config", "init")
	require.NoError(t, err, out)
	assert.Contains(t, out, "dotpersona is ready!")

	_, err = runRootCommandForTest("config", "init")
	assert.Error(t, err)

	out, err = runRootCommandForTest("characters", "list")
	require.NoError(t, err, out)
	assert.Equal(t, "mira\n", out)

	ch, err := character.NewFileCatalog(filepath.Join(home, ".dotpersona", "workspace", "characters")).Get(context.Background(), "mira")
	require.NoError(t, err)
	assert.Len(t, character.ParseExamples(ch.ExampleDialogue).Examples, 1)
}

type cliStubProvider struct {
	reply     string
	fragments []string
}

func (p *cliStubProvider) Chat(context.Context, []providers.Message, string, map[string]interface{}) (*providers.LLMResponse, error) {
	return &providers.LLMResponse{Content: p.reply}, nil
}

func (p *cliStubProvider) ChatStream(ctx context.Context, _ []providers.Message, _ string, _ map[string]interface{}) (<-chan providers.StreamDelta, error) {
	out := make(chan providers.StreamDelta)
	go func() {
		defer close(out)
		for _, f := range p.fragments {
			select {
			case out <- providers.StreamDelta{Content: f}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (p *cliStubProvider) GetDefaultModel() string { return "stub" }

func testChatSession(provider providers.LLMProvider, stream bool, out *bytes.Buffer) *chatSession {
	policy := retry.Policy{MaxRetries: 1, Sleep: func(context.Context, time.Duration) error { return nil }}
	rt := &appRuntime{
		cfg:      config.DefaultConfig(),
		sessions: session.NewMemoryStore(),
	}
	rt.orchestrator = agent.NewOrchestrator(rt.sessions, nil, provider, policy, agent.Options{})
	return &chatSession{
		rt:          rt,
		userID:      "local",
		character:   sampleCharacter,
		stream:      stream,
		out:         out,
		historySize: 2,
	}
}

func TestChatSession_KeepsSessionAndHistory(t *testing.T) {
	var out bytes.Buffer
	cs := testChatSession(&cliStubProvider{reply: "반가워요"}, false, &out)

	require.NoError(t, cs.send(context.Background(), "안녕"))
	first := cs.sessionID
	require.NotEmpty(t, first)
	require.NoError(t, cs.send(context.Background(), "또 안녕"))

	assert.Equal(t, first, cs.sessionID)
	require.Len(t, cs.history, 2)
	assert.Equal(t, "또 안녕", cs.history[0].Content)
	assert.Contains(t, out.String(), "Mira: 반가워요")
}

func TestChatSession_StreamsFragments(t *testing.T) {
	var out bytes.Buffer
	cs := testChatSession(&cliStubProvider{fragments: []string{"A", "B", "C"}}, true, &out)

	require.NoError(t, cs.send(context.Background(), "hi"))
	assert.Equal(t, "\nMira: ABC\n", out.String())
	assert.Equal(t, "ABC", cs.history[1].Content)
	assert.NotEmpty(t, cs.sessionID)
}

func TestSimpleInteractiveMode(t *testing.T) {
	var out bytes.Buffer
	cs := testChatSession(&cliStubProvider{reply: "ok"}, false, &out)

	require.NoError(t, simpleInteractiveMode(context.Background(), cs, strings.NewReader("hello\n\nquit\n")))
	assert.Contains(t, out.String(), "Mira: ok")
	assert.Contains(t, out.String(), "Goodbye!")
}

func TestEvalGenerator(t *testing.T) {
	catalog := character.NewFileCatalog(t.TempDir())
	require.NoError(t, catalog.Save(sampleCharacter))

	created := map[string]int{}
	gen := newEvalGenerator(config.DefaultConfig(), catalog)
	gen.create = func(_ *config.Config, name string) (providers.LLMProvider, error) {
		created[name]++
		return &cliStubProvider{reply: "안녕하세요"}, nil
	}

	for i := 0; i < 2; i++ {
		reply, err := gen.Generate(context.Background(), quality.Candidate{Provider: "OpenAI", Model: "m"}, quality.Case{Name: "c", CharacterID: "mira", Message: "안녕"})
		require.NoError(t, err)
		assert.Equal(t, "안녕하세요", reply)
	}
	assert.Equal(t, map[string]int{"openai": 1}, created)

	_, err := gen.Generate(context.Background(), quality.Candidate{Provider: "openai", Model: "m"}, quality.Case{Name: "c", CharacterID: "ghost", Message: "hi"})
	assert.Error(t, err)
}

func TestGateConfigFromDefaults(t *testing.T) {
	gc := gateConfig(config.DefaultConfig())
	assert.True(t, gc.ScriptEnabled)
	assert.True(t, gc.RepetitionEnabled)
	assert.True(t, gc.LeakageEnabled)

	_, err := quality.NewGate(gc)
	require.NoError(t, err)
}
