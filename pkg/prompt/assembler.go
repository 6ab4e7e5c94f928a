package prompt

import (
	"strings"
	"unicode/utf8"

	"github.com/dotsetgreg/dotpersona/pkg/character"
)

// Section markers. Each section starts with its marker on its own line.
const (
	MarkerPersona   = "[PERSONA]"
	MarkerLorebook  = "[LOREBOOK]"
	MarkerExamples  = "[EXAMPLES]"
	MarkerHardRules = "[HARD_RULES]"
)

const (
	DefaultMaxLorebookEntries = 4
	DefaultMaxExamplesChars   = 2000
	DefaultLanguage           = "ko"
)

var hardRules = map[string]string{
	"ko": "모든 답변은 반드시 한국어로만 작성하세요.",
	"en": "You must always reply in English only.",
	"ja": "すべての返答は必ず日本語のみで書いてください。",
}

// Options tunes assembly. The zero value selects the defaults.
type Options struct {
	// MaxLorebookEntries caps triggered entries. 0 selects the default, negative disables the cap.
	MaxLorebookEntries int
	// MaxExamplesChars caps the examples body in runes. 0 selects the default, negative disables the cap.
	MaxExamplesChars int
	// IncludeHardRules is nil unless the caller set it; only an explicit false drops the block.
	IncludeHardRules *bool
	OutputLanguage   string
}

type Assembled struct {
	Text                string
	UsedLorebookEntries []character.LorebookEntry
	UsedExamples        []character.Example
	ExampleForm         character.ExampleForm
	Language            string
}

// Assemble builds the system prompt for one turn. It performs no I/O.
func Assemble(basePersona, userMessage string, entries []character.LorebookEntry, rawExamples []byte, opts Options) Assembled {
	out := Assembled{Language: ResolveLanguage(opts.OutputLanguage)}
	sections := []string{MarkerPersona + "\n" + strings.TrimSpace(basePersona)}

	maxEntries := opts.MaxLorebookEntries
	if maxEntries == 0 {
		maxEntries = DefaultMaxLorebookEntries
	}
	out.UsedLorebookEntries = CompileLorebook(entries).Match(userMessage, maxEntries)
	if len(out.UsedLorebookEntries) > 0 {
		blocks := make([]string, 0, len(out.UsedLorebookEntries))
		for _, entry := range out.UsedLorebookEntries {
			blocks = append(blocks, strings.TrimSpace(entry.Content))
		}
		sections = append(sections, MarkerLorebook+"\n"+strings.Join(blocks, "\n\n"))
	}

	parsed := character.ParseExamples(rawExamples)
	out.ExampleForm = parsed.Form
	body, used := renderExamples(parsed.Examples, opts.MaxExamplesChars)
	if body != "" {
		out.UsedExamples = used
		sections = append(sections, MarkerExamples+"\n"+body)
	}

	if opts.IncludeHardRules == nil || *opts.IncludeHardRules {
		sections = append(sections, MarkerHardRules+"\n"+hardRules[out.Language])
	}

	out.Text = strings.Join(sections, "\n\n")
	return out
}

// ResolveLanguage returns lang when it is supported and the default otherwise.
func ResolveLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if _, ok := hardRules[lang]; ok {
		return lang
	}
	return DefaultLanguage
}

// HardRule returns the canonical instruction sentence for lang.
func HardRule(lang string) string {
	return hardRules[ResolveLanguage(lang)]
}

func SupportedLanguages() []string {
	return []string{"en", "ja", "ko"}
}

// renderExamples appends examples until the rune budget runs out. An example
// cut by the budget keeps its prefix.
func renderExamples(examples []character.Example, budget int) (string, []character.Example) {
	if budget == 0 {
		budget = DefaultMaxExamplesChars
	}
	const sep = "\n\n"

	var b strings.Builder
	used := make([]character.Example, 0, len(examples))
	remaining := budget
	for _, ex := range examples {
		piece := ex.Render()
		if piece == "" {
			continue
		}
		prefix := ""
		if b.Len() > 0 {
			prefix = sep
		}
		if budget < 0 {
			b.WriteString(prefix + piece)
			used = append(used, ex)
			continue
		}

		need := utf8.RuneCountInString(prefix) + utf8.RuneCountInString(piece)
		if need <= remaining {
			b.WriteString(prefix + piece)
			remaining -= need
			used = append(used, ex)
			continue
		}

		room := remaining - utf8.RuneCountInString(prefix)
		if room > 0 {
			b.WriteString(prefix + truncateRunes(piece, room))
			used = append(used, ex)
		}
		break
	}
	return b.String(), used
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
