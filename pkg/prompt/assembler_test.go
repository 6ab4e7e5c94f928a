package prompt

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotpersona/pkg/character"
)

func boolPtr(v bool) *bool { return &v }

func entry(id, content string, priority int, keys ...string) character.LorebookEntry {
	return character.LorebookEntry{ID: id, Keys: keys, Content: content, Priority: priority, Active: true}
}

func TestAssemble_DragonExample(t *testing.T) {
	entries := []character.LorebookEntry{
		entry("a", "A", 5, "dragon", "용"),
		entry("b", "B", 10, "용"),
		entry("c", "C", 999, "unmatched"),
	}

	got := Assemble("persona", "용에 대해 알려줘", entries, nil, Options{MaxLorebookEntries: 1})

	require.Len(t, got.UsedLorebookEntries, 1)
	assert.Equal(t, "B", got.UsedLorebookEntries[0].Content)
	lore := sectionBody(t, got.Text, MarkerLorebook)
	assert.Equal(t, "B", lore)
	assert.NotContains(t, got.Text, "\nA\n")
	assert.NotContains(t, lore, "A")
	assert.NotContains(t, lore, "C")
}

func TestAssemble_LoreOrderingAndTieBreak(t *testing.T) {
	entries := []character.LorebookEntry{
		entry("low", "low", 1, "castle"),
		entry("tie-first", "tie-first", 7, "castle"),
		entry("high", "high", 9, "gate"),
		entry("tie-second", "tie-second", 7, "Castle", "castle"),
	}

	got := Assemble("p", "the castle gate", entries, nil, Options{MaxLorebookEntries: -1})

	ids := make([]string, 0, len(got.UsedLorebookEntries))
	for _, e := range got.UsedLorebookEntries {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"high", "tie-first", "tie-second", "low"}, ids)
}

func TestAssemble_LoreMatchingRules(t *testing.T) {
	inactive := entry("off", "OFF", 50, "castle")
	inactive.Active = false

	entries := []character.LorebookEntry{
		inactive,
		entry("case", "CASE", 40, "Castle"),
		entry("empty", "EMPTY", 30, ""),
		entry("hangul", "HANGUL", 20, "검"),
		entry("overlap", "OVERLAP", 10, "검술"),
	}

	got := Assemble("p", "castle 검술 수련", entries, nil, Options{MaxLorebookEntries: -1})

	ids := []string{}
	for _, e := range got.UsedLorebookEntries {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"hangul", "overlap"}, ids)
	assert.NotContains(t, got.Text, "OFF")
	assert.NotContains(t, got.Text, "CASE")
	assert.NotContains(t, got.Text, "EMPTY")
}

func TestAssemble_DefaultLoreCap(t *testing.T) {
	entries := make([]character.LorebookEntry, 0, 6)
	for i := 0; i < 6; i++ {
		entries = append(entries, entry(fmt.Sprintf("e%d", i), fmt.Sprintf("lore-%d", i), i, "key"))
	}

	got := Assemble("p", "key", entries, nil, Options{})

	require.Len(t, got.UsedLorebookEntries, DefaultMaxLorebookEntries)
	assert.Equal(t, "e5", got.UsedLorebookEntries[0].ID)
}

func TestAssemble_NoLoreMeansNoMarker(t *testing.T) {
	entries := []character.LorebookEntry{entry("a", "A", 1, "dragon")}

	got := Assemble("persona", "hello there", entries, nil, Options{})

	assert.Empty(t, got.UsedLorebookEntries)
	assert.NotContains(t, got.Text, MarkerLorebook)
	assert.True(t, strings.HasPrefix(got.Text, MarkerPersona+"\npersona"))
}

func TestAssemble_HardRules(t *testing.T) {
	ko := Assemble("p", "m", nil, nil, Options{OutputLanguage: "ko"})
	en := Assemble("p", "m", nil, nil, Options{OutputLanguage: "en"})
	unknown := Assemble("p", "m", nil, nil, Options{OutputLanguage: "xx-klingon"})
	off := Assemble("p", "m", nil, nil, Options{OutputLanguage: "en", IncludeHardRules: boolPtr(false)})
	on := Assemble("p", "m", nil, nil, Options{OutputLanguage: "en", IncludeHardRules: boolPtr(true)})

	assert.Contains(t, ko.Text, MarkerHardRules)
	assert.Equal(t, HardRule("ko"), sectionBody(t, ko.Text, MarkerHardRules))
	assert.Equal(t, HardRule("en"), sectionBody(t, en.Text, MarkerHardRules))
	assert.NotEqual(t, sectionBody(t, ko.Text, MarkerHardRules), sectionBody(t, en.Text, MarkerHardRules))

	assert.Equal(t, DefaultLanguage, unknown.Language)
	assert.Equal(t, HardRule(DefaultLanguage), sectionBody(t, unknown.Text, MarkerHardRules))

	assert.NotContains(t, off.Text, MarkerHardRules)
	assert.Contains(t, on.Text, MarkerHardRules)
}

func TestAssemble_SectionOrder(t *testing.T) {
	entries := []character.LorebookEntry{entry("a", "castle lore", 1, "castle")}
	examples := []byte(`[{"user":"hi","assistant":"hello"}]`)

	got := Assemble("persona", "castle", entries, examples, Options{})

	iPersona := strings.Index(got.Text, MarkerPersona)
	iLore := strings.Index(got.Text, MarkerLorebook)
	iExamples := strings.Index(got.Text, MarkerExamples)
	iRules := strings.Index(got.Text, MarkerHardRules)
	assert.True(t, iPersona == 0 && iPersona < iLore && iLore < iExamples && iExamples < iRules, got.Text)
}

func TestAssemble_ExamplesBudget(t *testing.T) {
	examples := []byte(`[{"user":"안녕하세요","assistant":"반갑습니다"},{"user":"second","assistant":"reply"}]`)
	first := "User: 안녕하세요\nAssistant: 반갑습니다"

	full := Assemble("p", "m", nil, examples, Options{MaxExamplesChars: -1})
	assert.Len(t, full.UsedExamples, 2)
	assert.Equal(t, first+"\n\nUser: second\nAssistant: reply", sectionBody(t, full.Text, MarkerExamples))

	partial := Assemble("p", "m", nil, examples, Options{MaxExamplesChars: 10})
	require.Len(t, partial.UsedExamples, 1)
	body := sectionBody(t, partial.Text, MarkerExamples)
	assert.Equal(t, 10, utf8.RuneCountInString(body))
	assert.True(t, strings.HasPrefix(first, body))

	exact := utf8.RuneCountInString(first)
	fits := Assemble("p", "m", nil, examples, Options{MaxExamplesChars: exact + 2})
	assert.Len(t, fits.UsedExamples, 1)
	assert.Equal(t, first, sectionBody(t, fits.Text, MarkerExamples))

	cut := Assemble("p", "m", nil, examples, Options{MaxExamplesChars: exact + 3})
	assert.Len(t, cut.UsedExamples, 2)
	assert.Equal(t, first+"\n\nU", sectionBody(t, cut.Text, MarkerExamples))
}

func TestAssemble_MalformedExamplesDegrade(t *testing.T) {
	got := Assemble("p", "m", nil, []byte(`{"broken":`), Options{})

	assert.Empty(t, got.UsedExamples)
	assert.Equal(t, character.FormUnrecognized, got.ExampleForm)
	assert.NotContains(t, got.Text, MarkerExamples)
}

func TestAssemble_Pure(t *testing.T) {
	entries := []character.LorebookEntry{entry("a", "A", 1, "x")}
	examples := []byte(`[{"role":"user","content":"q"},{"role":"assistant","content":"a"}]`)

	first := Assemble("p", "x", entries, examples, Options{})
	second := Assemble("p", "x", entries, examples, Options{})

	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, []string{"x"}, entries[0].Keys)
}

// sectionBody returns the text between marker and the next marker (or end).
func sectionBody(t *testing.T, text, marker string) string {
	t.Helper()
	start := strings.Index(text, marker+"\n")
	require.GreaterOrEqual(t, start, 0, "marker %s missing", marker)
	body := text[start+len(marker)+1:]
	end := len(body)
	for _, m := range []string{MarkerPersona, MarkerLorebook, MarkerExamples, MarkerHardRules} {
		if i := strings.Index(body, "\n\n"+m+"\n"); i >= 0 && i < end {
			end = i
		}
	}
	return body[:end]
}
