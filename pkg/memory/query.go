package memory

import (
	"strings"
	"unicode"
)

// buildFTSQuery turns free text into an OR of quoted FTS5 terms. Hangul words
// also get a prefix term without their last syllable so that a trailing
// particle ("용에", "용은") still reaches the stem.
func buildFTSQuery(query string) string {
	tokens := ftsTokens(query)
	if len(tokens) == 0 {
		return ""
	}
	seen := map[string]struct{}{}
	terms := make([]string, 0, len(tokens)*2)
	add := func(term string) {
		if _, ok := seen[term]; ok {
			return
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}
	for _, tok := range tokens {
		add(quoteFTS(tok))
		runes := []rune(tok)
		if !unicode.Is(unicode.Hangul, runes[len(runes)-1]) {
			continue
		}
		stem := runes
		if len(runes) >= 2 {
			stem = runes[:len(runes)-1]
		}
		add(quoteFTS(string(stem)) + "*")
	}
	return strings.Join(terms, " OR ")
}

func quoteFTS(tok string) string {
	return `"` + strings.ReplaceAll(tok, `"`, `""`) + `"`
}

// ftsTokens splits on anything that is not a letter or digit and drops
// single-rune Latin fragments and duplicates.
func ftsTokens(query string) []string {
	parts := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := map[string]struct{}{}
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		runes := []rune(part)
		if len(runes) < 2 && runes[0] <= unicode.MaxASCII {
			continue
		}
		if _, ok := seen[part]; ok {
			continue
		}
		seen[part] = struct{}{}
		out = append(out, part)
	}
	return out
}
