package prompt

import (
	"sort"

	ahocorasick "github.com/petar-dambovaliev/aho-corasick"

	"github.com/dotsetgreg/dotpersona/pkg/character"
)

// Lorebook is a compiled set of entries ready to be matched against messages.
// Inactive entries and entries without usable keys are dropped at compile time.
type Lorebook struct {
	entries []character.LorebookEntry
	// patternOwners[i] lists the entries that declared patterns[i].
	patternOwners [][]int
	ac            ahocorasick.AhoCorasick
}

// CompileLorebook builds a single automaton over every key of every active
// entry. Matching is case-sensitive and runs over UTF-8 bytes, so Latin and
// Hangul keys behave the same way.
func CompileLorebook(entries []character.LorebookEntry) *Lorebook {
	lb := &Lorebook{}
	patterns := []string{}
	index := map[string]int{}

	for _, entry := range entries {
		if !entry.Active {
			continue
		}
		owner := -1
		for _, key := range entry.Keys {
			if key == "" {
				continue
			}
			if owner < 0 {
				lb.entries = append(lb.entries, entry)
				owner = len(lb.entries) - 1
			}
			idx, ok := index[key]
			if !ok {
				idx = len(patterns)
				index[key] = idx
				patterns = append(patterns, key)
				lb.patternOwners = append(lb.patternOwners, nil)
			}
			if n := len(lb.patternOwners[idx]); n == 0 || lb.patternOwners[idx][n-1] != owner {
				lb.patternOwners[idx] = append(lb.patternOwners[idx], owner)
			}
		}
	}

	if len(patterns) > 0 {
		// Overlapping iteration needs standard match semantics.
		builder := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
			AsciiCaseInsensitive: false,
			MatchOnlyWholeWords:  false,
			MatchKind:            ahocorasick.StandardMatch,
		})
		lb.ac = builder.Build(patterns)
	}
	return lb
}

// Len reports how many entries can trigger.
func (lb *Lorebook) Len() int {
	if lb == nil {
		return 0
	}
	return len(lb.entries)
}

// Match returns the entries with at least one key inside message, highest
// priority first. Equal priorities keep their lorebook order. limit < 0
// means no limit.
func (lb *Lorebook) Match(message string, limit int) []character.LorebookEntry {
	if lb.Len() == 0 || message == "" || limit == 0 {
		return nil
	}

	hit := make([]bool, len(lb.entries))
	iter := lb.ac.IterOverlapping(message)
	for {
		m := iter.Next()
		if m == nil {
			break
		}
		p := m.Pattern()
		if p < 0 || p >= len(lb.patternOwners) {
			continue
		}
		for _, owner := range lb.patternOwners[p] {
			hit[owner] = true
		}
	}

	order := make([]int, 0, len(lb.entries))
	for i, ok := range hit {
		if ok {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return lb.entries[order[i]].Priority > lb.entries[order[j]].Priority
	})

	if limit > 0 && len(order) > limit {
		order = order[:limit]
	}
	out := make([]character.LorebookEntry, 0, len(order))
	for _, i := range order {
		out = append(out, lb.entries[i])
	}
	return out
}
