package quality

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

const (
	CheckScript     = "script"
	CheckRepetition = "repetition"
	CheckLeakage    = "leakage"
)

var scripts = map[string]*unicode.RangeTable{
	"hangul":   unicode.Hangul,
	"latin":    unicode.Latin,
	"han":      unicode.Han,
	"hiragana": unicode.Hiragana,
	"katakana": unicode.Katakana,
	"cyrillic": unicode.Cyrillic,
}

// Config toggles and tunes each check independently.
type Config struct {
	ScriptEnabled bool
	TargetScript  string
	// MinScriptRatio is the minimum share of target-script letters among all letters.
	MinScriptRatio float64
	// MaxForeignChars caps letters outside the target script. Negative disables the cap.
	MaxForeignChars int

	RepetitionEnabled bool
	// RepeatThreshold fails the reply when a non-empty line occurs this many times.
	RepeatThreshold int

	LeakageEnabled  bool
	LeakageKeywords []string
}

type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

type Report struct {
	Passed bool          `json:"passed"`
	Checks []CheckResult `json:"checks"`
}

// Failed returns the names of failing checks.
func (r Report) Failed() []string {
	out := []string{}
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}

type Gate struct {
	cfg Config
}

func NewGate(cfg Config) (*Gate, error) {
	if cfg.ScriptEnabled {
		if _, ok := scripts[strings.ToLower(cfg.TargetScript)]; !ok {
			return nil, fmt.Errorf("unknown target script %q", cfg.TargetScript)
		}
		if cfg.MinScriptRatio < 0 || cfg.MinScriptRatio > 1 {
			return nil, fmt.Errorf("min script ratio %.2f out of range [0,1]", cfg.MinScriptRatio)
		}
	}
	if cfg.RepetitionEnabled && cfg.RepeatThreshold < 2 {
		return nil, fmt.Errorf("repeat threshold must be at least 2, got %d", cfg.RepeatThreshold)
	}
	return &Gate{cfg: cfg}, nil
}

// Evaluate runs every enabled check against reply. With no checks enabled the
// reply passes.
func (g *Gate) Evaluate(reply string) Report {
	report := Report{Passed: true, Checks: []CheckResult{}}
	if g.cfg.ScriptEnabled {
		report.Checks = append(report.Checks, g.checkScript(reply))
	}
	if g.cfg.RepetitionEnabled {
		report.Checks = append(report.Checks, g.checkRepetition(reply))
	}
	if g.cfg.LeakageEnabled {
		report.Checks = append(report.Checks, g.checkLeakage(reply))
	}
	for _, c := range report.Checks {
		if !c.Passed {
			report.Passed = false
		}
	}
	return report
}

func (g *Gate) checkScript(reply string) CheckResult {
	table := scripts[strings.ToLower(g.cfg.TargetScript)]
	letters, target := 0, 0
	for _, r := range reply {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.Is(table, r) {
			target++
		}
	}
	if letters == 0 {
		return CheckResult{Name: CheckScript, Passed: true, Detail: "no letters"}
	}

	foreign := letters - target
	ratio := float64(target) / float64(letters)
	passed := ratio >= g.cfg.MinScriptRatio
	if g.cfg.MaxForeignChars >= 0 && foreign > g.cfg.MaxForeignChars {
		passed = false
	}
	return CheckResult{
		Name:   CheckScript,
		Passed: passed,
		Detail: fmt.Sprintf("%s ratio %.3f (min %.3f), foreign letters %d (max %d)",
			strings.ToLower(g.cfg.TargetScript), ratio, g.cfg.MinScriptRatio, foreign, g.cfg.MaxForeignChars),
	}
}

func (g *Gate) checkRepetition(reply string) CheckResult {
	counts := map[string]int{}
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		counts[line]++
	}

	repeated := []string{}
	for line, n := range counts {
		if n >= g.cfg.RepeatThreshold {
			repeated = append(repeated, fmt.Sprintf("%q x%d", line, n))
		}
	}
	if len(repeated) == 0 {
		return CheckResult{Name: CheckRepetition, Passed: true, Detail: "no repeated lines"}
	}
	sort.Strings(repeated)
	return CheckResult{Name: CheckRepetition, Passed: false, Detail: "repeated: " + strings.Join(repeated, ", ")}
}

func (g *Gate) checkLeakage(reply string) CheckResult {
	lower := strings.ToLower(reply)
	found := []string{}
	for _, kw := range g.cfg.LeakageKeywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			found = append(found, kw)
		}
	}
	if len(found) == 0 {
		return CheckResult{Name: CheckLeakage, Passed: true, Detail: "no leaked keywords"}
	}
	return CheckResult{Name: CheckLeakage, Passed: false, Detail: "leaked: " + strings.Join(found, ", ")}
}
