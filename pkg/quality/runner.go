package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
)

// Case is one prompt of the offline evaluation set.
type Case struct {
	Name           string `json:"name"`
	CharacterID    string `json:"characterId"`
	Message        string `json:"message"`
	OutputLanguage string `json:"outputLanguage,omitempty"`
}

// Candidate is a provider/model pair being ranked.
type Candidate struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (c Candidate) String() string {
	return c.Provider + "/" + c.Model
}

// Generator produces a reply for one case with one candidate.
type Generator interface {
	Generate(ctx context.Context, candidate Candidate, c Case) (string, error)
}

type CaseResult struct {
	Case   string `json:"case"`
	Reply  string `json:"reply,omitempty"`
	Error  string `json:"error,omitempty"`
	Report Report `json:"report"`
}

type Score struct {
	Candidate Candidate    `json:"candidate"`
	Passed    int          `json:"passed"`
	Failed    int          `json:"failed"`
	Errors    int          `json:"errors"`
	PassRate  float64      `json:"passRate"`
	Results   []CaseResult `json:"results"`
}

type Runner struct {
	gate      *Gate
	generator Generator
}

func NewRunner(gate *Gate, generator Generator) *Runner {
	return &Runner{gate: gate, generator: generator}
}

// Run evaluates every candidate on every case and returns candidates ranked
// by pass rate, best first. Generation errors count as failures.
func (r *Runner) Run(ctx context.Context, candidates []Candidate, cases []Case) ([]Score, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no candidates to evaluate")
	}
	if len(cases) == 0 {
		return nil, fmt.Errorf("no evaluation cases")
	}

	scores := make([]Score, 0, len(candidates))
	for _, cand := range candidates {
		score := Score{Candidate: cand, Results: make([]CaseResult, 0, len(cases))}
		for _, c := range cases {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			result := CaseResult{Case: c.Name}
			reply, err := r.generator.Generate(ctx, cand, c)
			if err != nil {
				score.Errors++
				result.Error = err.Error()
				result.Report = Report{Passed: false, Checks: []CheckResult{}}
				logger.WarnCF("quality", "Candidate generation failed", map[string]interface{}{
					"candidate": cand.String(),
					"case":      c.Name,
					"error":     err.Error(),
				})
			} else {
				result.Reply = reply
				result.Report = r.gate.Evaluate(reply)
			}
			if result.Report.Passed {
				score.Passed++
			} else {
				score.Failed++
			}
			score.Results = append(score.Results, result)
		}
		score.PassRate = float64(score.Passed) / float64(len(cases))
		scores = append(scores, score)
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].PassRate != scores[j].PassRate {
			return scores[i].PassRate > scores[j].PassRate
		}
		return scores[i].Candidate.String() < scores[j].Candidate.String()
	})
	return scores, nil
}

// LoadCases reads a JSON array of cases from path.
func LoadCases(path string) ([]Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read eval cases: %w", err)
	}
	var cases []Case
	if err := json.Unmarshal(data, &cases); err != nil {
		return nil, fmt.Errorf("decode eval cases %s: %w", path, err)
	}
	for i := range cases {
		if strings.TrimSpace(cases[i].Name) == "" {
			cases[i].Name = fmt.Sprintf("case-%d", i+1)
		}
		if strings.TrimSpace(cases[i].Message) == "" {
			return nil, fmt.Errorf("eval case %q has no message", cases[i].Name)
		}
	}
	return cases, nil
}

// ParseCandidate reads "provider/model" or "provider:model". Model ids may
// themselves contain slashes, so only the first separator splits.
func ParseCandidate(s string) (Candidate, error) {
	s = strings.TrimSpace(s)
	idx := strings.IndexAny(s, ":/")
	if idx <= 0 || idx == len(s)-1 {
		return Candidate{}, fmt.Errorf("candidate %q must look like provider/model", s)
	}
	return Candidate{Provider: s[:idx], Model: s[idx+1:]}, nil
}
