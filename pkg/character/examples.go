package character

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ExampleForm is the shape an example-dialogue blob was recognized as.
type ExampleForm int

const (
	FormUnrecognized ExampleForm = iota
	// FormPair is a list of {"user": ..., "assistant": ...} objects.
	FormPair
	// FormRole is a list of {"role": ..., "content": ...} objects, or a list of such lists.
	FormRole
)

func (f ExampleForm) String() string {
	switch f {
	case FormPair:
		return "pair"
	case FormRole:
		return "role"
	default:
		return "unrecognized"
	}
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type DialogueLine struct {
	Role string
	Text string
}

// Example is one sample exchange. It usually holds a user line followed by an
// assistant line, but either side may be missing.
type Example struct {
	Lines []DialogueLine
}

type ParsedExamples struct {
	Form     ExampleForm
	Examples []Example
}

// ParseExamples classifies raw and extracts its examples. It never fails:
// anything it cannot read yields FormUnrecognized with no examples.
func ParseExamples(raw []byte) ParsedExamples {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ParsedExamples{}
	}

	// Blobs stored in text columns are sometimes JSON-encoded twice.
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return ParsedExamples{}
		}
		inner = strings.TrimSpace(inner)
		if inner == "" || inner[0] == '"' {
			return ParsedExamples{}
		}
		return ParseExamples([]byte(inner))
	}

	var wrapper struct {
		Examples json.RawMessage `json:"examples"`
	}
	if raw[0] == '{' {
		if err := json.Unmarshal(raw, &wrapper); err != nil || len(wrapper.Examples) == 0 {
			return ParsedExamples{}
		}
		return ParseExamples(wrapper.Examples)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || len(items) == 0 {
		return ParsedExamples{}
	}

	switch classify(items) {
	case FormPair:
		return ParsedExamples{Form: FormPair, Examples: parsePairs(items)}
	case FormRole:
		return ParsedExamples{Form: FormRole, Examples: parseRoles(items)}
	default:
		return ParsedExamples{}
	}
}

type rawEntry struct {
	User      *string `json:"user"`
	Assistant *string `json:"assistant"`
	Role      *string `json:"role"`
	Content   *string `json:"content"`
}

// classify looks at the first decodable item only; later items of another
// shape are skipped during extraction.
func classify(items []json.RawMessage) ExampleForm {
	for _, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) == 0 {
			continue
		}
		if item[0] == '[' {
			return FormRole
		}
		var entry rawEntry
		if err := json.Unmarshal(item, &entry); err != nil {
			continue
		}
		switch {
		case entry.User != nil || entry.Assistant != nil:
			return FormPair
		case entry.Role != nil && entry.Content != nil:
			return FormRole
		}
	}
	return FormUnrecognized
}

func parsePairs(items []json.RawMessage) []Example {
	out := make([]Example, 0, len(items))
	for _, item := range items {
		var entry rawEntry
		if err := json.Unmarshal(item, &entry); err != nil {
			continue
		}
		var ex Example
		if entry.User != nil && strings.TrimSpace(*entry.User) != "" {
			ex.Lines = append(ex.Lines, DialogueLine{Role: RoleUser, Text: strings.TrimSpace(*entry.User)})
		}
		if entry.Assistant != nil && strings.TrimSpace(*entry.Assistant) != "" {
			ex.Lines = append(ex.Lines, DialogueLine{Role: RoleAssistant, Text: strings.TrimSpace(*entry.Assistant)})
		}
		if len(ex.Lines) > 0 {
			out = append(out, ex)
		}
	}
	return out
}

func parseRoles(items []json.RawMessage) []Example {
	out := []Example{}
	var current Example
	flush := func() {
		if len(current.Lines) > 0 {
			out = append(out, current)
		}
		current = Example{}
	}

	for _, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) > 0 && item[0] == '[' {
			// A nested list is one complete dialogue.
			flush()
			var nested []json.RawMessage
			if err := json.Unmarshal(item, &nested); err != nil {
				continue
			}
			for _, ex := range parseRoles(nested) {
				current.Lines = append(current.Lines, ex.Lines...)
			}
			flush()
			continue
		}

		var entry rawEntry
		if err := json.Unmarshal(item, &entry); err != nil || entry.Role == nil || entry.Content == nil {
			continue
		}
		role := normalizeRole(*entry.Role)
		text := strings.TrimSpace(*entry.Content)
		if role == "" || text == "" {
			continue
		}
		if role == RoleUser && len(current.Lines) > 0 {
			flush()
		}
		current.Lines = append(current.Lines, DialogueLine{Role: role, Text: text})
	}
	flush()
	return out
}

func normalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "user", "human", "{{user}}":
		return RoleUser
	case "assistant", "char", "character", "bot", "model", "{{char}}":
		return RoleAssistant
	default:
		return ""
	}
}

// Render formats the example as "User: ..." / "Assistant: ..." lines.
func (e Example) Render() string {
	var b strings.Builder
	for i, line := range e.Lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		if line.Role == RoleUser {
			b.WriteString("User: ")
		} else {
			b.WriteString("Assistant: ")
		}
		b.WriteString(line.Text)
	}
	return b.String()
}
