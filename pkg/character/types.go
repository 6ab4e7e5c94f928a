package character

import "encoding/json"

// Character is the definition a turn is grounded on. It is read-only for the
// duration of a turn.
type Character struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Persona         string          `json:"persona"`
	Lorebook        []LorebookEntry `json:"lorebook,omitempty"`
	ExampleDialogue json.RawMessage `json:"exampleDialogue,omitempty"`
	Active          bool            `json:"active"`
}

// UnmarshalJSON treats an omitted "active" as true.
func (c *Character) UnmarshalJSON(data []byte) error {
	type alias Character
	out := alias{Active: true}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*c = Character(out)
	return nil
}

type LorebookEntry struct {
	ID       string   `json:"id"`
	Keys     []string `json:"keys"`
	Content  string   `json:"content"`
	Priority int      `json:"priority"`
	Active   bool     `json:"active"`
}

// UnmarshalJSON treats an omitted "active" as true.
func (e *LorebookEntry) UnmarshalJSON(data []byte) error {
	type alias LorebookEntry
	out := alias{Active: true}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*e = LorebookEntry(out)
	return nil
}
