package character

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/dotsetgreg/dotpersona/pkg/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExamples_Forms(t *testing.T) {
	testcases := []struct {
		name      string
		raw       string
		wantForm  ExampleForm
		wantCount int
		wantFirst string
	}{
		{
			name:      "pair form",
			raw:       `[{"user":"안녕?","assistant":"반가워."},{"user":"뭐해?","assistant":"책 읽어."}]`,
			wantForm:  FormPair,
			wantCount: 2,
			wantFirst: "User: 안녕?\nAssistant: 반가워.",
		},
		{
			name:      "role form splits on user lines",
			raw:       `[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"},{"role":"user","content":"bye"},{"role":"assistant","content":"see you"}]`,
			wantForm:  FormRole,
			wantCount: 2,
			wantFirst: "User: hi\nAssistant: hello",
		},
		{
			name:      "nested role lists",
			raw:       `[[{"role":"user","content":"a"},{"role":"char","content":"b"}],[{"role":"human","content":"c"}]]`,
			wantForm:  FormRole,
			wantCount: 2,
			wantFirst: "User: a\nAssistant: b",
		},
		{
			name:      "double encoded",
			raw:       `"[{\"user\":\"x\",\"assistant\":\"y\"}]"`,
			wantForm:  FormPair,
			wantCount: 1,
			wantFirst: "User: x\nAssistant: y",
		},
		{
			name:      "wrapper object",
			raw:       `{"examples":[{"user":"x"}]}`,
			wantForm:  FormPair,
			wantCount: 1,
			wantFirst: "User: x",
		},
		{name: "empty", raw: ``, wantForm: FormUnrecognized},
		{name: "garbage", raw: `{{not json`, wantForm: FormUnrecognized},
		{name: "numbers", raw: `[1,2,3]`, wantForm: FormUnrecognized},
		{name: "plain text", raw: `"User: hi"`, wantForm: FormUnrecognized},
		{name: "unknown roles dropped", raw: `[{"role":"narrator","content":"..."}]`, wantForm: FormRole},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseExamples([]byte(tc.raw))
			assert.Equal(t, tc.wantForm, got.Form)
			assert.Len(t, got.Examples, tc.wantCount)
			if tc.wantCount > 0 {
				assert.Equal(t, tc.wantFirst, got.Examples[0].Render())
			}
		})
	}
}

func TestCharacter_ActiveDefaultsTrue(t *testing.T) {
	var ch Character
	require.NoError(t, json.Unmarshal([]byte(`{"id":"mira","name":"Mira","lorebook":[{"id":"l1","keys":["용"],"content":"dragon lore"},{"id":"l2","keys":["x"],"content":"off","active":false}]}`), &ch))

	assert.True(t, ch.Active)
	require.Len(t, ch.Lorebook, 2)
	assert.True(t, ch.Lorebook[0].Active)
	assert.False(t, ch.Lorebook[1].Active)
}

func TestFileCatalog_GetListSave(t *testing.T) {
	dir := t.TempDir()
	catalog := NewFileCatalog(dir)
	ctx := context.Background()

	ch := &Character{ID: "mira", Name: "Mira", Persona: "You are Mira.", Active: true}
	require.NoError(t, catalog.Save(ch))

	got, err := catalog.Get(ctx, "mira")
	require.NoError(t, err)
	assert.Equal(t, "Mira", got.Name)
	assert.Equal(t, "You are Mira.", got.Persona)

	ids, err := catalog.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"mira"}, ids)
}

func TestFileCatalog_Errors(t *testing.T) {
	dir := t.TempDir()
	catalog := NewFileCatalog(dir)
	ctx := context.Background()

	_, err := catalog.Get(ctx, "ghost")
	assert.True(t, apperrors.IsNotFoundError(err))

	_, err = catalog.Get(ctx, "../etc/passwd")
	assert.True(t, apperrors.IsValidationError(err))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{"id":"someone-else"}`), 0o644))
	_, err = catalog.Get(ctx, "other")
	assert.True(t, apperrors.IsValidationError(err))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`{`), 0o644))
	_, err = catalog.Get(ctx, "broken")
	assert.True(t, apperrors.IsValidationError(err))
}
