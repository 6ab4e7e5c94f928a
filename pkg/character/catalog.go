package character

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/dotsetgreg/dotpersona/pkg/apperrors"
)

// Catalog looks up character definitions by id.
type Catalog interface {
	Get(ctx context.Context, id string) (*Character, error)
}

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// FileCatalog serves characters from <dir>/<id>.json.
type FileCatalog struct {
	dir string
}

func NewFileCatalog(dir string) *FileCatalog {
	return &FileCatalog{dir: dir}
}

func (c *FileCatalog) Dir() string {
	return c.dir
}

func (c *FileCatalog) Get(ctx context.Context, id string) (*Character, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if !validID.MatchString(id) || strings.Contains(id, "..") {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid character id %q", id), nil)
	}

	path := filepath.Join(c.dir, id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("character %q not found", id), nil)
		}
		return nil, fmt.Errorf("read character %s: %w", path, err)
	}

	var ch Character
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("decode character %q", id), err)
	}
	if ch.ID == "" {
		ch.ID = id
	}
	if ch.ID != id {
		return nil, apperrors.NewValidationError(fmt.Sprintf("character file %s declares id %q", path, ch.ID), nil)
	}
	return &ch, nil
}

// List returns the ids of all characters in the catalog, sorted.
func (c *FileCatalog) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list characters in %s: %w", c.dir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Save writes ch to the catalog, creating the directory when needed.
func (c *FileCatalog) Save(ch *Character) error {
	if ch == nil || !validID.MatchString(ch.ID) || strings.Contains(ch.ID, "..") {
		return apperrors.NewValidationError("character id is invalid", nil)
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create characters dir: %w", err)
	}
	data, err := json.MarshalIndent(ch, "", "  ")
	if err != nil {
		return fmt.Errorf("encode character %q: %w", ch.ID, err)
	}
	return os.WriteFile(filepath.Join(c.dir, ch.ID+".json"), data, 0o644)
}
