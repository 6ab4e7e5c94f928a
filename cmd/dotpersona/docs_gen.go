package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/dotsetgreg/dotpersona/pkg/config"
	"github.com/dotsetgreg/dotpersona/pkg/providers"
	"github.com/spf13/cobra"
	cobraDoc "github.com/spf13/cobra/doc"
)

func newDocsCommand(rootFactory func() *cobra.Command) *cobra.Command {
	docsRoot := &cobra.Command{
		Use:    "docs",
		Short:  "Internal docs maintenance commands",
		Hidden: true,
	}

	var (
		outputDir string
		checkOnly bool
	)

	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate reference docs from command/config/provider source",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return fmt.Errorf("--output must not be empty")
			}
			return generateDocumentation(rootFactory, outputDir, checkOnly)
		},
	}
	gen.Flags().StringVar(&outputDir, "output", "docs", "Docs directory root")
	gen.Flags().BoolVar(&checkOnly, "check", false, "Fail if generated docs are out of date")

	docsRoot.AddCommand(gen)
	return docsRoot
}

const (
	cliDocsDir = "reference/cli"
	manDocsDir = "reference/man"
)

// docSet maps slash-separated paths under the docs root to file contents.
type docSet map[string][]byte

func generateDocumentation(rootFactory func() *cobra.Command, outputDir string, checkOnly bool) error {
	docs, err := renderReferences(rootFactory)
	if err != nil {
		return err
	}
	if checkOnly {
		return docs.check(outputDir)
	}
	return docs.write(outputDir)
}

func renderReferences(rootFactory func() *cobra.Command) (docSet, error) {
	root := rootFactory()
	markCommandsForDocgen(root)

	docs := docSet{}
	header := &cobraDoc.GenManHeader{Title: "DOTPERSONA", Section: "1", Source: "dotpersona"}
	if err := renderCommandDocs(root, header, docs); err != nil {
		return nil, err
	}

	configRef, err := buildConfigReferenceMarkdown()
	if err != nil {
		return nil, err
	}
	docs["reference/config.md"] = []byte(configRef)

	providerRef, err := buildProvidersReferenceMarkdown()
	if err != nil {
		return nil, err
	}
	docs["reference/providers.md"] = []byte(providerRef)
	return docs, nil
}

// renderCommandDocs adds a markdown page and a man page for cmd and every
// available subcommand.
func renderCommandDocs(cmd *cobra.Command, header *cobraDoc.GenManHeader, docs docSet) error {
	for _, child := range cmd.Commands() {
		if !child.IsAvailableCommand() || child.IsAdditionalHelpTopicCommand() {
			continue
		}
		if err := renderCommandDocs(child, header, docs); err != nil {
			return err
		}
	}

	base := strings.ReplaceAll(cmd.CommandPath(), " ", "_")
	var md bytes.Buffer
	fmt.Fprintf(&md, "# %s\n\n", cmd.CommandPath())
	if err := cobraDoc.GenMarkdownCustom(cmd, &md, func(name string) string { return name }); err != nil {
		return fmt.Errorf("generate markdown for %s: %w", cmd.CommandPath(), err)
	}
	docs[path.Join(cliDocsDir, base+".md")] = md.Bytes()

	var man bytes.Buffer
	h := *header
	if err := cobraDoc.GenMan(cmd, &h, &man); err != nil {
		return fmt.Errorf("generate man page for %s: %w", cmd.CommandPath(), err)
	}
	manName := strings.ReplaceAll(cmd.CommandPath(), " ", "-") + "." + header.Section
	docs[path.Join(manDocsDir, manName)] = man.Bytes()
	return nil
}

func markCommandsForDocgen(cmd *cobra.Command) {
	cmd.DisableAutoGenTag = true
	for _, child := range cmd.Commands() {
		if child.Name() == "docs" {
			continue
		}
		markCommandsForDocgen(child)
	}
}

func (d docSet) names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// write replaces the generated directories so pages of removed commands
// disappear.
func (d docSet) write(root string) error {
	for _, dir := range []string{cliDocsDir, manDocsDir} {
		if err := os.RemoveAll(filepath.Join(root, filepath.FromSlash(dir))); err != nil {
			return fmt.Errorf("clear %s: %w", dir, err)
		}
	}
	for _, name := range d.names() {
		target := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create parent dir for %s: %w", name, err)
		}
		if err := os.WriteFile(target, d[name], 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

func (d docSet) check(root string) error {
	for _, dir := range []string{cliDocsDir, manDocsDir} {
		entries, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(dir)))
		if err != nil {
			return fmt.Errorf("docs out of date: missing %s", dir)
		}
		for _, e := range entries {
			if _, ok := d[path.Join(dir, e.Name())]; !ok {
				return fmt.Errorf("docs out of date: unexpected %s", path.Join(dir, e.Name()))
			}
		}
	}
	for _, name := range d.names() {
		onDisk, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(name)))
		if err != nil {
			return fmt.Errorf("docs out of date: missing %s", name)
		}
		if !bytes.Equal(onDisk, d[name]) {
			return fmt.Errorf("docs out of date: %s changed; run `dotpersona docs generate`", name)
		}
	}
	return nil
}

type configFieldRow struct {
	Path    string
	Type    string
	Env     string
	Default string
}

func buildConfigReferenceMarkdown() (string, error) {
	defaults, err := flattenConfigDefaults()
	if err != nil {
		return "", err
	}

	rows := []configFieldRow{}
	collectConfigRows(reflect.TypeOf((*config.Config)(nil)).Elem(), "", "", defaults, &rows)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Path < rows[j].Path })

	var b strings.Builder
	b.WriteString("# Config Reference\n\n")
	b.WriteString("Generated from `pkg/config/config.go` and `config.DefaultConfig()`.\n\n")
	writeRows(&b, rows)
	return b.String(), nil
}

// collectConfigRows walks struct fields by json tag. envPrefix carries the
// caarlos0/env prefix of enclosing structs.
func collectConfigRows(t reflect.Type, prefix, envPrefix string, defaults map[string]string, rows *[]configFieldRow) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		jsonTag := strings.TrimSpace(strings.Split(f.Tag.Get("json"), ",")[0])
		if jsonTag == "" || jsonTag == "-" {
			continue
		}
		key := jsonTag
		if prefix != "" {
			key = prefix + "." + jsonTag
		}

		if f.Type.Kind() == reflect.Struct {
			collectConfigRows(f.Type, key, envPrefix+f.Tag.Get("envPrefix"), defaults, rows)
			continue
		}

		envName := strings.TrimSpace(f.Tag.Get("env"))
		if envName != "" {
			envName = envPrefix + envName
		}
		*rows = append(*rows, configFieldRow{
			Path:    key,
			Type:    friendlyType(f.Type),
			Env:     envName,
			Default: defaults[key],
		})
	}
}

func flattenConfigDefaults() (map[string]string, error) {
	data, err := json.Marshal(config.DefaultConfig())
	if err != nil {
		return nil, err
	}
	var root map[string]interface{}
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	out := map[string]string{}
	flattenMapValues("", root, out)
	return out, nil
}

func flattenMapValues(prefix string, v interface{}, out map[string]string) {
	typed, ok := v.(map[string]interface{})
	if !ok {
		encoded, _ := json.Marshal(v)
		out[prefix] = string(encoded)
		return
	}
	for k, child := range typed {
		next := k
		if prefix != "" {
			next = prefix + "." + k
		}
		flattenMapValues(next, child, out)
	}
}

func friendlyType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "bool"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "int"
	case reflect.Float32, reflect.Float64:
		return "float"
	case reflect.Slice:
		return "array<" + friendlyType(t.Elem()) + ">"
	case reflect.Map:
		return "map<" + friendlyType(t.Key()) + "," + friendlyType(t.Elem()) + ">"
	case reflect.Struct:
		return "object"
	case reflect.Pointer:
		return "*" + friendlyType(t.Elem())
	default:
		return t.String()
	}
}

var providerSummaries = map[string]string{
	providers.ProviderOpenRouter: "OpenRouter chat completions provider. Requires `api_key`.",
	providers.ProviderOpenAI:     "OpenAI chat completions provider. Requires `api_key`; `organization` is optional.",
}

func buildProvidersReferenceMarkdown() (string, error) {
	defaults, err := flattenConfigDefaults()
	if err != nil {
		return "", err
	}

	all := []configFieldRow{}
	collectConfigRows(reflect.TypeOf(config.ProvidersConfig{}), "providers", "", defaults, &all)

	supported := providers.SupportedProviders()
	sort.Strings(supported)

	var b strings.Builder
	b.WriteString("# Provider Reference\n\n")
	b.WriteString("Generated from provider factories and config structs.\n\n")
	b.WriteString("Both providers speak the chat completions wire format and stream replies as server-sent events.\n\n")
	for _, name := range supported {
		b.WriteString("## `" + name + "`\n\n")
		if summary := providerSummaries[name]; summary != "" {
			b.WriteString(summary + "\n\n")
		}
		rows := []configFieldRow{}
		for _, row := range all {
			if strings.HasPrefix(row.Path, "providers."+name+".") {
				rows = append(rows, row)
			}
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].Path < rows[j].Path })
		writeRows(&b, rows)
		b.WriteString("\n")
	}
	return b.String(), nil
}

func writeRows(b *strings.Builder, rows []configFieldRow) {
	b.WriteString("| Key | Type | Env Var | Default |\n")
	b.WriteString("| --- | --- | --- | --- |\n")
	for _, row := range rows {
		b.WriteString("| `" + escapePipes(row.Path) + "` | `" + escapePipes(row.Type) + "` | `" + escapePipes(valueOr(row.Env, "-")) + "` | `" + escapePipes(valueOr(row.Default, "-")) + "` |\n")
	}
}

func escapePipes(v string) string {
	return strings.ReplaceAll(v, "|", "\\|")
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
