package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/conneroisu/kiln/internal/content"
	"github.com/conneroisu/kiln/internal/environment"
)

// MarkdownPlugin turns markdown files into pages.
type MarkdownPlugin struct {
	md goldmark.Markdown
}

// NewMarkdownPlugin creates the plugin with GitHub flavoured extensions and
// YAML front matter.
func NewMarkdownPlugin() *MarkdownPlugin {
	return &MarkdownPlugin{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM, meta.Meta),
			goldmark.WithRendererOptions(html.WithUnsafe()),
		),
	}
}

// Convert renders src to HTML and returns the front matter found in a
// leading block fenced by "---" lines.
func (m *MarkdownPlugin) Convert(src []byte) (map[string]interface{}, []byte, error) {
	pc := parser.NewContext()
	var out bytes.Buffer
	if err := m.md.Convert(src, &out, parser.WithContext(pc)); err != nil {
		return nil, nil, fmt.Errorf("rendering markdown: %w", err)
	}
	fm, err := meta.TryGet(pc)
	if err != nil {
		return nil, nil, fmt.Errorf("front matter: %w", err)
	}
	if fm == nil {
		fm = make(map[string]interface{})
	}
	return fm, out.Bytes(), nil
}

func (m *MarkdownPlugin) Name() string { return "MarkdownPage" }

func (m *MarkdownPlugin) FromFile(_ context.Context, file content.FileInfo) (content.Item, error) {
	src, err := os.ReadFile(file.Full)
	if err != nil {
		return nil, err
	}
	fm, body, err := m.Convert(src)
	if err != nil {
		return nil, err
	}
	return &Page{Rel: file.Relative, Full: file.Full, Meta: fm, Body: body, Label: m.Name()}, nil
}

// JSONPagePlugin turns JSON files into pages whose metadata is the
// document. A "content" key is rendered as markdown.
type JSONPagePlugin struct {
	markdown *MarkdownPlugin
}

func (j *JSONPagePlugin) Name() string { return "JsonPage" }

func (j *JSONPagePlugin) FromFile(_ context.Context, file content.FileInfo) (content.Item, error) {
	src, err := os.ReadFile(file.Full)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]interface{})
	if err := json.Unmarshal(src, &fields); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	if text, ok := fields["content"].(string); ok {
		if err := j.markdown.md.Convert([]byte(text), &out); err != nil {
			return nil, fmt.Errorf("rendering markdown: %w", err)
		}
	}
	return &Page{Rel: file.Relative, Full: file.Full, Meta: fields, Body: out.Bytes(), Label: j.Name()}, nil
}

// Markdown registers the markdown and JSON page handlers in the "pages"
// group.
func Markdown(_ context.Context, env *environment.Environment) error {
	md := NewMarkdownPlugin()
	env.RegisterContentPlugin("pages", "**/*.{md,markdown,mkd}", md)
	env.RegisterContentPlugin("pages", "**/*.json", &JSONPagePlugin{markdown: md})
	return nil
}
