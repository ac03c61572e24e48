package plugins

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"path"
	"strings"

	"github.com/conneroisu/kiln/internal/content"
	"github.com/conneroisu/kiln/internal/environment"
	"github.com/conneroisu/kiln/internal/render"
)

// Page is a content item rendered through a site template.
type Page struct {
	Rel   string
	Full  string
	Meta  map[string]interface{}
	Body  []byte
	Label string
}

// TemplateName returns the template named in the metadata, "none" when
// unset.
func (p *Page) TemplateName() string {
	if name, ok := p.Meta["template"].(string); ok && name != "" {
		return name
	}
	return "none"
}

// Filename honours a "filename" metadata key, else swaps the source
// extension for .html.
func (p *Page) Filename() string {
	if name, ok := p.Meta["filename"].(string); ok && name != "" {
		return strings.TrimPrefix(path.Clean("/"+name), "/")
	}
	return strings.TrimSuffix(p.Rel, path.Ext(p.Rel)) + ".html"
}

// URL is the filename with a trailing index.html dropped.
func (p *Page) URL() string {
	u := "/" + p.Filename()
	if path.Base(u) == "index.html" {
		return strings.TrimSuffix(u, "index.html")
	}
	return u
}

func (p *Page) SourcePath() string { return p.Full }
func (p *Page) View() string       { return "template" }
func (p *Page) Kind() string       { return p.Label }

// Title returns the "title" metadata value.
func (p *Page) Title() string {
	title, _ := p.Meta["title"].(string)
	return title
}

// HTML returns the rendered body for use in templates.
func (p *Page) HTML() template.HTML {
	return template.HTML(p.Body)
}

// TemplateNamer is implemented by items rendered through a site template.
type TemplateNamer interface {
	TemplateName() string
}

// TemplateView renders an item through the site template it names. Items
// naming the "none" template produce no output.
var TemplateView render.ViewFunc = func(_ context.Context, req *render.Request) (interface{}, error) {
	namer, ok := req.Item.(TemplateNamer)
	if !ok {
		return nil, fmt.Errorf("%s does not name a template", req.Item.Filename())
	}
	name := namer.TemplateName()
	if name == "none" {
		return nil, nil
	}

	tmpl, ok := req.Templates[name]
	if !ok {
		return nil, fmt.Errorf("page '%s' specifies unknown template '%s'", req.Item.Filename(), name)
	}

	data := make(map[string]interface{}, len(req.Locals)+2)
	for key, v := range req.Locals {
		data[key] = v
	}
	data["page"] = req.Item
	data["contents"] = req.Tree

	var buf bytes.Buffer
	if err := tmpl.Render(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PagePlugin registers the "template" view that pages render with.
func PagePlugin(_ context.Context, env *environment.Environment) error {
	env.RegisterView("template", TemplateView)
	env.RegisterHelper("url", func(item content.Item) string {
		base := strings.TrimSuffix(env.Config().BaseURL, "/")
		return base + item.URL()
	})
	return nil
}
