package plugins

import (
	"context"
	"html/template"
	"io"
	"os"
	"path"
	"strings"

	"github.com/conneroisu/kiln/internal/content"
	"github.com/conneroisu/kiln/internal/environment"
	"github.com/conneroisu/kiln/internal/templates"
)

// HTMLTemplate is a site template written with html/template.
type HTMLTemplate struct {
	tmpl *template.Template
}

func (h *HTMLTemplate) Render(w io.Writer, data interface{}) error {
	return h.tmpl.Execute(w, data)
}

// HTMLPlugin compiles html/template files with the environment's helpers.
type HTMLPlugin struct {
	env *environment.Environment
}

func (h *HTMLPlugin) Name() string { return "HTMLTemplate" }

func (h *HTMLPlugin) FromFile(_ context.Context, file content.FileInfo) (templates.Template, error) {
	src, err := os.ReadFile(file.Full)
	if err != nil {
		return nil, err
	}
	funcs := template.FuncMap{
		"lower":    strings.ToLower,
		"upper":    strings.ToUpper,
		"basename": path.Base,
	}
	for name, fn := range h.env.Helpers() {
		funcs[name] = fn
	}

	tmpl, err := template.New(file.Relative).Funcs(funcs).Option("missingkey=zero").Parse(string(src))
	if err != nil {
		return nil, err
	}
	return &HTMLTemplate{tmpl: tmpl}, nil
}

// HTML registers html/template handling for template files.
func HTML(_ context.Context, env *environment.Environment) error {
	env.RegisterTemplatePlugin("**/*.{html,tmpl,gohtml}", &HTMLPlugin{env: env})
	return nil
}
