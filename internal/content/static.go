package content

import (
	"context"
	"path"
	"strings"
)

// StaticFile is a file copied to the output unchanged.
type StaticFile struct {
	Rel  string
	Full string
}

func (s *StaticFile) URL() string        { return "/" + s.Rel }
func (s *StaticFile) Filename() string   { return s.Rel }
func (s *StaticFile) SourcePath() string { return s.Full }
func (s *StaticFile) View() string       { return "static" }
func (s *StaticFile) Kind() string       { return "StaticFile" }

// StaticPlugin builds StaticFiles.
type StaticPlugin struct{}

func (StaticPlugin) Name() string { return "StaticFile" }

func (StaticPlugin) FromFile(_ context.Context, file FileInfo) (Item, error) {
	return &StaticFile{Rel: file.Relative, Full: file.Full}, nil
}

// Generated is an item produced by a generator, with no source file.
type Generated struct {
	Path     string
	ViewName string
	Label    string
	Data     interface{}
}

// URL strips a trailing index.html so directories resolve to their index.
func (g *Generated) URL() string {
	p := "/" + strings.TrimPrefix(g.Path, "/")
	if path.Base(p) == "index.html" {
		return strings.TrimSuffix(p, "index.html")
	}
	return p
}

func (g *Generated) Filename() string   { return strings.TrimPrefix(g.Path, "/") }
func (g *Generated) SourcePath() string { return "" }
func (g *Generated) View() string       { return g.ViewName }

func (g *Generated) Kind() string {
	if g.Label == "" {
		return "Generated"
	}
	return g.Label
}
