// Package render turns content items into output through registered views.
//
// A view returns either nil (nothing to write), a byte slice, an io.Reader,
// or a templ.Component. RenderItem normalizes all of them into a single
// stream; Render writes every item of a tree to a billy filesystem.
package render

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"io"
	"os"
	"path"
	"runtime"

	"github.com/a-h/templ"
	"github.com/go-git/go-billy/v5"
	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/kiln/internal/content"
	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/logging"
	"github.com/conneroisu/kiln/internal/templates"
)

// View renders one item.
type View interface {
	Render(ctx context.Context, req *Request) (interface{}, error)
}

// ViewFunc adapts a function to View.
type ViewFunc func(ctx context.Context, req *Request) (interface{}, error)

// Render calls f.
func (f ViewFunc) Render(ctx context.Context, req *Request) (interface{}, error) {
	return f(ctx, req)
}

// Views maps view names to views.
type Views map[string]View

// Site is everything a view may consult while rendering.
type Site struct {
	Tree      *content.Tree
	Templates templates.Set
	Locals    map[string]interface{}
	Helpers   map[string]interface{}
	Views     Views

	// Items are the items Render writes, one per output file. When nil
	// they are taken from Tree, the last item for a filename winning.
	Items []content.Item
}

// Request is the input of a single view invocation.
type Request struct {
	Item      content.Item
	Tree      *content.Tree
	Templates templates.Set
	Locals    map[string]interface{}
	Helpers   map[string]interface{}
}

// Request builds the view input for item.
func (s *Site) Request(item content.Item) *Request {
	return &Request{
		Item:      item,
		Tree:      s.Tree,
		Templates: s.Templates,
		Locals:    s.Locals,
		Helpers:   s.Helpers,
	}
}

// None renders nothing.
var None ViewFunc = func(context.Context, *Request) (interface{}, error) {
	return nil, nil
}

// Static streams the item's source file.
var Static ViewFunc = func(_ context.Context, req *Request) (interface{}, error) {
	src := req.Item.SourcePath()
	if src == "" {
		return nil, nil
	}
	f, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// TemplateView executes tmpl with the request as data.
func TemplateView(tmpl *template.Template) View {
	return ViewFunc(func(_ context.Context, req *Request) (interface{}, error) {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, req); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
}

// RenderItem runs the view bound to item and returns its output as a
// stream. A nil stream with a nil error means the view produced nothing.
// The caller must close the stream.
func RenderItem(ctx context.Context, site *Site, item content.Item) (io.ReadCloser, error) {
	name := item.View()
	view, ok := site.Views[name]
	if !ok {
		return nil, kerrors.NewRenderError(item.Filename(),
			fmt.Sprintf("view '%s' does not exist for %s", name, item.Filename()), nil)
	}

	result, err := view.Render(ctx, site.Request(item))
	if err != nil {
		return nil, kerrors.NewRenderError(item.Filename(),
			fmt.Sprintf("error rendering %s with view '%s'", item.Filename(), name), err)
	}
	return Normalize(ctx, item.Filename(), result)
}

// Normalize converts a view result into a stream.
func Normalize(ctx context.Context, id string, result interface{}) (io.ReadCloser, error) {
	switch r := result.(type) {
	case nil:
		return nil, nil
	case []byte:
		return io.NopCloser(bytes.NewReader(r)), nil
	case templ.Component:
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(r.Render(ctx, pw))
		}()
		return pr, nil
	case io.ReadCloser:
		return r, nil
	case io.Reader:
		return io.NopCloser(r), nil
	default:
		return nil, kerrors.NewRenderError(id,
			fmt.Sprintf("view for %s returned invalid content (%T)", id, result), nil)
	}
}

// ByFilename keys an item by the output file it renders to.
func ByFilename(item content.Item) string { return item.Filename() }

// Render writes every item of site.Items (site.Tree when unset) to out.
// Items whose view produces nothing are skipped.
func Render(ctx context.Context, out billy.Filesystem, site *Site, logger logging.Logger) error {
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.WithComponent("render")
	op := logging.StartOperation(logger, "render")

	items := site.Items
	if items == nil {
		items = content.Overlay(ByFilename, site.Tree)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0) * 2)

	for _, item := range items {
		g.Go(func() error {
			return writeItem(gctx, out, site, item, logger)
		})
	}
	if err := g.Wait(); err != nil {
		op.EndWithError(ctx, err)
		return err
	}
	op.End(ctx)
	logger.Info(ctx, "render complete", "items", len(items))
	return nil
}

func writeItem(ctx context.Context, out billy.Filesystem, site *Site, item content.Item, logger logging.Logger) error {
	stream, err := RenderItem(ctx, site, item)
	if err != nil {
		return err
	}
	if stream == nil {
		logger.Debug(ctx, "skipping", "filename", item.Filename(), "kind", item.Kind())
		return nil
	}
	defer stream.Close()

	name := item.Filename()
	if dir := path.Dir(name); dir != "." {
		if err := out.MkdirAll(dir, 0o755); err != nil {
			return kerrors.NewRenderError(name, "cannot create output directory", err)
		}
	}
	f, err := out.Create(name)
	if err != nil {
		return kerrors.NewRenderError(name, "cannot create output file", err)
	}
	if _, err := io.Copy(f, stream); err != nil {
		f.Close()
		return kerrors.NewRenderError(name, "cannot write output file", err)
	}
	logger.Debug(ctx, "writing content", "filename", name, "kind", item.Kind())
	return f.Close()
}
