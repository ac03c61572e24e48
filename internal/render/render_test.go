package render

import (
	"context"
	"errors"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/a-h/templ"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/kiln/internal/content"
	kerrors "github.com/conneroisu/kiln/internal/errors"
)

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	require.NotNil(t, rc)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestNormalize(t *testing.T) {
	ctx := context.Background()

	rc, err := Normalize(ctx, "a", nil)
	require.NoError(t, err)
	assert.Nil(t, rc)

	rc, err = Normalize(ctx, "a", []byte("bytes"))
	require.NoError(t, err)
	assert.Equal(t, "bytes", readAll(t, rc))

	rc, err = Normalize(ctx, "a", strings.NewReader("reader"))
	require.NoError(t, err)
	assert.Equal(t, "reader", readAll(t, rc))

	component := templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<p>templ</p>")
		return err
	})
	rc, err = Normalize(ctx, "a", component)
	require.NoError(t, err)
	assert.Equal(t, "<p>templ</p>", readAll(t, rc))

	_, err = Normalize(ctx, "a", 42)
	require.Error(t, err)
	assert.True(t, kerrors.IsType(err, kerrors.ErrorTypeRender))
	assert.Contains(t, err.Error(), "invalid content")
}

func TestNormalizeComponentError(t *testing.T) {
	component := templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		_, _ = io.WriteString(w, "partial")
		return errors.New("component failed")
	})
	rc, err := Normalize(context.Background(), "a", component)
	require.NoError(t, err)
	defer rc.Close()

	_, err = io.ReadAll(rc)
	assert.EqualError(t, err, "component failed")
}

func TestRenderItem(t *testing.T) {
	src := filepath.Join(t.TempDir(), "logo.txt")
	require.NoError(t, os.WriteFile(src, []byte("static body"), 0644))

	tmpl := template.Must(template.New("v").Parse(`{{.Item.Filename}} {{index .Locals "name"}}`))
	site := &Site{
		Locals: map[string]interface{}{"name": "kiln"},
		Views: Views{
			"none":   None,
			"static": Static,
			"tmpl":   TemplateView(tmpl),
			"broken": ViewFunc(func(context.Context, *Request) (interface{}, error) {
				return nil, errors.New("view exploded")
			}),
		},
	}
	ctx := context.Background()

	rc, err := RenderItem(ctx, site, &content.StaticFile{Rel: "logo.txt", Full: src})
	require.NoError(t, err)
	assert.Equal(t, "static body", readAll(t, rc))

	rc, err = RenderItem(ctx, site, &content.Generated{Path: "a/index.html", ViewName: "tmpl"})
	require.NoError(t, err)
	assert.Equal(t, "a/index.html kiln", readAll(t, rc))

	rc, err = RenderItem(ctx, site, &content.Generated{Path: "x", ViewName: "none"})
	require.NoError(t, err)
	assert.Nil(t, rc)

	_, err = RenderItem(ctx, site, &content.Generated{Path: "x", ViewName: "broken"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "view exploded")

	_, err = RenderItem(ctx, site, &content.Generated{Path: "x", ViewName: "missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "view 'missing' does not exist")
}

func TestRenderToFilesystem(t *testing.T) {
	tree := content.NewTree("pages")
	tree.Set("index", &content.Generated{Path: "index.html", ViewName: "echo"}, "pages")
	sub := content.NewTree("pages")
	sub.Set("post", &content.Generated{Path: "blog/post/index.html", ViewName: "echo"}, "pages")
	sub.Set("draft", &content.Generated{Path: "blog/draft/index.html", ViewName: "none"}, "pages")
	tree.SetTree("blog", sub)

	site := &Site{
		Tree: tree,
		Views: Views{
			"none": None,
			"echo": ViewFunc(func(_ context.Context, req *Request) (interface{}, error) {
				return []byte("page " + req.Item.URL()), nil
			}),
		},
	}

	out := memfs.New()
	require.NoError(t, Render(context.Background(), out, site, nil))

	data, err := util.ReadFile(out, "index.html")
	require.NoError(t, err)
	assert.Equal(t, "page /", string(data))

	data, err = util.ReadFile(out, "blog/post/index.html")
	require.NoError(t, err)
	assert.Equal(t, "page /blog/post/", string(data))

	_, err = out.Stat("blog/draft/index.html")
	assert.True(t, os.IsNotExist(err))
}

func TestRenderStopsOnError(t *testing.T) {
	tree := content.NewTree()
	tree.Set("bad", &content.Generated{Path: "bad.html", ViewName: "bad"}, "pages")
	site := &Site{Tree: tree, Views: Views{"bad": ViewFunc(func(context.Context, *Request) (interface{}, error) {
		return "a string", nil
	})}}

	err := Render(context.Background(), memfs.New(), site, nil)
	require.Error(t, err)
	assert.Equal(t, "bad.html", kerrors.IDOf(err))
}
