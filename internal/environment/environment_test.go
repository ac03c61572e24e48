package environment

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/kiln/internal/config"
	"github.com/conneroisu/kiln/internal/content"
	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/modules"
	"github.com/conneroisu/kiln/internal/render"
	"github.com/conneroisu/kiln/internal/templates"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(body), 0644))
	}
}

func newTestEnv(t *testing.T, cfg *config.Config, files map[string]string) *Environment {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "contents"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "templates"), 0755))
	writeFiles(t, dir, files)

	if cfg == nil {
		cfg = config.Default()
	}
	env, err := New(cfg, dir, nil)
	require.NoError(t, err)
	env.DefaultPlugins = nil
	return env
}

// item is a content item with a fixed URL and a label to tell versions apart.
type item struct {
	url, label, src string
}

func (i *item) URL() string        { return i.url }
func (i *item) Filename() string   { return strings.TrimPrefix(i.url, "/") }
func (i *item) SourcePath() string { return i.src }
func (i *item) View() string       { return "label" }
func (i *item) Kind() string       { return "TestItem" }

type labelPlugin struct {
	calls atomic.Int32
}

func (p *labelPlugin) Name() string { return "LabelPlugin" }

func (p *labelPlugin) FromFile(_ context.Context, f content.FileInfo) (content.Item, error) {
	p.calls.Add(1)
	data, err := os.ReadFile(f.Full)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(f.Relative, filepath.Ext(f.Relative)) + ".html"
	return &item{url: "/" + name, label: string(data), src: f.Full}, nil
}

func generatorAt(key, url, label string) Generator {
	return func(context.Context, *Environment, *content.Tree) (*content.Tree, error) {
		tree := content.NewTree()
		tree.Set(key, &item{url: url, label: label}, "generated")
		return tree, nil
	}
}

func TestNewDefaults(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	assert.Equal(t, filepath.Join(env.WorkDir(), "contents"), env.ContentsPath())
	assert.Equal(t, filepath.Join(env.WorkDir(), "templates"), env.TemplatesPath())
	assert.Equal(t, ModeBuild, env.Mode())
	assert.Contains(t, env.Views(), "none")
	assert.Contains(t, env.Views(), "static")
	_, ok := env.Plugin("StaticFile")
	assert.True(t, ok)
	assert.Equal(t, []string{"page", "markdown", "html"}, DefaultPlugins)
}

func TestContentGroups(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	p := &labelPlugin{}

	env.RegisterContentPlugin("pages", "**/*.md", p)
	env.RegisterGenerator("feeds", generatorAt("a", "/a", ""))
	env.RegisterContentPlugin("notes", "notes/*", p)
	env.RegisterContentPlugin("pages", "*.txt", p)
	env.RegisterGenerator("pages", generatorAt("b", "/b", ""))
	env.RegisterGenerator("notes", generatorAt("c", "/c", ""))

	assert.Equal(t, []string{"pages", "notes", "feeds"}, env.ContentGroups())
}

func TestRegisterViewOverwrites(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	first := render.ViewFunc(func(context.Context, *render.Request) (interface{}, error) { return []byte("1"), nil })
	second := render.ViewFunc(func(context.Context, *render.Request) (interface{}, error) { return []byte("2"), nil })

	env.RegisterView("page", first)
	env.RegisterView("page", second)

	out, err := env.Views()["page"].Render(context.Background(), &render.Request{})
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), out)
}

func TestLoadPluginsOrderAndFailFast(t *testing.T) {
	var order []string
	record := func(name string, err error) PluginFunc {
		return func(context.Context, *Environment) error {
			order = append(order, name)
			return err
		}
	}
	modules.Register("order-builtin-1", record("builtin-1", nil))
	modules.Register("order-builtin-2", record("builtin-2", nil))
	modules.Register("order-user-1", record("user-1", nil))
	modules.Register("order-user-fail", record("user-fail", errors.New("bad plugin")))
	modules.Register("order-user-2", record("user-2", nil))

	cfg := config.Default()
	cfg.Plugins = []string{"order-user-1", "order-user-fail", "order-user-2"}
	env := newTestEnv(t, cfg, nil)
	env.DefaultPlugins = []string{"order-builtin-1", "order-builtin-2"}

	err := env.LoadPlugins(context.Background())
	require.Error(t, err)
	assert.Equal(t, "error loading plugin 'order-user-fail': bad plugin", err.Error())
	assert.True(t, kerrors.IsType(err, kerrors.ErrorTypePlugin))
	assert.Equal(t, []string{"builtin-1", "builtin-2", "user-1", "user-fail"}, order)
}

func TestLoadPluginsBuiltinFailureStopsEverything(t *testing.T) {
	var userRan bool
	modules.Register("stop-user", PluginFunc(func(context.Context, *Environment) error {
		userRan = true
		return nil
	}))

	cfg := config.Default()
	cfg.Plugins = []string{"stop-user"}
	env := newTestEnv(t, cfg, nil)
	env.DefaultPlugins = []string{"does-not-exist"}

	err := env.LoadPlugins(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error loading plugin 'does-not-exist'")
	assert.True(t, kerrors.IsType(err, kerrors.ErrorTypePlugin))
	assert.True(t, errors.Is(err, &kerrors.KilnError{Type: kerrors.ErrorTypePlugin}))
	assert.False(t, userRan)
}

func TestLoadPluginModule(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	t.Run("function value", func(t *testing.T) {
		err := env.LoadPluginModule(ctx, func(_ context.Context, e *Environment) error {
			e.RegisterHelper("shout", strings.ToUpper)
			return nil
		})
		require.NoError(t, err)
		assert.Contains(t, env.Helpers(), "shout")
	})

	t.Run("panic is recovered", func(t *testing.T) {
		err := env.LoadPluginModule(ctx, PluginFunc(func(context.Context, *Environment) error {
			panic("kaboom")
		}))
		require.Error(t, err)
		assert.Equal(t, "error loading plugin 'unknown': panic: kaboom", err.Error())
	})

	t.Run("not a plugin", func(t *testing.T) {
		modules.Register("not-a-plugin", 42)
		err := env.LoadPluginModule(ctx, "not-a-plugin")
		require.Error(t, err)
		assert.Equal(t, "not-a-plugin", kerrors.IDOf(err))
		assert.Contains(t, err.Error(), "not a plugin")
	})
}

func TestDescriptorPlugin(t *testing.T) {
	modules.Register("descriptor-base", PluginFunc(func(_ context.Context, e *Environment) error {
		e.RegisterContentPlugin("pages", "**/*.md", &labelPlugin{})
		return nil
	}))

	cfg := config.Default()
	cfg.Plugins = []string{"./plugins/notes.yaml"}
	env := newTestEnv(t, cfg, map[string]string{
		"plugins/notes.yaml": `
name: notes
uses: [descriptor-base]
contents:
  - group: notes
    pattern: "notes/**/*.txt"
    plugin: LabelPlugin
generate:
  - group: feeds
    path: feed/index.html
    view: none
locals:
  section: notes
`,
		"contents/notes/first.txt": "first",
	})

	require.NoError(t, env.LoadPlugins(context.Background()))
	assert.Equal(t, []string{"pages", "notes", "feeds"}, env.ContentGroups())

	tree, err := env.GetContents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", tree.Lookup("notes/first.txt").(*item).label)
	gen := tree.Lookup("feed/index.html")
	require.NotNil(t, gen)
	assert.Equal(t, "/feed/", gen.URL())
	assert.Equal(t, "notes", gen.Kind())

	locals, err := env.GetLocals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "notes", locals["section"])
}

func TestDescriptorTemplates(t *testing.T) {
	modules.Register("descriptor-templates", PluginFunc(func(_ context.Context, e *Environment) error {
		e.RegisterTemplatePlugin("*.tmpl", fileTemplatePlugin{})
		return nil
	}))

	cfg := config.Default()
	cfg.Plugins = []string{"./plugins/layouts.yaml"}
	env := newTestEnv(t, cfg, map[string]string{
		"plugins/layouts.yaml": `
name: layouts
uses: [descriptor-templates]
templates:
  - pattern: "layouts/**/*.htm"
    plugin: FileTemplate
`,
	})

	require.NoError(t, env.LoadPlugins(context.Background()))
	rules := env.TemplateRules()
	require.Len(t, rules, 2)
	assert.Equal(t, "*.tmpl", rules[0].Pattern)
	assert.Equal(t, "layouts/**/*.htm", rules[1].Pattern)
	assert.Equal(t, "FileTemplate", rules[1].Plugin.Name())
}

func TestDescriptorTemplateErrors(t *testing.T) {
	testCases := []struct {
		name   string
		plugin string
	}{
		{"unknown name", "Nope"},
		{"content plugin", "StaticFile"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Plugins = []string{"./bad.yaml"}
			env := newTestEnv(t, cfg, map[string]string{
				"bad.yaml": "name: bad\ntemplates:\n  - pattern: '*.htm'\n    plugin: " + tc.plugin + "\n",
			})
			err := env.LoadPlugins(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), "unknown template plugin '"+tc.plugin+"'")
		})
	}
}

func TestDescriptorErrors(t *testing.T) {
	cfg := config.Default()
	cfg.Plugins = []string{"./bad.yaml"}
	env := newTestEnv(t, cfg, map[string]string{
		"bad.yaml": "name: bad\ncontents:\n  - group: x\n    pattern: '*'\n    plugin: Nope\n",
	})
	err := env.LoadPlugins(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown content plugin 'Nope'")

	_, err = DecodeDescriptor(map[string]interface{}{"name": "x", "colour": "red"})
	assert.Error(t, err)
}

func TestGetContentsGeneratorPrecedence(t *testing.T) {
	env := newTestEnv(t, nil, map[string]string{"contents/a.md": "disk"})
	env.RegisterContentPlugin("pages", "**/*.md", &labelPlugin{})
	env.RegisterGenerator("g", generatorAt("a.md", "/a.html", "G1"))
	env.RegisterGenerator("g", generatorAt("a.md", "/a.html", "G2"))
	env.RegisterGenerator("g", generatorAt("only.html", "/only.html", "G2-only"))

	tree, err := env.GetContents(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "disk", tree.Lookup("a.md").(*item).label)
	assert.Equal(t, "G2-only", tree.Lookup("only.html").(*item).label)
}

func TestGeneratorsOverrideEachOther(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.RegisterGenerator("g", generatorAt("x", "/x", "G1"))
	env.RegisterGenerator("g", generatorAt("x", "/x", "G2"))

	tree, err := env.MergeGenerated(context.Background(), content.NewTree())
	require.NoError(t, err)
	assert.Equal(t, "G2", tree.Lookup("x").(*item).label)
}

func TestMergeGeneratedWithoutGenerators(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	base := content.NewTree()

	tree, err := env.MergeGenerated(context.Background(), base)
	require.NoError(t, err)
	assert.Same(t, base, tree)
}

func TestGeneratorSeesBaseTree(t *testing.T) {
	env := newTestEnv(t, nil, map[string]string{"contents/one.md": "1", "contents/two.md": "2"})
	env.RegisterContentPlugin("pages", "*.md", &labelPlugin{})

	var seen int
	env.RegisterGenerator("index", func(_ context.Context, _ *Environment, base *content.Tree) (*content.Tree, error) {
		seen = len(content.Flatten(base))
		return content.NewTree(), nil
	})

	_, err := env.GetContents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, seen)
}

func TestGeneratorErrors(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.RegisterGenerator("boom", func(context.Context, *Environment, *content.Tree) (*content.Tree, error) {
		panic("generator exploded")
	})

	_, err := env.GetContents(context.Background())
	require.Error(t, err)
	assert.True(t, kerrors.IsType(err, kerrors.ErrorTypeContent))
	assert.Contains(t, err.Error(), "generator exploded")
}

func TestLocals(t *testing.T) {
	t.Run("inline with modules", func(t *testing.T) {
		cfg := config.Default()
		cfg.Locals = map[string]interface{}{"title": "Site", "menu": "old"}
		cfg.Require = map[string]string{"menu": "./data/menu.json", "broken": "./data/missing.json"}
		env := newTestEnv(t, cfg, map[string]string{"data/menu.json": `["home","about"]`})

		locals, err := env.GetLocals(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Site", locals["title"])
		assert.Equal(t, []interface{}{"home", "about"}, locals["menu"])
		assert.NotContains(t, locals, "broken")
	})

	t.Run("json file", func(t *testing.T) {
		cfg := config.Default()
		cfg.Locals = "./locals.json"
		env := newTestEnv(t, cfg, map[string]string{"locals.json": `{"author":"kiln"}`})

		locals, err := env.GetLocals(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "kiln", locals["author"])
	})

	t.Run("missing json file", func(t *testing.T) {
		cfg := config.Default()
		cfg.Locals = "./nope.json"
		env := newTestEnv(t, cfg, nil)

		_, err := env.GetLocals(context.Background())
		require.Error(t, err)
		assert.True(t, kerrors.IsType(err, kerrors.ErrorTypeLocals))
	})

	t.Run("reset rereads modules", func(t *testing.T) {
		cfg := config.Default()
		cfg.Require = map[string]string{"data": "./data.json"}
		env := newTestEnv(t, cfg, map[string]string{"data.json": `{"v":1}`})

		writeFiles(t, env.WorkDir(), map[string]string{"data.json": `{"v":2}`})
		env.Reset()

		locals, err := env.GetLocals(context.Background())
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"v": float64(2)}, locals["data"])
	})
}

func TestLoadViews(t *testing.T) {
	cfg := config.Default()
	cfg.Views = "views"
	env := newTestEnv(t, cfg, map[string]string{
		"views/list.tmpl":  `{{.Item.URL}}`,
		"views/plain.html": `plain`,
		"views/.hidden":    `skipped`,
	})

	require.NoError(t, env.LoadViews(context.Background()))
	views := env.Views()
	assert.Contains(t, views, "list")
	assert.Contains(t, views, "plain")
	assert.Contains(t, views, "none")

	out, err := views["list"].Render(context.Background(), &render.Request{Item: &item{url: "/x/"}})
	require.NoError(t, err)
	assert.Equal(t, []byte("/x/"), out)
}

func TestLoadViewsAllOrNothing(t *testing.T) {
	cfg := config.Default()
	cfg.Views = "views"
	env := newTestEnv(t, cfg, map[string]string{
		"views/good.tmpl":  `ok`,
		"views/bad.tmpl":   `{{ if }}`,
		"views/other.tmpl": `ok`,
	})

	err := env.LoadViews(context.Background())
	require.Error(t, err)
	assert.True(t, kerrors.IsType(err, kerrors.ErrorTypeView))
	assert.Equal(t, "views/bad.tmpl", kerrors.IDOf(err))
	assert.NotContains(t, env.Views(), "good")
	assert.NotContains(t, env.Views(), "other")
}

func TestResetClearsRegistry(t *testing.T) {
	cfg := config.Default()
	cfg.Views = "views"
	env := newTestEnv(t, cfg, map[string]string{"views/list.tmpl": `v1`})

	env.RegisterContentPlugin("pages", "*.md", &labelPlugin{})
	env.RegisterGenerator("g", generatorAt("x", "/x", ""))
	env.RegisterHelper("h", strings.ToLower)
	require.NoError(t, env.LoadViews(context.Background()))
	require.NotEmpty(t, env.Loader().Tracked())

	env.Reset()

	assert.Empty(t, env.ContentRules())
	assert.Empty(t, env.Generators())
	assert.Empty(t, env.Helpers())
	assert.Empty(t, env.ContentGroups())
	assert.NotContains(t, env.Views(), "list")
	assert.Empty(t, env.Loader().Tracked())

	writeFiles(t, env.WorkDir(), map[string]string{"views/list.tmpl": `v2`})
	require.NoError(t, env.LoadViews(context.Background()))
	out, err := env.Views()["list"].Render(context.Background(), &render.Request{})
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), out)
}

func TestLoadPhases(t *testing.T) {
	plugin := &labelPlugin{}
	modules.Register("phase-fail", PluginFunc(func(context.Context, *Environment) error {
		return errors.New("phase one failed")
	}))

	cfg := config.Default()
	cfg.Plugins = []string{"phase-fail"}
	env := newTestEnv(t, cfg, map[string]string{"contents/a.md": "a"})
	env.RegisterContentPlugin("pages", "*.md", plugin)

	result, err := env.Load(context.Background())
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, int32(0), plugin.calls.Load(), "contents must not load after phase one failed")

	cfg.Plugins = nil
	result, err = env.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), plugin.calls.Load())
	assert.NotNil(t, result.Contents.Lookup("a.md"))
	assert.NotNil(t, result.Templates)
	assert.NotNil(t, result.Locals)
}

type fileTemplatePlugin struct{}

func (fileTemplatePlugin) Name() string { return "FileTemplate" }

func (fileTemplatePlugin) FromFile(_ context.Context, f content.FileInfo) (templates.Template, error) {
	return nil, errors.New("cannot compile " + f.Relative)
}

func TestLoadTemplateFailure(t *testing.T) {
	env := newTestEnv(t, nil, map[string]string{"templates/layout.tmpl": "x"})
	env.RegisterTemplatePlugin("*.tmpl", fileTemplatePlugin{})

	_, err := env.Load(context.Background())
	require.Error(t, err)
	assert.True(t, kerrors.IsType(err, kerrors.ErrorTypeTemplate))
}

func TestBuild(t *testing.T) {
	env := newTestEnv(t, nil, map[string]string{
		"contents/index.md":     "home",
		"contents/css/site.css": "body{}",
	})
	env.RegisterContentPlugin("pages", "*.md", &labelPlugin{})
	env.RegisterView("label", render.ViewFunc(func(_ context.Context, req *render.Request) (interface{}, error) {
		return strings.NewReader("<p>" + req.Item.(*item).label + "</p>"), nil
	}))

	out := filepath.Join(env.WorkDir(), "out")
	require.NoError(t, env.Build(context.Background(), out))
	assert.Equal(t, ModeBuild, env.Mode())

	data, err := os.ReadFile(filepath.Join(out, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<p>home</p>", string(data))

	f, err := os.Open(filepath.Join(out, "css", "site.css"))
	require.NoError(t, err)
	defer f.Close()
	css, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "body{}", string(css))
}

// routedPlugin publishes every file it reads under one fixed URL.
type routedPlugin struct{ url string }

func (routedPlugin) Name() string { return "Routed" }

func (p routedPlugin) FromFile(_ context.Context, f content.FileInfo) (content.Item, error) {
	data, err := os.ReadFile(f.Full)
	if err != nil {
		return nil, err
	}
	return &item{url: p.url, label: string(data), src: f.Full}, nil
}

func TestBuildDiskWinsAcrossTreePositions(t *testing.T) {
	env := newTestEnv(t, nil, map[string]string{"contents/a/z.page": "disk"})
	env.RegisterContentPlugin("pages", "**/*.page", routedPlugin{url: "/top.html"})
	env.RegisterGenerator("g", func(context.Context, *Environment, *content.Tree) (*content.Tree, error) {
		return content.TreeAt("a/y.html", &item{url: "/a/y.html", label: "nested"}, "generated"), nil
	})
	env.RegisterGenerator("g", generatorAt("top.html", "/top.html", "generated"))
	env.RegisterView("label", render.ViewFunc(func(_ context.Context, req *render.Request) (interface{}, error) {
		return []byte(req.Item.(*item).label), nil
	}))

	out := filepath.Join(env.WorkDir(), "out")
	require.NoError(t, env.Build(context.Background(), out))

	data, err := os.ReadFile(filepath.Join(out, "top.html"))
	require.NoError(t, err)
	assert.Equal(t, "disk", string(data))

	data, err = os.ReadFile(filepath.Join(out, "a", "y.html"))
	require.NoError(t, err)
	assert.Equal(t, "nested", string(data))
}

func TestLoadLayers(t *testing.T) {
	env := newTestEnv(t, nil, map[string]string{"contents/a.md": "disk"})
	env.RegisterContentPlugin("pages", "*.md", &labelPlugin{})
	env.RegisterGenerator("g", generatorAt("g1", "/g1", "G1"))
	env.RegisterGenerator("g", generatorAt("g2", "/g2", "G2"))

	result, err := env.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Layers, 3)
	assert.Equal(t, "G1", result.Layers[0].Lookup("g1").(*item).label)
	assert.Equal(t, "G2", result.Layers[1].Lookup("g2").(*item).label)
	assert.Equal(t, "disk", result.Layers[2].Lookup("a.md").(*item).label)
}

func TestFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"contents":"./src","port":4000}`), 0644))

	env, err := FromConfigFile(path, map[string]interface{}{"port": 9000}, nil)
	require.NoError(t, err)
	assert.Equal(t, dir, env.WorkDir())
	assert.Equal(t, filepath.Join(dir, "src"), env.ContentsPath())
	assert.Equal(t, 9000, env.Config().Port)

	_, err = FromConfigFile(filepath.Join(dir, "missing.json"), nil, nil)
	require.Error(t, err)
	assert.True(t, kerrors.IsType(err, kerrors.ErrorTypeConfig))
}
