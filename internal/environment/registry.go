package environment

import (
	"context"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/kiln/internal/content"
	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/render"
	"github.com/conneroisu/kiln/internal/templates"
)

// RegisterContentPlugin makes plugin handle content files matching pattern,
// filing the items under group. Later registrations win when patterns
// overlap.
func (e *Environment) RegisterContentPlugin(group, pattern string, plugin content.Plugin) {
	e.logger.Debug(context.Background(), "registering content plugin", "plugin", plugin.Name(), "pattern", pattern)

	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.plugins[plugin.Name()] = plugin
	e.contentRules = append(e.contentRules, ContentRule{Group: group, Pattern: pattern, Plugin: plugin})
}

// RegisterTemplatePlugin makes plugin handle template files matching
// pattern.
func (e *Environment) RegisterTemplatePlugin(pattern string, plugin templates.Plugin) {
	e.logger.Debug(context.Background(), "registering template plugin", "plugin", plugin.Name(), "pattern", pattern)

	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.plugins[plugin.Name()] = plugin
	e.templateRules = append(e.templateRules, TemplateRule{Pattern: pattern, Plugin: plugin})
}

// RegisterGenerator appends fn to the generators, run in registration order.
func (e *Environment) RegisterGenerator(group string, fn Generator) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.generators = append(e.generators, GeneratorEntry{Group: group, Fn: fn})
}

// RegisterView adds view under name, replacing any view with that name.
func (e *Environment) RegisterView(name string, view render.View) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.views[name] = view
}

// RegisterHelper makes fn available to templates under name.
func (e *Environment) RegisterHelper(name string, fn interface{}) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.helpers[name] = fn
}

// Plugin returns the content or template plugin registered under name.
func (e *Environment) Plugin(name string) (interface{}, bool) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	p, ok := e.plugins[name]
	return p, ok
}

// ContentRules returns a copy of the content rules in registration order.
func (e *Environment) ContentRules() []ContentRule {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return append([]ContentRule(nil), e.contentRules...)
}

// TemplateRules returns a copy of the template rules in registration order.
func (e *Environment) TemplateRules() []TemplateRule {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return append([]TemplateRule(nil), e.templateRules...)
}

// Generators returns a copy of the registered generators.
func (e *Environment) Generators() []GeneratorEntry {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return append([]GeneratorEntry(nil), e.generators...)
}

// Views returns a copy of the registered views.
func (e *Environment) Views() render.Views {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	views := make(render.Views, len(e.views))
	for name, v := range e.views {
		views[name] = v
	}
	return views
}

// Helpers returns a copy of the registered helpers, usable as a
// template.FuncMap.
func (e *Environment) Helpers() template.FuncMap {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	helpers := make(template.FuncMap, len(e.helpers))
	for name, fn := range e.helpers {
		helpers[name] = fn
	}
	return helpers
}

// ContentGroups returns every group named by a content rule or generator,
// once each: rule groups in registration order, then generator groups.
func (e *Environment) ContentGroups() []string {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	seen := make(map[string]bool)
	groups := make([]string, 0, len(e.contentRules)+len(e.generators))
	for _, rule := range e.contentRules {
		if !seen[rule.Group] {
			seen[rule.Group] = true
			groups = append(groups, rule.Group)
		}
	}
	for _, gen := range e.generators {
		if !seen[gen.Group] {
			seen[gen.Group] = true
			groups = append(groups, gen.Group)
		}
	}
	return groups
}

// LoadPluginModule loads module, a specifier or a plugin value, and runs it
// against the environment. Any failure, panics included, is reported as a
// plugin error carrying the plugin id.
func (e *Environment) LoadPluginModule(ctx context.Context, module interface{}) (err error) {
	id := "unknown"
	if spec, ok := module.(string); ok {
		id = spec
		h, err := e.loader.Load(spec, true)
		if err != nil {
			return kerrors.NewPluginError(id, err)
		}
		module = h.Value
	}

	defer func() {
		if r := recover(); r != nil {
			err = kerrors.NewPluginError(id, fmt.Errorf("panic: %v", r))
		}
	}()

	switch m := module.(type) {
	case PluginFunc:
		err = m(ctx, e)
	case func(context.Context, *Environment) error:
		err = m(ctx, e)
	case map[string]interface{}:
		err = e.applyDescriptor(ctx, m)
	default:
		err = fmt.Errorf("module is %T, not a plugin", module)
	}
	if err != nil {
		return kerrors.NewPluginError(id, err)
	}
	return nil
}

// LoadPlugins runs the default plugins and then the configured ones, each
// list in order, stopping at the first failure.
func (e *Environment) LoadPlugins(ctx context.Context) error {
	for _, name := range e.DefaultPlugins {
		e.logger.Debug(ctx, "loading default plugin", "plugin", name)
		if err := e.LoadPluginModule(ctx, name); err != nil {
			return err
		}
	}
	for _, spec := range e.Config().Plugins {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.logger.Debug(ctx, "loading plugin", "plugin", spec)
		if err := e.LoadPluginModule(ctx, spec); err != nil {
			return err
		}
	}
	return nil
}

// LoadViews loads every file in the configured views directory as a view
// named after the file without its extension. Views are registered only
// when all of them load.
func (e *Environment) LoadViews(ctx context.Context) error {
	dir := e.Config().Views
	if dir == "" {
		return nil
	}

	entries, err := os.ReadDir(e.resolvePath(dir))
	if err != nil {
		return kerrors.NewViewError(dir, err)
	}

	type staged struct {
		name string
		view render.View
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	loaded := make([]staged, len(names))

	var g errgroup.Group
	for i, filename := range names {
		id := dir + "/" + filename
		g.Go(func() error {
			e.logger.Debug(ctx, "loading view", "view", id)
			h, err := e.loader.Load(filepath.Join(e.resolvePath(dir), filename), true)
			if err != nil {
				return kerrors.NewViewError(id, err)
			}
			view, err := asView(h.Value)
			if err != nil {
				return kerrors.NewViewError(id, err)
			}
			loaded[i] = staged{name: strings.TrimSuffix(filename, filepath.Ext(filename)), view: view}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, s := range loaded {
		e.RegisterView(s.name, s.view)
	}
	return nil
}

func asView(value interface{}) (render.View, error) {
	switch v := value.(type) {
	case render.View:
		return v, nil
	case *template.Template:
		return render.TemplateView(v), nil
	default:
		return nil, fmt.Errorf("module is %T, not a view", value)
	}
}
