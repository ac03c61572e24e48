// Package environment holds the registry that plugins populate and the
// pipeline that turns a contents directory into a rendered site.
//
// An Environment is created once per build or preview invocation. Plugins
// register content rules, template rules, generators, views and helpers
// against it; Load then scans contents, runs generators, loads templates and
// resolves locals. Reset wipes the registry so plugins can be loaded again
// in a long-lived process.
package environment

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/conneroisu/kiln/internal/config"
	"github.com/conneroisu/kiln/internal/content"
	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/events"
	"github.com/conneroisu/kiln/internal/logging"
	"github.com/conneroisu/kiln/internal/modules"
	"github.com/conneroisu/kiln/internal/render"
	"github.com/conneroisu/kiln/internal/templates"
)

// Mode tells plugins whether they run for a one-shot build or a preview.
type Mode string

const (
	ModeBuild   Mode = "build"
	ModePreview Mode = "preview"
)

// DefaultPlugins are loaded, in order, before any configured plugin.
var DefaultPlugins = []string{"page", "markdown", "html"}

// PluginFunc registers whatever a plugin provides against env.
type PluginFunc func(ctx context.Context, env *Environment) error

// Generator produces a tree of synthetic items from the base tree.
type Generator func(ctx context.Context, env *Environment, base *content.Tree) (*content.Tree, error)

// ContentRule binds a glob of content files to a content plugin and group.
type ContentRule = content.Rule

// TemplateRule binds a glob of template files to a template plugin.
type TemplateRule = templates.Rule

// GeneratorEntry is a registered generator with its group.
type GeneratorEntry struct {
	Group string
	Fn    Generator
}

// Environment is the registry plus the load pipeline for one site.
type Environment struct {
	// DefaultPlugins overrides the package-level list for this environment.
	DefaultPlugins []string

	workDir string
	logger  logging.Logger
	loader  *modules.Loader
	bus     *events.Bus

	mutex         sync.RWMutex
	config        *config.Config
	contentsPath  string
	templatesPath string
	mode          Mode

	plugins       map[string]interface{}
	contentRules  []ContentRule
	templateRules []TemplateRule
	generators    []GeneratorEntry
	views         render.Views
	helpers       map[string]interface{}
	locals        map[string]interface{}
	localsErr     error
}

// New creates an environment for cfg rooted at workDir.
func New(cfg *config.Config, workDir string, logger logging.Logger) (*Environment, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("resolving working directory: %w", err)
	}

	e := &Environment{
		DefaultPlugins: append([]string(nil), DefaultPlugins...),
		workDir:        abs,
		logger:         logger.WithComponent("environment"),
		loader:         modules.NewLoader(abs),
		bus:            events.NewBus(),
		mode:           ModeBuild,
	}
	e.SetConfig(cfg)
	e.Reset()
	return e, nil
}

// FromConfigFile loads the config file at path and creates an environment
// rooted at the file's directory.
func FromConfigFile(path string, overrides map[string]interface{}, logger logging.Logger) (*Environment, error) {
	cfg, err := config.FromFile(path, overrides)
	if err != nil {
		return nil, kerrors.NewConfigError(path, err)
	}
	return New(cfg, filepath.Dir(cfg.Filename), logger)
}

// Reset clears every registry table back to its defaults, evicts tracked
// modules and recomputes locals.
func (e *Environment) Reset() {
	e.mutex.Lock()
	e.plugins = map[string]interface{}{
		content.StaticPlugin{}.Name(): content.StaticPlugin{},
	}
	e.contentRules = nil
	e.templateRules = nil
	e.generators = nil
	e.views = render.Views{
		"none":   render.None,
		"static": render.Static,
	}
	e.helpers = make(map[string]interface{})
	e.mutex.Unlock()

	if n := e.loader.EvictTracked(); n > 0 {
		e.logger.Debug(context.Background(), "unloaded tracked modules", "count", n)
	}
	e.setupLocals()
}

// SetConfig swaps the active configuration and re-resolves its paths.
func (e *Environment) SetConfig(cfg *config.Config) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.config = cfg
	e.contentsPath = e.resolvePath(cfg.Contents)
	e.templatesPath = e.resolvePath(cfg.Templates)
}

// Config returns the active configuration.
func (e *Environment) Config() *config.Config {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.config
}

// WorkDir returns the absolute working directory.
func (e *Environment) WorkDir() string { return e.workDir }

// Logger returns the environment logger.
func (e *Environment) Logger() logging.Logger { return e.logger }

// Loader returns the module loader.
func (e *Environment) Loader() *modules.Loader { return e.loader }

// Events returns the bus change notifications are published on.
func (e *Environment) Events() *events.Bus { return e.bus }

// SetMode sets the run mode.
func (e *Environment) SetMode(mode Mode) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.mode = mode
}

// Mode returns the run mode.
func (e *Environment) Mode() Mode {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.mode
}

// ContentsPath returns the absolute contents directory.
func (e *Environment) ContentsPath() string {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.contentsPath
}

// TemplatesPath returns the absolute templates directory.
func (e *Environment) TemplatesPath() string {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.templatesPath
}

// ResolvePath resolves p against the working directory.
func (e *Environment) ResolvePath(p string) string {
	return e.resolvePath(p)
}

func (e *Environment) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(e.workDir, p)
}

// RelativeContentsPath returns p relative to the contents directory, slash
// separated.
func (e *Environment) RelativeContentsPath(p string) (string, error) {
	rel, err := filepath.Rel(e.ContentsPath(), p)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

func (e *Environment) setupLocals() {
	cfg := e.Config()
	ctx := context.Background()

	locals := make(map[string]interface{})
	var localsErr error

	switch v := cfg.Locals.(type) {
	case string:
		filename := e.resolvePath(v)
		e.logger.Debug(ctx, "loading locals", "path", filename)
		if err := readJSON(filename, &locals); err != nil {
			localsErr = kerrors.NewLocalsError(filename, err)
		}
	case map[string]interface{}:
		for key, value := range v {
			locals[key] = value
		}
	}

	for alias, id := range cfg.Require {
		e.logger.Debug(ctx, "loading module into locals", "module", id, "alias", alias)
		if _, exists := locals[alias]; exists {
			e.logger.Warn(ctx, nil, "module overwrites previous local with the same key", "module", id, "alias", alias)
		}
		h, err := e.loader.Load(id, true)
		if err != nil {
			e.logger.Warn(ctx, err, "unable to load module", "module", id)
			continue
		}
		locals[alias] = h.Value
	}

	e.mutex.Lock()
	e.locals = locals
	e.localsErr = localsErr
	e.mutex.Unlock()
}

func readJSON(filename string, v interface{}) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
