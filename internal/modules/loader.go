// Package modules resolves and evaluates plugin, view and data modules.
//
// A specifier is either a path (leading "." is relative to the working
// directory, leading "/" is absolute) or a bare name. Bare names are looked
// up in <workdir>/kiln_modules first and then in the builtin catalog that
// packages populate with Register. Evaluated modules are cached as versioned
// handles until they are evicted, so a reload after eviction always sees the
// current file contents.
package modules

import (
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	kerrors "github.com/conneroisu/kiln/internal/errors"
)

// BuiltinPrefix marks ids of modules served from the builtin catalog.
const BuiltinPrefix = "builtin:"

// ModulesDir is the per-site directory searched for bare specifiers.
const ModulesDir = "kiln_modules"

// Handle is one evaluation of a module. A fresh evaluation of the same id
// gets a higher Generation.
type Handle struct {
	ID         string
	Generation uint64
	Value      interface{}
}

// Evaluator turns the bytes of a module file into its value.
type Evaluator func(path string, data []byte) (interface{}, error)

// Loader resolves specifiers and caches evaluated modules.
type Loader struct {
	workDir string

	mutex       sync.Mutex
	cache       map[string]*Handle
	generations map[string]uint64
	tracked     map[string]struct{}
	evaluators  map[string]Evaluator
	extensions  []string
}

// NewLoader creates a loader resolving relative specifiers against workDir.
func NewLoader(workDir string) *Loader {
	l := &Loader{
		workDir:     workDir,
		cache:       make(map[string]*Handle),
		generations: make(map[string]uint64),
		tracked:     make(map[string]struct{}),
		evaluators:  make(map[string]Evaluator),
	}
	l.RegisterEvaluator(".json", evalJSON)
	l.RegisterEvaluator(".yaml", evalYAML)
	l.RegisterEvaluator(".yml", evalYAML)
	l.RegisterEvaluator(".tmpl", evalTemplate)
	l.RegisterEvaluator(".html", evalTemplate)
	l.RegisterEvaluator(".gohtml", evalTemplate)
	return l
}

// WorkDir returns the directory relative specifiers resolve against.
func (l *Loader) WorkDir() string {
	return l.workDir
}

// RegisterEvaluator adds or replaces the evaluator for a file extension.
// Extensions are tried in registration order during resolution.
func (l *Loader) RegisterEvaluator(ext string, fn Evaluator) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if _, ok := l.evaluators[ext]; !ok {
		l.extensions = append(l.extensions, ext)
	}
	l.evaluators[ext] = fn
}

// Extensions lists the file extensions the loader can evaluate.
func (l *Loader) Extensions() []string {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return append([]string(nil), l.extensions...)
}

// Resolve maps a specifier to a module id: an absolute file path, or
// BuiltinPrefix followed by the catalog name.
func (l *Loader) Resolve(specifier string) (string, error) {
	if specifier == "" {
		return "", kerrors.NewModuleError(specifier, fmt.Errorf("empty specifier"))
	}

	switch {
	case strings.HasPrefix(specifier, "."):
		if id, ok := l.locate(filepath.Join(l.workDir, specifier)); ok {
			return id, nil
		}
	case filepath.IsAbs(specifier):
		if id, ok := l.locate(specifier); ok {
			return id, nil
		}
	default:
		if id, ok := l.locate(filepath.Join(l.workDir, ModulesDir, specifier)); ok {
			return id, nil
		}
		if _, ok := Lookup(specifier); ok {
			return BuiltinPrefix + specifier, nil
		}
	}

	return "", kerrors.NewModuleError(specifier, fmt.Errorf("cannot find module: %w", os.ErrNotExist))
}

// locate finds the file base refers to: the file itself, base with a known
// extension, or an index file inside base.
func (l *Loader) locate(base string) (string, bool) {
	base = filepath.Clean(base)
	exts := l.Extensions()

	if isFile(base) {
		return base, true
	}
	for _, ext := range exts {
		if isFile(base + ext) {
			return base + ext, true
		}
	}
	for _, ext := range exts {
		candidate := filepath.Join(base, "index"+ext)
		if isFile(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Load resolves and evaluates specifier, returning the cached handle when
// the id has not been evicted. Tracked ids are dropped by EvictTracked.
func (l *Loader) Load(specifier string, tracked bool) (*Handle, error) {
	id, err := l.Resolve(specifier)
	if err != nil {
		return nil, err
	}

	if name, ok := strings.CutPrefix(id, BuiltinPrefix); ok {
		value, _ := Lookup(name)
		return &Handle{ID: id, Generation: 1, Value: value}, nil
	}

	l.mutex.Lock()
	if tracked {
		l.tracked[id] = struct{}{}
	}
	if h, ok := l.cache[id]; ok {
		l.mutex.Unlock()
		return h, nil
	}
	eval, ok := l.evaluators[filepath.Ext(id)]
	l.mutex.Unlock()

	if !ok {
		return nil, kerrors.NewModuleError(specifier, fmt.Errorf("no evaluator for %q files", filepath.Ext(id)))
	}

	data, err := os.ReadFile(id)
	if err != nil {
		return nil, kerrors.NewModuleError(specifier, err)
	}
	value, err := eval(id, data)
	if err != nil {
		return nil, kerrors.NewModuleError(specifier, err)
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	// another goroutine may have won the race, keep its handle
	if h, ok := l.cache[id]; ok {
		return h, nil
	}
	l.generations[id]++
	h := &Handle{ID: id, Generation: l.generations[id], Value: value}
	l.cache[id] = h
	return h, nil
}

// Evict drops the cached handle for id. It reports whether one was cached.
func (l *Loader) Evict(id string) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	_, ok := l.cache[id]
	delete(l.cache, id)
	return ok
}

// EvictPath drops the cached handle of the module file at path.
func (l *Loader) EvictPath(path string) bool {
	if !filepath.IsAbs(path) {
		path = filepath.Join(l.workDir, path)
	}
	return l.Evict(filepath.Clean(path))
}

// EvictTracked drops every handle loaded with tracked set and forgets the
// tracking. It returns the number of ids that were tracked.
func (l *Loader) EvictTracked() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	n := len(l.tracked)
	for id := range l.tracked {
		delete(l.cache, id)
	}
	l.tracked = make(map[string]struct{})
	return n
}

// Tracked lists the ids currently tracked, sorted.
func (l *Loader) Tracked() []string {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	ids := make([]string, 0, len(l.tracked))
	for id := range l.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func evalJSON(_ string, data []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func evalYAML(_ string, data []byte) (interface{}, error) {
	var v interface{}
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func evalTemplate(path string, data []byte) (interface{}, error) {
	return template.New(filepath.Base(path)).Option("missingkey=zero").Parse(string(data))
}
