// Package templates loads the site templates that views render items with.
package templates

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/kiln/internal/content"
)

// Template renders data into w.
type Template interface {
	Render(w io.Writer, data interface{}) error
}

// Plugin builds templates from files.
type Plugin interface {
	Name() string
	FromFile(ctx context.Context, file content.FileInfo) (Template, error)
}

// Rule binds files matching Pattern to a template plugin.
type Rule struct {
	Pattern string
	Plugin  Plugin
}

// Set maps template names, the slash path below the templates directory,
// to loaded templates.
type Set map[string]Template

// Names returns the template names, sorted.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Match returns the rule that claims rel. Later rules take priority.
func Match(rules []Rule, rel string) *Rule {
	for i := len(rules) - 1; i >= 0; i-- {
		if ok, _ := doublestar.Match(rules[i].Pattern, rel); ok {
			return &rules[i]
		}
	}
	return nil
}

// Load reads every file below root that a rule claims. Unclaimed files are
// skipped.
func Load(ctx context.Context, root string, rules []Rule) (Set, error) {
	var files []content.FileInfo
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, content.FileInfo{Relative: filepath.ToSlash(rel), Full: p})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning templates %s: %w", root, err)
	}

	set := make(Set, len(files))
	var mutex sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, file := range files {
		rule := Match(rules, file.Relative)
		if rule == nil {
			continue
		}
		g.Go(func() error {
			tmpl, err := rule.Plugin.FromFile(gctx, file)
			if err != nil {
				return fmt.Errorf("template %s: %w", file.Relative, err)
			}
			mutex.Lock()
			set[file.Relative] = tmpl
			mutex.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return set, nil
}
