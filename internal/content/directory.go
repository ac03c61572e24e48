package content

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"
)

// Rule binds files matching Pattern to a content plugin and a group.
type Rule struct {
	Group   string
	Pattern string
	Plugin  Plugin
}

// StaticGroup is the group of files no rule claimed.
const StaticGroup = "files"

// Match returns the rule that claims rel. Later rules take priority; nil
// means the file is static.
func Match(rules []Rule, rel string) *Rule {
	for i := len(rules) - 1; i >= 0; i-- {
		if ok, _ := doublestar.Match(rules[i].Pattern, rel); ok {
			return &rules[i]
		}
	}
	return nil
}

type scanned struct {
	dir  string
	key  string
	item Item
	grp  string
}

// FromDirectory scans root and builds a tree whose shape mirrors the
// directory layout. Each file goes through the plugin of the rule that
// claims it, unclaimed files become StaticFiles. Plugins run concurrently,
// tree order follows the lexical walk order.
func FromDirectory(ctx context.Context, root string, rules []Rule, groups []string) (*Tree, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	type job struct {
		rel  string
		full string
		dir  bool
	}
	var jobs []job

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." {
				jobs = append(jobs, job{rel: rel, full: p, dir: true})
			}
			return nil
		}
		jobs = append(jobs, job{rel: rel, full: p})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}

	results := make([]scanned, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0) * 2)
	for i, j := range jobs {
		if j.dir {
			continue
		}
		g.Go(func() error {
			file := FileInfo{Relative: j.rel, Full: j.full}

			var plugin Plugin = StaticPlugin{}
			group := StaticGroup
			if rule := Match(rules, j.rel); rule != nil {
				plugin, group = rule.Plugin, rule.Group
			}

			item, err := plugin.FromFile(gctx, file)
			if err != nil {
				return fmt.Errorf("%s: %w", j.rel, err)
			}
			dir, key := path.Split(j.rel)
			results[i] = scanned{dir: strings.TrimSuffix(dir, "/"), key: key, item: item, grp: group}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	tree := NewTree(groups...)
	nodes := map[string]*Tree{"": tree}
	var nodeFor func(dir string) *Tree
	nodeFor = func(dir string) *Tree {
		if n, ok := nodes[dir]; ok {
			return n
		}
		parent, name := path.Split(dir)
		n := NewTree(groups...)
		nodeFor(strings.TrimSuffix(parent, "/")).SetTree(name, n)
		nodes[dir] = n
		return n
	}

	for i, j := range jobs {
		if j.dir {
			nodeFor(j.rel)
			continue
		}
		r := results[i]
		if r.item != nil {
			nodeFor(r.dir).Set(r.key, r.item, r.grp)
		}
	}
	return tree, nil
}
