// Package content models the site as an ordered tree of items.
//
// Leaves are Items produced by content plugins from source files, or
// generated by generators. Interior nodes are Trees keyed by path segment.
// Every leaf belongs to a group ("pages", "files", ...) so templates can
// list siblings of a kind.
package content

import (
	"context"
	"path"
	"strings"
)

// Item is one renderable piece of content.
type Item interface {
	// URL is the site-relative URL, starting with "/".
	URL() string
	// Filename is the output filename relative to the output directory.
	Filename() string
	// SourcePath is the absolute source file, empty for generated items.
	SourcePath() string
	// View names the registered view that renders this item.
	View() string
	// Kind labels the plugin that produced the item, for logs and metrics.
	Kind() string
}

// FileInfo describes a source file handed to a content plugin.
type FileInfo struct {
	// Relative is the slash-separated path below the contents directory.
	Relative string
	// Full is the absolute path on disk.
	Full string
}

// Plugin builds items from source files.
type Plugin interface {
	Name() string
	FromFile(ctx context.Context, file FileInfo) (Item, error)
}

// Entry is one child of a tree: either an item with its group, or a
// subtree.
type Entry struct {
	Key   string
	Item  Item
	Group string
	Tree  *Tree
}

// Tree is an ordered mapping of keys to items and subtrees.
type Tree struct {
	groups  []string
	entries []Entry
	index   map[string]int
}

// NewTree creates an empty tree that lists the given groups.
func NewTree(groups ...string) *Tree {
	return &Tree{
		groups: append([]string(nil), groups...),
		index:  make(map[string]int),
	}
}

// Groups returns the group names declared for this tree.
func (t *Tree) Groups() []string {
	return append([]string(nil), t.groups...)
}

func (t *Tree) put(e Entry) {
	if i, ok := t.index[e.Key]; ok {
		t.entries[i] = e
		return
	}
	t.index[e.Key] = len(t.entries)
	t.entries = append(t.entries, e)
}

// Set stores item under key in group, replacing whatever was there.
func (t *Tree) Set(key string, item Item, group string) {
	t.put(Entry{Key: key, Item: item, Group: group})
}

// SetTree stores sub under key, replacing whatever was there.
func (t *Tree) SetTree(key string, sub *Tree) {
	t.put(Entry{Key: key, Tree: sub, Group: "directories"})
}

// Get returns the entry stored under key.
func (t *Tree) Get(key string) (Entry, bool) {
	i, ok := t.index[key]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i], true
}

// Lookup walks a slash-separated path of keys and returns the item at its
// end, or nil.
func (t *Tree) Lookup(p string) Item {
	node := t
	segments := strings.Split(strings.Trim(path.Clean("/"+p), "/"), "/")
	for i, seg := range segments {
		e, ok := node.Get(seg)
		if !ok {
			return nil
		}
		if i == len(segments)-1 {
			return e.Item
		}
		if e.Tree == nil {
			return nil
		}
		node = e.Tree
	}
	return nil
}

// Entries returns the children in insertion order.
func (t *Tree) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

// Keys returns the child keys in insertion order.
func (t *Tree) Keys() []string {
	keys := make([]string, len(t.entries))
	for i, e := range t.entries {
		keys[i] = e.Key
	}
	return keys
}

// Len returns the number of direct children.
func (t *Tree) Len() int {
	return len(t.entries)
}

// Group returns the items directly under t that belong to group.
func (t *Tree) Group(group string) []Item {
	var items []Item
	for _, e := range t.entries {
		if e.Item != nil && e.Group == group {
			items = append(items, e.Item)
		}
	}
	return items
}

// Merge overlays source onto target. Items in source replace whatever target
// holds at the same key. A subtree in source is merged into the matching
// subtree of target, created when missing, and skipped when target holds an
// item at that key.
func Merge(target, source *Tree) {
	if target == nil || source == nil {
		return
	}
	for _, e := range source.entries {
		if e.Tree == nil {
			target.put(e)
			continue
		}

		existing, ok := target.Get(e.Key)
		switch {
		case !ok:
			sub := NewTree(e.Tree.groups...)
			Merge(sub, e.Tree)
			target.SetTree(e.Key, sub)
		case existing.Tree != nil:
			Merge(existing.Tree, e.Tree)
		}
	}
}

// Flatten returns every item in t, depth first in insertion order.
func Flatten(t *Tree) []Item {
	var items []Item
	var walk func(*Tree)
	walk = func(node *Tree) {
		for _, e := range node.entries {
			if e.Tree != nil {
				walk(e.Tree)
			} else if e.Item != nil {
				items = append(items, e.Item)
			}
		}
	}
	if t != nil {
		walk(t)
	}
	return items
}

// Overlay flattens layers in order and keeps one item per key: the item
// from the last layer holding the key, and within a layer the last one in
// flatten order. Items come back in the order their keys first appear.
// Unlike Merge, items collide by key wherever they sit in the tree.
func Overlay(key func(Item) string, layers ...*Tree) []Item {
	index := make(map[string]int)
	var items []Item
	for _, layer := range layers {
		if layer == nil {
			continue
		}
		for _, item := range Flatten(layer) {
			k := key(item)
			if i, ok := index[k]; ok {
				items[i] = item
				continue
			}
			index[k] = len(items)
			items = append(items, item)
		}
	}
	return items
}

// FindBySource returns the first item whose SourcePath equals path.
func FindBySource(t *Tree, path string) Item {
	for _, item := range Flatten(t) {
		if item.SourcePath() != "" && item.SourcePath() == path {
			return item
		}
	}
	return nil
}

// TreeAt builds a tree holding item at the slash-separated path p, creating
// a subtree for every directory segment.
func TreeAt(p string, item Item, group string) *Tree {
	segments := strings.Split(strings.Trim(path.Clean("/"+p), "/"), "/")
	root := NewTree()
	node := root
	for _, seg := range segments[:len(segments)-1] {
		sub := NewTree()
		node.SetTree(seg, sub)
		node = sub
	}
	node.Set(segments[len(segments)-1], item, group)
	return root
}
