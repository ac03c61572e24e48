//go:build property
// +build property

package server

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/conneroisu/kiln/internal/content"
)

// TestNormalizeURLProperties checks normalization over generated paths.
func TestNormalizeURLProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	segment := gen.RegexMatch(`^([a-zA-Z0-9_.~ -]|%[0-9A-Fa-f]{2}|%){0,8}$`)

	properties.Property("normalization is idempotent", prop.ForAll(
		func(segments []string, trailing bool) bool {
			u := "/" + strings.Join(segments, "/")
			if trailing {
				u += "/"
			}
			once := NormalizeURL(u)
			return NormalizeURL(once) == once
		},
		gen.SliceOfN(4, segment),
		gen.Bool(),
	))

	properties.Property("normalized paths name a file", prop.ForAll(
		func(segments []string) bool {
			n := NormalizeURL("/" + strings.Join(segments, "/"))
			return !strings.HasSuffix(n, "/")
		},
		gen.SliceOfN(3, segment),
	))

	properties.Property("lookup map holds one item per distinct url", prop.ForAll(
		func(names []string) bool {
			tree := content.NewTree("pages")
			want := make(map[string]string)
			for i, name := range names {
				label := fmt.Sprintf("item-%d", i)
				tree.Set(fmt.Sprintf("k%d", i), &content.Generated{Path: name, Label: label}, "pages")
				want[NormalizeURL("/"+name)] = label
			}

			lookup := BuildLookupMap(tree)
			if len(lookup) != len(want) {
				return false
			}
			for key, label := range want {
				item, ok := lookup[key]
				if !ok || item.Kind() != label {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.OneConstOf("a.html", "a/", "a", "b.html", "b/index.html", "c.xml")),
	))

	properties.TestingRun(t)
}
