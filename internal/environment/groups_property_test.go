//go:build property
// +build property

package environment

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/conneroisu/kiln/internal/config"
	"github.com/conneroisu/kiln/internal/content"
)

// TestContentGroupsProperties registers random mixes of rules and
// generators and checks the derived group list: each group once, rule
// groups before generator groups, each in registration order.
func TestContentGroupsProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	noop := func(context.Context, *Environment, *content.Tree) (*content.Tree, error) {
		return content.NewTree(), nil
	}

	properties.Property("groups are unique and ordered", prop.ForAll(
		func(groups []string, asGenerator []bool) bool {
			env, err := New(config.Default(), t.TempDir(), nil)
			if err != nil {
				return false
			}

			var ruleGroups, generatorGroups []string
			for i, g := range groups {
				if i < len(asGenerator) && asGenerator[i] {
					env.RegisterGenerator(g, noop)
					generatorGroups = append(generatorGroups, g)
				} else {
					env.RegisterContentPlugin(g, "**/*.md", content.StaticPlugin{})
					ruleGroups = append(ruleGroups, g)
				}
			}

			var want []string
			seen := make(map[string]bool)
			for _, g := range append(ruleGroups, generatorGroups...) {
				if !seen[g] {
					seen[g] = true
					want = append(want, g)
				}
			}

			got := env.ContentGroups()
			if len(got) != len(want) {
				return false
			}
			for i := range want {
				if got[i] != want[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.OneConstOf("pages", "posts", "feeds", "files", "assets")),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
