// Package plugins provides the builtin plugins every site loads: page (the
// "template" view), markdown (markdown and JSON pages) and html
// (html/template site templates). Importing the package publishes them in
// the module catalog under those names.
package plugins

import (
	"github.com/conneroisu/kiln/internal/environment"
	"github.com/conneroisu/kiln/internal/modules"
)

func init() {
	modules.Register("page", environment.PluginFunc(PagePlugin))
	modules.Register("markdown", environment.PluginFunc(Markdown))
	modules.Register("html", environment.PluginFunc(HTML))
}
