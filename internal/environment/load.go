package environment

import (
	"context"
	"fmt"
	"os"

	"github.com/go-git/go-billy/v5/osfs"
	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/kiln/internal/content"
	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/logging"
	"github.com/conneroisu/kiln/internal/render"
	"github.com/conneroisu/kiln/internal/templates"
)

// Result is the output of Load.
type Result struct {
	Contents  *content.Tree
	Templates templates.Set
	Locals    map[string]interface{}

	// Layers are the generator outputs in registration order followed by
	// the scanned contents; later layers win on collisions.
	Layers []*content.Tree
}

// GetContents scans the contents directory and merges generator output
// underneath it.
func (e *Environment) GetContents(ctx context.Context) (*content.Tree, error) {
	tree, _, err := e.contentLayers(ctx)
	return tree, err
}

func (e *Environment) contentLayers(ctx context.Context) (*content.Tree, []*content.Tree, error) {
	root := e.ContentsPath()
	base, err := content.FromDirectory(ctx, root, e.ContentRules(), e.ContentGroups())
	if err != nil {
		return nil, nil, kerrors.NewContentError(root, err)
	}
	generated, err := e.Generate(ctx, base)
	if err != nil {
		return nil, nil, err
	}
	return e.MergeLayers(generated, base), append(generated, base), nil
}

// MergeGenerated runs every generator against base, in registration order,
// and merges the results into a new tree with base merged last, so on-disk
// content wins over generated content at the same path. With no generators
// base is returned as is.
func (e *Environment) MergeGenerated(ctx context.Context, base *content.Tree) (*content.Tree, error) {
	generated, err := e.Generate(ctx, base)
	if err != nil {
		return nil, err
	}
	return e.MergeLayers(generated, base), nil
}

// Generate runs every generator against base and returns their trees in
// registration order.
func (e *Environment) Generate(ctx context.Context, base *content.Tree) ([]*content.Tree, error) {
	generators := e.Generators()
	generated := make([]*content.Tree, 0, len(generators))
	for _, gen := range generators {
		tree, err := e.runGenerator(ctx, gen, base)
		if err != nil {
			return nil, kerrors.NewContentError("generator:"+gen.Group, err)
		}
		generated = append(generated, tree)
	}
	return generated, nil
}

// MergeLayers merges generated trees in order into a new tree and base on
// top of them. With nothing generated base is returned as is.
func (e *Environment) MergeLayers(generated []*content.Tree, base *content.Tree) *content.Tree {
	if len(generated) == 0 {
		return base
	}
	tree := content.NewTree(e.ContentGroups()...)
	for _, g := range generated {
		content.Merge(tree, g)
	}
	content.Merge(tree, base)
	return tree
}

func (e *Environment) runGenerator(ctx context.Context, gen GeneratorEntry, base *content.Tree) (tree *content.Tree, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return gen.Fn(ctx, e, base)
}

// GetTemplates loads the templates directory through the template rules.
func (e *Environment) GetTemplates(ctx context.Context) (templates.Set, error) {
	root := e.TemplatesPath()
	set, err := templates.Load(ctx, root, e.TemplateRules())
	if err != nil {
		return nil, kerrors.NewTemplateError(root, err)
	}
	return set, nil
}

// GetLocals returns a copy of the resolved locals.
func (e *Environment) GetLocals(context.Context) (map[string]interface{}, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	if e.localsErr != nil {
		return nil, e.localsErr
	}
	locals := make(map[string]interface{}, len(e.locals))
	for key, v := range e.locals {
		locals[key] = v
	}
	return locals, nil
}

// Load runs plugins and views concurrently, then, once both succeeded,
// contents, templates and locals concurrently. The first error wins and
// cancels its siblings.
func (e *Environment) Load(ctx context.Context) (*Result, error) {
	op := logging.StartOperation(e.logger, "load")

	phase1, ctx1 := errgroup.WithContext(ctx)
	phase1.Go(func() error { return e.LoadPlugins(ctx1) })
	phase1.Go(func() error { return e.LoadViews(ctx1) })
	if err := phase1.Wait(); err != nil {
		op.EndWithError(ctx, err)
		return nil, err
	}

	var result Result
	phase2, ctx2 := errgroup.WithContext(ctx)
	phase2.Go(func() (err error) {
		result.Contents, result.Layers, err = e.contentLayers(ctx2)
		return err
	})
	phase2.Go(func() (err error) {
		result.Templates, err = e.GetTemplates(ctx2)
		return err
	})
	phase2.Go(func() (err error) {
		result.Locals, err = e.GetLocals(ctx2)
		return err
	})
	if err := phase2.Wait(); err != nil {
		op.EndWithError(ctx, err)
		return nil, err
	}

	op.End(ctx)
	return &result, nil
}

// Site bundles a load result with the current views and helpers.
func (e *Environment) Site(contents *content.Tree, set templates.Set, locals map[string]interface{}) *render.Site {
	return &render.Site{
		Tree:      contents,
		Templates: set,
		Locals:    locals,
		Helpers:   e.Helpers(),
		Views:     e.Views(),
	}
}

// Build loads everything and renders it to outputDir, the configured output
// directory when empty.
func (e *Environment) Build(ctx context.Context, outputDir string) error {
	e.SetMode(ModeBuild)
	if outputDir == "" {
		outputDir = e.Config().Output
	}
	outputDir = e.resolvePath(outputDir)

	result, err := e.Load(ctx)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return kerrors.NewRenderError(outputDir, "cannot create output directory", err)
	}
	e.logger.Info(ctx, "building site", "output", outputDir)
	site := e.Site(result.Contents, result.Templates, result.Locals)
	site.Items = content.Overlay(render.ByFilename, result.Layers...)
	return render.Render(ctx, osfs.New(outputDir), site, e.logger)
}
