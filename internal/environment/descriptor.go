package environment

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/conneroisu/kiln/internal/content"
	"github.com/conneroisu/kiln/internal/templates"
)

// Descriptor is a plugin written as data: it reuses plugins that are
// already registered and binds them to new patterns, groups and generated
// pages.
type Descriptor struct {
	Name      string                 `mapstructure:"name"`
	Uses      []string               `mapstructure:"uses"`
	Contents  []DescriptorContent    `mapstructure:"contents"`
	Templates []DescriptorTemplate   `mapstructure:"templates"`
	Generate  []DescriptorPage       `mapstructure:"generate"`
	Locals    map[string]interface{} `mapstructure:"locals"`
}

// DescriptorContent binds a content pattern to a registered content plugin.
type DescriptorContent struct {
	Group   string `mapstructure:"group"`
	Pattern string `mapstructure:"pattern"`
	Plugin  string `mapstructure:"plugin"`
}

// DescriptorTemplate binds a template pattern to a registered template
// plugin.
type DescriptorTemplate struct {
	Pattern string `mapstructure:"pattern"`
	Plugin  string `mapstructure:"plugin"`
}

// DescriptorPage is a generated item rendered through an existing view.
type DescriptorPage struct {
	Group string      `mapstructure:"group"`
	Path  string      `mapstructure:"path"`
	View  string      `mapstructure:"view"`
	Data  interface{} `mapstructure:"data"`
}

// DecodeDescriptor decodes a plugin module value into a Descriptor.
// Unknown keys are rejected.
func DecodeDescriptor(value map[string]interface{}) (*Descriptor, error) {
	var d Descriptor
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &d,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(value); err != nil {
		return nil, fmt.Errorf("invalid plugin descriptor: %w", err)
	}
	return &d, nil
}

func (e *Environment) applyDescriptor(ctx context.Context, value map[string]interface{}) error {
	d, err := DecodeDescriptor(value)
	if err != nil {
		return err
	}
	e.logger.Debug(ctx, "applying plugin descriptor", "name", d.Name)

	for _, name := range d.Uses {
		if err := e.LoadPluginModule(ctx, name); err != nil {
			return err
		}
	}

	for _, c := range d.Contents {
		p, ok := e.Plugin(c.Plugin)
		cp, isContent := p.(content.Plugin)
		if !ok || !isContent {
			return fmt.Errorf("unknown content plugin '%s'", c.Plugin)
		}
		e.RegisterContentPlugin(c.Group, c.Pattern, cp)
	}

	for _, t := range d.Templates {
		p, ok := e.Plugin(t.Plugin)
		tp, isTemplate := p.(templates.Plugin)
		if !ok || !isTemplate {
			return fmt.Errorf("unknown template plugin '%s'", t.Plugin)
		}
		e.RegisterTemplatePlugin(t.Pattern, tp)
	}

	for _, page := range d.Generate {
		if page.Path == "" {
			return fmt.Errorf("generated page in group '%s' has no path", page.Group)
		}
		item := &content.Generated{Path: page.Path, ViewName: page.View, Label: d.Name, Data: page.Data}
		if item.ViewName == "" {
			item.ViewName = "none"
		}
		e.RegisterGenerator(page.Group, func(context.Context, *Environment, *content.Tree) (*content.Tree, error) {
			return content.TreeAt(page.Path, item, page.Group), nil
		})
	}

	if len(d.Locals) > 0 {
		e.mutex.Lock()
		for key, v := range d.Locals {
			e.locals[key] = v
		}
		e.mutex.Unlock()
	}
	return nil
}
