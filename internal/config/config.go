// Package config provides configuration management for kiln using Viper for
// loading from files and KILN_ environment variables.
//
// A configuration names the contents, templates, output and views
// directories, the plugins to load, ignore patterns for the preview watcher,
// the preview listener address, and the locals made available to templates.
// Values given on the command line are kept in CLIOverrides so they survive a
// reload of the configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the configuration of one kiln environment.
type Config struct {
	Contents            string            `mapstructure:"contents" yaml:"contents"`
	Templates           string            `mapstructure:"templates" yaml:"templates"`
	Output              string            `mapstructure:"output" yaml:"output"`
	Views               string            `mapstructure:"views" yaml:"views"`
	Plugins             []string          `mapstructure:"plugins" yaml:"plugins"`
	Ignore              []string          `mapstructure:"ignore" yaml:"ignore"`
	Port                int               `mapstructure:"port" yaml:"port"`
	Hostname            string            `mapstructure:"hostname" yaml:"hostname"`
	BaseURL             string            `mapstructure:"baseUrl" yaml:"baseUrl"`
	Locals              interface{}       `mapstructure:"locals" yaml:"locals"`
	Require             map[string]string `mapstructure:"require" yaml:"require"`
	RestartOnConfChange bool              `mapstructure:"restartOnConfChange" yaml:"restartOnConfChange"`

	// Filename is the file this configuration was read from, if any.
	Filename string `mapstructure:"-" yaml:"-"`
	// CLIOverrides holds values set on the command line, keyed like the file.
	CLIOverrides map[string]interface{} `mapstructure:"-" yaml:"-"`
}

// Default returns the configuration used when nothing is specified.
func Default() *Config {
	return &Config{
		Contents:            "./contents",
		Templates:           "./templates",
		Output:              "./build",
		Plugins:             []string{},
		Ignore:              []string{},
		Port:                8080,
		BaseURL:             "/",
		Locals:              map[string]interface{}{},
		Require:             map[string]string{},
		RestartOnConfChange: true,
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("contents", d.Contents)
	v.SetDefault("templates", d.Templates)
	v.SetDefault("output", d.Output)
	v.SetDefault("views", "")
	v.SetDefault("plugins", d.Plugins)
	v.SetDefault("ignore", d.Ignore)
	v.SetDefault("port", d.Port)
	v.SetDefault("hostname", "")
	v.SetDefault("baseUrl", d.BaseURL)
	v.SetDefault("restartOnConfChange", d.RestartOnConfChange)

	v.SetEnvPrefix("KILN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// FromFile reads the configuration file at path, then applies overrides on
// top of it. The overrides are remembered in CLIOverrides.
func FromFile(path string, overrides map[string]interface{}) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}

	v := newViper()
	v.SetConfigFile(abs)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", abs, err)
	}

	cfg, err := decode(v, overrides)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", abs, err)
	}
	cfg.Filename = abs

	// viper folds map keys to lower case, locals and require need theirs intact
	if err := cfg.readRawMaps(abs, overrides); err != nil {
		return nil, fmt.Errorf("config %s: %w", abs, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// New builds a configuration from an in-memory map, as an embedding program
// or a test would supply it.
func New(values map[string]interface{}) (*Config, error) {
	v := newViper()
	if err := v.MergeConfigMap(values); err != nil {
		return nil, err
	}

	cfg, err := decode(v, nil)
	if err != nil {
		return nil, err
	}
	if locals, ok := values["locals"]; ok {
		cfg.Locals = locals
	}
	if req, ok := values["require"]; ok {
		m, err := toStringMap(req)
		if err != nil {
			return nil, fmt.Errorf("require: %w", err)
		}
		cfg.Require = m
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func decode(v *viper.Viper, overrides map[string]interface{}) (*Config, error) {
	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Plugins == nil {
		cfg.Plugins = []string{}
	}
	if cfg.Ignore == nil {
		cfg.Ignore = []string{}
	}
	if cfg.Require == nil {
		cfg.Require = map[string]string{}
	}
	if cfg.Locals == nil {
		cfg.Locals = map[string]interface{}{}
	}

	if len(overrides) > 0 {
		cfg.CLIOverrides = make(map[string]interface{}, len(overrides))
		for key, value := range overrides {
			cfg.CLIOverrides[key] = value
		}
	}
	return &cfg, nil
}

func (c *Config) readRawMaps(path string, overrides map[string]interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var raw struct {
		Locals  interface{}       `yaml:"locals"`
		Require map[string]string `yaml:"require"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding locals: %w", err)
	}

	if _, ok := overrides["locals"]; !ok && raw.Locals != nil {
		c.Locals = raw.Locals
	}
	if _, ok := overrides["require"]; !ok && raw.Require != nil {
		c.Require = raw.Require
	}
	return nil
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", c.Port)
	}
	if strings.TrimSpace(c.Contents) == "" {
		return fmt.Errorf("contents path is empty")
	}
	if strings.TrimSpace(c.Templates) == "" {
		return fmt.Errorf("templates path is empty")
	}
	switch c.Locals.(type) {
	case nil, string, map[string]interface{}:
	default:
		return fmt.Errorf("locals must be a mapping or a path to a JSON file, got %T", c.Locals)
	}
	return nil
}

func toStringMap(value interface{}) (map[string]string, error) {
	switch m := value.(type) {
	case map[string]string:
		return m, nil
	case map[string]interface{}:
		out := make(map[string]string, len(m))
		for key, v := range m {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("value for %q is %T, want string", key, v)
			}
			out[key] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a mapping, got %T", value)
	}
}
