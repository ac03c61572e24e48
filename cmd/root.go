// Package cmd is the kiln command line: `kiln build` renders a site once,
// `kiln preview` serves it with live reload.
//
// Configuration is read from --config (config.json by default, kiln.yaml
// when that is missing), KILN_* environment variables and command line
// flags, flags winning. Flags given on the command line are remembered so a
// preview server that reloads its config file keeps them.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/conneroisu/kiln/internal/config"
	"github.com/conneroisu/kiln/internal/environment"
	"github.com/conneroisu/kiln/internal/logging"
)

var (
	cfgFile   string
	chdir     string
	logLevel  string
	logFormat string
)

// Config files tried, in order, when --config is not given.
var defaultConfigFiles = []string{"config.json", "kiln.yaml", "kiln.yml"}

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Build and preview static sites",
	Long: `kiln assembles a content tree from a contents directory and plugin
generators, renders it through templates and views, and either writes the
result to an output directory or serves it live while watching for changes.

  kiln build              Render the site to ./build
  kiln preview            Serve the site on http://localhost:8080`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return err
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default config.json, then kiln.yaml)")
	flags.StringVarP(&chdir, "chdir", "C", "", "working directory")
	flags.StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "pretty", "log format (pretty, text, json)")
}

func newLogger() (logging.Logger, error) {
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	switch logFormat {
	case "pretty", "text", "json":
	default:
		return nil, fmt.Errorf("unknown log format %q", logFormat)
	}

	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = logFormat
	return logging.NewLogger(cfg), nil
}

// workDir returns the absolute directory relative paths resolve against.
func workDir() (string, error) {
	if chdir != "" {
		return filepath.Abs(chdir)
	}
	return os.Getwd()
}

// configPath returns the config file to load, or "" when there is none.
func configPath(dir string) (string, error) {
	if cfgFile != "" {
		p := cfgFile
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		return p, nil
	}
	for _, name := range defaultConfigFiles {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
	}
	return "", nil
}

// loadEnvironment reads the configuration with the flags changed on cmd
// applied on top and creates the environment.
func loadEnvironment(cmd *cobra.Command) (*environment.Environment, logging.Logger, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, nil, err
	}
	dir, err := workDir()
	if err != nil {
		return nil, nil, err
	}
	overrides, err := overridesFrom(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}

	path, err := configPath(dir)
	if err != nil {
		return nil, nil, err
	}
	if path != "" {
		logger.Debug(context.Background(), "using config file", "path", path)
		env, err := environment.FromConfigFile(path, overrides, logger)
		return env, logger, err
	}

	logger.Debug(context.Background(), "no config file found, using defaults", "dir", dir)
	cfg, err := config.New(overrides)
	if err != nil {
		return nil, nil, err
	}
	env, err := environment.New(cfg, dir, logger)
	return env, logger, err
}

// addSiteFlags registers the flags shared by build and preview.
func addSiteFlags(flags *pflag.FlagSet) {
	flags.StringP("contents", "i", "", "contents directory")
	flags.StringP("templates", "t", "", "templates directory")
	flags.String("views", "", "views directory")
	flags.String("locals", "", "JSON file to read template locals from")
	flags.StringSlice("plugins", nil, "plugins to load")
	flags.StringSlice("ignore", nil, "glob patterns of content changes that do not trigger a reload")
}
