package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:     "build",
	Aliases: []string{"b"},
	Short:   "Render the site to the output directory",
	Long: `Load plugins and views, scan the contents directory, run generators and
render every content item into the output directory.

Examples:
  kiln build                  # Build into ./build
  kiln build -o dist --clean  # Empty dist first, then build into it`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

var buildClean bool

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().StringP("output", "o", "", "output directory (default ./build)")
	buildCmd.Flags().BoolVar(&buildClean, "clean", false, "remove the output directory before building")
	addSiteFlags(buildCmd.Flags())
}

func runBuild(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	env, logger, err := loadEnvironment(cmd)
	if err != nil {
		return err
	}

	output := env.ResolvePath(env.Config().Output)
	if buildClean {
		logger.Info(ctx, "cleaning output directory", "path", output)
		if err := os.RemoveAll(output); err != nil {
			return fmt.Errorf("failed to clean %s: %w", output, err)
		}
	}

	start := time.Now()
	if err := env.Build(ctx, output); err != nil {
		return err
	}
	logger.Info(context.Background(), "done", "output", output, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}
