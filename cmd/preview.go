package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/conneroisu/kiln/internal/server"
)

var previewCmd = &cobra.Command{
	Use:     "preview",
	Aliases: []string{"p", "serve"},
	Short:   "Serve the site and rebuild it as files change",
	Long: `Start a preview server that renders content on request, reloads
contents, templates and views as they change and restarts when the config
file changes. Browsers can subscribe to change events on /__kiln/livereload.

Examples:
  kiln preview                     # Serve on localhost:8080
  kiln preview --port 9000         # Serve on another port
  kiln preview --hostname 0.0.0.0  # Listen on every interface`,
	Args: cobra.NoArgs,
	RunE: runPreview,
}

func init() {
	rootCmd.AddCommand(previewCmd)

	previewCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	previewCmd.Flags().String("hostname", "", "hostname to bind to (default all interfaces)")
	previewCmd.Flags().String("base-url", "", "URL prefix the site is served under")
	addSiteFlags(previewCmd.Flags())
	AddFlagValidation(previewCmd, "port", ValidatePort)
}

func runPreview(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, logger, err := loadEnvironment(cmd)
	if err != nil {
		return err
	}

	srv, err := server.Run(ctx, env)
	if err != nil {
		return err
	}

	err = srv.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn(shutdownCtx, serr, "shutdown")
	}
	return err
}
