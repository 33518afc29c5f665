// Package cmd (root.go) defines the root command for the youtube-uploader
// CLI. It sets up global flags, maps errors onto user-facing hints, and
// registers the auth and upload command groups.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/youtube-uploader/internal/app"
	"github.com/tonimelisma/youtube-uploader/internal/config"
	"github.com/tonimelisma/youtube-uploader/internal/session"
	"github.com/tonimelisma/youtube-uploader/internal/ui"
	"github.com/tonimelisma/youtube-uploader/pkg/youtube"
)

// newApp builds the App for a command. Tests replace it to point the app at
// local servers.
var newApp = app.NewApp

// newRootCmd builds the root command with every subcommand registered.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "youtube-uploader",
		Short: "Upload videos and thumbnails to YouTube",
		Long: `youtube-uploader uploads videos and custom thumbnails to YouTube using the
resumable upload protocol. Large files are sent in chunks; an interrupted
upload resumes from the last byte the server confirmed when the same command
is run again.

Authorization uses OAuth 2.0 with PKCE. Credentials are kept per identity
(by default "uploadvideo" and "uploadthumbnail") so each program holds only
the scopes it needs.`,
		// Errors are printed once by Execute, together with a hint.
		SilenceErrors: true,
		SilenceUsage:  true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	// Global persistent flags applicable to all commands.
	root.PersistentFlags().Bool("debug", false, "Enable debug logging for SDK and internal operations")
	root.PersistentFlags().String("config", "", "Config file path (default is $XDG_CONFIG_HOME/youtube-uploader/config.toml)")

	root.AddCommand(newAuthCmd())
	root.AddCommand(newUploadCmd())
	return root
}

// Execute runs the CLI. It is called by main.main(). The first SIGINT or
// SIGTERM cancels the running command so uploads stop between chunks with
// their session saved; a second one exits immediately.
func Execute() {
	ctx, stop := shutdownContext(context.Background(), os.Stderr)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		ui.PrintError(os.Stderr, err, errorHint(err))
		stop()
		os.Exit(1)
	}
}

// shutdownContext returns a context that is cancelled on the first
// interrupt. A second interrupt force-exits.
func shutdownContext(parent context.Context, out io.Writer) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case <-sigCh:
			fmt.Fprintln(out, "\nInterrupted, stopping after the current chunk (press Ctrl-C again to quit now).")
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case <-sigCh:
			os.Exit(130)
		case <-parent.Done():
		}
	}()

	return ctx, cancel
}

// errorHint suggests what the user can do about err.
func errorHint(err error) string {
	switch {
	case errors.Is(err, youtube.ErrNotLoggedIn),
		errors.Is(err, youtube.ErrConsentRequired),
		youtube.IsAuthError(err, youtube.AuthInvalidGrant):
		return "run 'youtube-uploader auth login' to authorize this identity"
	case youtube.IsAuthError(err, youtube.AuthDenied):
		return "authorization was declined; run 'youtube-uploader auth login' to try again"
	case errors.Is(err, config.ErrMissingClientID):
		return "create an OAuth client of type Desktop app in the Google Cloud console and set client_id and client_secret"
	case errors.Is(err, session.ErrLocked):
		return "another youtube-uploader process is uploading the same file"
	case errors.Is(err, context.Canceled):
		return "the upload state was saved; run the same command again to resume"
	}
	return ""
}
