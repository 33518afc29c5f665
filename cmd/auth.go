// Package cmd (auth.go) defines the commands that manage stored
// credentials: 'auth login', 'auth logout' and 'auth status'.
package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/youtube-uploader/internal/app"
	"github.com/tonimelisma/youtube-uploader/internal/config"
	"github.com/tonimelisma/youtube-uploader/internal/ui"
	"github.com/tonimelisma/youtube-uploader/pkg/youtube"
)

// pastedRedirectURL is the redirect used by --no-browser. Nothing listens
// there; the user copies the URL the browser fails to load.
const pastedRedirectURL = "http://127.0.0.1"

// scopeAliases lets --scope take short names.
var scopeAliases = map[string]string{
	"upload": youtube.ScopeUpload,
	"manage": youtube.ScopeManage,
}

// newAuthCmd builds the 'auth' command group.
func newAuthCmd() *cobra.Command {
	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage authorization with YouTube",
		Long:  `Provides subcommands to authorize an identity (login), remove its stored credential (logout), and show what is stored (status).`,
	}
	authCmd.AddCommand(newAuthLoginCmd(), newAuthLogoutCmd(), newAuthStatusCmd())
	return authCmd
}

// newAuthLoginCmd handles 'auth login'. It runs the consent flow for an
// identity and stores the resulting credential.
func newAuthLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authorize an identity with Google",
		Long: `Opens the Google consent page and stores the credential it yields.

By default a local listener on 127.0.0.1 receives the redirect, so the
browser must run on this machine. With --no-browser the consent URL is
printed and the URL the browser was redirected to is read from stdin.

A credential that already covers the requested scopes is reused unless
--force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			return authLoginLogic(a, cmd)
		},
	}
	cmd.Flags().String("identity", "", "Credential identity (default \"uploadvideo\")")
	cmd.Flags().StringSlice("scope", nil, "Scopes to request: upload, manage or a full scope URL (default depends on the identity)")
	cmd.Flags().Bool("no-browser", false, "Print the consent URL and read the redirect URL from stdin")
	cmd.Flags().Int("port", 0, "Port for the local redirect listener (0 picks a free one)")
	cmd.Flags().Bool("force", false, "Discard the stored credential and ask for consent again")
	return cmd
}

func authLoginLogic(a *app.App, cmd *cobra.Command) error {
	identity, _ := cmd.Flags().GetString("identity")
	if identity == "" {
		identity = a.Config.IdentityOr(config.IdentityVideo)
	}
	rawScopes, _ := cmd.Flags().GetStringSlice("scope")
	scopes, err := resolveScopes(rawScopes, identity)
	if err != nil {
		return err
	}

	if noBrowser, _ := cmd.Flags().GetBool("no-browser"); noBrowser {
		a.UseConsent(&youtube.PromptConsent{
			In:          cmd.InOrStdin(),
			Out:         cmd.ErrOrStderr(),
			RedirectURL: pastedRedirectURL,
		})
	} else {
		port, _ := cmd.Flags().GetInt("port")
		a.UseConsent(youtube.NewLoopbackConsent(port, cmd.ErrOrStderr()))
	}

	authz, err := a.Authorizer()
	if err != nil {
		return err
	}
	if force, _ := cmd.Flags().GetBool("force"); force {
		if err := authz.Forget(identity); err != nil {
			return fmt.Errorf("discarding stored credential: %w", err)
		}
	}

	cred, err := authz.Authorize(cmd.Context(), scopes, identity)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	ui.Success(cmd.OutOrStdout(), "Logged in.")
	ui.DisplayCredential(cmd.OutOrStdout(), identity, cred, time.Now())
	return nil
}

// resolveScopes expands aliases. With no scopes given, the thumbnail
// identity gets the manage scope and every other identity the upload scope.
func resolveScopes(raw []string, identity string) ([]string, error) {
	if len(raw) == 0 {
		if identity == config.IdentityThumbnail {
			return []string{youtube.ScopeManage}, nil
		}
		return []string{youtube.ScopeUpload}, nil
	}

	scopes := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if full, ok := scopeAliases[s]; ok {
			scopes = append(scopes, full)
			continue
		}
		if !strings.HasPrefix(s, "https://") {
			return nil, fmt.Errorf("unknown scope %q (use upload, manage or a full scope URL)", s)
		}
		scopes = append(scopes, s)
	}
	return scopes, nil
}

// newAuthLogoutCmd handles 'auth logout'. It removes stored credentials;
// nothing is revoked on the server.
func newAuthLogoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials",
		Long:  `Removes the stored credential of an identity, or of every identity with --all. After logging out, the next upload will ask for consent again.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			return authLogoutLogic(a, cmd)
		},
	}
	cmd.Flags().String("identity", "", "Credential identity (default \"uploadvideo\")")
	cmd.Flags().Bool("all", false, "Remove the credentials of every identity")
	return cmd
}

func authLogoutLogic(a *app.App, cmd *cobra.Command) error {
	identities := []string{}
	if all, _ := cmd.Flags().GetBool("all"); all {
		ids, err := a.Tokens.Identities()
		if err != nil {
			return err
		}
		identities = ids
	} else {
		identity, _ := cmd.Flags().GetString("identity")
		if identity == "" {
			identity = a.Config.IdentityOr(config.IdentityVideo)
		}
		identities = append(identities, identity)
	}

	if len(identities) == 0 {
		ui.Success(cmd.OutOrStdout(), "No stored credentials.")
		return nil
	}
	for _, id := range identities {
		if err := a.Tokens.Delete(id); err != nil {
			return fmt.Errorf("logout failed for %s: %w", id, err)
		}
		ui.Success(cmd.OutOrStdout(), "Logged out %s.", id)
	}
	return nil
}

// newAuthStatusCmd handles 'auth status'. It reads the credential store
// only and never contacts Google.
func newAuthStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show stored credentials",
		Long:  `Lists every identity with a stored credential, its granted scopes and when its access token expires.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			return authStatusLogic(a, cmd)
		},
	}
	return cmd
}

func authStatusLogic(a *app.App, cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	identities, err := a.Tokens.Identities()
	if err != nil {
		return err
	}
	if len(identities) == 0 {
		fmt.Fprintln(out, "Not logged in. Run 'youtube-uploader auth login'.")
		return nil
	}

	now := time.Now()
	for _, id := range identities {
		cred, err := a.Tokens.Load(id)
		if err != nil {
			a.Logger.Warn("reading stored credential", "identity", id, "error", err)
			continue
		}
		ui.DisplayCredential(out, id, cred, now)
	}
	return nil
}
