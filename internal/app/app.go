// Package app wires the pieces a youtube-uploader command needs: config,
// logger, credential store, authorizer, session records and an
// authenticated youtube.Client.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/youtube-uploader/internal/config"
	"github.com/tonimelisma/youtube-uploader/internal/logger"
	"github.com/tonimelisma/youtube-uploader/internal/session"
	"github.com/tonimelisma/youtube-uploader/internal/tokenstore"
	"github.com/tonimelisma/youtube-uploader/pkg/youtube"
)

// The logger is handed to retryablehttp as-is.
var _ retryablehttp.LeveledLogger = (*logger.SlogLogger)(nil)

// App holds the state shared by the commands of one process.
type App struct {
	Config   *config.Config
	Logger   *logger.SlogLogger
	Tokens   *tokenstore.Store
	Sessions *session.Manager

	// OAuthEndpoint and UploadBaseURL replace the Google endpoints when
	// set. Tests point them at local servers.
	OAuthEndpoint *oauth2.Endpoint
	UploadBaseURL string

	stderr io.Writer

	mu      sync.Mutex
	consent youtube.ConsentFlow
	authz   *youtube.Authorizer
}

// NewApp loads configuration honouring the --config and --debug flags of
// cmd and builds the stores. Nothing talks to the network yet.
func NewApp(cmd *cobra.Command) (*App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	// Set debug mode from the flag if it was passed.
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Debug = true
	}

	format, err := logger.ParseFormat(cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	level := slog.LevelWarn
	if cfg.Debug {
		level = slog.LevelDebug
	}
	log := logger.New(logger.Options{Level: level, Format: format, Output: cmd.ErrOrStderr()})

	return &App{
		Config:   cfg,
		Logger:   log,
		Tokens:   tokenstore.New(cfg.Dir(), log),
		Sessions: session.NewManager(cfg.Dir(), log),
		stderr:   cmd.ErrOrStderr(),
	}, nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.LoadDefault()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// UseConsent replaces the consent flow. It must be called before the first
// call to Authorizer.
func (a *App) UseConsent(c youtube.ConsentFlow) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.consent = c
}

// Authorizer returns the process-wide authorizer, creating it on first use.
// Without a configured consent flow the browser loopback flow is used.
func (a *App) Authorizer() (*youtube.Authorizer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.authz != nil {
		return a.authz, nil
	}
	if err := a.Config.RequireClient(); err != nil {
		return nil, err
	}

	oauthCfg := youtube.OAuthConfig(a.Config.ClientID, a.Config.ClientSecret)
	if a.OAuthEndpoint != nil {
		oauthCfg.Endpoint = *a.OAuthEndpoint
	}
	consent := a.consent
	if consent == nil {
		consent = youtube.NewLoopbackConsent(0, a.stderr)
	}

	a.authz = youtube.NewAuthorizer(oauthCfg, a.Tokens, consent, a.Logger)
	a.authz.SetHTTPClient(a.TokenHTTPClient())
	return a.authz, nil
}

// TokenHTTPClient returns the client used for token endpoint calls. It
// retries connection failures and 5xx answers; the last response is passed
// through so the oauth2 error carries the real status.
func (a *App) TokenHTTPClient() *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = a.Config.HTTP.TokenRetries
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = a.Logger
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.HTTPClient.Timeout = a.Config.HTTP.TimeoutDuration()
	return rc.StandardClient()
}

// Client authorizes identity for scopes and returns a youtube.Client that
// sends its token on every request. Authorization happens here, before any
// upload starts, so a consent prompt never interleaves with progress output.
func (a *App) Client(ctx context.Context, scopes []string, identity string) (*youtube.Client, error) {
	authz, err := a.Authorizer()
	if err != nil {
		return nil, err
	}
	if _, err := authz.Authorize(ctx, scopes, identity); err != nil {
		return nil, err
	}

	log := a.Logger.With("identity", identity)
	ts := newObservedTokenSource(authz.TokenSource(ctx, scopes, identity), func(tok *oauth2.Token) {
		log.Debug("using access token", "expiry", tok.Expiry)
	})

	// Chunk requests are bounded per attempt by the session, so the API
	// client itself has no overall timeout.
	base := &http.Client{Transport: http.DefaultTransport}
	httpClient := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, base), ts)

	c := youtube.NewClient(httpClient, log)
	c.SetUploadBaseURL(a.UploadBaseURL)
	c.SetRateLimit(a.Config.Upload.RequestsPerSecond)
	return c, nil
}

// SessionOptions returns upload options from config with overrides from
// command-line flags applied by the caller.
func (a *App) SessionOptions() youtube.SessionOptions {
	return a.Config.Upload.SessionOptions()
}

// Stderr is where prompts and progress go.
func (a *App) Stderr() io.Writer {
	if a.stderr == nil {
		return os.Stderr
	}
	return a.stderr
}
