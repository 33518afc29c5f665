package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	cv "github.com/nirasan/go-oauth-pkce-code-verifier"
	"golang.org/x/oauth2"
)

// ConsentFlow obtains an authorization code from the user. The flow decides
// the redirect URL, builds the consent URL with authURL, presents it, and
// returns the code that came back with the matching state.
//
// Implementations return ErrConsentDenied when the user declines.
type ConsentFlow interface {
	Obtain(ctx context.Context, state string, authURL func(redirectURL string) string) (code, redirectURL string, err error)
}

// OAuthConfig returns the oauth2 configuration for the given client.
//
// Example:
//
//	cfg := youtube.OAuthConfig(clientID, clientSecret)
//	authz := youtube.NewAuthorizer(cfg, store, youtube.NewLoopbackConsent(0, os.Stderr), logger)
func OAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   DefaultAuthURL,
			TokenURL:  DefaultTokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// Authorizer turns a requested scope set and an identity into a usable
// Credential. It serves cached credentials, refreshes expired ones, and
// falls back to an interactive consent flow.
//
// Each identity has its own lock, held for the whole
// load/refresh/persist sequence, so concurrent callers for one identity
// never spend the same refresh token twice. Different identities do not
// contend.
type Authorizer struct {
	oauth      *oauth2.Config
	store      TokenStore
	consent    ConsentFlow
	httpClient *http.Client
	logger     Logger
	now        func() time.Time

	mu         sync.Mutex
	identities map[string]*identityState
}

type identityState struct {
	mu   sync.Mutex
	cred *Credential
}

// NewAuthorizer creates an Authorizer. consent may be nil, in which case
// any situation that needs user interaction fails with ErrConsentRequired.
func NewAuthorizer(cfg *oauth2.Config, store TokenStore, consent ConsentFlow, logger Logger) *Authorizer {
	return &Authorizer{
		oauth:      cfg,
		store:      store,
		consent:    consent,
		logger:     orNoop(logger),
		now:        time.Now,
		identities: make(map[string]*identityState),
	}
}

// SetHTTPClient sets the client used to talk to the token endpoint.
func (a *Authorizer) SetHTTPClient(c *http.Client) {
	a.httpClient = c
}

func (a *Authorizer) stateFor(identity string) *identityState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.identities[identity]
	if !ok {
		st = &identityState{}
		a.identities[identity] = st
	}
	return st
}

// Authorize returns a credential for identity that covers scopes and has an
// unexpired access token.
func (a *Authorizer) Authorize(ctx context.Context, scopes []string, identity string) (*Credential, error) {
	scopes = normalizeScopes(scopes)
	st := a.stateFor(identity)

	st.mu.Lock()
	defer st.mu.Unlock()

	cred := st.cred
	if cred == nil {
		stored, err := a.store.Load(identity)
		if err != nil {
			return nil, fmt.Errorf("loading credential for %q: %w", identity, err)
		}
		cred = stored
	}

	if cred != nil && cred.Covers(scopes) {
		if !cred.Expired(a.now()) {
			st.cred = cred
			return cred.clone(), nil
		}

		if cred.RefreshToken != "" {
			refreshed, err := a.refresh(ctx, cred)
			if err == nil {
				return a.persist(st, identity, refreshed)
			}
			if !IsAuthError(err, AuthInvalidGrant) {
				return nil, err
			}

			a.logger.Warn("refresh token rejected, discarding stored credential", "identity", identity)
			st.cred = nil
			if delErr := a.store.Delete(identity); delErr != nil {
				return nil, fmt.Errorf("discarding revoked credential for %q: %w", identity, delErr)
			}
			if a.consent == nil {
				return nil, err
			}
			cred = nil
		}
	}

	if a.consent == nil {
		if cred == nil {
			return nil, ErrNotLoggedIn
		}
		return nil, ErrConsentRequired
	}

	requested := scopes
	if cred != nil {
		// Ask for the union so the new grant does not drop earlier scopes.
		requested = unionScopes(cred.Scopes, scopes)
	}

	fresh, err := a.interactive(ctx, requested, cred)
	if err != nil {
		return nil, err
	}
	return a.persist(st, identity, fresh)
}

// Cached returns the stored credential for identity without refreshing it.
// It returns nil, nil when nothing is stored.
func (a *Authorizer) Cached(identity string) (*Credential, error) {
	st := a.stateFor(identity)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cred != nil {
		return st.cred.clone(), nil
	}
	return a.store.Load(identity)
}

// Forget drops the credential for identity from memory and from the store.
func (a *Authorizer) Forget(identity string) error {
	st := a.stateFor(identity)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.cred = nil
	return a.store.Delete(identity)
}

// TokenSource returns an oauth2.TokenSource backed by Authorize, suitable
// for oauth2.NewClient.
func (a *Authorizer) TokenSource(ctx context.Context, scopes []string, identity string) oauth2.TokenSource {
	return &authorizerTokenSource{ctx: ctx, authz: a, scopes: scopes, identity: identity}
}

type authorizerTokenSource struct {
	ctx      context.Context
	authz    *Authorizer
	scopes   []string
	identity string
}

func (s *authorizerTokenSource) Token() (*oauth2.Token, error) {
	cred, err := s.authz.Authorize(s.ctx, s.scopes, s.identity)
	if err != nil {
		return nil, err
	}
	return cred.Token(), nil
}

func (a *Authorizer) persist(st *identityState, identity string, cred *Credential) (*Credential, error) {
	if err := a.store.Save(identity, cred); err != nil {
		return nil, fmt.Errorf("saving credential for %q: %w", identity, err)
	}
	st.cred = cred
	return cred.clone(), nil
}

func (a *Authorizer) httpContext(ctx context.Context) context.Context {
	if a.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
}

func (a *Authorizer) refresh(ctx context.Context, cred *Credential) (*Credential, error) {
	a.logger.Debug("refreshing access token", "expiry", cred.Expiry)

	// An empty access token forces the token source to hit the endpoint.
	src := a.oauth.TokenSource(a.httpContext(ctx), &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyAuthError(err)
	}

	return credentialFromToken(tok, cred.Scopes, cred), nil
}

func (a *Authorizer) interactive(ctx context.Context, scopes []string, prev *Credential) (*Credential, error) {
	verifier, err := cv.CreateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("creating PKCE code verifier: %w", err)
	}
	state := uuid.NewString()

	cfg := *a.oauth
	cfg.Scopes = scopes

	authURL := func(redirectURL string) string {
		cfg.RedirectURL = redirectURL
		return cfg.AuthCodeURL(state,
			oauth2.AccessTypeOffline,
			oauth2.SetAuthURLParam("prompt", "consent"),
			oauth2.SetAuthURLParam("include_granted_scopes", "true"),
			oauth2.SetAuthURLParam("code_challenge", verifier.CodeChallengeS256()),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}

	a.logger.Info("starting interactive authorization", "scopes", scopes)
	code, redirectURL, err := a.consent.Obtain(ctx, state, authURL)
	if err != nil {
		if errors.Is(err, ErrConsentDenied) {
			return nil, &AuthError{Kind: AuthDenied, Err: err}
		}
		return nil, fmt.Errorf("obtaining consent: %w", err)
	}
	cfg.RedirectURL = redirectURL

	tok, err := cfg.Exchange(a.httpContext(ctx), code,
		oauth2.SetAuthURLParam("code_verifier", verifier.String()))
	if err != nil {
		return nil, classifyAuthError(err)
	}

	return credentialFromToken(tok, scopes, prev), nil
}

// classifyAuthError maps an error from the token endpoint onto AuthError.
func classifyAuthError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return &AuthError{Kind: AuthNetworkFailure, Err: err}
	}

	switch re.ErrorCode {
	case "invalid_grant":
		return &AuthError{Kind: AuthInvalidGrant, Err: err}
	case "access_denied":
		return &AuthError{Kind: AuthDenied, Err: err}
	case "server_error", "temporarily_unavailable":
		return &AuthError{Kind: AuthNetworkFailure, Err: err}
	}
	if re.Response != nil && (re.Response.StatusCode >= 500 || re.Response.StatusCode == http.StatusTooManyRequests) {
		return &AuthError{Kind: AuthNetworkFailure, Err: err}
	}
	return &AuthError{Kind: AuthRejected, Err: err}
}
