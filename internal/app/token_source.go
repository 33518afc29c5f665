package app

import (
	"sync"

	"golang.org/x/oauth2"
)

// observedTokenSource wraps an oauth2.TokenSource and calls onNewToken each
// time the access token it hands out changes, i.e. after a refresh or a new
// grant.
type observedTokenSource struct {
	base       oauth2.TokenSource
	mu         sync.Mutex
	lastToken  string
	onNewToken func(token *oauth2.Token)
}

func newObservedTokenSource(base oauth2.TokenSource, onNew func(token *oauth2.Token)) *observedTokenSource {
	return &observedTokenSource{base: base, onNewToken: onNew}
}

// Token returns a token from the underlying source.
func (s *observedTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.lastToken {
		s.lastToken = tok.AccessToken
		if s.onNewToken != nil {
			s.onNewToken(tok)
		}
	}
	return tok, nil
}
