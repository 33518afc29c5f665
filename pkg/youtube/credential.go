package youtube

import (
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// Credential is a bearer credential for one identity together with the
// scopes it was granted.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry"`
	Scopes       []string  `json:"scopes"`
}

// Covers reports whether the credential was granted every scope in scopes.
func (c *Credential) Covers(scopes []string) bool {
	for _, s := range scopes {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

// Expired reports whether the access token must not be used at now. A zero
// expiry is treated as expired so the token is refreshed before first use.
func (c *Credential) Expired(now time.Time) bool {
	if c.AccessToken == "" || c.Expiry.IsZero() {
		return true
	}
	return !now.Add(tokenExpiryDelta).Before(c.Expiry)
}

// Token converts the credential into an oauth2.Token.
func (c *Credential) Token() *oauth2.Token {
	tokenType := c.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		TokenType:    tokenType,
		RefreshToken: c.RefreshToken,
		Expiry:       c.Expiry,
	}
}

func (c *Credential) clone() *Credential {
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

// credentialFromToken builds a Credential from a token endpoint response.
// Granted scopes come from the response's scope field when present,
// otherwise the requested scopes are assumed. A response without a refresh
// token keeps the previous one.
func credentialFromToken(tok *oauth2.Token, requested []string, prev *Credential) *Credential {
	cred := &Credential{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scopes:       normalizeScopes(requested),
	}
	if granted, ok := tok.Extra("scope").(string); ok && granted != "" {
		cred.Scopes = normalizeScopes(strings.Fields(granted))
	}
	if cred.RefreshToken == "" && prev != nil {
		cred.RefreshToken = prev.RefreshToken
	}
	return cred
}

// normalizeScopes returns a sorted copy of scopes without duplicates.
func normalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func unionScopes(a, b []string) []string {
	return normalizeScopes(append(slices.Clone(a), b...))
}

// TokenStore persists credentials keyed by identity. Load returns nil, nil
// when no credential is stored.
type TokenStore interface {
	Load(identity string) (*Credential, error)
	Save(identity string, cred *Credential) error
	Delete(identity string) error
}

// MemoryTokenStore is a TokenStore that keeps credentials in memory.
type MemoryTokenStore struct {
	mu    sync.Mutex
	creds map[string]*Credential
}

// NewMemoryTokenStore returns an empty MemoryTokenStore.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{creds: make(map[string]*Credential)}
}

func (s *MemoryTokenStore) Load(identity string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[identity]
	if !ok {
		return nil, nil
	}
	return cred.clone(), nil
}

func (s *MemoryTokenStore) Save(identity string, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[identity] = cred.clone()
	return nil
}

func (s *MemoryTokenStore) Delete(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, identity)
	return nil
}
