package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// NOTE: This token CANNOT send chat messages; chat delivery requires a user
// (bot) OAuth token with the chat scopes.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if ts.token != "" && time.Until(ts.expiresAt) > 60*time.Second { // 1 min buffer
		tok := ts.token
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()
	return ts.refresh(ctx)
}

// SetToken seeds the cache with a known token, e.g. after a startup fetch or
// in tests.
func (ts *TokenSource) SetToken(tok string, expiresAt time.Time) {
	ts.mu.Lock()
	ts.token = tok
	ts.expiresAt = expiresAt
	ts.mu.Unlock()
}

// Invalidate drops the cached token so the next Get fetches a fresh one.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.expiresAt = time.Time{}
	ts.mu.Unlock()
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token != "" && time.Until(ts.expiresAt) > 60*time.Second {
		return ts.token, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	form := url.Values{}
	form.Set("client_id", ts.ClientID)
	form.Set("client_secret", ts.ClientSecret)
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://id.twitch.tv/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	hc := ts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("twitch token request failed: %s: %s", resp.Status, string(b))
	}
	var at struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&at); err != nil {
		return "", err
	}
	if at.AccessToken == "" {
		return "", errors.New("empty access_token in twitch response")
	}
	ts.token = at.AccessToken
	ts.expiresAt = time.Now().Add(time.Duration(at.ExpiresIn) * time.Second)
	return ts.token, nil
}

// TokenStore is the read side of the persisted token store, satisfied by
// db.TokenStoreAdapter.
type TokenStore interface {
	GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, scope string, err error)
}

// StoredTokenSource serves the bot's user token from the encrypted store,
// caching it until close to expiry. The refresher job keeps the stored row
// fresh; this source only reads.
type StoredTokenSource struct {
	Store    TokenStore
	Provider string

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// Get returns the stored user token, reloading from the store when the cached
// copy is stale.
func (s *StoredTokenSource) Get(ctx context.Context) (string, error) {
	s.mu.RLock()
	if s.token != "" && time.Until(s.expiresAt) > 60*time.Second {
		tok := s.token
		s.mu.RUnlock()
		return tok, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && time.Until(s.expiresAt) > 60*time.Second {
		return s.token, nil
	}
	access, _, expiry, _, err := s.Store.GetOAuthToken(ctx, s.Provider)
	if err != nil {
		return "", fmt.Errorf("load stored %s token: %w", s.Provider, err)
	}
	if access == "" {
		return "", fmt.Errorf("no stored token for provider %s", s.Provider)
	}
	s.token = access
	if expiry.IsZero() {
		// Unknown expiry; cache briefly and re-read.
		expiry = time.Now().Add(5 * time.Minute)
	}
	s.expiresAt = expiry
	return s.token, nil
}

// Invalidate drops the cached token so the next Get re-reads the store.
func (s *StoredTokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}
