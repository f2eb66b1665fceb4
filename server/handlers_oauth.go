package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/chat-rally/config"
	dbpkg "github.com/onnwee/chat-rally/db"
	"github.com/onnwee/chat-rally/sheetsapi"
	"github.com/onnwee/chat-rally/twitchapi"
)

// HandleTwitchOAuthStart initiates the Twitch OAuth flow by redirecting to Twitch.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	cfg, _ := config.Load() // ignore error; minimal usage
	if cfg.TwitchClientID == "" || cfg.TwitchRedirectURI == "" {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	st, err := newOAuthState()
	if err != nil {
		http.Error(w, "state gen error", 500)
		return
	}
	h.addOAuthState(st, time.Now().Add(10*time.Minute))
	authURL, err := twitchapi.BuildAuthorizeURL(cfg.TwitchClientID, cfg.TwitchRedirectURI, cfg.TwitchScopes, st)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleTwitchOAuthCallback handles the OAuth callback from Twitch and stores tokens.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	cfg, _ := config.Load()
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", 400)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", 400)
		return
	}
	ctx := r.Context()
	res, err := twitchapi.ExchangeAuthCode(ctx, cfg.TwitchClientID, cfg.TwitchClientSecret, code, cfg.TwitchRedirectURI)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if err := dbpkg.UpsertOAuthToken(ctx, h.db, "twitch", res.AccessToken, res.RefreshToken,
		twitchapi.ComputeExpiry(res.ExpiresIn), strings.Join(res.Scope, " ")); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"status": "ok", "scopes": res.Scope, "expires_in": res.ExpiresIn}); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

// HandleGoogleOAuthStart initiates the Google OAuth flow used by the Sheets
// question importer.
func (h *Handlers) HandleGoogleOAuthStart(w http.ResponseWriter, r *http.Request) {
	cfg, _ := config.Load()
	if cfg.GoogleClientID == "" || cfg.GoogleRedirectURI == "" {
		http.Error(w, "google oauth not configured (need GOOGLE_CLIENT_ID + GOOGLE_REDIRECT_URI)", 400)
		return
	}
	st, err := newOAuthState()
	if err != nil {
		http.Error(w, "state gen error", 500)
		return
	}
	h.addOAuthState(st, time.Now().Add(10*time.Minute))
	svc := sheetsapi.New(cfg, &dbpkg.TokenStoreAdapter{DB: h.db})
	http.Redirect(w, r, svc.AuthCodeURL(st), http.StatusFound)
}

// HandleGoogleOAuthCallback handles the OAuth callback from Google and stores tokens.
func (h *Handlers) HandleGoogleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	cfg, _ := config.Load()
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", 400)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", 400)
		return
	}
	svc := sheetsapi.New(cfg, &dbpkg.TokenStoreAdapter{DB: h.db})
	tok, err := svc.Exchange(r.Context(), code)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"status": "ok", "expiry": tok.Expiry, "access_token_present": tok.AccessToken != "", "refresh_token_present": tok.RefreshToken != ""}); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

func newOAuthState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
