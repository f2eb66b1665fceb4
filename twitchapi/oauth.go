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
	"time"
)

// idBase is the Twitch identity host; token grants and the authorize page
// live here, not on Helix.
const idBase = "https://id.twitch.tv"

// AuthCodeExchangeResult is the token response from an authorization_code
// grant.
type AuthCodeExchangeResult struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scope        []string `json:"scope"`
	ExpiresIn    int      `json:"expires_in"`
}

// RefreshResult is the token response from a refresh_token grant. Twitch
// rotates the refresh token on every refresh, so callers must persist both.
type RefreshResult struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scope        []string `json:"scope"`
	ExpiresIn    int      `json:"expires_in"`
}

// BuildAuthorizeURL constructs the user authorization URL for the OAuth code
// grant. Scopes may be space- or comma-separated.
func BuildAuthorizeURL(clientID, redirectURI, scopes, state string) (string, error) {
	if clientID == "" || redirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	v := url.Values{}
	v.Set("response_type", "code")
	v.Set("client_id", clientID)
	v.Set("redirect_uri", redirectURI)
	if scopes != "" {
		v.Set("scope", strings.TrimSpace(strings.ReplaceAll(scopes, ",", " ")))
	}
	if state != "" {
		v.Set("state", state)
	}
	return idBase + "/oauth2/authorize?" + v.Encode(), nil
}

// tokenGrant posts form to the token endpoint and decodes the response into
// out. what names the grant in error messages.
func tokenGrant(ctx context.Context, what string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, idBase+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("twitch %s failed: %s: %s", what, resp.Status, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ExchangeAuthCode trades an authorization code for access and refresh
// tokens. Used by the /auth/twitch/callback handler.
func ExchangeAuthCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*AuthCodeExchangeResult, error) {
	if clientID == "" || clientSecret == "" || code == "" || redirectURI == "" {
		return nil, errors.New("missing required parameter for auth code exchange")
	}
	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", redirectURI)
	var res AuthCodeExchangeResult
	if err := tokenGrant(ctx, "auth code exchange", form, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ComputeExpiry returns the absolute expiry for an expires_in value,
// defaulting to +60m when the server omits it.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

// RefreshToken exchanges a refresh token for a new access token.
func RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*RefreshResult, error) {
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	var res RefreshResult
	if err := tokenGrant(ctx, "refresh", form, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
