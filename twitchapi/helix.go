// Package twitchapi contains minimal helpers to interact with Twitch Helix
// APIs for chat message delivery, chat settings, and user lookups, plus the
// OAuth token flows for the bot account.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const helixBase = "https://api.twitch.tv"

// helixMaxRetries is the attempt budget for transient failures (429/5xx).
// A single 401 grants one extra attempt after invalidating the cached token.
const helixMaxRetries = 3

// ErrUserNotFound indicates a login or user id that Helix does not know.
var ErrUserNotFound = errors.New("user not found")

// TokenProvider supplies a bearer token for Helix calls.
type TokenProvider interface {
	Get(ctx context.Context) (string, error)
	Invalidate()
}

// User is the subset of a Helix user object the bot cares about.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// StreamMeta describes a live stream.
type StreamMeta struct {
	Title     string `json:"title"`
	StartedAt string `json:"started_at"`
}

// HelixClient calls the Helix API with whatever token its TokenSource serves.
// Chat operations need a user token with the bot scopes; lookups work with an
// app token too.
type HelixClient struct {
	TokenSource TokenProvider
	ClientID    string
	HTTPClient  *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// do performs one Helix request with auth headers, decoding the response into
// out (when non-nil). 429 honors Retry-After, 5xx backs off linearly, and the
// first 401 invalidates the cached token and retries once with a fresh one.
func (hc *HelixClient) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode helix request: %w", err)
		}
	}

	maxAttempts := helixMaxRetries
	refreshed := false
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		tok, err := hc.TokenSource.Get(ctx)
		if err != nil {
			return err
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = strings.NewReader(string(payload))
		}
		req, err := http.NewRequestWithContext(ctx, method, helixBase+path, reqBody)
		if err != nil {
			return err
		}
		if q != nil {
			req.URL.RawQuery = q.Encode()
		}
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := hc.http().Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				if err := sleepCtx(ctx, time.Duration(attempt)*250*time.Millisecond); err != nil {
					return err
				}
				continue
			}
			return lastErr
		}
		data, readErr := io.ReadAll(resp.Body)
		if cerr := resp.Body.Close(); cerr != nil && readErr == nil {
			readErr = cerr
		}
		if readErr != nil {
			return readErr
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			if !refreshed {
				refreshed = true
				hc.TokenSource.Invalidate()
				// The post-refresh attempt does not consume a retry slot.
				maxAttempts++
				continue
			}
			return fmt.Errorf("helix %s %s: %s", method, path, resp.Status)
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("helix %s %s: rate limited", method, path)
			if attempt < maxAttempts {
				wait := time.Second
				if ra := resp.Header.Get("Retry-After"); ra != "" {
					if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
						wait = time.Duration(secs) * time.Second
					}
				}
				if err := sleepCtx(ctx, wait); err != nil {
					return err
				}
				continue
			}
			return lastErr
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("helix %s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
			if attempt < maxAttempts {
				if err := sleepCtx(ctx, time.Duration(attempt)*250*time.Millisecond); err != nil {
					return err
				}
				continue
			}
			return lastErr
		case resp.StatusCode >= 400:
			return fmt.Errorf("helix %s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode helix response: %w", err)
		}
		return nil
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	q := url.Values{}
	q.Set("login", login)
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/helix/users", q, nil, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("%w: %s", ErrUserNotFound, login)
	}
	return body.Data[0].ID, nil
}

// GetUserByID fetches a user object by id, including the display name.
func (hc *HelixClient) GetUserByID(ctx context.Context, id string) (*User, error) {
	if id == "" {
		return nil, fmt.Errorf("id empty")
	}
	q := url.Values{}
	q.Set("id", id)
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/helix/users", q, nil, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("%w: id %s", ErrUserNotFound, id)
	}
	u := body.Data[0]
	return &u, nil
}

// GetStreams returns live streams for a login; empty slice when offline.
func (hc *HelixClient) GetStreams(ctx context.Context, userLogin string) ([]StreamMeta, error) {
	if userLogin == "" {
		return nil, fmt.Errorf("userLogin empty")
	}
	q := url.Values{}
	q.Set("user_login", userLogin)
	var body struct {
		Data []StreamMeta `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/helix/streams", q, nil, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// SendChatMessage sends text to a channel's chat, optionally threaded as a
// reply, and returns the new message id. Requires a user token with
// user:write:chat.
func (hc *HelixClient) SendChatMessage(ctx context.Context, broadcasterID, senderID, text, replyParentID string) (string, error) {
	if broadcasterID == "" || senderID == "" {
		return "", fmt.Errorf("broadcasterID/senderID empty")
	}
	if text == "" {
		return "", fmt.Errorf("message empty")
	}
	payload := map[string]string{
		"broadcaster_id": broadcasterID,
		"sender_id":      senderID,
		"message":        text,
	}
	if replyParentID != "" {
		payload["reply_parent_message_id"] = replyParentID
	}
	var body struct {
		Data []struct {
			MessageID  string `json:"message_id"`
			IsSent     bool   `json:"is_sent"`
			DropReason struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"drop_reason"`
		} `json:"data"`
	}
	if err := hc.do(ctx, http.MethodPost, "/helix/chat/messages", nil, payload, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("empty chat message response")
	}
	d := body.Data[0]
	if !d.IsSent {
		return "", fmt.Errorf("chat message dropped: %s: %s", d.DropReason.Code, d.DropReason.Message)
	}
	return d.MessageID, nil
}

// DeleteChatMessage removes a previously sent chat message. Requires
// moderator:manage:chat_messages.
func (hc *HelixClient) DeleteChatMessage(ctx context.Context, broadcasterID, moderatorID, messageID string) error {
	if broadcasterID == "" || moderatorID == "" || messageID == "" {
		return fmt.Errorf("broadcasterID/moderatorID/messageID empty")
	}
	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	q.Set("moderator_id", moderatorID)
	q.Set("message_id", messageID)
	return hc.do(ctx, http.MethodDelete, "/helix/moderation/chat", q, nil, nil)
}

// SetEmoteOnly toggles emote-only mode for a channel. Requires
// moderator:manage:chat_settings.
func (hc *HelixClient) SetEmoteOnly(ctx context.Context, broadcasterID, moderatorID string, enabled bool) error {
	if broadcasterID == "" || moderatorID == "" {
		return fmt.Errorf("broadcasterID/moderatorID empty")
	}
	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	q.Set("moderator_id", moderatorID)
	payload := map[string]bool{"emote_mode": enabled}
	return hc.do(ctx, http.MethodPatch, "/helix/chat/settings", q, payload, nil)
}
