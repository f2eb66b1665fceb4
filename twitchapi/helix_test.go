package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHelixClient_GetUserID(t *testing.T) {
	tests := []struct {
		response    interface{}
		name        string
		login       string
		wantUserID  string
		errContains string
		statusCode  int
		wantErr     bool
	}{
		{
			name:  "successful user lookup",
			login: "testuser",
			response: map[string]interface{}{
				"data": []map[string]string{
					{"id": "12345", "login": "testuser"},
				},
			},
			statusCode: http.StatusOK,
			wantUserID: "12345",
			wantErr:    false,
		},
		{
			name:  "user not found",
			login: "nonexistent",
			response: map[string]interface{}{
				"data": []map[string]string{},
			},
			statusCode:  http.StatusOK,
			wantErr:     true,
			errContains: "user not found",
		},
		{
			name:        "empty login",
			login:       "",
			wantErr:     true,
			errContains: "login empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Client-Id") != "test-client-id" {
					t.Errorf("missing or wrong Client-Id header")
				}
				if r.Header.Get("Authorization") != "Bearer test-token" {
					t.Errorf("missing or wrong Authorization header")
				}
				if tt.login != "" && r.URL.Query().Get("login") != tt.login {
					t.Errorf("login query param = %s, want %s", r.URL.Query().Get("login"), tt.login)
				}

				w.WriteHeader(tt.statusCode)
				if tt.response != nil {
					json.NewEncoder(w).Encode(tt.response)
				}
			}))
			defer server.Close()

			ts := &TokenSource{
				ClientID:     "test-client-id",
				ClientSecret: "test-secret",
			}
			ts.SetToken("test-token", time.Now().Add(1*time.Hour))

			client := &HelixClient{
				TokenSource: ts,
				ClientID:    "test-client-id",
				HTTPClient: &http.Client{
					Transport: &rewriteTransport{
						Transport: http.DefaultTransport,
						host:      server.URL,
					},
				},
			}

			userID, err := client.GetUserID(context.Background(), tt.login)

			if tt.wantErr {
				if err == nil {
					t.Errorf("GetUserID() error = nil, want error containing %q", tt.errContains)
				} else if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("GetUserID() error = %v, want error containing %q", err, tt.errContains)
				}
				return
			}

			if err != nil {
				t.Errorf("GetUserID() unexpected error = %v", err)
				return
			}

			if userID != tt.wantUserID {
				t.Errorf("GetUserID() = %s, want %s", userID, tt.wantUserID)
			}
		})
	}
}

func TestHelixClient_GetUserByID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("id"); got != "9001" {
			t.Errorf("id query param = %s, want 9001", got)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]string{
				{"id": "9001", "login": "someviewer", "display_name": "SomeViewer"},
			},
		})
	}))
	defer server.Close()

	ts := &TokenSource{ClientID: "test-client-id", ClientSecret: "test-secret"}
	ts.SetToken("test-token", time.Now().Add(1*time.Hour))

	client := &HelixClient{
		TokenSource: ts,
		ClientID:    "test-client-id",
		HTTPClient: &http.Client{Transport: &rewriteTransport{
			Transport: http.DefaultTransport,
			host:      server.URL,
		}},
	}

	u, err := client.GetUserByID(context.Background(), "9001")
	if err != nil {
		t.Fatalf("GetUserByID() error = %v", err)
	}
	if u.DisplayName != "SomeViewer" {
		t.Errorf("display name = %q, want SomeViewer", u.DisplayName)
	}
	if u.Login != "someviewer" {
		t.Errorf("login = %q, want someviewer", u.Login)
	}
}

func TestHelixClient_GetUserByIDNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []map[string]string{}})
	}))
	defer server.Close()

	ts := &TokenSource{ClientID: "test-client-id", ClientSecret: "test-secret"}
	ts.SetToken("test-token", time.Now().Add(1*time.Hour))

	client := &HelixClient{
		TokenSource: ts,
		ClientID:    "test-client-id",
		HTTPClient: &http.Client{Transport: &rewriteTransport{
			Transport: http.DefaultTransport,
			host:      server.URL,
		}},
	}

	_, err := client.GetUserByID(context.Background(), "404404")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("GetUserByID() error = %v, want ErrUserNotFound", err)
	}
}

func TestHelixClient_SendChatMessage(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		replyParent string
		response    interface{}
		wantID      string
		errContains string
		wantErr     bool
	}{
		{
			name: "plain send",
			text: "All aboard!",
			response: map[string]interface{}{
				"data": []map[string]interface{}{
					{"message_id": "msg-1", "is_sent": true},
				},
			},
			wantID: "msg-1",
		},
		{
			name:        "threaded reply",
			text:        "Correct!",
			replyParent: "parent-7",
			response: map[string]interface{}{
				"data": []map[string]interface{}{
					{"message_id": "msg-2", "is_sent": true},
				},
			},
			wantID: "msg-2",
		},
		{
			name: "dropped by automod",
			text: "something spicy",
			response: map[string]interface{}{
				"data": []map[string]interface{}{
					{
						"message_id": "",
						"is_sent":    false,
						"drop_reason": map[string]string{
							"code":    "msg_rejected",
							"message": "Your message is being checked by mods",
						},
					},
				},
			},
			wantErr:     true,
			errContains: "msg_rejected",
		},
		{
			name:        "empty message",
			text:        "",
			wantErr:     true,
			errContains: "message empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("method = %s, want POST", r.Method)
				}
				if r.URL.Path != "/helix/chat/messages" {
					t.Errorf("path = %s, want /helix/chat/messages", r.URL.Path)
				}
				var body map[string]string
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
					t.Fatalf("decode request body: %v", err)
				}
				if body["broadcaster_id"] != "b-1" {
					t.Errorf("broadcaster_id = %q, want b-1", body["broadcaster_id"])
				}
				if body["sender_id"] != "s-1" {
					t.Errorf("sender_id = %q, want s-1", body["sender_id"])
				}
				if body["message"] != tt.text {
					t.Errorf("message = %q, want %q", body["message"], tt.text)
				}
				if got := body["reply_parent_message_id"]; got != tt.replyParent {
					t.Errorf("reply_parent_message_id = %q, want %q", got, tt.replyParent)
				}

				w.WriteHeader(http.StatusOK)
				if tt.response != nil {
					_ = json.NewEncoder(w).Encode(tt.response)
				}
			}))
			defer server.Close()

			ts := &TokenSource{ClientID: "test-client-id", ClientSecret: "test-secret"}
			ts.SetToken("test-token", time.Now().Add(1*time.Hour))

			client := &HelixClient{
				TokenSource: ts,
				ClientID:    "test-client-id",
				HTTPClient: &http.Client{Transport: &rewriteTransport{
					Transport: http.DefaultTransport,
					host:      server.URL,
				}},
			}

			id, err := client.SendChatMessage(context.Background(), "b-1", "s-1", tt.text, tt.replyParent)

			if tt.wantErr {
				if err == nil {
					t.Errorf("SendChatMessage() error = nil, want error containing %q", tt.errContains)
				} else if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("SendChatMessage() error = %v, want error containing %q", err, tt.errContains)
				}
				return
			}

			if err != nil {
				t.Errorf("SendChatMessage() unexpected error = %v", err)
				return
			}
			if id != tt.wantID {
				t.Errorf("SendChatMessage() = %s, want %s", id, tt.wantID)
			}
		})
	}
}

func TestHelixClient_DeleteChatMessage(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		if r.URL.Path != "/helix/moderation/chat" {
			t.Errorf("path = %s, want /helix/moderation/chat", r.URL.Path)
		}
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	ts := &TokenSource{ClientID: "test-client-id", ClientSecret: "test-secret"}
	ts.SetToken("test-token", time.Now().Add(1*time.Hour))

	client := &HelixClient{
		TokenSource: ts,
		ClientID:    "test-client-id",
		HTTPClient: &http.Client{Transport: &rewriteTransport{
			Transport: http.DefaultTransport,
			host:      server.URL,
		}},
	}

	if err := client.DeleteChatMessage(context.Background(), "b-1", "m-1", "msg-9"); err != nil {
		t.Fatalf("DeleteChatMessage() error = %v", err)
	}
	for _, want := range []string{"broadcaster_id=b-1", "moderator_id=m-1", "message_id=msg-9"} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("query %q missing %q", gotQuery, want)
		}
	}

	if err := client.DeleteChatMessage(context.Background(), "", "m-1", "msg-9"); err == nil {
		t.Error("DeleteChatMessage() with empty broadcasterID should error")
	}
}

func TestHelixClient_SetEmoteOnly(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		t.Run(fmt.Sprintf("enabled=%v", enabled), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPatch {
					t.Errorf("method = %s, want PATCH", r.Method)
				}
				if r.URL.Path != "/helix/chat/settings" {
					t.Errorf("path = %s, want /helix/chat/settings", r.URL.Path)
				}
				if got := r.URL.Query().Get("broadcaster_id"); got != "b-1" {
					t.Errorf("broadcaster_id = %q, want b-1", got)
				}
				if got := r.URL.Query().Get("moderator_id"); got != "m-1" {
					t.Errorf("moderator_id = %q, want m-1", got)
				}
				var body map[string]bool
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
					t.Fatalf("decode request body: %v", err)
				}
				if body["emote_mode"] != enabled {
					t.Errorf("emote_mode = %v, want %v", body["emote_mode"], enabled)
				}
				w.WriteHeader(http.StatusOK)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"data": []map[string]interface{}{{"emote_mode": enabled}},
				})
			}))
			defer server.Close()

			ts := &TokenSource{ClientID: "test-client-id", ClientSecret: "test-secret"}
			ts.SetToken("test-token", time.Now().Add(1*time.Hour))

			client := &HelixClient{
				TokenSource: ts,
				ClientID:    "test-client-id",
				HTTPClient: &http.Client{Transport: &rewriteTransport{
					Transport: http.DefaultTransport,
					host:      server.URL,
				}},
			}

			if err := client.SetEmoteOnly(context.Background(), "b-1", "m-1", enabled); err != nil {
				t.Fatalf("SetEmoteOnly() error = %v", err)
			}
		})
	}
}

func TestHelixClient_GetStreams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/helix/streams" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.URL.Query().Get("user_login"); got != "livechannel" {
			t.Fatalf("user_login=%q want livechannel", got)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]string{{
				"title":      "Live Now",
				"started_at": "2024-10-15T14:30:00Z",
			}},
		})
	}))
	defer server.Close()

	ts := &TokenSource{ClientID: "test-client-id", ClientSecret: "test-secret"}
	ts.SetToken("test-token", time.Now().Add(1*time.Hour))

	client := &HelixClient{
		TokenSource: ts,
		ClientID:    "test-client-id",
		HTTPClient: &http.Client{Transport: &rewriteTransport{
			Transport: http.DefaultTransport,
			host:      server.URL,
		}},
	}

	streams, err := client.GetStreams(context.Background(), "livechannel")
	if err != nil {
		t.Fatalf("GetStreams() error = %v", err)
	}
	if len(streams) != 1 {
		t.Fatalf("expected 1 stream, got %d", len(streams))
	}
	if streams[0].Title != "Live Now" {
		t.Fatalf("stream title=%q want Live Now", streams[0].Title)
	}
}

// TestHelixClient_SendChatMessage429RateLimiting verifies retry behavior on 429
// responses, including that the request body is resent intact.
func TestHelixClient_SendChatMessage429RateLimiting(t *testing.T) {
	attemptCount := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attemptCount++

		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("attempt %d: decode request body: %v", attemptCount, err)
		}
		if body["message"] != "retry me" {
			t.Errorf("attempt %d: message = %q, want 'retry me'", attemptCount, body["message"])
		}

		if attemptCount == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error":   "Too Many Requests",
				"status":  429,
				"message": "Rate limit exceeded",
			})
			return
		}

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"message_id": "msg-after-429", "is_sent": true},
			},
		})
	}))
	defer server.Close()

	ts := &TokenSource{ClientID: "test-client-id", ClientSecret: "test-secret"}
	ts.SetToken("test-token", time.Now().Add(1*time.Hour))

	client := &HelixClient{
		TokenSource: ts,
		ClientID:    "test-client-id",
		HTTPClient: &http.Client{Transport: &rewriteTransport{
			Transport: http.DefaultTransport,
			host:      server.URL,
		}},
	}

	id, err := client.SendChatMessage(context.Background(), "b-1", "s-1", "retry me", "")
	if err != nil {
		t.Fatalf("SendChatMessage() unexpected error after 429 retry = %v", err)
	}
	if id != "msg-after-429" {
		t.Fatalf("expected msg-after-429, got %q", id)
	}
	if attemptCount != 2 {
		t.Fatalf("expected 2 attempts (429 + success), got %d", attemptCount)
	}
}

func TestHelixClient_GetUserID401RefreshRetry(t *testing.T) {
	userAttempts := 0
	tokenRequests := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			tokenRequests++
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "fresh-token",
				"token_type":   "bearer",
				"expires_in":   3600,
			})
			return
		case "/helix/users":
			userAttempts++
			if userAttempts == 1 {
				if got := r.Header.Get("Authorization"); got != "Bearer stale-token" {
					t.Fatalf("first attempt auth = %q, want stale token", got)
				}
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": "Unauthorized", "status": 401})
				return
			}
			if got := r.Header.Get("Authorization"); got != "Bearer fresh-token" {
				t.Fatalf("second attempt auth = %q, want refreshed token", got)
			}
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]string{{"id": "u-123"}},
			})
			return
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	rewrite := &http.Client{
		Transport: &rewriteTransport{
			Transport: http.DefaultTransport,
			host:      server.URL,
		},
	}

	ts := &TokenSource{
		ClientID:     "test-client-id",
		ClientSecret: "test-secret",
		HTTPClient:   rewrite,
	}
	ts.SetToken("stale-token", time.Now().Add(1*time.Hour))

	client := &HelixClient{
		TokenSource: ts,
		ClientID:    "test-client-id",
		HTTPClient:  rewrite,
	}

	userID, err := client.GetUserID(context.Background(), "testuser")
	if err != nil {
		t.Fatalf("GetUserID() unexpected error = %v", err)
	}
	if userID != "u-123" {
		t.Fatalf("GetUserID() = %q, want u-123", userID)
	}
	if tokenRequests != 1 {
		t.Fatalf("expected exactly one token refresh request, got %d", tokenRequests)
	}
	if userAttempts != 2 {
		t.Fatalf("expected two /helix/users attempts, got %d", userAttempts)
	}
}

func TestHelixClient_GetUserID401RefreshRetryOnFinalAttempt(t *testing.T) {
	userAttempts := 0
	tokenRequests := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			tokenRequests++
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "fresh-token",
				"token_type":   "bearer",
				"expires_in":   3600,
			})
			return
		case "/helix/users":
			userAttempts++
			if userAttempts < helixMaxRetries {
				// Serve 5xx to exhaust all-but-last retry slots using the stale token.
				if got := r.Header.Get("Authorization"); got != "Bearer stale-token" {
					t.Errorf("attempt %d auth = %q, want stale token", userAttempts, got)
				}
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": "temporary error", "status": 500})
				return
			} else if userAttempts == helixMaxRetries {
				// Final retry with stale token should return 401 to trigger refresh.
				if got := r.Header.Get("Authorization"); got != "Bearer stale-token" {
					t.Errorf("final stale attempt auth = %q, want stale token", got)
				}
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": "Unauthorized", "status": 401})
				return
			}
			// Post-refresh attempt must use the freshly-obtained token.
			if got := r.Header.Get("Authorization"); got != "Bearer fresh-token" {
				t.Errorf("post-refresh attempt auth = %q, want fresh token", got)
			}
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]string{{"id": "u-456"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	rewrite := &http.Client{
		Transport: &rewriteTransport{
			Transport: http.DefaultTransport,
			host:      server.URL,
		},
	}

	ts := &TokenSource{
		ClientID:     "test-client-id",
		ClientSecret: "test-secret",
		HTTPClient:   rewrite,
	}
	ts.SetToken("stale-token", time.Now().Add(1*time.Hour))

	client := &HelixClient{
		TokenSource: ts,
		ClientID:    "test-client-id",
		HTTPClient:  rewrite,
	}

	userID, err := client.GetUserID(context.Background(), "testuser")
	if err != nil {
		t.Fatalf("GetUserID() unexpected error = %v", err)
	}
	if userID != "u-456" {
		t.Fatalf("GetUserID() = %q, want u-456", userID)
	}
	if tokenRequests != 1 {
		t.Fatalf("expected exactly one token refresh, got %d", tokenRequests)
	}
	// helixMaxRetries attempts with stale token (incl. the final 401) + 1 with fresh token.
	expectedAttempts := helixMaxRetries + 1
	if userAttempts != expectedAttempts {
		t.Fatalf("expected %d /helix/users attempts, got %d", expectedAttempts, userAttempts)
	}
}

func TestHelixClient_GetUserID5xxRetry(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": "bad gateway"})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]string{{"id": "u-recovered"}},
		})
	}))
	defer server.Close()

	ts := &TokenSource{ClientID: "test-client-id", ClientSecret: "test-secret"}
	ts.SetToken("test-token", time.Now().Add(1*time.Hour))

	client := &HelixClient{
		TokenSource: ts,
		ClientID:    "test-client-id",
		HTTPClient: &http.Client{Transport: &rewriteTransport{
			Transport: http.DefaultTransport,
			host:      server.URL,
		}},
	}

	userID, err := client.GetUserID(context.Background(), "testuser")
	if err != nil {
		t.Fatalf("GetUserID() unexpected error after 5xx retry = %v", err)
	}
	if userID != "u-recovered" {
		t.Fatalf("GetUserID() = %q, want u-recovered", userID)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts (5xx + success), got %d", attempts)
	}
}

// TestHelixClient_BadRequestNoRetry ensures non-retryable 4xx responses fail
// immediately.
func TestHelixClient_BadRequestNoRetry(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": "Bad Request", "message": "Missing required parameter"})
	}))
	defer server.Close()

	ts := &TokenSource{ClientID: "test-client-id", ClientSecret: "test-secret"}
	ts.SetToken("test-token", time.Now().Add(1*time.Hour))

	client := &HelixClient{
		TokenSource: ts,
		ClientID:    "test-client-id",
		HTTPClient: &http.Client{Transport: &rewriteTransport{
			Transport: http.DefaultTransport,
			host:      server.URL,
		}},
	}

	_, err := client.GetUserID(context.Background(), "testuser")
	if err == nil {
		t.Fatal("GetUserID() error = nil, want 400 error")
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("error %v should mention the status", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt for 400 response, got %d", attempts)
	}
}

// rewriteTransport rewrites all requests to use the test server
type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Rewrite URL to point to test server
	req.URL.Scheme = "http"
	// Parse the test server URL and use its host
	if t.host != "" {
		// Strip the scheme from host
		host := t.host
		host = strings.TrimPrefix(host, "http://")
		host = strings.TrimPrefix(host, "https://")
		req.URL.Host = host
	}
	return t.Transport.RoundTrip(req)
}
