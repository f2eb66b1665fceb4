package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/chat-rally/session"
	"github.com/onnwee/chat-rally/train"
	"github.com/onnwee/chat-rally/trivia"
)

// sseKeepalive is how often an idle event stream emits a comment line so
// proxies do not drop the connection. Shortened in tests.
var sseKeepalive = 15 * time.Second

// HandleSessionsList returns every active session grouped by kind.
func (h *Handlers) HandleSessionsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"trains": h.trains.Active(),
		"trivia": h.quiz.Active(),
	})
}

// HandleSessionsDispatcher routes /sessions/{channel} and
// /sessions/{channel}/events.
func (h *Handlers) HandleSessionsDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if channel, ok := strings.CutSuffix(rest, "/events"); ok && channel != "" && !strings.Contains(channel, "/") {
		h.handleSessionEvents(w, r, channel)
		return
	}
	if rest == "" || strings.Contains(rest, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	h.handleSessionDetail(w, r, rest)
}

// handleSessionDetail reports the live status of whatever is running in a
// channel. 404 when the channel is idle.
func (h *Handlers) handleSessionDetail(w http.ResponseWriter, r *http.Request, channel string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{"channel": channel}
	found := false
	if st, err := h.trains.StatusFor(channel); err == nil {
		resp["train"] = st
		found = true
	} else if !errors.Is(err, train.ErrNoActiveTrain) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if st, err := h.quiz.StatusFor(channel); err == nil {
		resp["trivia"] = st
		found = true
	} else if !errors.Is(err, trivia.ErrNoActiveTrivia) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "no active session in this channel", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleSessionEvents streams session events for one channel over SSE. The
// stream stays open until the client disconnects; idle periods carry
// keepalive comments.
func (h *Handlers) handleSessionEvents(w http.ResponseWriter, r *http.Request, channel string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if h.bus == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	events, unsubscribe := h.bus.Subscribe(channel)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	enc := json.NewEncoder(w)
	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, enc, ev); err != nil {
				slog.Warn("failed to write SSE event", slog.Any("err", err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, enc *json.Encoder, ev session.Event) error {
	if _, err := w.Write([]byte("event: " + ev.Type + "\ndata: ")); err != nil {
		return err
	}
	if err := enc.Encode(ev); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n"))
	return err
}
