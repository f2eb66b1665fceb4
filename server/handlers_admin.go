package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/chat-rally/session"
	"github.com/onnwee/chat-rally/train"
	"github.com/onnwee/chat-rally/trivia"
)

// HandleAdminTrainStart starts a train in a channel from outside chat.
func (h *Handlers) HandleAdminTrainStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Channel string `json:"channel"`
		Reward  string `json:"reward"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	channel := strings.TrimSpace(body.Channel)
	if channel == "" {
		http.Error(w, "channel required", http.StatusBadRequest)
		return
	}
	if err := h.trains.Start(r.Context(), channel, body.Reward); err != nil {
		if errors.Is(err, session.ErrAlreadyActive) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "channel": channel})
}

// HandleAdminTrainCancel cancels the active train in a channel.
func (h *Handlers) HandleAdminTrainCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Channel string `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Channel) == "" {
		http.Error(w, "channel required", http.StatusBadRequest)
		return
	}
	channel := strings.TrimSpace(body.Channel)
	if err := h.trains.Cancel(r.Context(), channel); err != nil {
		if errors.Is(err, train.ErrNoActiveTrain) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "channel": channel})
}

// HandleAdminTriviaStart starts a trivia run in a channel from outside chat.
// The interval is a duration string like "5m".
func (h *Handlers) HandleAdminTriviaStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Channel  string `json:"channel"`
		Set      string `json:"set"`
		Interval string `json:"interval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	channel := strings.TrimSpace(body.Channel)
	if channel == "" {
		http.Error(w, "channel required", http.StatusBadRequest)
		return
	}
	interval, err := time.ParseDuration(body.Interval)
	if err != nil {
		http.Error(w, "invalid interval: "+body.Interval, http.StatusBadRequest)
		return
	}
	if err := h.quiz.Start(r.Context(), channel, body.Set, interval); err != nil {
		switch {
		case errors.Is(err, trivia.ErrSetNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, session.ErrAlreadyActive):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "channel": channel, "set": body.Set})
}

// HandleAdminTriviaCancel cancels the active trivia run in a channel.
func (h *Handlers) HandleAdminTriviaCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Channel string `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Channel) == "" {
		http.Error(w, "channel required", http.StatusBadRequest)
		return
	}
	channel := strings.TrimSpace(body.Channel)
	if err := h.quiz.Cancel(r.Context(), channel); err != nil {
		if errors.Is(err, trivia.ErrNoActiveTrivia) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "channel": channel})
}
