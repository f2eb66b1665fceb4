package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// HandleConfig handles GET and PUT requests for safe configuration keys.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	// Only allow GET/PUT for known keys; secrets must not be exposed here.
	safeKeys := map[string]bool{
		"LOG_LEVEL":                  true,
		"LOG_FORMAT":                 true,
		"TRAIN_DURATION":             true,
		"TRAIN_TICK_INTERVAL":        true,
		"RESULTS_RETENTION_DAYS":     true,
		"RESULTS_RETENTION_KEEP":     true,
		"RESULTS_RETENTION_DRY_RUN":  true,
		"RESULTS_RETENTION_INTERVAL": true,
		"RATE_LIMIT_REQUESTS_PER_IP": true,
		"RATE_LIMIT_WINDOW_SECONDS":  true,
	}
	switch r.Method {
	case http.MethodGet:
		// Return safe keys with values from env override (kv) if present
		out := map[string]string{}
		for k := range safeKeys {
			var v string
			_ = h.db.QueryRowContext(r.Context(), `SELECT value FROM kv WHERE key=$1`, "cfg:"+k).Scan(&v)
			if v == "" {
				v = os.Getenv(k)
			}
			if v != "" {
				out[k] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	case http.MethodPut:
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", 400)
			return
		}
		for k, v := range body {
			if !safeKeys[k] {
				continue
			}
			if _, err := h.db.ExecContext(
				r.Context(),
				`INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW()) ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`,
				"cfg:"+k,
				strings.TrimSpace(v),
			); err != nil {
				slog.Error("failed to update config", slog.String("key", k), slog.Any("err", err))
				http.Error(w, "failed to update config", http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleStatus returns a lightweight runtime summary: uptime, active
// sessions, stored question sets, retention heartbeat, and token presence.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := map[string]any{}
	resp["uptime_seconds"] = int(time.Since(h.startedAt).Seconds())

	trains := h.trains.Active()
	quiz := h.quiz.Active()
	resp["active_trains"] = len(trains)
	resp["active_trivia"] = len(quiz)

	channels := make([]string, 0, len(trains)+len(quiz))
	for _, st := range trains {
		channels = append(channels, st.Channel)
	}
	for _, st := range quiz {
		channels = append(channels, st.Channel)
	}
	if len(channels) > 0 {
		resp["busy_channels"] = channels
	}

	var setCount int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM question_sets`).Scan(&setCount)
	resp["question_sets"] = setCount

	var resultCount int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_results`).Scan(&resultCount)
	resp["results_recorded"] = resultCount

	// Last retention run timestamp
	var lastPrune string
	_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='job_results_retention_last'`).Scan(&lastPrune)
	if lastPrune != "" {
		resp["last_retention_run"] = lastPrune
	}

	for _, provider := range []string{"twitch", "google"} {
		var n int
		_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM oauth_tokens WHERE provider=$1`, provider).Scan(&n)
		resp[provider+"_token_present"] = n > 0
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
