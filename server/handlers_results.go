package server

import (
	"encoding/json"
	"net/http"

	"github.com/onnwee/chat-rally/history"
)

// HandleResults lists finished sessions, newest first. Filters: channel,
// limit, offset.
func (h *Handlers) HandleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channel := r.URL.Query().Get("channel")
	limit, offset := pageParams(r, 50, 200)
	results, total, err := history.List(r.Context(), h.db, channel, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"results": results,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}
