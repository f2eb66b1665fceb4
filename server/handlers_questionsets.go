package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/chat-rally/config"
	dbpkg "github.com/onnwee/chat-rally/db"
	"github.com/onnwee/chat-rally/sheetsapi"
	"github.com/onnwee/chat-rally/trivia"
)

// maxUploadBytes caps question set CSV uploads.
const maxUploadBytes = 5 << 20

// HandleQuestionSetsList returns stored question sets with their counts.
func (h *Handlers) HandleQuestionSetsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sets, err := trivia.ListSets(r.Context(), h.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"sets": sets})
}

// HandleAdminQuestionSetUpload accepts a multipart CSV upload and stores it
// as a named question set, replacing any set with the same name.
func (h *Handlers) HandleAdminQuestionSetUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	f, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file field required", http.StatusBadRequest)
		return
	}
	defer f.Close() //nolint:errcheck

	questions, err := trivia.ParseCSV(f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := trivia.SaveSet(r.Context(), h.db, name, "csv-upload", questions); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"set":       name,
		"questions": len(questions),
	})
}

// HandleAdminQuestionSetDelete removes a question set by name.
func (h *Handlers) HandleAdminQuestionSetDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Name) == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	if err := trivia.DeleteSet(r.Context(), h.db, strings.TrimSpace(body.Name)); err != nil {
		if errors.Is(err, trivia.ErrSetNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "set": strings.TrimSpace(body.Name)})
}

// HandleAdminSheetsImport pulls questions from a Google Sheets range into a
// named set. Requires the google OAuth token to be present.
func (h *Handlers) HandleAdminSheetsImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		SpreadsheetID string `json:"spreadsheet_id"`
		Range         string `json:"range"`
		Set           string `json:"set"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if body.SpreadsheetID == "" || body.Set == "" {
		http.Error(w, "spreadsheet_id and set required", http.StatusBadRequest)
		return
	}
	cfg, err := config.Load()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := cfg.ValidateSheetsReady(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	svc := sheetsapi.New(cfg, &dbpkg.TokenStoreAdapter{DB: h.db})
	client, err := svc.Client(r.Context())
	if err != nil {
		http.Error(w, "google sheets client: "+err.Error(), http.StatusBadGateway)
		return
	}
	n, err := sheetsapi.ImportSet(r.Context(), h.db, client, body.SpreadsheetID, body.Range, body.Set)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"set":       body.Set,
		"questions": n,
	})
}
