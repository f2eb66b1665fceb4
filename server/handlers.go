// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/onnwee/chat-rally/session"
	"github.com/onnwee/chat-rally/train"
	"github.com/onnwee/chat-rally/trivia"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db        *sql.DB
	ctx       context.Context
	trains    *train.Manager
	quiz      *trivia.Manager
	bus       *session.Bus
	startedAt time.Time

	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, db *sql.DB, deps Deps) *Handlers {
	return &Handlers{
		db:         db,
		ctx:        ctx,
		trains:     deps.Trains,
		quiz:       deps.Quiz,
		bus:        deps.Bus,
		startedAt:  time.Now(),
		stateStore: make(map[string]time.Time),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
func (h *Handlers) addOAuthState(state string, expiry time.Time) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	// Clean expired states periodically to prevent unbounded growth
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}

	// If we're still over the limit after cleanup, refuse to add more
	if len(h.stateStore) >= maxOAuthStates {
		// Don't add the state - this will cause the OAuth flow to fail
		// which is better than a memory exhaustion attack
		return
	}

	h.stateStore[state] = expiry
}

// consumeOAuthState validates and removes a state, returning whether it was
// valid and unexpired.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	if !ok {
		return false
	}
	delete(h.stateStore, state)
	return time.Now().Before(exp)
}
