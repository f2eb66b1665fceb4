package session

import (
	"errors"
	"fmt"
	"sync"
)

// ErrAlreadyActive signals that a channel already runs an activity.
var ErrAlreadyActive = errors.New("an activity is already active in this channel")

// Registry enforces one live activity per channel. Per-channel mutual
// exclusion only; sessions in different channels never interact.
type Registry struct {
	mu     sync.Mutex
	active map[string]string // channel → activity kind
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[string]string)}
}

// Acquire reserves the channel for kind. When the channel is busy the error
// wraps ErrAlreadyActive and names the holder.
func (r *Registry) Acquire(channel, kind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, ok := r.active[channel]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyActive, holder)
	}
	r.active[channel] = kind
	return nil
}

// Release frees the channel. Releasing an idle channel is a no-op.
func (r *Registry) Release(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, channel)
}

// Snapshot returns the current channel → kind occupancy.
func (r *Registry) Snapshot() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.active))
	for c, k := range r.active {
		out[c] = k
	}
	return out
}
