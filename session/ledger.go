package session

import "time"

// Participant is one ledger entry.
type Participant struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	Count        int       `json:"count"`
	FirstEventAt time.Time `json:"first_event_at"`
	LastEventAt  time.Time `json:"last_event_at"`
}

// Ledger counts qualifying events per participant in first-seen order. Not
// safe for concurrent use on its own; the owning session's mutex guards it.
type Ledger struct {
	order   []string
	entries map[string]*Participant
}

func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]*Participant)}
}

// Record upserts the participant and increments their event count. A
// non-empty display name refreshes the stored one.
func (l *Ledger) Record(id, displayName string, at time.Time) {
	if e, ok := l.entries[id]; ok {
		e.Count++
		e.LastEventAt = at
		if displayName != "" {
			e.DisplayName = displayName
		}
		return
	}
	l.entries[id] = &Participant{
		ID:           id,
		DisplayName:  displayName,
		Count:        1,
		FirstEventAt: at,
		LastEventAt:  at,
	}
	l.order = append(l.order, id)
}

// Snapshot returns a defensive copy of all entries in first-seen order.
func (l *Ledger) Snapshot() []Participant {
	out := make([]Participant, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.entries[id])
	}
	return out
}

// Participants returns the distinct IDs in first-seen order.
func (l *Ledger) Participants() []string {
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

// Name returns the stored display name for id, or id itself when unknown.
func (l *Ledger) Name(id string) string {
	if e, ok := l.entries[id]; ok && e.DisplayName != "" {
		return e.DisplayName
	}
	return id
}

func (l *Ledger) Empty() bool { return len(l.order) == 0 }

// Events is the total event count across all participants.
func (l *Ledger) Events() int {
	n := 0
	for _, e := range l.entries {
		n += e.Count
	}
	return n
}
