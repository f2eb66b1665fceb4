package session

import (
	"testing"
	"time"
)

func TestLedgerRecordAndOrder(t *testing.T) {
	l := NewLedger()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l.Record("u1", "Alice", base)
	l.Record("u2", "Bob", base.Add(time.Second))
	l.Record("u1", "Alice", base.Add(2*time.Second))
	l.Record("u3", "", base.Add(3*time.Second))

	snap := l.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot len = %d, want 3", len(snap))
	}
	if snap[0].ID != "u1" || snap[1].ID != "u2" || snap[2].ID != "u3" {
		t.Errorf("order = %s, %s, %s; want u1, u2, u3", snap[0].ID, snap[1].ID, snap[2].ID)
	}
	if snap[0].Count != 2 {
		t.Errorf("u1 count = %d, want 2", snap[0].Count)
	}
	if snap[1].Count != 1 {
		t.Errorf("u2 count = %d, want 1", snap[1].Count)
	}
	if !snap[0].FirstEventAt.Equal(base) {
		t.Errorf("u1 first event = %v, want %v", snap[0].FirstEventAt, base)
	}
	if !snap[0].LastEventAt.Equal(base.Add(2 * time.Second)) {
		t.Errorf("u1 last event = %v, want %v", snap[0].LastEventAt, base.Add(2*time.Second))
	}
	if l.Events() != 4 {
		t.Errorf("Events = %d, want 4", l.Events())
	}
	if l.Empty() {
		t.Error("Empty = true after records")
	}
}

func TestLedgerNameRefresh(t *testing.T) {
	l := NewLedger()
	now := time.Now()

	l.Record("u1", "oldname", now)
	l.Record("u1", "NewName", now)
	if got := l.Name("u1"); got != "NewName" {
		t.Errorf("Name = %q, want NewName", got)
	}

	// An empty display name never clobbers a known one.
	l.Record("u1", "", now)
	if got := l.Name("u1"); got != "NewName" {
		t.Errorf("Name after empty record = %q, want NewName", got)
	}
}

func TestLedgerNameFallback(t *testing.T) {
	l := NewLedger()
	if got := l.Name("ghost"); got != "ghost" {
		t.Errorf("Name for unknown id = %q, want ghost", got)
	}
	l.Record("u1", "", time.Now())
	if got := l.Name("u1"); got != "u1" {
		t.Errorf("Name with empty display name = %q, want u1", got)
	}
}

func TestLedgerSnapshotIsolation(t *testing.T) {
	l := NewLedger()
	l.Record("u1", "Alice", time.Now())

	snap := l.Snapshot()
	snap[0].Count = 99
	snap[0].DisplayName = "mutated"

	again := l.Snapshot()
	if again[0].Count != 1 || again[0].DisplayName != "Alice" {
		t.Errorf("ledger changed through snapshot: %+v", again[0])
	}
}

func TestLedgerParticipants(t *testing.T) {
	l := NewLedger()
	now := time.Now()
	l.Record("u2", "", now)
	l.Record("u1", "", now)
	l.Record("u2", "", now)

	got := l.Participants()
	if len(got) != 2 || got[0] != "u2" || got[1] != "u1" {
		t.Errorf("Participants = %v, want [u2 u1]", got)
	}

	got[0] = "mutated"
	if again := l.Participants(); again[0] != "u2" {
		t.Errorf("ledger order changed through returned slice: %v", again)
	}
}

func TestLedgerEmpty(t *testing.T) {
	l := NewLedger()
	if !l.Empty() {
		t.Error("Empty = false for new ledger")
	}
	if l.Events() != 0 {
		t.Errorf("Events = %d, want 0", l.Events())
	}
	if snap := l.Snapshot(); len(snap) != 0 {
		t.Errorf("Snapshot = %v, want empty", snap)
	}
}
