package history

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/chat-rally/session"
	"github.com/onnwee/chat-rally/testutil"
)

func TestLoadRetentionPolicyDefaults(t *testing.T) {
	t.Setenv("RESULTS_RETENTION_DAYS", "")
	t.Setenv("RESULTS_RETENTION_KEEP", "")
	t.Setenv("RESULTS_RETENTION_DRY_RUN", "")
	t.Setenv("RESULTS_RETENTION_INTERVAL", "")

	p := LoadRetentionPolicy()
	if p.Days != 90 || p.Keep != 50 || p.DryRun || p.Interval != 24*time.Hour {
		t.Errorf("defaults = %+v", p)
	}
}

func TestLoadRetentionPolicyOverrides(t *testing.T) {
	t.Setenv("RESULTS_RETENTION_DAYS", "7")
	t.Setenv("RESULTS_RETENTION_KEEP", "5")
	t.Setenv("RESULTS_RETENTION_DRY_RUN", "1")
	t.Setenv("RESULTS_RETENTION_INTERVAL", "1h")

	p := LoadRetentionPolicy()
	if p.Days != 7 || p.Keep != 5 || !p.DryRun || p.Interval != time.Hour {
		t.Errorf("overrides = %+v", p)
	}
}

func TestLoadRetentionPolicyDisable(t *testing.T) {
	t.Setenv("RESULTS_RETENTION_DAYS", "0")
	if p := LoadRetentionPolicy(); p.Days != 0 {
		t.Errorf("Days = %d, want 0", p.Days)
	}

	// Garbage values fall back to defaults.
	t.Setenv("RESULTS_RETENTION_DAYS", "nope")
	t.Setenv("RESULTS_RETENTION_INTERVAL", "-5m")
	p := LoadRetentionPolicy()
	if p.Days != 90 || p.Interval != 24*time.Hour {
		t.Errorf("fallback = %+v", p)
	}
}

func TestRetentionPrune(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	t.Cleanup(func() {
		db.Exec(`DELETE FROM session_results WHERE channel LIKE 'test-ret-%'`) //nolint:errcheck
		db.Exec(`DELETE FROM kv WHERE key = 'job_results_retention_last'`)     //nolint:errcheck
	})

	now := time.Now()
	record := func(channel string, age time.Duration, withParticipants bool) int64 {
		t.Helper()
		r := Result{
			Channel: channel,
			Kind:    "train",
			Outcome: OutcomeExpired,
			EndedAt: now.Add(-age),
		}
		if withParticipants {
			r.Participants = []session.Participant{{ID: "u1", DisplayName: "Alice", Count: 1}}
		}
		id, err := Record(ctx, db, r)
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		return id
	}

	oldest := record("test-ret-main", 100*24*time.Hour, true)
	older := record("test-ret-main", 95*24*time.Hour, false)
	within := record("test-ret-main", 50*24*time.Hour, false)
	recent := record("test-ret-main", 0, false)

	// A channel whose rows are all ancient keeps its newest Keep rows.
	keptA := record("test-ret-floor", 200*24*time.Hour, false)
	keptB := record("test-ret-floor", 201*24*time.Hour, false)

	policy := RetentionPolicy{Days: 90, Keep: 2, DryRun: true}
	if err := runRetentionPrune(ctx, db, policy); err != nil {
		t.Fatalf("dry-run prune failed: %v", err)
	}
	if _, total, _ := List(ctx, db, "test-ret-main", 10, 0); total != 4 {
		t.Fatalf("dry run deleted rows: total = %d", total)
	}

	policy.DryRun = false
	if err := runRetentionPrune(ctx, db, policy); err != nil {
		t.Fatalf("prune failed: %v", err)
	}

	results, total, err := List(ctx, db, "test-ret-main", 10, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 2 {
		t.Fatalf("total after prune = %d, want 2 (rows: %+v)", total, results)
	}
	for _, r := range results {
		if r.ID == oldest || r.ID == older {
			t.Errorf("row %d survived prune", r.ID)
		}
		if r.ID != within && r.ID != recent {
			t.Errorf("unexpected survivor %d", r.ID)
		}
	}

	// Participant rows cascade with their result.
	participants, err := Participants(ctx, db, oldest)
	if err != nil {
		t.Fatalf("Participants failed: %v", err)
	}
	if len(participants) != 0 {
		t.Errorf("orphaned participants: %+v", participants)
	}

	// The keep floor protects old rows up to Keep per channel.
	if _, total, _ := List(ctx, db, "test-ret-floor", 10, 0); total != 2 {
		t.Errorf("keep floor violated: total = %d (ids %d, %d)", total, keptA, keptB)
	}

	var heartbeat string
	if err := db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = 'job_results_retention_last'`).Scan(&heartbeat); err != nil {
		t.Fatalf("heartbeat missing: %v", err)
	}
	if _, err := time.Parse(time.RFC3339, heartbeat); err != nil {
		t.Errorf("heartbeat %q not RFC3339: %v", heartbeat, err)
	}
}
