package session

import "time"

// Threshold is a reminder milestone measured from the last qualifying event.
type Threshold struct {
	At      time.Duration
	Message string
}

// Status is a point-in-time view of a session's clock.
type Status struct {
	Elapsed   time.Duration
	Remaining time.Duration
	// Due is the reminder that should fire now, nil when none.
	Due *Threshold
}

// ComputeStatus derives elapsed/remaining against the budget and selects the
// due threshold: the largest one at or below elapsed that is beyond the last
// fired mark. Thresholds jumped over within a single gap are skipped
// permanently, never queued.
func ComputeStatus(elapsed, budget time.Duration, thresholds []Threshold, lastFired time.Duration) Status {
	st := Status{Elapsed: elapsed}
	if budget > elapsed {
		st.Remaining = budget - elapsed
	}
	for i := range thresholds {
		t := thresholds[i]
		if t.At <= elapsed && t.At > lastFired {
			if st.Due == nil || t.At > st.Due.At {
				due := t
				st.Due = &due
			}
		}
	}
	return st
}

// Band buckets remaining time for progress coloring.
type Band int

const (
	BandHigh Band = iota
	BandMid
	BandLow
)

// BandFor returns the color band. More than half the budget left is high,
// more than a quarter is mid, the rest is low. Boundaries are exact: with a
// 60s budget, 31s remaining is high, 30s is mid, 15s is low.
func BandFor(remaining, budget time.Duration) Band {
	switch {
	case remaining > budget/2:
		return BandHigh
	case remaining > budget/4:
		return BandMid
	default:
		return BandLow
	}
}
