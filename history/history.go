// Package history persists finished session outcomes. Rows are append-only:
// live sessions are memory-only and never resumed from here. A retention job
// prunes old rows on a schedule.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/onnwee/chat-rally/session"
)

// Outcome values stored on a result row.
const (
	OutcomeCompleted = "completed"
	OutcomeExpired   = "expired"
	OutcomeCancelled = "cancelled"
)

// Result is one finished activation.
type Result struct {
	ID           int64                 `json:"id"`
	SessionID    string                `json:"session_id"`
	Channel      string                `json:"channel"`
	Kind         string                `json:"kind"`
	Reward       string                `json:"reward,omitempty"`
	Outcome      string                `json:"outcome"`
	WinnerID     string                `json:"winner_id,omitempty"`
	WinnerName   string                `json:"winner_name,omitempty"`
	Participants []session.Participant `json:"participants,omitempty"`
	EventCount   int                   `json:"event_count"`
	StartedAt    time.Time             `json:"started_at"`
	EndedAt      time.Time             `json:"ended_at"`
}

// Record inserts the result row and its participant rows in one transaction
// and returns the assigned row id.
func Record(ctx context.Context, db *sql.DB, r Result) (int64, error) {
	if r.EndedAt.IsZero() {
		r.EndedAt = time.Now()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback on error is best effort

	var id int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO session_results
			(session_id, channel, kind, reward, outcome, winner_id, winner_name,
			 participant_count, event_count, started_at, ended_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 RETURNING id`,
		r.SessionID, r.Channel, r.Kind, r.Reward, r.Outcome, r.WinnerID, r.WinnerName,
		len(r.Participants), r.EventCount, r.StartedAt, r.EndedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert result: %w", err)
	}

	for _, p := range r.Participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_participants
				(result_id, user_id, display_name, event_count, first_event_at, last_event_at)
			 VALUES ($1,$2,$3,$4,$5,$6)`,
			id, p.ID, p.DisplayName, p.Count, p.FirstEventAt, p.LastEventAt); err != nil {
			return 0, fmt.Errorf("insert participant %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit result: %w", err)
	}
	return id, nil
}

const resultColumns = `id, COALESCE(session_id,''), channel, kind, COALESCE(reward,''),
	outcome, COALESCE(winner_id,''), COALESCE(winner_name,''), event_count, started_at, ended_at`

// List returns results for the channel (all channels when empty), newest
// first, plus the total matching count for paging. Participant rows are not
// loaded here.
func List(ctx context.Context, db *sql.DB, channel string, limit, offset int) ([]Result, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var (
		rows *sql.Rows
		err  error
	)
	if channel != "" {
		rows, err = db.QueryContext(ctx,
			`SELECT `+resultColumns+` FROM session_results
			 WHERE channel=$1 ORDER BY ended_at DESC, id DESC LIMIT $2 OFFSET $3`,
			channel, limit, offset)
	} else {
		rows, err = db.QueryContext(ctx,
			`SELECT `+resultColumns+` FROM session_results
			 ORDER BY ended_at DESC, id DESC LIMIT $1 OFFSET $2`,
			limit, offset)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := []Result{}
	for rows.Next() {
		var r Result
		var started, ended sql.NullTime
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Channel, &r.Kind, &r.Reward,
			&r.Outcome, &r.WinnerID, &r.WinnerName, &r.EventCount, &started, &ended); err != nil {
			return nil, 0, fmt.Errorf("scan result: %w", err)
		}
		if started.Valid {
			r.StartedAt = started.Time
		}
		if ended.Valid {
			r.EndedAt = ended.Time
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate results: %w", err)
	}

	var total int
	if channel != "" {
		err = db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM session_results WHERE channel=$1`, channel).Scan(&total)
	} else {
		err = db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM session_results`).Scan(&total)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("count results: %w", err)
	}
	return out, total, nil
}

// Participants loads the participant rows for one result, first-seen order
// preserved by insertion id.
func Participants(ctx context.Context, db *sql.DB, resultID int64) ([]session.Participant, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT user_id, COALESCE(display_name,''), event_count, first_event_at, last_event_at
		 FROM session_participants WHERE result_id=$1 ORDER BY id`, resultID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := []session.Participant{}
	for rows.Next() {
		var p session.Participant
		var first, last sql.NullTime
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.Count, &first, &last); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		if first.Valid {
			p.FirstEventAt = first.Time
		}
		if last.Valid {
			p.LastEventAt = last.Time
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
