package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// RetentionPolicy controls pruning of old result rows.
type RetentionPolicy struct {
	// Days: rows older than this many days are eligible (0 = disabled).
	Days int
	// Keep: the newest N rows per channel are always kept.
	Keep int
	// DryRun: log what would be pruned without deleting.
	DryRun bool
	// Interval: how often the job runs.
	Interval time.Duration
}

// LoadRetentionPolicy reads the policy from environment variables.
func LoadRetentionPolicy() RetentionPolicy {
	policy := RetentionPolicy{
		Days:     90,
		Keep:     50,
		Interval: 24 * time.Hour,
	}
	if s := os.Getenv("RESULTS_RETENTION_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.Days = n
		}
	}
	if s := os.Getenv("RESULTS_RETENTION_KEEP"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.Keep = n
		}
	}
	if os.Getenv("RESULTS_RETENTION_DRY_RUN") == "1" {
		policy.DryRun = true
	}
	if s := os.Getenv("RESULTS_RETENTION_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			policy.Interval = d
		}
	}
	return policy
}

// StartRetentionJob periodically prunes result rows per the configured
// policy. Participant rows cascade with their result. Runs until ctx ends.
func StartRetentionJob(ctx context.Context, dbc *sql.DB) {
	policy := LoadRetentionPolicy()

	if policy.Days == 0 {
		slog.Info("results retention disabled")
		return
	}

	slog.Info("results retention job starting",
		slog.Int("days", policy.Days),
		slog.Int("keep", policy.Keep),
		slog.Bool("dry_run", policy.DryRun),
		slog.Duration("interval", policy.Interval))

	// Run immediately on start
	if err := runRetentionPrune(ctx, dbc, policy); err != nil {
		slog.Warn("results retention failed", slog.Any("err", err))
	}

	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("results retention job stopped")
			return
		case <-ticker.C:
			if err := runRetentionPrune(ctx, dbc, policy); err != nil {
				slog.Warn("results retention failed", slog.Any("err", err))
			}
		}
	}
}

// prunableResults selects ids past the per-channel keep floor and older than
// the cutoff. The newest rows of every channel survive regardless of age.
const prunableResults = `
	SELECT id FROM (
		SELECT id, ended_at,
			ROW_NUMBER() OVER (PARTITION BY channel ORDER BY ended_at DESC, id DESC) AS rn
		FROM session_results
	) ranked
	WHERE rn > $1 AND ended_at < $2`

// runRetentionPrune performs a single prune cycle.
func runRetentionPrune(ctx context.Context, dbc *sql.DB, policy RetentionPolicy) error {
	logger := slog.Default().With(
		slog.String("component", "results_retention"),
		slog.Bool("dry_run", policy.DryRun))

	cutoff := time.Now().AddDate(0, 0, -policy.Days)

	var pruned int64
	if policy.DryRun {
		var n int
		if err := dbc.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM (`+prunableResults+`) p`, policy.Keep, cutoff).Scan(&n); err != nil {
			return fmt.Errorf("count prunable results: %w", err)
		}
		logger.Info("dry-run: would prune results", slog.Int("count", n), slog.Time("cutoff", cutoff))
	} else {
		res, err := dbc.ExecContext(ctx,
			`DELETE FROM session_results WHERE id IN (`+prunableResults+`)`, policy.Keep, cutoff)
		if err != nil {
			return fmt.Errorf("prune results: %w", err)
		}
		pruned, _ = res.RowsAffected()
		if pruned > 0 {
			logger.Info("pruned old session results", slog.Int64("count", pruned), slog.Time("cutoff", cutoff))
		}
	}

	if _, err := dbc.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES ('job_results_retention_last', $1, NOW())
		 ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`,
		time.Now().UTC().Format(time.RFC3339)); err != nil {
		logger.Warn("failed to record retention heartbeat", slog.Any("err", err))
	}
	return nil
}
