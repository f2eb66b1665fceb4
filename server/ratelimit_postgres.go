package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// postgresRateLimiter counts requests in fixed windows in the
// rate_limit_counters table so the limit holds across replicas sharing one
// database.
type postgresRateLimiter struct {
	db  *sql.DB
	cfg *rateLimiterConfig
}

func newPostgresRateLimiter(ctx context.Context, db *sql.DB, cfg *rateLimiterConfig) (*postgresRateLimiter, error) {
	if db == nil {
		return nil, errors.New("postgres rate limiter requires a database")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("postgres rate limiter: %w", err)
	}

	rl := &postgresRateLimiter{db: db, cfg: cfg}
	go rl.cleanupLoop(ctx)
	return rl, nil
}

// allow increments the caller's counter for the current window and admits
// the request while the count stays within the limit. Database failures
// admit the request; throttling is not worth an outage.
func (rl *postgresRateLimiter) allow(bucket string) bool {
	if !rl.cfg.enabled {
		return true
	}

	windowStart := time.Now().UTC().Truncate(rl.cfg.window)
	var count int
	err := rl.db.QueryRow(`
		INSERT INTO rate_limit_counters (bucket, window_start, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (bucket, window_start)
		DO UPDATE SET count = rate_limit_counters.count + 1
		RETURNING count`, bucket, windowStart).Scan(&count)
	if err != nil {
		slog.Warn("rate limit counter update failed; allowing request", slog.Any("err", err))
		return true
	}
	return count <= rl.cfg.requestsPerIP
}

// cleanupLoop prunes counters from windows old enough that no limit check
// can read them anymore.
func (rl *postgresRateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-2 * rl.cfg.window)
			if _, err := rl.db.ExecContext(ctx, `DELETE FROM rate_limit_counters WHERE window_start < $1`, cutoff); err != nil {
				slog.Warn("rate limit counter cleanup failed", slog.Any("err", err))
			}
		}
	}
}
