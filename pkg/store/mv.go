package store

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// MVRefresher periodically refreshes the run listing projection. The
// refresh runs CONCURRENTLY so readers never block, and therefore must not
// execute inside a transaction. Failures back the interval off
// exponentially up to maxInterval; a success resets it.
type MVRefresher struct {
	db          *sql.DB
	interval    time.Duration
	maxInterval time.Duration
	logger      *slog.Logger
}

// NewMVRefresher configures a refresher; Run starts it.
func NewMVRefresher(db *sql.DB, interval, maxInterval time.Duration, logger *slog.Logger) *MVRefresher {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxInterval < interval {
		maxInterval = interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MVRefresher{db: db, interval: interval, maxInterval: maxInterval, logger: logger}
}

// Run blocks until ctx is done, refreshing on the adaptive interval.
func (r *MVRefresher) Run(ctx context.Context) {
	current := r.interval
	timer := time.NewTimer(current)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := r.refresh(ctx); err != nil {
			current *= 2
			if current > r.maxInterval {
				current = r.maxInterval
			}
			r.logger.Warn("materialized view refresh failed",
				"error", err, "next_interval", current)
		} else {
			current = r.interval
		}
		timer.Reset(current)
	}
}

func (r *MVRefresher) refresh(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY run_list_mv`)
	return err
}
