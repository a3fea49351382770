// Package ratelimit bounds command-triggered analyses per project using fixed
// wall-clock-aligned counting windows. Fixed windows permit a burst of up to
// twice the limit across a boundary; that trade-off is accepted for simplicity.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Store is the persistence contract for window counters.
type Store interface {
	IncrementRateWindow(ctx context.Context, projectID int64, windowStart time.Time) (int, error)
	RateWindowCount(ctx context.Context, projectID int64, windowStart time.Time) (int, error)
	DeleteRateWindowsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed           bool `json:"allowed"`
	Remaining         int  `json:"remaining"`
	SecondsUntilReset int  `json:"seconds_until_reset"`
}

// FixedWindow counts committed commands per project within aligned windows.
type FixedWindow struct {
	store  Store
	log    *zap.SugaredLogger
	limit  int
	window time.Duration
	keep   time.Duration
	now    func() time.Time
}

// New builds a limiter with default limit/window; both are overridable per call
// for projects with their own configuration.
func New(store Store, log *zap.SugaredLogger, limit int, window, keep time.Duration) *FixedWindow {
	if limit == 0 {
		limit = 10
	}
	if window == 0 {
		window = 10 * time.Minute
	}
	if keep == 0 {
		keep = 24 * time.Hour
	}
	return &FixedWindow{
		store:  store,
		log:    log.Named("ratelimit"),
		limit:  limit,
		window: window,
		keep:   keep,
		now:    time.Now,
	}
}

func (f *FixedWindow) resolve(limit int, window time.Duration) (int, time.Duration) {
	if limit == 0 {
		limit = f.limit
	}
	if window == 0 {
		window = f.window
	}
	return limit, window
}

// Check reports whether another command may run for the project in the current
// window. Pass zero limit/window to use the limiter defaults.
func (f *FixedWindow) Check(ctx context.Context, projectID int64, limit int, window time.Duration) (Decision, error) {
	limit, window = f.resolve(limit, window)
	now := f.now()
	windowStart := now.Truncate(window)

	count, err := f.store.RateWindowCount(ctx, projectID, windowStart)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	reset := int(windowStart.Add(window).Sub(now).Seconds())
	if reset < 1 {
		reset = 1
	}
	return Decision{
		Allowed:           count < limit,
		Remaining:         remaining,
		SecondsUntilReset: reset,
	}, nil
}

// RecordCommand counts a committed command against the current window via an
// atomic upsert, so concurrent executions cannot under-count.
func (f *FixedWindow) RecordCommand(ctx context.Context, projectID int64, window time.Duration) error {
	_, window = f.resolve(0, window)
	windowStart := f.now().Truncate(window)
	if _, err := f.store.IncrementRateWindow(ctx, projectID, windowStart); err != nil {
		return fmt.Errorf("record command: %w", err)
	}
	return nil
}

// Sweep deletes windows older than the retention period.
func (f *FixedWindow) Sweep(ctx context.Context) (int64, error) {
	n, err := f.store.DeleteRateWindowsBefore(ctx, f.now().Add(-f.keep))
	if err != nil {
		return 0, fmt.Errorf("sweep rate windows: %w", err)
	}
	if n > 0 {
		f.log.Infow("swept stale rate windows", "count", n)
	}
	return n, nil
}
