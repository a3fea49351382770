// Package lockmgr provides mutual exclusion for analysis runs keyed by
// (project, branch, lock type). The underlying store's uniqueness constraint is
// the collision signal: two concurrent acquirers yield exactly one success.
package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"analysis-orchestrator/internal/models"
)

var (
	// ErrDenied means the resource tuple is held by a live lock. Expected and
	// recoverable; callers surface "analysis already in progress".
	ErrDenied = errors.New("lock held by another analysis")
	// ErrWaitTimeout means the bounded wait elapsed without an acquisition.
	ErrWaitTimeout = errors.New("timed out waiting for lock")
)

// Store is the persistence contract the manager needs.
type Store interface {
	FindLock(ctx context.Context, projectID int64, branch, lockType string) (models.AnalysisLock, bool, error)
	InsertLock(ctx context.Context, lock models.AnalysisLock) (bool, error)
	DeleteLockByKey(ctx context.Context, key string) error
	DeleteLockIfExpired(ctx context.Context, id int64) (bool, error)
	ExtendLock(ctx context.Context, key string, until time.Time) (bool, error)
	DeleteExpiredLocks(ctx context.Context) (int64, error)
}

// Sink receives human-readable progress messages while a caller waits for a lock.
type Sink func(message string)

// Request identifies the resource to lock plus trigger metadata kept on the row.
type Request struct {
	ProjectID  int64
	Branch     string
	Type       string
	CommitHash *string
	PRNumber   *int
}

// Options override the manager defaults per call site. Zero values fall back.
type Options struct {
	TTL          time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// Manager acquires, extends, releases, and sweeps analysis locks.
type Manager struct {
	store    Store
	log      *zap.SugaredLogger
	holderID string

	defaultTTL  time.Duration
	defaultWait time.Duration
	defaultPoll time.Duration
}

// New builds a Manager. holderID identifies this process on lock rows.
func New(store Store, log *zap.SugaredLogger, holderID string, ttl, wait, poll time.Duration) *Manager {
	if ttl == 0 {
		ttl = 30 * time.Minute
	}
	if wait == 0 {
		wait = 5 * time.Minute
	}
	if poll == 0 {
		poll = 5 * time.Second
	}
	return &Manager{
		store:       store,
		log:         log.Named("lockmgr"),
		holderID:    holderID,
		defaultTTL:  ttl,
		defaultWait: wait,
		defaultPoll: poll,
	}
}

// Acquire attempts a single acquisition. On success it returns the opaque lock
// key used only for Release and Extend. A live holder yields ErrDenied. An
// expired holder is deleted and the insert retried once.
func (m *Manager) Acquire(ctx context.Context, req Request, opts Options) (string, error) {
	ttl := opts.TTL
	if ttl == 0 {
		ttl = m.defaultTTL
	}

	for attempt := 0; attempt < 2; attempt++ {
		existing, found, err := m.store.FindLock(ctx, req.ProjectID, req.Branch, req.Type)
		if err != nil {
			return "", fmt.Errorf("find lock: %w", err)
		}
		if found {
			if !existing.Expired(time.Now()) {
				return "", ErrDenied
			}
			// Reclaim: only deletes while still expired, so we never clobber a
			// fresh lock inserted by a racing acquirer.
			if _, err := m.store.DeleteLockIfExpired(ctx, existing.ID); err != nil {
				return "", fmt.Errorf("reclaim expired lock: %w", err)
			}
			m.log.Infow("reclaimed expired lock",
				"project", req.ProjectID, "branch", req.Branch, "type", req.Type,
				"expired_at", existing.ExpiresAt)
		}

		key := uuid.New().String()
		inserted, err := m.store.InsertLock(ctx, models.AnalysisLock{
			Key:        key,
			ProjectID:  req.ProjectID,
			Branch:     req.Branch,
			Type:       req.Type,
			HolderID:   m.holderID,
			CommitHash: req.CommitHash,
			PRNumber:   req.PRNumber,
			ExpiresAt:  time.Now().Add(ttl),
		})
		if err != nil {
			return "", fmt.Errorf("insert lock: %w", err)
		}
		if inserted {
			return key, nil
		}
		// Lost the insert race. Loop once more in case the winner is already
		// expired; otherwise the next iteration denies.
	}
	return "", ErrDenied
}

// AcquireWithWait retries Acquire on a fixed interval until success or the
// bounded wait elapses. Each attempt emits a progress message to sink so a
// caller streaming status can show "waiting for lock" updates. Timeout is
// reported as ErrWaitTimeout, a recoverable outcome distinct from failure.
func (m *Manager) AcquireWithWait(ctx context.Context, req Request, opts Options, sink Sink) (string, error) {
	wait := opts.WaitTimeout
	if wait == 0 {
		wait = m.defaultWait
	}
	poll := opts.PollInterval
	if poll == 0 {
		poll = m.defaultPoll
	}

	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	waited := false
	for {
		key, err := m.Acquire(ctx, req, opts)
		if err == nil {
			if waited && sink != nil {
				sink("lock acquired, starting analysis")
			}
			return key, nil
		}
		if !errors.Is(err, ErrDenied) {
			return "", err
		}

		if time.Now().After(deadline) {
			m.log.Warnw("lock wait timed out",
				"project", req.ProjectID, "branch", req.Branch, "type", req.Type, "waited", wait)
			return "", ErrWaitTimeout
		}
		waited = true
		if sink != nil {
			sink(fmt.Sprintf("another analysis holds the %s lock for %s, waiting...", req.Type, req.Branch))
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release deletes the lock by key. Idempotent: a missing key is not an error,
// the row may already have expired and been swept.
func (m *Manager) Release(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := m.store.DeleteLockByKey(ctx, key); err != nil {
		m.log.Errorw("release lock", "key", key, "error", err)
	}
}

// Extend pushes the lock expiry out for long-running jobs. Returns false when
// the lock is missing or already expired.
func (m *Manager) Extend(ctx context.Context, key string, d time.Duration) bool {
	ok, err := m.store.ExtendLock(ctx, key, time.Now().Add(d))
	if err != nil {
		m.log.Errorw("extend lock", "key", key, "error", err)
		return false
	}
	return ok
}

// Sweep bulk-deletes expired locks. Run periodically regardless of waiters so
// storage stays bounded and crashed holders cannot block acquisition forever.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteExpiredLocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep locks: %w", err)
	}
	if n > 0 {
		m.log.Infow("swept expired locks", "count", n)
	}
	return n, nil
}
