// Package dedup suppresses repeated triggers for the same (project, commit)
// pair arriving through different event channels, e.g. a merge event and a push
// event for the same resulting commit. The cache is in-process and best-effort.
package dedup

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Cache is a time-windowed first-writer-wins map.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	window  time.Duration
	log     *zap.SugaredLogger
	now     func() time.Time
	lastGC  time.Time
}

// New builds a cache with the given suppression window.
func New(window time.Duration, log *zap.SugaredLogger) *Cache {
	if window == 0 {
		window = 30 * time.Second
	}
	return &Cache{
		seen:   make(map[string]time.Time),
		window: window,
		log:    log.Named("dedup"),
		now:    time.Now,
	}
}

func key(projectID int64, commitHash string) string {
	return fmt.Sprintf("%d:%s", projectID, commitHash)
}

// IsDuplicate atomically checks and records the trigger. The first caller for
// a key inside the window wins and is treated as not-duplicate; later callers
// are duplicates until the window elapses.
func (c *Cache) IsDuplicate(projectID int64, commitHash, eventType string) bool {
	if commitHash == "" {
		return false
	}
	k := key(projectID, commitHash)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybePurge(now)

	if first, ok := c.seen[k]; ok && now.Sub(first) < c.window {
		c.log.Debugw("suppressed duplicate trigger",
			"project", projectID, "commit", commitHash, "event", eventType,
			"first_seen", first)
		return true
	}
	c.seen[k] = now
	return false
}

// maybePurge lazily evicts entries older than twice the window. Runs at most
// once per window so hot paths do not scan the whole map on every call.
func (c *Cache) maybePurge(now time.Time) {
	if now.Sub(c.lastGC) < c.window {
		return
	}
	c.lastGC = now
	cutoff := now.Add(-2 * c.window)
	for k, first := range c.seen {
		if first.Before(cutoff) {
			delete(c.seen, k)
		}
	}
}

// Len reports the number of tracked entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
