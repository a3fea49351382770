// Package notify delivers live job log events to subscribers. Each job gets a
// pub/sub topic keyed by its external id; delivery is best-effort with no
// replay, the durable trail lives in the job_logs table.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LogEvent is the wire form of one job log line pushed to live subscribers.
type LogEvent struct {
	JobID    string         `json:"job_id"`
	Seq      int            `json:"seq"`
	Level    string         `json:"level"`
	Step     string         `json:"step,omitempty"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Recorded time.Time      `json:"recorded_at"`
}

// Broadcaster publishes log events to per-job Redis channels and manages
// in-process subscriptions over them.
type Broadcaster struct {
	client *redis.Client
	log    *zap.SugaredLogger

	mu   sync.Mutex
	subs map[string][]*subscription
}

type subscription struct {
	ps   *redis.PubSub
	out  chan LogEvent
	once sync.Once
}

func (s *subscription) stop() {
	// The pump goroutine closes out when the pubsub channel drains.
	s.once.Do(func() { _ = s.ps.Close() })
}

// New builds a broadcaster over the given Redis client.
func New(client *redis.Client, log *zap.SugaredLogger) *Broadcaster {
	return &Broadcaster{
		client: client,
		log:    log.Named("notify"),
		subs:   make(map[string][]*subscription),
	}
}

func channelFor(externalID string) string {
	return "joblog:" + externalID
}

// Publish pushes one event to the job's topic. Failures are logged, never
// propagated: live delivery must not fail the durable log write behind it.
func (b *Broadcaster) Publish(ctx context.Context, ev LogEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Errorw("marshal log event", "job", ev.JobID, "error", err)
		return
	}
	if err := b.client.Publish(ctx, channelFor(ev.JobID), payload).Err(); err != nil {
		b.log.Warnw("publish log event", "job", ev.JobID, "error", err)
	}
}

// Subscribe opens a live stream of log events for one job. The returned cancel
// func is safe to call more than once. Slow consumers lose events rather than
// block the pump: the channel is buffered and sends are non-blocking.
func (b *Broadcaster) Subscribe(ctx context.Context, externalID string) (<-chan LogEvent, func()) {
	ps := b.client.Subscribe(ctx, channelFor(externalID))
	sub := &subscription{ps: ps, out: make(chan LogEvent, 64)}

	go func() {
		defer close(sub.out)
		for msg := range ps.Channel() {
			var ev LogEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warnw("decode log event", "job", externalID, "error", err)
				continue
			}
			select {
			case sub.out <- ev:
			default:
			}
		}
	}()

	b.mu.Lock()
	b.subs[externalID] = append(b.subs[externalID], sub)
	b.mu.Unlock()

	cancel := func() {
		sub.stop()
		b.mu.Lock()
		defer b.mu.Unlock()
		remaining := b.subs[externalID][:0]
		for _, s := range b.subs[externalID] {
			if s != sub {
				remaining = append(remaining, s)
			}
		}
		if len(remaining) == 0 {
			delete(b.subs, externalID)
		} else {
			b.subs[externalID] = remaining
		}
	}
	return sub.out, cancel
}

// CloseTopic tears down every subscription for a job. Called when the job
// reaches a terminal state so subscriber maps cannot leak.
func (b *Broadcaster) CloseTopic(externalID string) {
	b.mu.Lock()
	subs := b.subs[externalID]
	delete(b.subs, externalID)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

// SubscriberCount reports open subscriptions for a job.
func (b *Broadcaster) SubscriberCount(externalID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[externalID])
}

// Ping verifies Redis connectivity at startup.
func (b *Broadcaster) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}
