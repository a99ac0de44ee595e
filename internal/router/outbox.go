package router

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ChangeOp identifies the write operation an outbox entry propagates.
type ChangeOp string

const (
	ChangeOpCreate ChangeOp = "create"
	ChangeOpUpdate ChangeOp = "update"
	ChangeOpDelete ChangeOp = "delete"
)

// ChangeEvent is one write against the primary backend that secondary
// backends must be kept current with.
type ChangeEvent struct {
	TenantID     string
	ResourceType string
	ResourceID   string
	VersionID    string
	Content      json.RawMessage
	Op           ChangeOp
}

// Publisher applies a ChangeEvent against one secondary backend. Returning
// an error marks the attempt failed and eligible for retry.
type Publisher func(ctx context.Context, targetBackend string, event ChangeEvent) error

type outboxEntry struct {
	event       ChangeEvent
	target      string
	attempts    int
	nextAttempt time.Time
}

// Outbox propagates primary-backend writes to secondary backends under a
// SyncConfig's mode and retry policy: synchronous publishes inline, and a
// failed inline publish is logged and queued for retry (Record reports no
// error to its caller), asynchronous always queues for background delivery,
// and hybrid synchronously propagates to search-capable targets (keeping
// full-text reads fresh) while queuing the rest.
type Outbox struct {
	Sync    SyncConfig
	Publish Publisher
	mu      sync.Mutex
	pending []*outboxEntry
}

// NewOutbox constructs an Outbox bound to a sync policy and publish hook.
func NewOutbox(sync SyncConfig, publish Publisher) *Outbox {
	return &Outbox{Sync: sync, Publish: publish}
}

// Record propagates a change to the given secondary backends, honoring
// the configured SyncMode. isSearchTarget reports whether a target is a
// search/full-text backend, consulted only in hybrid mode.
func (o *Outbox) Record(ctx context.Context, event ChangeEvent, targets []string, isSearchTarget func(string) bool) {
	for _, target := range targets {
		switch o.Sync.Mode {
		case SyncSynchronous:
			o.publishNow(ctx, target, event)
		case SyncHybrid:
			if o.Sync.HybridSyncForSearch && isSearchTarget != nil && isSearchTarget(target) {
				o.publishNow(ctx, target, event)
			} else {
				o.enqueue(target, event)
			}
		default: // SyncAsynchronous
			o.enqueue(target, event)
		}
	}
}

func (o *Outbox) publishNow(ctx context.Context, target string, event ChangeEvent) {
	if err := o.Publish(ctx, target, event); err != nil {
		log.Warn().Err(err).Str("target", target).Str("resource_type", event.ResourceType).
			Str("resource_id", event.ResourceID).Msg("synchronous secondary propagation failed, queuing for retry")
		o.enqueue(target, event)
	}
}

func (o *Outbox) enqueue(target string, event ChangeEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = append(o.pending, &outboxEntry{event: event, target: target, nextAttempt: time.Time{}})
}

// Pending returns the count of entries awaiting delivery, for health/lag
// reporting against SyncConfig.MaxReadLagMS.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Drain attempts delivery of every entry whose retry backoff has elapsed
// as of now, removing entries that succeed or that exhaust their retry
// budget. It returns the number of entries successfully delivered.
func (o *Outbox) Drain(ctx context.Context, now time.Time) int {
	o.mu.Lock()
	due := o.pending[:0:0]
	var rest []*outboxEntry
	for _, e := range o.pending {
		if !e.nextAttempt.After(now) {
			due = append(due, e)
		} else {
			rest = append(rest, e)
		}
	}
	o.mu.Unlock()

	delivered := 0
	var requeue []*outboxEntry
	for _, e := range due {
		if err := o.Publish(ctx, e.target, e.event); err != nil {
			e.attempts++
			if e.attempts >= o.Sync.Retry.MaxAttempts {
				log.Error().Err(err).Str("target", e.target).Str("resource_id", e.event.ResourceID).
					Int("attempts", e.attempts).Msg("secondary propagation abandoned after exhausting retries")
				continue
			}
			e.nextAttempt = now.Add(backoffDelay(o.Sync.Retry, e.attempts))
			requeue = append(requeue, e)
			continue
		}
		delivered++
	}

	o.mu.Lock()
	o.pending = append(rest, requeue...)
	o.mu.Unlock()
	return delivered
}

// backoffDelay computes the delay before the next attempt, per
// RetryConfig's exponential backoff capped at MaxDelay.
func backoffDelay(r RetryConfig, attempt int) time.Duration {
	delay := float64(r.InitialDelay) * math.Pow(r.BackoffMultiplier, float64(attempt-1))
	if capped := float64(r.MaxDelay); delay > capped {
		delay = capped
	}
	return time.Duration(delay)
}
