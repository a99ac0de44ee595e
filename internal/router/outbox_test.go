package router

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOutbox_SynchronousPublishesInline(t *testing.T) {
	var published []string
	publish := func(ctx context.Context, target string, event ChangeEvent) error {
		published = append(published, target)
		return nil
	}
	o := NewOutbox(SyncConfig{Mode: SyncSynchronous, Retry: DefaultRetryConfig()}, publish)
	o.Record(context.Background(), ChangeEvent{ResourceID: "p1"}, []string{"es"}, nil)
	if len(published) != 1 || published[0] != "es" {
		t.Fatalf("published = %v", published)
	}
	if o.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", o.Pending())
	}
}

func TestOutbox_AsynchronousQueuesForDrain(t *testing.T) {
	var published []string
	publish := func(ctx context.Context, target string, event ChangeEvent) error {
		published = append(published, target)
		return nil
	}
	o := NewOutbox(SyncConfig{Mode: SyncAsynchronous, Retry: DefaultRetryConfig()}, publish)
	o.Record(context.Background(), ChangeEvent{ResourceID: "p1"}, []string{"es"}, nil)
	if len(published) != 0 {
		t.Fatalf("expected no synchronous publish, got %v", published)
	}
	if o.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", o.Pending())
	}

	delivered := o.Drain(context.Background(), time.Now())
	if delivered != 1 || len(published) != 1 {
		t.Fatalf("delivered = %d, published = %v", delivered, published)
	}
	if o.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0 after drain", o.Pending())
	}
}

func TestOutbox_HybridSyncsSearchTargetsOnly(t *testing.T) {
	var published []string
	publish := func(ctx context.Context, target string, event ChangeEvent) error {
		published = append(published, target)
		return nil
	}
	o := NewOutbox(SyncConfig{Mode: SyncHybrid, HybridSyncForSearch: true, Retry: DefaultRetryConfig()}, publish)
	isSearch := func(target string) bool { return target == "es" }
	o.Record(context.Background(), ChangeEvent{ResourceID: "p1"}, []string{"es", "neo"}, isSearch)

	if len(published) != 1 || published[0] != "es" {
		t.Fatalf("published = %v, want only es synchronously", published)
	}
	if o.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1 (neo queued)", o.Pending())
	}
}

func TestOutbox_DrainRetriesThenAbandons(t *testing.T) {
	attempts := 0
	publish := func(ctx context.Context, target string, event ChangeEvent) error {
		attempts++
		return errors.New("backend unavailable")
	}
	retry := RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1.0}
	o := NewOutbox(SyncConfig{Mode: SyncAsynchronous, Retry: retry}, publish)
	o.Record(context.Background(), ChangeEvent{ResourceID: "p1"}, []string{"es"}, nil)

	now := time.Now()
	delivered := o.Drain(context.Background(), now)
	if delivered != 0 || o.Pending() != 1 {
		t.Fatalf("after 1st drain: delivered=%d pending=%d", delivered, o.Pending())
	}

	delivered = o.Drain(context.Background(), now.Add(time.Second))
	if delivered != 0 || o.Pending() != 0 {
		t.Fatalf("after 2nd drain: delivered=%d pending=%d, want abandoned", delivered, o.Pending())
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2 (MaxAttempts)", attempts)
	}
}
