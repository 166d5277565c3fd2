// Copyright 2025 James Ross
package queuestore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client), mr
}

func TestDequeueEmptyReturnsFalse(t *testing.T) {
	s, _ := newTestStore(t)
	token, ok, err := s.Dequeue(context.Background(), "q1", time.Minute)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if ok || token != "" {
		t.Fatalf("expected empty dequeue, got %q", token)
	}
}

func TestPushThenDequeueLeasesToken(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.PushPending(ctx, "q1", "PLAN::q1::abc"); err != nil {
		t.Fatalf("PushPending: %v", err)
	}

	token, ok, err := s.Dequeue(ctx, "q1", time.Minute)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if !ok || token != "PLAN::q1::abc" {
		t.Fatalf("unexpected dequeue result: %q, %v", token, ok)
	}

	n, err := s.RunningLength(ctx, "q1")
	if err != nil {
		t.Fatalf("RunningLength: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 running entry, got %d", n)
	}

	pending, err := s.PendingLength(ctx, "q1")
	if err != nil {
		t.Fatalf("PendingLength: %v", err)
	}
	if pending != 0 {
		t.Fatalf("expected empty pending, got %d", pending)
	}
}

func TestCheckinRenewsLease(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// A negative lease TTL backdates the running score into the past, so
	// the lease reads as already-expired without needing real elapsed
	// wall-clock time (scores are epoch seconds, not miniredis TTLs).
	if err := s.PushPending(ctx, "q1", "JOB::q1::abc::0"); err != nil {
		t.Fatalf("PushPending: %v", err)
	}
	if _, _, err := s.Dequeue(ctx, "q1", -time.Second); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	n, err := s.ReclaimExpired(ctx, "q1")
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected lease to have expired and been reclaimed, got %d", n)
	}

	// re-dequeue with a long lease, check in, and confirm renewal prevents reclaim.
	token, _, err := s.Dequeue(ctx, "q1", time.Hour)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := s.Checkin(ctx, "q1", token, time.Hour); err != nil {
		t.Fatalf("Checkin: %v", err)
	}
	n, err = s.ReclaimExpired(ctx, "q1")
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if n != 0 {
		t.Fatalf("checked-in lease should not have been reclaimed, got %d", n)
	}
}

func TestRemoveRunningClearsLease(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.PushPending(ctx, "q1", "JOB::q1::abc::0"); err != nil {
		t.Fatalf("PushPending: %v", err)
	}
	token, _, err := s.Dequeue(ctx, "q1", time.Minute)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := s.RemoveRunning(ctx, "q1", token); err != nil {
		t.Fatalf("RemoveRunning: %v", err)
	}
	n, err := s.RunningLength(ctx, "q1")
	if err != nil {
		t.Fatalf("RunningLength: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 running entries after RemoveRunning, got %d", n)
	}
}

func TestPushPendingDelayedPromotesWhenDue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Not yet due: delay is in the future.
	if err := s.PushPendingDelayed(ctx, "q1", "DELAYED_JOB::q1::abc::0@1", time.Hour); err != nil {
		t.Fatalf("PushPendingDelayed: %v", err)
	}
	n, err := s.ReclaimExpired(ctx, "q1")
	if err != nil {
		t.Fatalf("ReclaimExpired (too early): %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing due yet, got %d", n)
	}

	// Due: a negative delay backdates the score into the past.
	if err := s.PushPendingDelayed(ctx, "q1", "DELAYED_JOB::q1::def::0@1", -time.Second); err != nil {
		t.Fatalf("PushPendingDelayed: %v", err)
	}
	n, err = s.ReclaimExpired(ctx, "q1")
	if err != nil {
		t.Fatalf("ReclaimExpired (due): %v", err)
	}
	if n != 1 {
		t.Fatalf("expected delayed entry to be promoted, got %d", n)
	}

	pending, err := s.PendingLength(ctx, "q1")
	if err != nil {
		t.Fatalf("PendingLength: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected promoted entry in pending, got %d", pending)
	}
}

func TestRunningKeysAndQueueFromRunningKey(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.PushPending(ctx, "alpha", "JOB::alpha::abc::0"); err != nil {
		t.Fatalf("PushPending: %v", err)
	}
	if _, _, err := s.Dequeue(ctx, "alpha", time.Minute); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	keys, err := s.RunningKeys(ctx)
	if err != nil {
		t.Fatalf("RunningKeys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected 1 running key, got %v", keys)
	}
	queue, ok := QueueFromRunningKey(keys[0])
	if !ok || queue != "alpha" {
		t.Fatalf("QueueFromRunningKey(%q) = %q, %v", keys[0], queue, ok)
	}
}
