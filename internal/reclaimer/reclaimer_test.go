// Copyright 2025 James Ross
package reclaimer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sowers-io/bosca-sub001/internal/planmodel"
	"github.com/sowers-io/bosca-sub001/internal/queuestore"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*queuestore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return queuestore.New(client), mr
}

func TestSweepOnceReclaimsExpiredAcrossQueues(t *testing.T) {
	qs, _ := newTestStore(t)
	ctx := context.Background()

	jobID := planmodel.WorkflowJobId{Queue: "q1", ID: uuid.New(), Index: 0}
	if err := qs.PushPending(ctx, "q1", queuestore.JobEntry(jobID)); err != nil {
		t.Fatalf("PushPending: %v", err)
	}
	if _, _, err := qs.Dequeue(ctx, "q1", -time.Second); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	r := New(qs, zap.NewNop(), time.Hour)
	r.sweepOnce(ctx)

	pending, err := qs.PendingLength(ctx, "q1")
	if err != nil {
		t.Fatalf("PendingLength: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected expired lease reclaimed back to pending, got %d", pending)
	}
	running, err := qs.RunningLength(ctx, "q1")
	if err != nil {
		t.Fatalf("RunningLength: %v", err)
	}
	if running != 0 {
		t.Fatalf("expected running set drained, got %d", running)
	}
}

func TestSweepOnceLeavesLiveLeasesAlone(t *testing.T) {
	qs, _ := newTestStore(t)
	ctx := context.Background()

	jobID := planmodel.WorkflowJobId{Queue: "q1", ID: uuid.New(), Index: 0}
	if err := qs.PushPending(ctx, "q1", queuestore.JobEntry(jobID)); err != nil {
		t.Fatalf("PushPending: %v", err)
	}
	if _, _, err := qs.Dequeue(ctx, "q1", time.Hour); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	r := New(qs, zap.NewNop(), time.Hour)
	r.sweepOnce(ctx)

	running, err := qs.RunningLength(ctx, "q1")
	if err != nil {
		t.Fatalf("RunningLength: %v", err)
	}
	if running != 1 {
		t.Fatalf("expected live lease to remain in running set, got %d", running)
	}
}

func TestSweepOnceSkipsQueuesWithNoRunningKey(t *testing.T) {
	qs, _ := newTestStore(t)
	ctx := context.Background()

	r := New(qs, zap.NewNop(), time.Hour)
	r.sweepOnce(ctx) // must not panic or error with no running(*) keys at all
}
