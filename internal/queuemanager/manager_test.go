// Copyright 2025 James Ross
package queuemanager

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sowers-io/bosca-sub001/internal/durablestore"
	"github.com/sowers-io/bosca-sub001/internal/planmodel"
	"github.com/sowers-io/bosca-sub001/internal/queuestore"
	"go.uber.org/zap"
)

// The Queue Manager spans both stores, so its tests need a real Postgres
// (row-lock semantics are not meaningfully faked) alongside a miniredis
// instance, matching the gating already established in durablestore's and
// queuestore's own suites.
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping queuemanager integration test")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := durablestore.CreateSchema(context.Background(), db); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ds := durablestore.New(db)
	qs := queuestore.New(rdb)
	return New(ds, qs, zap.NewNop(), time.Minute, 1000, 1000)
}

func oneActivityWorkflow(queue string) planmodel.WorkflowTemplate {
	return planmodel.WorkflowTemplate{
		ID:          "wf-single",
		MaxFailures: 3,
		Activities: []planmodel.WorkflowActivity{
			{Queue: queue, ActivityID: "A", ExecutionGroup: 1},
		},
	}
}

func TestEnqueueDequeueComplete(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	queue := "q-" + uuid.New().String()

	plan, err := m.EnqueueWorkflow(ctx, queue, oneActivityWorkflow(queue), nil, EnqueueOptions{})
	if err != nil {
		t.Fatalf("EnqueueWorkflow: %v", err)
	}

	job, ok, err := m.Dequeue(ctx, queue)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if !ok {
		t.Fatalf("expected a runnable job")
	}
	if job.ID.ID != plan.ID.ID || job.ID.Index != 0 {
		t.Fatalf("unexpected job id: %+v", job.ID)
	}

	if err := m.Complete(ctx, job.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err := m.ds.Get(ctx, plan.ID.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Finished == nil {
		t.Fatalf("expected plan finished after its only job completed")
	}
}

func TestFailThenRetrySucceeds(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	queue := "q-" + uuid.New().String()

	plan, err := m.EnqueueWorkflow(ctx, queue, oneActivityWorkflow(queue), nil, EnqueueOptions{})
	if err != nil {
		t.Fatalf("EnqueueWorkflow: %v", err)
	}

	job, ok, err := m.Dequeue(ctx, queue)
	if err != nil || !ok {
		t.Fatalf("Dequeue: ok=%v err=%v", ok, err)
	}
	if err := m.Fail(ctx, job.ID, "boom", true); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	got, err := m.ds.Get(ctx, plan.ID.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Finished != nil {
		t.Fatalf("expected plan still running after a retryable failure")
	}
	if got.Jobs[0].Failures != 1 {
		t.Fatalf("expected one recorded failure, got %d", got.Jobs[0].Failures)
	}
}

func TestCompletePropagatesToParent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	queue := "q-" + uuid.New().String()

	parentPlan, err := m.EnqueueWorkflow(ctx, queue, oneActivityWorkflow(queue), nil, EnqueueOptions{})
	if err != nil {
		t.Fatalf("EnqueueWorkflow parent: %v", err)
	}
	parentJob, ok, err := m.Dequeue(ctx, queue)
	if err != nil || !ok {
		t.Fatalf("Dequeue parent: ok=%v err=%v", ok, err)
	}

	children, err := m.EnqueueJobChildWorkflows(ctx, parentJob.ID, []planmodel.WorkflowTemplate{oneActivityWorkflow(queue)}, nil)
	if err != nil {
		t.Fatalf("EnqueueJobChildWorkflows: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("expected 1 child plan, got %d", len(children))
	}

	// Completing the parent job now should not finish the parent plan: its
	// spawned child has not finished yet.
	if err := m.Complete(ctx, parentJob.ID); err != nil {
		t.Fatalf("Complete parent job: %v", err)
	}
	parent, err := m.ds.Get(ctx, parentPlan.ID.ID)
	if err != nil {
		t.Fatalf("Get parent: %v", err)
	}
	if parent.Finished != nil {
		t.Fatalf("expected parent plan still open pending its child")
	}

	childJob, ok, err := m.Dequeue(ctx, queue)
	if err != nil || !ok {
		t.Fatalf("Dequeue child: ok=%v err=%v", ok, err)
	}
	if err := m.Complete(ctx, childJob.ID); err != nil {
		t.Fatalf("Complete child job: %v", err)
	}

	parent, err = m.ds.Get(ctx, parentPlan.ID.ID)
	if err != nil {
		t.Fatalf("Get parent (after child): %v", err)
	}
	if parent.Finished == nil {
		t.Fatalf("expected parent plan finished once its only child completed")
	}
}

func TestCancelledPlanSkippedOnDequeue(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	queue := "q-" + uuid.New().String()

	plan, err := m.EnqueueWorkflow(ctx, queue, oneActivityWorkflow(queue), nil, EnqueueOptions{})
	if err != nil {
		t.Fatalf("EnqueueWorkflow: %v", err)
	}
	if _, err := m.CancelWorkflows(ctx, CancelFilter{PlanIDs: []uuid.UUID{plan.ID.ID}}); err != nil {
		t.Fatalf("CancelWorkflows: %v", err)
	}

	_, ok, err := m.Dequeue(ctx, queue)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if ok {
		t.Fatalf("expected cancelled plan's job to be skipped, not dispatched")
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	queue := "q-" + uuid.New().String()

	_, err := m.EnqueueWorkflow(ctx, queue, oneActivityWorkflow(queue), nil, EnqueueOptions{})
	if err != nil {
		t.Fatalf("EnqueueWorkflow: %v", err)
	}
	job, ok, err := m.Dequeue(ctx, queue)
	if err != nil || !ok {
		t.Fatalf("Dequeue: ok=%v err=%v", ok, err)
	}
	if err := m.Complete(ctx, job.ID); err != nil {
		t.Fatalf("Complete (first): %v", err)
	}
	if err := m.Complete(ctx, job.ID); err != nil {
		t.Fatalf("Complete (second, should be a no-op): %v", err)
	}
}
