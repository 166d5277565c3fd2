// Copyright 2025 James Ross
package transition

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
	"github.com/sowers-io/bosca-sub001/internal/queuemanager"
	"github.com/sowers-io/bosca-sub001/internal/queuestore"
	"go.uber.org/zap"
)

// The transition controller drives the Queue Manager end to end, so its
// tests need the same Postgres + miniredis gating as queuemanager's own
// suite.
func newTestController(t *testing.T) (*Controller, *Catalog, *Store) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping transition controller integration test")
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
	qm := queuemanager.New(ds, qs, zap.NewNop(), time.Minute, 1000, 1000)

	catalog := NewCatalog()
	store := NewStore(db)
	return NewController(qm, catalog, store, ds, zap.NewNop()), catalog, store
}

func oneActivityTemplate(id, queue string) planmodel.WorkflowTemplate {
	return planmodel.WorkflowTemplate{
		ID:          id,
		MaxFailures: 1,
		Activities: []planmodel.WorkflowActivity{
			{Queue: queue, ActivityID: "A", ExecutionGroup: 1},
		},
	}
}

func TestBeginTransitionImmediateCommit(t *testing.T) {
	c, catalog, store := newTestController(t)
	ctx := context.Background()

	exitWF, enterWF, defaultWF := "exit-wf", "enter-wf", "default-wf"
	catalog.PutStateForTest(WorkflowState{ID: "draft", ExitWorkflowID: &exitWF})
	catalog.PutStateForTest(WorkflowState{ID: "published", EntryWorkflowID: &enterWF, DefaultWorkflowID: &defaultWF})
	catalog.PutTransitionForTest("draft", "published")
	catalog.PutTemplateForTest(exitWF, oneActivityTemplate(exitWF, exitWF))
	catalog.PutTemplateForTest(enterWF, oneActivityTemplate(enterWF, enterWF))
	catalog.PutTemplateForTest(defaultWF, oneActivityTemplate(defaultWF, defaultWF))

	itemID := uuid.New()
	metadataID := uuid.New()
	if err := store.SetPending(ctx, itemID, ItemKindMetadata, "draft", "draft", nil); err != nil {
		t.Fatalf("seed current state: %v", err)
	}
	if err := store.Commit(ctx, itemID); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	req := BeginTransitionRequest{ItemID: itemID, Kind: ItemKindMetadata, MetadataID: &metadataID, TargetState: "published"}
	if err := c.BeginTransition(ctx, req, nil); err != nil {
		t.Fatalf("BeginTransition: %v", err)
	}

	st, err := store.Get(ctx, itemID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.StateID != "published" || st.PendingStateID != nil {
		t.Fatalf("expected immediate commit to published, got %+v", st)
	}
}

func TestBeginTransitionRejectsAlreadyInState(t *testing.T) {
	c, catalog, store := newTestController(t)
	ctx := context.Background()

	catalog.PutStateForTest(WorkflowState{ID: "draft"})
	itemID := uuid.New()
	if err := store.SetPending(ctx, itemID, ItemKindMetadata, "draft", "draft", nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.Commit(ctx, itemID); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	req := BeginTransitionRequest{ItemID: itemID, Kind: ItemKindMetadata, TargetState: "draft"}
	if err := c.BeginTransition(ctx, req, nil); err != ErrAlreadyInState {
		t.Fatalf("expected ErrAlreadyInState, got %v", err)
	}
}

func TestBeginTransitionRejectsMissingEdge(t *testing.T) {
	c, catalog, store := newTestController(t)
	ctx := context.Background()

	catalog.PutStateForTest(WorkflowState{ID: "draft"})
	catalog.PutStateForTest(WorkflowState{ID: "archived"})
	itemID := uuid.New()
	if err := store.SetPending(ctx, itemID, ItemKindMetadata, "draft", "draft", nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.Commit(ctx, itemID); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	req := BeginTransitionRequest{ItemID: itemID, Kind: ItemKindMetadata, TargetState: "archived"}
	if err := c.BeginTransition(ctx, req, nil); err != ErrNoSuchTransition {
		t.Fatalf("expected ErrNoSuchTransition, got %v", err)
	}
}

func TestBeginTransitionSchedulesDelayed(t *testing.T) {
	c, catalog, store := newTestController(t)
	ctx := context.Background()

	catalog.PutStateForTest(WorkflowState{ID: "draft"})
	catalog.PutStateForTest(WorkflowState{ID: "published"})
	catalog.PutTransitionForTest("draft", "published")
	catalog.PutTemplateForTest(MetadataDelayedTransitionWorkflowID, oneActivityTemplate(MetadataDelayedTransitionWorkflowID, MetadataDelayedTransitionWorkflowID))

	itemID := uuid.New()
	metadataID := uuid.New()
	if err := store.SetPending(ctx, itemID, ItemKindMetadata, "draft", "draft", nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.Commit(ctx, itemID); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	future := time.Now().UTC().Add(time.Hour)
	req := BeginTransitionRequest{ItemID: itemID, Kind: ItemKindMetadata, MetadataID: &metadataID, TargetState: "published"}
	if err := c.BeginTransition(ctx, req, &future); err != nil {
		t.Fatalf("BeginTransition: %v", err)
	}

	st, err := store.Get(ctx, itemID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.StateID != "draft" || st.PendingStateID == nil || *st.PendingStateID != "published" {
		t.Fatalf("expected transition to remain pending until delay elapses, got %+v", st)
	}

	plans, err := c.ds.GetActiveByContentRef(ctx, &metadataID, nil)
	if err != nil {
		t.Fatalf("GetActiveByContentRef: %v", err)
	}
	if len(plans) != 1 {
		t.Fatalf("expected one outstanding delayed_transition plan, got %d", len(plans))
	}
}

func TestResumeCompletesDelayedTransition(t *testing.T) {
	c, catalog, store := newTestController(t)
	ctx := context.Background()

	defaultWF := "default-wf"
	catalog.PutStateForTest(WorkflowState{ID: "draft"})
	catalog.PutStateForTest(WorkflowState{ID: "published", DefaultWorkflowID: &defaultWF})
	catalog.PutTemplateForTest(defaultWF, oneActivityTemplate(defaultWF, defaultWF))

	itemID := uuid.New()
	past := time.Now().UTC().Add(-time.Minute)
	if err := store.SetPending(ctx, itemID, ItemKindMetadata, "draft", "published", &past); err != nil {
		t.Fatalf("seed pending: %v", err)
	}

	if err := c.Resume(ctx, itemID, ItemKindMetadata); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	st, err := store.Get(ctx, itemID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.StateID != "published" || st.PendingStateID != nil {
		t.Fatalf("expected Resume to commit the pending state, got %+v", st)
	}
}

func TestCancelTransitionClearsPending(t *testing.T) {
	c, catalog, store := newTestController(t)
	ctx := context.Background()

	catalog.PutStateForTest(WorkflowState{ID: "draft"})
	catalog.PutStateForTest(WorkflowState{ID: "published"})
	catalog.PutTransitionForTest("draft", "published")
	catalog.PutTemplateForTest(MetadataDelayedTransitionWorkflowID, oneActivityTemplate(MetadataDelayedTransitionWorkflowID, MetadataDelayedTransitionWorkflowID))

	itemID := uuid.New()
	metadataID := uuid.New()
	if err := store.SetPending(ctx, itemID, ItemKindMetadata, "draft", "draft", nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.Commit(ctx, itemID); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	future := time.Now().UTC().Add(time.Hour)
	req := BeginTransitionRequest{ItemID: itemID, Kind: ItemKindMetadata, MetadataID: &metadataID, TargetState: "published"}
	if err := c.BeginTransition(ctx, req, &future); err != nil {
		t.Fatalf("BeginTransition: %v", err)
	}

	if err := c.CancelTransition(ctx, req); err != nil {
		t.Fatalf("CancelTransition: %v", err)
	}
	st, err := store.Get(ctx, itemID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.StateID != "draft" || st.PendingStateID != nil {
		t.Fatalf("expected cancellation to restore prior state, got %+v", st)
	}

	plans, err := c.ds.GetActiveByContentRef(ctx, &metadataID, nil)
	if err != nil {
		t.Fatalf("GetActiveByContentRef: %v", err)
	}
	for _, p := range plans {
		if !p.Cancelled {
			t.Fatalf("expected outstanding delayed_transition plan to be cancelled")
		}
	}
}
