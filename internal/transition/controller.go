// Copyright 2025 James Ross
package transition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sowers-io/bosca-sub001/internal/durablestore"
	"github.com/sowers-io/bosca-sub001/internal/events"
	"github.com/sowers-io/bosca-sub001/internal/planmodel"
	"github.com/sowers-io/bosca-sub001/internal/queuemanager"
	"go.uber.org/zap"
)

// Well-known workflow ids for the meta-workflow used to resume a
// transition once its delay has elapsed. The activity behind these ids
// calls Controller.Resume; it carries no other behavior.
const (
	MetadataDelayedTransitionWorkflowID   = "metadata_delayed_transition"
	CollectionDelayedTransitionWorkflowID = "collection_delayed_transition"

	// DelayedTransitionActivityID is the activity id a worker harness
	// registers its resume callback under; both delayed-transition
	// workflow templates above are expected to carry a single job with
	// this activity id, whatever queue they run on.
	DelayedTransitionActivityID = "delayed_transition"
)

var (
	ErrAlreadyInState     = errors.New("transition: item already in target state")
	ErrTransitionPending  = errors.New("transition: item already has a transition pending")
	ErrNoSuchTransition   = errors.New("transition: no such edge in the lifecycle graph")
	ErrUnknownState       = errors.New("transition: state not found in catalog")
	ErrPendingStateExit   = errors.New("transition: cannot leave a pending state via a manual transition")
)

type transitionKind int

const (
	kindExit transitionKind = iota
	kindEnter
	kindDefault
)

// BeginTransitionRequest names the item and the lifecycle edge to drive it
// across.
type BeginTransitionRequest struct {
	ItemID       uuid.UUID
	Kind         ItemKind
	MetadataID   *uuid.UUID
	CollectionID *uuid.UUID
	TargetState  string
}

// Controller is the Transition Controller (TC): it validates a requested
// lifecycle edge against the catalog, dispatches the edge's exit/enter
// workflows synchronously, and either dispatches (or schedules, if the
// target state is not yet valid) the target state's default workflow.
type Controller struct {
	qm      *queuemanager.Manager
	catalog *Catalog
	store   *Store
	ds      *durablestore.Store
	log     *zap.Logger
	bus     *events.Bus
}

func NewController(qm *queuemanager.Manager, catalog *Catalog, store *Store, ds *durablestore.Store, log *zap.Logger) *Controller {
	return &Controller{qm: qm, catalog: catalog, store: store, ds: ds, log: log}
}

// SetEventBus wires an events.Bus that BeginTransition and Resume publish
// ContentStateChanged to once a pending state has been committed.
// Optional: a Controller with no bus configured simply skips publishing.
func (c *Controller) SetEventBus(bus *events.Bus) {
	c.bus = bus
}

// BeginTransition drives item from its current state to req.TargetState.
// It dispatches the current state's exit workflow and the target state's
// entry workflow synchronously, then either runs the target's default
// workflow immediately or, if stateValid lies in the future, schedules a
// delayed_transition meta-workflow to resume the default step later.
func (c *Controller) BeginTransition(ctx context.Context, req BeginTransitionRequest, stateValid *time.Time) error {
	if _, ok := c.catalog.State(req.TargetState); !ok {
		return ErrUnknownState
	}

	current, err := c.store.Get(ctx, req.ItemID)
	if err != nil {
		return err
	}
	if current.PendingStateID != nil {
		return ErrTransitionPending
	}
	if current.StateID == req.TargetState {
		return ErrAlreadyInState
	}
	if current.StateID != "" {
		currentState, ok := c.catalog.State(current.StateID)
		if ok && currentState.Type == StatePending {
			return ErrPendingStateExit
		}
		if !c.catalog.HasTransition(current.StateID, req.TargetState) {
			return ErrNoSuchTransition
		}
	}

	if err := c.transition(ctx, kindExit, req, current.StateID); err != nil {
		return err
	}
	if err := c.transition(ctx, kindEnter, req, req.TargetState); err != nil {
		return err
	}

	if err := c.store.SetPending(ctx, req.ItemID, req.Kind, current.StateID, req.TargetState, stateValid); err != nil {
		return err
	}

	delay := stateValid != nil && stateValid.After(time.Now().UTC())
	if delay {
		return c.scheduleDelayedTransition(ctx, req, *stateValid)
	}

	if err := c.transition(ctx, kindDefault, req, req.TargetState); err != nil {
		return err
	}
	if err := c.store.Commit(ctx, req.ItemID); err != nil {
		return err
	}
	c.bus.Publish(events.TopicContentStateChanged, events.ContentStateChanged{
		ItemID: req.ItemID, FromStateID: current.StateID, ToStateID: req.TargetState, At: time.Now().UTC(),
	})
	return nil
}

// Resume re-runs the default sub-transition for an item whose delay has
// elapsed, invoked by the delayed_transition meta-workflow's activity.
func (c *Controller) Resume(ctx context.Context, itemID uuid.UUID, kind ItemKind) error {
	state, err := c.store.Get(ctx, itemID)
	if err != nil {
		return err
	}
	if state.PendingStateID == nil {
		c.log.Warn("transition: resume called with no pending transition", zap.String("item_id", itemID.String()))
		return nil
	}
	req := BeginTransitionRequest{ItemID: itemID, Kind: kind, TargetState: *state.PendingStateID}
	if err := c.transition(ctx, kindDefault, req, *state.PendingStateID); err != nil {
		return err
	}
	if err := c.store.Commit(ctx, itemID); err != nil {
		return err
	}
	c.bus.Publish(events.TopicContentStateChanged, events.ContentStateChanged{
		ItemID: itemID, FromStateID: state.StateID, ToStateID: *state.PendingStateID, At: time.Now().UTC(),
	})
	return nil
}

// CancelTransition cancels any outstanding delayed_transition plan for an
// item and restores it to its non-pending state, leaving the exit/enter
// workflows already dispatched as-is: they ran synchronously in
// BeginTransition and cannot be undone by cancelling the default step.
func (c *Controller) CancelTransition(ctx context.Context, req BeginTransitionRequest) error {
	plans, err := c.ds.GetActiveByContentRef(ctx, req.MetadataID, req.CollectionID)
	if err != nil {
		return err
	}
	var planIDs []uuid.UUID
	for _, p := range plans {
		if p.ID.Queue != MetadataDelayedTransitionWorkflowID && p.ID.Queue != CollectionDelayedTransitionWorkflowID {
			continue
		}
		planIDs = append(planIDs, p.ID.ID)
	}
	if len(planIDs) > 0 {
		if _, err := c.qm.CancelWorkflows(ctx, queuemanager.CancelFilter{PlanIDs: planIDs}); err != nil {
			return err
		}
	}
	return c.store.ClearPending(ctx, req.ItemID)
}

// transition resolves the workflow template configured for kind on the
// named state and, if one is configured, enqueues it.
func (c *Controller) transition(ctx context.Context, kind transitionKind, req BeginTransitionRequest, stateID string) error {
	if stateID == "" {
		return nil
	}
	state, ok := c.catalog.State(stateID)
	if !ok {
		return ErrUnknownState
	}

	var workflowID *string
	switch kind {
	case kindExit:
		workflowID = state.ExitWorkflowID
	case kindEnter:
		workflowID = state.EntryWorkflowID
	case kindDefault:
		workflowID = state.DefaultWorkflowID
	}
	if workflowID == nil {
		return nil
	}

	tmpl, ok := c.catalog.Template(*workflowID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownState, *workflowID)
	}

	queue := tmpl.ID
	opts := queuemanager.EnqueueOptions{MetadataID: req.MetadataID, CollectionID: req.CollectionID}
	_, err := c.qm.EnqueueWorkflow(ctx, queue, tmpl, nil, opts)
	return err
}

// scheduleDelayedTransition enqueues the well-known delayed_transition
// meta-workflow, whose sole activity calls Resume once DelayUntil passes.
func (c *Controller) scheduleDelayedTransition(ctx context.Context, req BeginTransitionRequest, stateValid time.Time) error {
	workflowID := MetadataDelayedTransitionWorkflowID
	if req.Kind == ItemKindCollection {
		workflowID = CollectionDelayedTransitionWorkflowID
	}
	tmpl, ok := c.catalog.Template(workflowID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownState, workflowID)
	}
	opts := queuemanager.EnqueueOptions{
		MetadataID:   req.MetadataID,
		CollectionID: req.CollectionID,
		DelayUntil:   &stateValid,
	}
	_, err := c.qm.EnqueueWorkflow(ctx, workflowID, tmpl, nil, opts)
	return err
}
