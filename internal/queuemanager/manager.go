// Copyright 2025 James Ross
// Package queuemanager implements the Queue Manager (QM): the coordinator
// that composes the Durable Store, Queue Store and Transaction Buffer into
// the worker-facing operations described in spec.md §4.5 — enqueue,
// dequeue, checkin, complete, fail, delay, context mutation, cancellation,
// and retry.
package queuemanager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sowers-io/bosca-sub001/internal/durablestore"
	"github.com/sowers-io/bosca-sub001/internal/events"
	"github.com/sowers-io/bosca-sub001/internal/obs"
	"github.com/sowers-io/bosca-sub001/internal/planmodel"
	"github.com/sowers-io/bosca-sub001/internal/queuestore"
	"github.com/sowers-io/bosca-sub001/internal/txbuffer"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Manager coordinates DS+QS+TB behind the worker-facing API.
type Manager struct {
	ds       *durablestore.Store
	qs       *queuestore.Store
	logger   *zap.Logger
	leaseTTL time.Duration
	bus      *events.Bus

	ratePerSecond float64
	rateBurst     int
	limiters      sync.Map // queue string -> *rate.Limiter
}

func New(ds *durablestore.Store, qs *queuestore.Store, logger *zap.Logger, leaseTTL time.Duration, ratePerSecond float64, rateBurst int) *Manager {
	return &Manager{
		ds:            ds,
		qs:            qs,
		logger:        logger,
		leaseTTL:      leaseTTL,
		ratePerSecond: ratePerSecond,
		rateBurst:     rateBurst,
	}
}

// SetEventBus wires an events.Bus that Complete publishes PlanFinished and
// PlanFailed to once a plan's last execution group finishes, and that Fail
// publishes PlanFailed to once a job's failure marks its plan failed.
// Optional: a Manager with no bus configured simply skips publishing.
func (m *Manager) SetEventBus(bus *events.Bus) {
	m.bus = bus
}

func (m *Manager) limiter(queue string) *rate.Limiter {
	if v, ok := m.limiters.Load(queue); ok {
		return v.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(m.ratePerSecond), m.rateBurst)
	actual, _ := m.limiters.LoadOrStore(queue, l)
	return actual.(*rate.Limiter)
}

func (m *Manager) flush(ctx context.Context, ops []planmodel.TxOp) {
	if len(ops) == 0 {
		return
	}
	var buf txbuffer.Buffer
	buf.Add(ops...)
	if err := txbuffer.Flush(ctx, m.qs, m.logger, m.leaseTTL, &buf); err != nil {
		m.logger.Warn("queuemanager: tx buffer flush had failures", zap.Error(err))
	}
}

// EnqueueOptions carries the optional content references and scheduling
// hints an enqueue_workflow request may set.
type EnqueueOptions struct {
	MetadataID      *uuid.UUID
	MetadataVersion *int32
	CollectionID    *uuid.UUID
	ProfileID       *uuid.UUID
	SupplementaryID *string
	Context         []byte
	DelayUntil      *time.Time
}

// EnqueueWorkflow materialises a new plan from workflow, persists it, and
// dispatches its first execution group.
func (m *Manager) EnqueueWorkflow(ctx context.Context, queue string, workflow planmodel.WorkflowTemplate, parent *planmodel.WorkflowJobId, opts EnqueueOptions) (*planmodel.WorkflowExecutionPlan, error) {
	if err := m.limiter(queue).Wait(ctx); err != nil {
		return nil, newError(KindTransportFault, "EnqueueWorkflow", err)
	}

	plan := planmodel.New(queue, uuid.New(), workflow, parent)
	plan.MetadataID = opts.MetadataID
	plan.MetadataVersion = opts.MetadataVersion
	plan.CollectionID = opts.CollectionID
	plan.ProfileID = opts.ProfileID
	plan.SupplementaryID = opts.SupplementaryID
	plan.Context = opts.Context
	plan.DelayUntil = opts.DelayUntil

	tx, err := m.ds.BeginTx(ctx)
	if err != nil {
		return nil, wrapStoreError("EnqueueWorkflow", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, ops, err := plan.Enqueue(1, now)
	if err != nil {
		return nil, wrapPlanError("EnqueueWorkflow", err)
	}
	if err := m.ds.Put(ctx, tx, plan); err != nil {
		return nil, wrapStoreError("EnqueueWorkflow", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, newError(KindTransportFault, "EnqueueWorkflow", err)
	}

	m.flush(ctx, ops)
	obs.QueueEnqueuedJobCount.WithLabelValues(queue).Add(float64(countDispatchOps(ops)))
	return plan, nil
}

// EnqueueJobChildWorkflows spawns one child plan per workflow, recording
// each child against parentJobID.Index on the parent plan under a single
// DS transaction.
func (m *Manager) EnqueueJobChildWorkflows(ctx context.Context, parentJobID planmodel.WorkflowJobId, workflows []planmodel.WorkflowTemplate, delayUntil *time.Time) ([]*planmodel.WorkflowExecutionPlan, error) {
	if err := m.limiter(parentJobID.Queue).Wait(ctx); err != nil {
		return nil, newError(KindTransportFault, "EnqueueJobChildWorkflows", err)
	}

	tx, err := m.ds.BeginTx(ctx)
	if err != nil {
		return nil, wrapStoreError("EnqueueJobChildWorkflows", err)
	}
	defer tx.Rollback()

	parent, err := m.ds.GetForUpdate(ctx, tx, parentJobID.ID)
	if err != nil {
		return nil, wrapStoreError("EnqueueJobChildWorkflows", err)
	}

	now := time.Now().UTC()
	children := make([]*planmodel.WorkflowExecutionPlan, 0, len(workflows))
	var allOps []planmodel.TxOp
	for _, wf := range workflows {
		child := planmodel.New(parentJobID.Queue, uuid.New(), wf, &parentJobID)
		child.DelayUntil = delayUntil
		if err := parent.AddChildWorkflow(parentJobID.Index, child.ID); err != nil {
			return nil, wrapPlanError("EnqueueJobChildWorkflows", err)
		}
		_, ops, err := child.Enqueue(1, now)
		if err != nil {
			return nil, wrapPlanError("EnqueueJobChildWorkflows", err)
		}
		if err := m.ds.Put(ctx, tx, child); err != nil {
			return nil, wrapStoreError("EnqueueJobChildWorkflows", err)
		}
		children = append(children, child)
		allOps = append(allOps, ops...)
	}

	if err := m.ds.Put(ctx, tx, parent); err != nil {
		return nil, wrapStoreError("EnqueueJobChildWorkflows", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, newError(KindTransportFault, "EnqueueJobChildWorkflows", err)
	}

	m.flush(ctx, allOps)
	obs.QueueEnqueuedChildCount.WithLabelValues(parentJobID.Queue).Add(float64(len(children)))
	return children, nil
}

// Dequeue pops the next runnable job for queue, transparently resolving
// PLAN tokens (advance the plan, then keep looking) and skipping JOB
// tokens whose plan or job already finished.
func (m *Manager) Dequeue(ctx context.Context, queue string) (*Job, bool, error) {
	for {
		token, ok, err := m.qs.Dequeue(ctx, queue, m.leaseTTL)
		if err != nil {
			return nil, false, newError(KindTransportFault, "Dequeue", err)
		}
		if !ok {
			return nil, false, nil
		}
		entry, err := queuestore.ParseEntry(token)
		if err != nil {
			m.logger.Error("queuemanager: dropping malformed queue entry", zap.String("token", token), zap.Error(err))
			continue
		}

		switch entry.Kind {
		case queuestore.KindPlan:
			if err := m.advancePlan(ctx, entry.ID); err != nil {
				m.logger.Warn("queuemanager: advancing plan from PLAN token failed", zap.Error(err))
			}
			continue
		case queuestore.KindJob:
			job, runnable, err := m.resolveJob(ctx, entry, token)
			if err != nil {
				return nil, false, err
			}
			if !runnable {
				continue
			}
			return job, true, nil
		default:
			continue
		}
	}
}

// advancePlan loads a plan and calls Enqueue on whatever execution group it
// hasn't finished yet, used to resolve a PLAN token popped off pending.
func (m *Manager) advancePlan(ctx context.Context, id uuid.UUID) error {
	tx, err := m.ds.BeginTx(ctx)
	if err != nil {
		return wrapStoreError("advancePlan", err)
	}
	defer tx.Rollback()

	plan, err := m.ds.GetForUpdate(ctx, tx, id)
	if err != nil {
		return wrapStoreError("advancePlan", err)
	}
	group, ok := plan.NextExecutionGroup()
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	_, ops, err := plan.Enqueue(group, now)
	if err != nil {
		return wrapPlanError("advancePlan", err)
	}
	if err := m.ds.Put(ctx, tx, plan); err != nil {
		return wrapStoreError("advancePlan", err)
	}
	if err := tx.Commit(); err != nil {
		return newError(KindTransportFault, "advancePlan", err)
	}
	m.flush(ctx, ops)
	return nil
}

func (m *Manager) resolveJob(ctx context.Context, entry queuestore.Entry, token string) (*Job, bool, error) {
	plan, err := m.ds.Get(ctx, entry.ID)
	if durablestore.IsKind(err, durablestore.KindNotFound) {
		_ = m.qs.RemoveRunning(ctx, entry.Queue, token)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapStoreError("Dequeue", err)
	}
	if plan.Finished != nil || plan.Cancelled {
		_ = m.qs.RemoveRunning(ctx, entry.Queue, token)
		return nil, false, nil
	}
	job := plan.Job(entry.Index)
	if job == nil || job.Complete {
		_ = m.qs.RemoveRunning(ctx, entry.Queue, token)
		return nil, false, nil
	}
	j := jobFromPlan(plan, job)
	return &j, true, nil
}

func countDispatchOps(ops []planmodel.TxOp) int {
	n := 0
	for _, op := range ops {
		switch op.(type) {
		case planmodel.QueueJob, planmodel.QueueJobLater:
			n++
		}
	}
	return n
}

// Checkin renews a job's QS lease only; it performs no DS write, matching
// spec.md §4.5's explicit "no DS write" note for this call.
func (m *Manager) Checkin(ctx context.Context, jobID planmodel.WorkflowJobId) error {
	if err := m.qs.Checkin(ctx, jobID.Queue, queuestore.JobEntry(jobID), m.leaseTTL); err != nil {
		return newError(KindTransportFault, "Checkin", err)
	}
	return nil
}

// NudgePlan pushes a bare PLAN token for planID onto QS, prompting Dequeue
// to load the plan and advance it to its next outstanding execution group
// the next time a worker pops it. It gives operators a way to resume a
// plan that has fallen out of the queue (a reclaimer gap, a manually
// edited row) without waiting for some other job's completion to drive it.
func (m *Manager) NudgePlan(ctx context.Context, planID planmodel.WorkflowExecutionId) error {
	var buf txbuffer.Buffer
	buf.Add(planmodel.QueuePlan{Plan: planID})
	if err := txbuffer.Flush(ctx, m.qs, m.logger, m.leaseTTL, &buf); err != nil {
		return newError(KindTransportFault, "NudgePlan", err)
	}
	return nil
}

// withPlanTx loads planID under a row lock, runs mutate, persists the plan,
// commits, and flushes whatever ops mutate produced.
func (m *Manager) withPlanTx(ctx context.Context, op string, planID uuid.UUID, mutate func(*planmodel.WorkflowExecutionPlan) ([]planmodel.TxOp, error)) error {
	tx, err := m.ds.BeginTx(ctx)
	if err != nil {
		return wrapStoreError(op, err)
	}
	defer tx.Rollback()

	plan, err := m.ds.GetForUpdate(ctx, tx, planID)
	if err != nil {
		return wrapStoreError(op, err)
	}
	ops, err := mutate(plan)
	if err != nil {
		return wrapPlanError(op, err)
	}
	if err := m.ds.Put(ctx, tx, plan); err != nil {
		return wrapStoreError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return newError(KindTransportFault, op, err)
	}
	m.flush(ctx, ops)
	return nil
}

// Complete records a job's successful finish, advances its plan, and —
// when the plan it belongs to is itself a child plan that just finished —
// recursively completes the parent job one DS transaction at a time,
// locking child then parent per spec.md §5's ordering rule.
func (m *Manager) Complete(ctx context.Context, jobID planmodel.WorkflowJobId) error {
	var parentNotify *planmodel.WorkflowExecutionId
	var planFinishedFailed bool
	var justFinished *planmodel.WorkflowExecutionPlan

	err := m.withPlanTx(ctx, "Complete", jobID.ID, func(plan *planmodel.WorkflowExecutionPlan) ([]planmodel.TxOp, error) {
		wasFinished := plan.Finished != nil
		result, alreadyComplete, ops, err := plan.TrySetJobComplete(jobID, time.Now().UTC())
		if err != nil {
			return ops, err
		}
		if !alreadyComplete {
			if job, ok := plan.JobByID(jobID); ok && job.Complete {
				obs.QueueJobCompleteCount.WithLabelValues(jobID.Queue).Inc()
			}
		}
		if result == planmodel.ResultComplete && !alreadyComplete {
			if plan.Parent != nil {
				id := plan.ID
				parentNotify = &id
				planFinishedFailed = plan.Failure
			}
		}
		if !wasFinished && plan.Finished != nil {
			justFinished = plan
		}
		return ops, nil
	})
	if err != nil {
		return err
	}
	if justFinished != nil {
		m.publishPlanFinished(justFinished)
	}

	if parentNotify != nil {
		if err := m.noteChildFinished(ctx, *parentNotify, planFinishedFailed); err != nil {
			return err
		}
	}
	return nil
}

// publishPlanFinished emits PlanFinished or PlanFailed once a plan has
// just transitioned into its terminal state, after the DS write that set
// it there has already committed.
func (m *Manager) publishPlanFinished(plan *planmodel.WorkflowExecutionPlan) {
	if plan.Failure {
		m.bus.Publish(events.TopicPlanFailed, events.PlanFailed{PlanID: plan.ID, At: *plan.Finished})
		return
	}
	m.bus.Publish(events.TopicPlanFinished, events.PlanFinished{PlanID: plan.ID, At: *plan.Finished})
}

// noteChildFinished implements try_set_parent_complete: load the parent
// plan under its own row lock (child's transaction has already committed
// by this point, so there is no nested-transaction deadlock), record the
// child's outcome on the spawning job, and recursively try to complete
// that job.
func (m *Manager) noteChildFinished(ctx context.Context, child planmodel.WorkflowExecutionId, failed bool) error {
	tx, err := m.ds.BeginTx(ctx)
	if err != nil {
		return wrapStoreError("noteChildFinished", err)
	}
	defer tx.Rollback()

	parentPlanID, ok := childParentPlanID(ctx, m, child)
	if !ok {
		return nil
	}
	parent, err := m.ds.GetForUpdate(ctx, tx, parentPlanID.ID)
	if err != nil {
		return wrapStoreError("noteChildFinished", err)
	}

	parentJobID, ok := findParentJobForChild(parent, child)
	if !ok {
		return nil
	}
	wasFinished := parent.Finished != nil
	if err := parent.NoteChildFinished(parentJobID.Index, child, failed); err != nil {
		return wrapPlanError("noteChildFinished", err)
	}

	// TrySetJobComplete recomputes the job's own completion from the child
	// sets just updated above; when children remain outstanding it safely
	// no-ops (the job stays in Active, so the follow-on Enqueue call finds
	// active work and does nothing further).
	_, alreadyComplete, ops, err := parent.TrySetJobComplete(parentJobID, time.Now().UTC())
	if err != nil {
		return wrapPlanError("noteChildFinished", err)
	}
	if !alreadyComplete {
		if job, ok := parent.JobByID(parentJobID); ok && job.Complete {
			obs.QueueJobCompleteRecursiveCount.WithLabelValues(parentJobID.Queue).Inc()
		}
	}

	if err := m.ds.Put(ctx, tx, parent); err != nil {
		return wrapStoreError("noteChildFinished", err)
	}
	if err := tx.Commit(); err != nil {
		return newError(KindTransportFault, "noteChildFinished", err)
	}
	m.flush(ctx, ops)
	if !wasFinished && parent.Finished != nil {
		m.publishPlanFinished(parent)
	}

	if parent.Finished != nil && parent.Parent != nil {
		return m.noteChildFinished(ctx, parent.ID, parent.Failure)
	}
	return nil
}

func childParentPlanID(ctx context.Context, m *Manager, child planmodel.WorkflowExecutionId) (planmodel.WorkflowExecutionId, bool) {
	plan, err := m.ds.Get(ctx, child.ID)
	if err != nil || plan.Parent == nil {
		return planmodel.WorkflowExecutionId{}, false
	}
	return plan.Parent.Plan(), true
}

func findParentJobForChild(parent *planmodel.WorkflowExecutionPlan, child planmodel.WorkflowExecutionId) (planmodel.WorkflowJobId, bool) {
	for i := range parent.Jobs {
		if parent.Jobs[i].Children.Has(child) {
			return parent.JobID(parent.Jobs[i].Index), true
		}
	}
	return planmodel.WorkflowJobId{}, false
}

// Fail records an activity failure reported by a worker.
func (m *Manager) Fail(ctx context.Context, jobID planmodel.WorkflowJobId, errText string, tryAgain bool) error {
	var failedPlan *planmodel.WorkflowExecutionPlan
	err := m.withPlanTx(ctx, "Fail", jobID.ID, func(plan *planmodel.WorkflowExecutionPlan) ([]planmodel.TxOp, error) {
		wasFailure := plan.Failure
		ops, err := plan.SetJobFailed(jobID, errText, tryAgain, time.Now().UTC())
		if err == nil && !wasFailure && plan.Failure {
			failedPlan = plan
		}
		return ops, err
	})
	if err != nil {
		return err
	}
	obs.QueueJobFailedCount.WithLabelValues(jobID.Queue).Inc()
	if failedPlan != nil {
		m.bus.Publish(events.TopicPlanFailed, events.PlanFailed{PlanID: failedPlan.ID, At: time.Now().UTC()})
	}
	return nil
}

// Delay reschedules a job to re-dispatch no earlier than until.
func (m *Manager) Delay(ctx context.Context, jobID planmodel.WorkflowJobId, until time.Time) error {
	return m.withPlanTx(ctx, "Delay", jobID.ID, func(plan *planmodel.WorkflowExecutionPlan) ([]planmodel.TxOp, error) {
		return plan.SetJobDelayedUntil(jobID, until, time.Now().UTC())
	})
}

// SetPlanContext overwrites a plan's opaque context blob.
func (m *Manager) SetPlanContext(ctx context.Context, planID planmodel.WorkflowExecutionId, value []byte) error {
	err := m.withPlanTx(ctx, "SetPlanContext", planID.ID, func(plan *planmodel.WorkflowExecutionPlan) ([]planmodel.TxOp, error) {
		plan.Context = value
		return nil, nil
	})
	if err != nil {
		return err
	}
	obs.QueueContextSetCount.WithLabelValues(planID.Queue).Inc()
	return nil
}

// SetJobContext overwrites a single job's opaque context blob.
func (m *Manager) SetJobContext(ctx context.Context, jobID planmodel.WorkflowJobId, value []byte) error {
	err := m.withPlanTx(ctx, "SetJobContext", jobID.ID, func(plan *planmodel.WorkflowExecutionPlan) ([]planmodel.TxOp, error) {
		job, ok := plan.JobByID(jobID)
		if !ok {
			return nil, planmodel.ErrJobNotFound
		}
		job.Context = value
		return nil, nil
	})
	if err != nil {
		return err
	}
	obs.QueueContextJobSetCount.WithLabelValues(jobID.Queue).Inc()
	return nil
}

// CancelFilter selects which plans CancelWorkflows marks cancelled.
type CancelFilter struct {
	Queue   string
	PlanIDs []uuid.UUID
}

// CancelWorkflows sets cancelled=true on every matching plan. It does not
// touch QS: a cancelled plan's existing queue entries are filtered out by
// Dequeue the same way an already-finished plan's are.
func (m *Manager) CancelWorkflows(ctx context.Context, filter CancelFilter) (int, error) {
	n := 0
	for _, id := range filter.PlanIDs {
		err := m.withPlanTx(ctx, "CancelWorkflows", id, func(plan *planmodel.WorkflowExecutionPlan) ([]planmodel.TxOp, error) {
			if filter.Queue != "" && plan.Queue() != filter.Queue {
				return nil, nil
			}
			plan.Cancelled = true
			n++
			return nil, nil
		})
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// RetryJobs resets failures on the named jobs and re-enqueues each from
// its own execution group.
func (m *Manager) RetryJobs(ctx context.Context, jobIDs []planmodel.WorkflowJobId) error {
	for _, jobID := range jobIDs {
		err := m.withPlanTx(ctx, "RetryJobs", jobID.ID, func(plan *planmodel.WorkflowExecutionPlan) ([]planmodel.TxOp, error) {
			job, ok := plan.JobByID(jobID)
			if !ok {
				return nil, planmodel.ErrJobNotFound
			}
			job.Failures = 0
			plan.Failed.Insert(job.Index)
			plan.Failure = false
			_, ops, err := plan.Enqueue(job.ExecutionGroup, time.Now().UTC())
			return ops, err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// RetryAllFailed retries the currently-failed jobs of the unfinished plans
// among the first pageSize plans of queue, in creation order. Every call
// scans that same first page; plans beyond it are not visited.
func (m *Manager) RetryAllFailed(ctx context.Context, queue string, pageSize int) (int, error) {
	plans, err := m.ds.List(ctx, queue, 0, pageSize)
	if err != nil {
		return 0, wrapStoreError("RetryAllFailed", err)
	}
	var jobIDs []planmodel.WorkflowJobId
	for _, plan := range plans {
		if plan.Finished != nil {
			continue
		}
		for _, idx := range plan.Failed.Slice() {
			jobIDs = append(jobIDs, plan.JobID(idx))
		}
	}
	if err := m.RetryJobs(ctx, jobIDs); err != nil {
		return 0, err
	}
	return len(jobIDs), nil
}
