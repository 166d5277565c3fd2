// Copyright 2025 James Ross
package planmodel

import (
	"time"
)

// EnqueueResult is the outcome of advancing a plan's execution groups.
type EnqueueResult int

const (
	ResultRunning EnqueueResult = iota
	ResultComplete
	ResultError
)

func (r EnqueueResult) String() string {
	switch r {
	case ResultRunning:
		return "Running"
	case ResultComplete:
		return "Complete"
	case ResultError:
		return "Error"
	default:
		return "Unknown"
	}
}

// backoffFor computes the linear back-off delay for a job that has failed
// the given number of times. The source computes this as failures*30s;
// reproduced verbatim rather than the bounded-exponential curve a casual
// reader might expect (see DESIGN.md Open Questions).
func backoffFor(failures int32) time.Duration {
	return time.Duration(failures) * 30 * time.Second
}

// Enqueue advances the plan to nextExecutionGroup. It is the single entry
// point for dispatching a group's jobs, re-dispatching failed jobs, and
// detecting plan completion. Preconditions: the plan has been loaded under
// a row lock and the caller owns the transaction this call participates in.
func (p *WorkflowExecutionPlan) Enqueue(nextExecutionGroup int32, now time.Time) (EnqueueResult, []TxOp, error) {
	if p.Finished != nil {
		if p.Complete.Len() == len(p.Jobs) && !p.Failure {
			return ResultComplete, nil, nil
		}
		return ResultError, nil, nil
	}

	var ops []TxOp
	var candidates []int32

	switch {
	case p.Failed.Len() == 0 && p.Active.Len() == 0:
		for i := range p.Jobs {
			j := &p.Jobs[i]
			if j.ExecutionGroup == nextExecutionGroup && !p.Complete.Has(j.Index) {
				candidates = append(candidates, j.Index)
			}
		}
		if len(candidates) == 0 {
			p.Finished = &now
			if p.Complete.Len() != len(p.Jobs) {
				return ResultError, nil, newError(KindEngineInvariantViolation, "Enqueue",
					nil)
			}
			return ResultComplete, nil, nil
		}
	case p.Failed.Len() > 0:
		candidates = p.Failed.Slice()
		p.Failed = NewIndexSet()
	default:
		// active jobs still running; no new candidates this call.
		return ResultRunning, nil, nil
	}

	for _, i := range candidates {
		if p.Complete.Has(i) {
			continue
		}
		p.Active.Insert(i)
		jobID := p.JobID(i)
		if p.DelayUntil != nil && p.DelayUntil.After(now) {
			ops = append(ops, QueueJobLater{Job: jobID, Delay: p.DelayUntil.Sub(now)})
		} else {
			ops = append(ops, QueueJob{Job: jobID})
		}
	}

	if nextExecutionGroup == 1 {
		ops = append(ops, p.contentRunningOps()...)
	}

	return ResultRunning, ops, nil
}

// TrySetJobComplete records that the activity behind jobID finished
// successfully. It recomputes the job's own completion (gated on its child
// plans having all finished) and, if the job completed, advances the plan
// to the next execution group. The alreadyComplete return reports that
// jobID was already Complete on entry, so callers can skip re-counting a
// completion that already happened.
func (p *WorkflowExecutionPlan) TrySetJobComplete(jobID WorkflowJobId, now time.Time) (result EnqueueResult, alreadyComplete bool, ops []TxOp, err error) {
	job, ok := p.JobByID(jobID)
	if !ok {
		return ResultError, false, nil, newError(KindNotFound, "TrySetJobComplete", ErrJobNotFound)
	}

	if job.Complete {
		if p.Finished != nil {
			return ResultComplete, true, nil, nil
		}
		return ResultRunning, true, nil, nil
	}

	ops = []TxOp{RemoveJobRunning{Job: jobID}}

	job.Error = nil
	job.Failures = 0
	job.Complete = job.CompletedChildren.Len() == job.Children.Len()
	if job.Complete {
		job.Finished = &now
		p.Failed.Remove(job.Index)
		p.Active.Remove(job.Index)
		p.Complete.Insert(job.Index)
	}

	result, subOps, err := p.Enqueue(job.ExecutionGroup+1, now)
	ops = append(ops, subOps...)
	if err != nil {
		return result, false, ops, err
	}

	switch result {
	case ResultRunning:
		ops = append(ops, PlanCheckin{Plan: p.ID})
	case ResultComplete:
		ops = append(ops, RemovePlanRunning{Plan: p.ID})
		ops = append(ops, p.contentNotRunningOps()...)
	case ResultError:
		// returned as-is
	}

	return result, false, ops, nil
}

// SetJobDelayedUntil schedules jobID to re-dispatch no earlier than until.
func (p *WorkflowExecutionPlan) SetJobDelayedUntil(jobID WorkflowJobId, until, now time.Time) ([]TxOp, error) {
	if !until.After(now) {
		return nil, newError(KindInvalidTransition, "SetJobDelayedUntil", nil)
	}
	if _, ok := p.JobByID(jobID); !ok {
		return nil, newError(KindNotFound, "SetJobDelayedUntil", ErrJobNotFound)
	}
	p.DelayUntil = &until
	return []TxOp{
		RemoveJobRunning{Job: jobID},
		QueueJobLater{Job: jobID, Delay: until.Sub(now)},
		PlanCheckin{Plan: p.ID},
	}, nil
}

// SetJobFailed records an activity failure. If tryAgain is set and the job
// has not yet exhausted max_failures, it is re-queued after a linear
// back-off; otherwise the plan is marked failed. Parent plans are not
// notified: SetJobFailed never touches a parent job's child sets (see
// DESIGN.md).
func (p *WorkflowExecutionPlan) SetJobFailed(jobID WorkflowJobId, errText string, tryAgain bool, now time.Time) ([]TxOp, error) {
	job, ok := p.JobByID(jobID)
	if !ok {
		return nil, newError(KindNotFound, "SetJobFailed", ErrJobNotFound)
	}

	p.Failed.Insert(job.Index)
	p.Active.Remove(job.Index)

	job.Failures++
	job.Error = &errText

	timeout := backoffFor(job.Failures)

	ops := []TxOp{RemoveJobRunning{Job: jobID}}

	if tryAgain && p.Finished == nil && job.Failures < p.MaxFailures {
		ops = append(ops, PlanCheckin{Plan: p.ID}, QueueJobLater{Job: jobID, Delay: timeout})
		return ops, nil
	}

	p.Failure = true
	ops = append(ops, RemovePlanRunning{Plan: p.ID})
	ops = append(ops, p.contentNotRunningOps()...)
	return ops, nil
}

// NoteChildFinished records that a child plan finished (successfully or not)
// against the job that spawned it, without re-running job completion logic.
// Callers (queuemanager) decide separately whether to then call
// TrySetJobComplete for the parent job.
func (p *WorkflowExecutionPlan) NoteChildFinished(jobIndex int32, child WorkflowExecutionId, failed bool) error {
	job := p.Job(jobIndex)
	if job == nil {
		return newError(KindNotFound, "NoteChildFinished", ErrJobNotFound)
	}
	if !job.Children.Has(child) {
		return newError(KindInvalidTransition, "NoteChildFinished", nil)
	}
	job.CompletedChildren.Insert(child)
	if failed {
		job.FailedChildren.Insert(child)
	}
	return nil
}

// AddChildWorkflow records a newly spawned child plan against the parent job.
func (p *WorkflowExecutionPlan) AddChildWorkflow(jobIndex int32, child WorkflowExecutionId) error {
	job := p.Job(jobIndex)
	if job == nil {
		return newError(KindNotFound, "AddChildWorkflow", ErrJobNotFound)
	}
	job.Children.Insert(child)
	return nil
}

// NextExecutionGroup returns the minimum execution group whose jobs are not
// all complete, or (0, false) if every job is complete.
func (p *WorkflowExecutionPlan) NextExecutionGroup() (int32, bool) {
	found := false
	var min int32
	for i := range p.Jobs {
		j := &p.Jobs[i]
		if p.Complete.Has(j.Index) {
			continue
		}
		if !found || j.ExecutionGroup < min {
			min = j.ExecutionGroup
			found = true
		}
	}
	return min, found
}

// CheckInvariants verifies invariants I1-I3 (disjoint active/complete/failed
// sets, finished without failure implies every job complete, a complete job
// has all its children completed) and that each job's completed and failed
// child sets are subsets of its children, against the plan's current
// in-memory state. It does not check child-finish ordering (I4). Used by
// tests and can be called defensively after any mutation in non-hot paths.
func (p *WorkflowExecutionPlan) CheckInvariants() error {
	for i := range p.Jobs {
		idx := p.Jobs[i].Index
		n := 0
		if p.Active.Has(idx) {
			n++
		}
		if p.Complete.Has(idx) {
			n++
		}
		if p.Failed.Has(idx) {
			n++
		}
		if n > 1 {
			return newError(KindEngineInvariantViolation, "CheckInvariants", nil)
		}
	}
	if p.Finished != nil && !p.Failure && p.Complete.Len() != len(p.Jobs) {
		return newError(KindEngineInvariantViolation, "CheckInvariants", nil)
	}
	for i := range p.Jobs {
		j := &p.Jobs[i]
		if !j.CompletedChildren.Subset(j.Children) {
			return newError(KindEngineInvariantViolation, "CheckInvariants", nil)
		}
		if !j.FailedChildren.Subset(j.Children) {
			return newError(KindEngineInvariantViolation, "CheckInvariants", nil)
		}
		if j.Complete && j.CompletedChildren.Len() != j.Children.Len() {
			return newError(KindEngineInvariantViolation, "CheckInvariants", nil)
		}
	}
	return nil
}
