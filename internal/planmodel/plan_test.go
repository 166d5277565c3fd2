package planmodel

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
)

func activity(queue, id string, group int32) WorkflowActivity {
	return WorkflowActivity{Queue: queue, ActivityID: id, ExecutionGroup: group}
}

func newTestPlan(activities ...WorkflowActivity) *WorkflowExecutionPlan {
	wf := WorkflowTemplate{ID: "wf-1", MaxFailures: 3, Activities: activities}
	return New("q1", uuid.New(), wf, nil)
}

func TestEnqueueSingleActivityHappyPath(t *testing.T) {
	p := newTestPlan(activity("q1", "A", 1))
	now := time.Now().UTC()

	result, ops, err := p.Enqueue(1, now)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if result != ResultRunning {
		t.Fatalf("expected Running, got %v", result)
	}
	if len(ops) != 1 {
		t.Fatalf("expected one QueueJob op, got %d: %#v", len(ops), ops)
	}
	if _, ok := ops[0].(QueueJob); !ok {
		t.Fatalf("expected QueueJob op, got %T", ops[0])
	}

	result, _, ops, err = p.TrySetJobComplete(p.JobID(0), now.Add(time.Second))
	if err != nil {
		t.Fatalf("TrySetJobComplete: %v", err)
	}
	if result != ResultComplete {
		t.Fatalf("expected Complete, got %v", result)
	}
	if p.Finished == nil {
		t.Fatalf("expected plan finished")
	}
	if p.Failure {
		t.Fatalf("expected failure=false")
	}
	if p.Complete.Slice()[0] != 0 {
		t.Fatalf("expected complete={0}, got %v", p.Complete.Slice())
	}
	foundRemovePlanRunning := false
	for _, op := range ops {
		if _, ok := op.(RemovePlanRunning); ok {
			foundRemovePlanRunning = true
		}
	}
	if !foundRemovePlanRunning {
		t.Fatalf("expected RemovePlanRunning op on plan finish")
	}
}

func TestTwoGroupOrdering(t *testing.T) {
	p := newTestPlan(
		activity("q1", "A", 1),
		activity("q1", "B", 1),
		activity("q1", "C", 2),
	)
	now := time.Now().UTC()

	_, ops, err := p.Enqueue(1, now)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 dispatch ops for group 1, got %d", len(ops))
	}
	if p.Active.Len() != 2 {
		t.Fatalf("expected active={0,1}, got %v", p.Active.Slice())
	}

	result, _, _, err := p.TrySetJobComplete(p.JobID(0), now)
	if err != nil {
		t.Fatalf("complete 0: %v", err)
	}
	if result != ResultRunning {
		t.Fatalf("expected Running (group 1 not fully done), got %v", result)
	}
	if p.Active.Has(2) {
		t.Fatalf("job C must not dispatch before group 1 finishes")
	}

	result, _, ops, err = p.TrySetJobComplete(p.JobID(1), now)
	if err != nil {
		t.Fatalf("complete 1: %v", err)
	}
	if result != ResultRunning {
		t.Fatalf("expected Running (group 2 dispatching), got %v", result)
	}
	if !p.Active.Has(2) {
		t.Fatalf("expected job C active after group 1 completes")
	}
	foundQueueC := false
	for _, op := range ops {
		if qj, ok := op.(QueueJob); ok && qj.Job.Index == 2 {
			foundQueueC = true
		}
	}
	if !foundQueueC {
		t.Fatalf("expected QueueJob(C) op, got %#v", ops)
	}
}

func TestRetryThenGiveUp(t *testing.T) {
	p := newTestPlan(activity("q1", "A", 1))
	p.MaxFailures = 3
	now := time.Now().UTC()
	_, _, _ = p.Enqueue(1, now)

	jobID := p.JobID(0)
	for i := int32(1); i <= 2; i++ {
		ops, err := p.SetJobFailed(jobID, "boom", true, now)
		if err != nil {
			t.Fatalf("SetJobFailed #%d: %v", i, err)
		}
		if p.Jobs[0].Failures != i {
			t.Fatalf("expected failures=%d, got %d", i, p.Jobs[0].Failures)
		}
		if p.Failure {
			t.Fatalf("plan should not fail before max_failures reached (attempt %d)", i)
		}
		foundRetry := false
		for _, op := range ops {
			if _, ok := op.(QueueJobLater); ok {
				foundRetry = true
			}
		}
		if !foundRetry {
			t.Fatalf("expected QueueJobLater retry op on attempt %d", i)
		}
		// simulate re-dispatch before next failure
		p.Active.Insert(0)
		p.Failed.Remove(0)
	}

	ops, err := p.SetJobFailed(jobID, "boom", true, now)
	if err != nil {
		t.Fatalf("SetJobFailed final: %v", err)
	}
	if p.Jobs[0].Failures != 3 {
		t.Fatalf("expected failures=3, got %d", p.Jobs[0].Failures)
	}
	if !p.Failure {
		t.Fatalf("expected plan.failure=true after exhausting retries")
	}
	for _, op := range ops {
		if _, ok := op.(QueueJobLater); ok {
			t.Fatalf("did not expect further retry op after giving up")
		}
	}
}

func TestParentChildPropagation(t *testing.T) {
	parent := newTestPlan(activity("q1", "A", 1))
	now := time.Now().UTC()
	_, _, _ = parent.Enqueue(1, now)

	parentJobID := parent.JobID(0)
	childID := WorkflowExecutionId{Queue: "q1", ID: uuid.New()}
	if err := parent.AddChildWorkflow(0, childID); err != nil {
		t.Fatalf("AddChildWorkflow: %v", err)
	}

	// worker "holds J0 open" -- TrySetJobComplete while children outstanding.
	result, _, _, err := parent.TrySetJobComplete(parentJobID, now)
	if err != nil {
		t.Fatalf("TrySetJobComplete (pending children): %v", err)
	}
	if result != ResultRunning {
		t.Fatalf("expected Running while children outstanding, got %v", result)
	}
	if parent.Jobs[0].Complete {
		t.Fatalf("job should not be complete while children outstanding")
	}

	// child plan finishes.
	if err := parent.NoteChildFinished(0, childID, false); err != nil {
		t.Fatalf("NoteChildFinished: %v", err)
	}
	if parent.Jobs[0].CompletedChildren.Len() != parent.Jobs[0].Children.Len() {
		t.Fatalf("expected completed_children == children")
	}

	result, _, _, err = parent.TrySetJobComplete(parentJobID, now.Add(time.Second))
	if err != nil {
		t.Fatalf("TrySetJobComplete (children done): %v", err)
	}
	if result != ResultComplete {
		t.Fatalf("expected Complete after children finish, got %v", result)
	}
	if parent.Finished == nil {
		t.Fatalf("expected parent plan finished")
	}
}

func TestDelayedJobEmitsQueueJobLater(t *testing.T) {
	p := newTestPlan(activity("q1", "A", 1))
	until := time.Now().UTC().Add(60 * time.Second)
	p.DelayUntil = &until
	now := time.Now().UTC()

	_, ops, err := p.Enqueue(1, now)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected 1 op, got %d", len(ops))
	}
	later, ok := ops[0].(QueueJobLater)
	if !ok {
		t.Fatalf("expected QueueJobLater, got %T", ops[0])
	}
	if later.Delay <= 0 || later.Delay > 61*time.Second {
		t.Fatalf("unexpected delay: %v", later.Delay)
	}
}

func TestZeroActivityWorkflowCompletesImmediately(t *testing.T) {
	p := newTestPlan()
	now := time.Now().UTC()
	result, ops, err := p.Enqueue(1, now)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if result != ResultComplete {
		t.Fatalf("expected Complete for zero-activity workflow, got %v", result)
	}
	if len(ops) != 0 {
		t.Fatalf("expected no queue ops for zero-activity workflow, got %#v", ops)
	}
	if p.Finished == nil {
		t.Fatalf("expected finished set")
	}
}

func TestMaxInt32ExecutionGroupTerminates(t *testing.T) {
	p := newTestPlan(activity("q1", "A", math.MaxInt32))
	now := time.Now().UTC()
	_, _, _ = p.Enqueue(math.MaxInt32, now)
	result, _, _, err := p.TrySetJobComplete(p.JobID(0), now)
	if err != nil {
		t.Fatalf("TrySetJobComplete: %v", err)
	}
	if result != ResultComplete {
		t.Fatalf("expected Complete, got %v", result)
	}
}

func TestMaxFailuresOneFailsImmediately(t *testing.T) {
	p := newTestPlan(activity("q1", "A", 1))
	p.MaxFailures = 1
	now := time.Now().UTC()
	_, _, _ = p.Enqueue(1, now)

	ops, err := p.SetJobFailed(p.JobID(0), "boom", true, now)
	if err != nil {
		t.Fatalf("SetJobFailed: %v", err)
	}
	if !p.Failure {
		t.Fatalf("expected plan.failure=true since failures(1) < max_failures(1) is false")
	}
	for _, op := range ops {
		if _, ok := op.(QueueJobLater); ok {
			t.Fatalf("did not expect a retry op when max_failures=1")
		}
	}
}

func TestCompleteTwiceIsNoOp(t *testing.T) {
	p := newTestPlan(activity("q1", "A", 1))
	now := time.Now().UTC()
	_, _, _ = p.Enqueue(1, now)
	jobID := p.JobID(0)

	_, _, _, err := p.TrySetJobComplete(jobID, now)
	if err != nil {
		t.Fatalf("first Complete: %v", err)
	}
	finishedAt := *p.Finished

	result, alreadyComplete, ops, err := p.TrySetJobComplete(jobID, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if result != ResultComplete {
		t.Fatalf("expected Complete, got %v", result)
	}
	if !alreadyComplete {
		t.Fatalf("expected alreadyComplete=true on repeat Complete")
	}
	if len(ops) != 0 {
		t.Fatalf("expected no ops on repeat Complete, got %#v", ops)
	}
	if !p.Finished.Equal(finishedAt) {
		t.Fatalf("finished timestamp must not change on repeat Complete")
	}
}

func TestPlanJSONRoundTrip(t *testing.T) {
	p := newTestPlan(activity("q1", "A", 1), activity("q1", "B", 2))
	now := time.Now().UTC()
	_, _, _ = p.Enqueue(1, now)
	p.Context = json.RawMessage(`{"k":"v"}`)

	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out WorkflowExecutionPlan
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.ID != p.ID {
		t.Fatalf("id mismatch after round-trip: %v vs %v", out.ID, p.ID)
	}
	if out.Active.Len() != p.Active.Len() {
		t.Fatalf("active set mismatch after round-trip")
	}
	if len(out.Jobs) != len(p.Jobs) {
		t.Fatalf("job count mismatch after round-trip")
	}
}

func TestInvariantsHoldThroughLifecycle(t *testing.T) {
	p := newTestPlan(activity("q1", "A", 1), activity("q1", "B", 1))
	now := time.Now().UTC()
	if err := p.CheckInvariants(); err != nil {
		t.Fatalf("invariants on fresh plan: %v", err)
	}
	_, _, _ = p.Enqueue(1, now)
	if err := p.CheckInvariants(); err != nil {
		t.Fatalf("invariants after enqueue: %v", err)
	}
	_, _, _, _ = p.TrySetJobComplete(p.JobID(0), now)
	if err := p.CheckInvariants(); err != nil {
		t.Fatalf("invariants after partial complete: %v", err)
	}
	_, _, _, _ = p.TrySetJobComplete(p.JobID(1), now)
	if err := p.CheckInvariants(); err != nil {
		t.Fatalf("invariants after full complete: %v", err)
	}
}
