// Copyright 2025 James Ross
// Package queuestore implements the Queue Store (QS): Redis-backed FIFO
// pending lists and lease-tracking running sorted sets per queue, plus a
// delayed sorted set for scheduled entries. All mutations run as atomic
// server-side Lua scripts; QS never talks to the Durable Store.
package queuestore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sowers-io/bosca-sub001/internal/planmodel"
)

// EntryKind distinguishes the three token grammars QS understands.
type EntryKind int

const (
	KindPlan EntryKind = iota
	KindJob
	KindDelayedJob
)

// Entry is a parsed queue entry token. Queue workers only ever see the
// formatted string; Entry exists so the engine itself can build and
// interpret tokens without string-splicing at every call site.
type Entry struct {
	Kind  EntryKind
	Queue string
	ID    uuid.UUID
	Index int32 // meaningful for KindJob / KindDelayedJob
	Due   int64 // unix seconds, meaningful for KindDelayedJob
}

// PlanEntry formats the PLAN::<queue>::<uuid> token used to signal that a
// whole plan is ready for its next enqueue() pass.
func PlanEntry(id planmodel.WorkflowExecutionId) string {
	return fmt.Sprintf("PLAN::%s::%s", id.Queue, id.ID)
}

// JobEntry formats the JOB::<queue>::<uuid>::<index> token for a job ready
// to dispatch immediately.
func JobEntry(id planmodel.WorkflowJobId) string {
	return fmt.Sprintf("JOB::%s::%s::%d", id.Queue, id.ID, id.Index)
}

// DelayedJobEntry formats the DELAYED_JOB::<queue>::<uuid>::<index>@<epoch>
// token stored in the delayed(queue) sorted set.
func DelayedJobEntry(id planmodel.WorkflowJobId, due int64) string {
	return fmt.Sprintf("DELAYED_JOB::%s::%s::%d@%d", id.Queue, id.ID, id.Index, due)
}

// ParseEntry parses any of the three token grammars. Malformed tokens
// (should never occur in practice since QS only ever holds tokens this
// package produced) return an error rather than panicking, since
// queuemanager.Dequeue parses whatever it pops off a live Redis list.
func ParseEntry(token string) (Entry, error) {
	parts := strings.Split(token, "::")
	switch parts[0] {
	case "PLAN":
		if len(parts) != 3 {
			return Entry{}, fmt.Errorf("queuestore: malformed PLAN token %q", token)
		}
		id, err := uuid.Parse(parts[2])
		if err != nil {
			return Entry{}, fmt.Errorf("queuestore: malformed PLAN token %q: %w", token, err)
		}
		return Entry{Kind: KindPlan, Queue: parts[1], ID: id}, nil
	case "JOB":
		if len(parts) != 4 {
			return Entry{}, fmt.Errorf("queuestore: malformed JOB token %q", token)
		}
		id, err := uuid.Parse(parts[2])
		if err != nil {
			return Entry{}, fmt.Errorf("queuestore: malformed JOB token %q: %w", token, err)
		}
		idx, err := strconv.ParseInt(parts[3], 10, 32)
		if err != nil {
			return Entry{}, fmt.Errorf("queuestore: malformed JOB token %q: %w", token, err)
		}
		return Entry{Kind: KindJob, Queue: parts[1], ID: id, Index: int32(idx)}, nil
	case "DELAYED_JOB":
		if len(parts) != 4 {
			return Entry{}, fmt.Errorf("queuestore: malformed DELAYED_JOB token %q", token)
		}
		idxDue := strings.SplitN(parts[3], "@", 2)
		if len(idxDue) != 2 {
			return Entry{}, fmt.Errorf("queuestore: malformed DELAYED_JOB token %q", token)
		}
		id, err := uuid.Parse(parts[2])
		if err != nil {
			return Entry{}, fmt.Errorf("queuestore: malformed DELAYED_JOB token %q: %w", token, err)
		}
		idx, err := strconv.ParseInt(idxDue[0], 10, 32)
		if err != nil {
			return Entry{}, fmt.Errorf("queuestore: malformed DELAYED_JOB token %q: %w", token, err)
		}
		due, err := strconv.ParseInt(idxDue[1], 10, 64)
		if err != nil {
			return Entry{}, fmt.Errorf("queuestore: malformed DELAYED_JOB token %q: %w", token, err)
		}
		return Entry{Kind: KindDelayedJob, Queue: parts[1], ID: id, Index: int32(idx), Due: due}, nil
	default:
		return Entry{}, fmt.Errorf("queuestore: unrecognised token %q", token)
	}
}

// AsImmediate strips a DELAYED_JOB token's due-epoch suffix, yielding the
// plain JOB token the reclaimer re-queues once the delay has elapsed.
func (e Entry) AsImmediate() string {
	return fmt.Sprintf("JOB::%s::%s::%d", e.Queue, e.ID, e.Index)
}

func pendingKey(queue string) string { return "pending(" + queue + ")" }
func runningKey(queue string) string { return "running(" + queue + ")" }
func delayedKey(queue string) string { return "delayed(" + queue + ")" }
