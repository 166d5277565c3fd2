// Copyright 2025 James Ross
// Package txbuffer implements the Transaction Buffer (TB): an ordered list
// of Queue Store mutations accumulated while a Durable Store transaction is
// open, applied only once that transaction has committed. If the DS commit
// fails the buffer is simply discarded by the caller; if a flush partially
// fails, the engine logs and continues — QS is advisory, DS is the source
// of truth.
package txbuffer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sowers-io/bosca-sub001/internal/planmodel"
	"github.com/sowers-io/bosca-sub001/internal/queuestore"
	"go.uber.org/zap"
)

// Buffer accumulates ops across one or more plan-algorithm calls within a
// single DS transaction. Zero value is ready to use.
type Buffer struct {
	ops []planmodel.TxOp
}

func (b *Buffer) Add(ops ...planmodel.TxOp) {
	b.ops = append(b.ops, ops...)
}

func (b *Buffer) Len() int { return len(b.ops) }

// Flush applies every buffered op to store in order, via a type switch over
// the closed TxOp enum. A failing op is logged and skipped rather than
// aborting the remaining ops, matching §4.3's "logs and continues" rule.
// leaseTTL is the configured job/plan lease duration, used to renew a
// plan's own running-set entry on PlanCheckin. The returned error, if any,
// joins every op failure for the caller to log once more at the call site;
// it must never be treated as grounds to retry the DS transaction that
// already committed.
func Flush(ctx context.Context, store *queuestore.Store, logger *zap.Logger, leaseTTL time.Duration, b *Buffer) error {
	var errs []error
	for _, op := range b.ops {
		if err := apply(ctx, store, leaseTTL, op); err != nil {
			if logger != nil {
				logger.Warn("txbuffer: op failed, continuing", zap.String("op", fmt.Sprintf("%T", op)), zap.Error(err))
			}
			errs = append(errs, err)
		}
	}
	b.ops = nil
	return errors.Join(errs...)
}

func apply(ctx context.Context, store *queuestore.Store, leaseTTL time.Duration, op planmodel.TxOp) error {
	switch v := op.(type) {
	case planmodel.QueuePlan:
		return store.PushPending(ctx, v.Plan.Queue, queuestore.PlanEntry(v.Plan))
	case planmodel.QueueJob:
		return store.PushPending(ctx, v.Job.Queue, queuestore.JobEntry(v.Job))
	case planmodel.QueueJobLater:
		due := time.Now().Add(v.Delay).Unix()
		return store.PushPendingDelayed(ctx, v.Job.Queue, queuestore.DelayedJobEntry(v.Job, due), v.Delay)
	case planmodel.RemoveJobRunning:
		return store.RemoveRunning(ctx, v.Job.Queue, queuestore.JobEntry(v.Job))
	case planmodel.RemovePlanRunning:
		return store.RemoveRunning(ctx, v.Plan.Queue, queuestore.PlanEntry(v.Plan))
	case planmodel.PlanCheckin:
		return store.Checkin(ctx, v.Plan.Queue, queuestore.PlanEntry(v.Plan), leaseTTL)
	case planmodel.AddMetadataRunning:
		return store.AddMetadataRunning(ctx, v.MetadataID)
	case planmodel.RemoveMetadataRunning:
		return store.RemoveMetadataRunning(ctx, v.MetadataID)
	case planmodel.AddCollectionRunning:
		return store.AddCollectionRunning(ctx, v.CollectionID)
	case planmodel.RemoveCollectionRunning:
		return store.RemoveCollectionRunning(ctx, v.CollectionID)
	default:
		return fmt.Errorf("txbuffer: unknown op type %T", op)
	}
}
