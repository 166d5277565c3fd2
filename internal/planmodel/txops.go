// Copyright 2025 James Ross
package planmodel

import (
	"time"

	"github.com/google/uuid"
)

// TxOp is one buffered Queue Store mutation produced by an Execution Plan
// algorithm. Ops are collected by the caller during a Durable Store
// transaction and applied to the Queue Store only after that transaction
// commits (see internal/txbuffer).
type TxOp interface{ txOp() }

type QueuePlan struct{ Plan WorkflowExecutionId }
type QueueJob struct{ Job WorkflowJobId }
type QueueJobLater struct {
	Job   WorkflowJobId
	Delay time.Duration
}
type RemoveJobRunning struct{ Job WorkflowJobId }
type RemovePlanRunning struct{ Plan WorkflowExecutionId }
type PlanCheckin struct{ Plan WorkflowExecutionId }
type AddMetadataRunning struct{ MetadataID uuid.UUID }
type RemoveMetadataRunning struct{ MetadataID uuid.UUID }
type AddCollectionRunning struct{ CollectionID uuid.UUID }
type RemoveCollectionRunning struct{ CollectionID uuid.UUID }

func (QueuePlan) txOp()               {}
func (QueueJob) txOp()                {}
func (QueueJobLater) txOp()           {}
func (RemoveJobRunning) txOp()        {}
func (RemovePlanRunning) txOp()       {}
func (PlanCheckin) txOp()             {}
func (AddMetadataRunning) txOp()      {}
func (RemoveMetadataRunning) txOp()   {}
func (AddCollectionRunning) txOp()    {}
func (RemoveCollectionRunning) txOp() {}

// contentRunningOps returns the ops that mark a plan's target content as
// "running" a workflow, emitted when a plan's first execution group dispatches.
func (p *WorkflowExecutionPlan) contentRunningOps() []TxOp {
	var ops []TxOp
	if p.MetadataID != nil {
		ops = append(ops, AddMetadataRunning{MetadataID: *p.MetadataID})
	}
	if p.CollectionID != nil {
		ops = append(ops, AddCollectionRunning{CollectionID: *p.CollectionID})
	}
	return ops
}

// contentNotRunningOps returns the ops that clear a plan's target content's
// running marker, emitted when a plan finishes or fails terminally.
func (p *WorkflowExecutionPlan) contentNotRunningOps() []TxOp {
	var ops []TxOp
	if p.MetadataID != nil {
		ops = append(ops, RemoveMetadataRunning{MetadataID: *p.MetadataID})
	}
	if p.CollectionID != nil {
		ops = append(ops, RemoveCollectionRunning{CollectionID: *p.CollectionID})
	}
	return ops
}
