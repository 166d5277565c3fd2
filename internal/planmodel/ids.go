// Copyright 2025 James Ross
// Package planmodel implements the execution-plan data model and its core
// algorithms: group advancement, job completion, parent propagation, and
// the retry/back-off policy. It has no dependency on the durable store or
// queue store packages; callers load a plan, mutate it in memory, and
// persist the result plus whatever transaction-buffer ops the mutation
// produced.
package planmodel

import (
	"fmt"

	"github.com/google/uuid"
)

// WorkflowExecutionId identifies a plan by the queue its first group
// dispatches to plus its unique id.
type WorkflowExecutionId struct {
	Queue string    `json:"queue"`
	ID    uuid.UUID `json:"id"`
}

func (w WorkflowExecutionId) String() string {
	return fmt.Sprintf("WorkflowExecutionId [ %s, %s ]", w.ID, w.Queue)
}

// WorkflowJobId identifies a single job within a plan by its index.
type WorkflowJobId struct {
	Queue string    `json:"queue"`
	ID    uuid.UUID `json:"id"`
	Index int32     `json:"index"`
}

func (w WorkflowJobId) String() string {
	return fmt.Sprintf("WorkflowJobId [ %s, %s, %d ]", w.Queue, w.ID, w.Index)
}

// Plan returns the WorkflowExecutionId of the plan this job belongs to.
func (w WorkflowJobId) Plan() WorkflowExecutionId {
	return WorkflowExecutionId{Queue: w.Queue, ID: w.ID}
}
