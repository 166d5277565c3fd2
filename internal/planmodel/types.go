// Copyright 2025 James Ross
package planmodel

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WorkflowActivity is the immutable template for one step of a workflow
// definition. The engine never interprets Configuration, Inputs, Outputs,
// Prompts, StorageSystems or Models — those reference the content/catalog
// services that own activity schemas — it only copies them onto the
// WorkflowJob instantiated from this template.
type WorkflowActivity struct {
	Queue          string            `json:"queue"`
	ActivityID     string            `json:"activity_id"`
	ExecutionGroup int32             `json:"execution_group"`
	Configuration  json.RawMessage   `json:"configuration,omitempty"`
	Inputs         []json.RawMessage `json:"activity_inputs,omitempty"`
	Outputs        []json.RawMessage `json:"activity_outputs,omitempty"`
	Prompts        []json.RawMessage `json:"prompts,omitempty"`
	StorageSystems []json.RawMessage `json:"storage_systems,omitempty"`
	Models         []json.RawMessage `json:"models,omitempty"`
}

// WorkflowTemplate is the declared workflow definition snapshotted onto a
// plan at enqueue time, so later changes to the definition never affect a
// plan already in flight.
type WorkflowTemplate struct {
	ID          string             `json:"id"`
	MaxFailures int32              `json:"max_failures"`
	Activities  []WorkflowActivity `json:"activities"`
}

// WorkflowJob is one instantiated step of a plan.
type WorkflowJob struct {
	ParentJobID    *WorkflowJobId    `json:"parent_job_id,omitempty"`
	Index          int32             `json:"index"`
	Queue          string            `json:"queue"`
	ActivityID     string            `json:"activity_id"`
	ExecutionGroup int32             `json:"execution_group"`
	Configuration  json.RawMessage   `json:"configuration,omitempty"`
	ActivityInputs []json.RawMessage `json:"activity_inputs,omitempty"`
	ActivityOutputs []json.RawMessage `json:"activity_outputs,omitempty"`
	Prompts        []json.RawMessage `json:"prompts,omitempty"`
	StorageSystems []json.RawMessage `json:"storage_systems,omitempty"`
	Models         []json.RawMessage `json:"models,omitempty"`

	Context json.RawMessage `json:"context,omitempty"`
	Error   *string         `json:"error,omitempty"`

	Complete  bool       `json:"complete"`
	Finished  *time.Time `json:"finished,omitempty"`
	Failures  int32      `json:"failures"`

	Children          ExecIDSet `json:"children"`
	CompletedChildren ExecIDSet `json:"completed_children"`
	FailedChildren    ExecIDSet `json:"failed_children"`
}

func newWorkflowJob(a WorkflowActivity, index int32, parent *WorkflowJobId) WorkflowJob {
	return WorkflowJob{
		ParentJobID:     parent,
		Index:           index,
		Queue:           a.Queue,
		ActivityID:      a.ActivityID,
		ExecutionGroup:  a.ExecutionGroup,
		Configuration:   a.Configuration,
		ActivityInputs:  a.Inputs,
		ActivityOutputs: a.Outputs,
		Prompts:         a.Prompts,
		StorageSystems:  a.StorageSystems,
		Models:          a.Models,
		Children:          NewExecIDSet(),
		CompletedChildren: NewExecIDSet(),
		FailedChildren:    NewExecIDSet(),
	}
}

// WorkflowExecutionPlan is a materialised workflow instance with its jobs
// and progress state. It is the unit of persistence in the Durable Store.
type WorkflowExecutionPlan struct {
	Parent     *WorkflowJobId      `json:"parent,omitempty"`
	ID         WorkflowExecutionId `json:"id"`
	Enqueued   time.Time           `json:"enqueued"`
	DelayUntil *time.Time          `json:"delay_until,omitempty"`
	Finished   *time.Time          `json:"finished,omitempty"`
	Cancelled  bool                `json:"cancelled"`

	Workflow WorkflowTemplate `json:"workflow"`
	Jobs     []WorkflowJob    `json:"jobs"`

	MetadataID      *uuid.UUID `json:"metadata_id,omitempty"`
	MetadataVersion *int32     `json:"metadata_version,omitempty"`
	CollectionID    *uuid.UUID `json:"collection_id,omitempty"`
	ProfileID       *uuid.UUID `json:"profile_id,omitempty"`
	SupplementaryID *string    `json:"supplementary_id,omitempty"`

	Context json.RawMessage `json:"context,omitempty"`

	Active   IndexSet `json:"active"`
	Complete IndexSet `json:"complete"`
	Failed   IndexSet `json:"failed"`

	Error       *string `json:"error,omitempty"`
	Failure     bool    `json:"failure"`
	MaxFailures int32   `json:"max_failures"`
}

// New materialises a plan from a workflow template: one job per declared
// activity, index in declared order, activity template fields copied onto
// each job.
func New(queue string, id uuid.UUID, workflow WorkflowTemplate, parent *WorkflowJobId) *WorkflowExecutionPlan {
	jobs := make([]WorkflowJob, len(workflow.Activities))
	for i, a := range workflow.Activities {
		jobs[i] = newWorkflowJob(a, int32(i), parent)
	}
	return &WorkflowExecutionPlan{
		Parent:      parent,
		ID:          WorkflowExecutionId{Queue: queue, ID: id},
		Enqueued:    time.Now().UTC(),
		Workflow:    workflow,
		Jobs:        jobs,
		Active:      NewIndexSet(),
		Complete:    NewIndexSet(),
		Failed:      NewIndexSet(),
		MaxFailures: workflow.MaxFailures,
	}
}

// Queue returns the queue the plan's id is keyed under.
func (p *WorkflowExecutionPlan) Queue() string { return p.ID.Queue }

// JobID builds the WorkflowJobId for a job index within this plan.
func (p *WorkflowExecutionPlan) JobID(index int32) WorkflowJobId {
	return WorkflowJobId{Queue: p.ID.Queue, ID: p.ID.ID, Index: index}
}

// Job returns a pointer to the job at index, or nil if out of range.
func (p *WorkflowExecutionPlan) Job(index int32) *WorkflowJob {
	if index < 0 || int(index) >= len(p.Jobs) {
		return nil
	}
	return &p.Jobs[index]
}

// JobByID resolves a WorkflowJobId to a job within this plan, validating
// that the id's queue and plan id actually match.
func (p *WorkflowExecutionPlan) JobByID(id WorkflowJobId) (*WorkflowJob, bool) {
	if id.ID != p.ID.ID || id.Queue != p.ID.Queue {
		return nil, false
	}
	j := p.Job(id.Index)
	return j, j != nil
}
