// Copyright 2025 James Ross
package queuemanager

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sowers-io/bosca-sub001/internal/planmodel"
)

// Job is the worker-facing view of a dispatched WorkflowJob: everything an
// activity needs to run, with the plan bookkeeping stripped away.
type Job struct {
	ID             planmodel.WorkflowJobId
	ActivityID     string
	Configuration  json.RawMessage
	Inputs         []json.RawMessage
	Outputs        []json.RawMessage
	Prompts        []json.RawMessage
	StorageSystems []json.RawMessage
	Models         []json.RawMessage
	Context        json.RawMessage
	Failures       int32
	MetadataID     *uuid.UUID
	CollectionID   *uuid.UUID
}

func jobFromPlan(plan *planmodel.WorkflowExecutionPlan, job *planmodel.WorkflowJob) Job {
	return Job{
		ID:             plan.JobID(job.Index),
		ActivityID:     job.ActivityID,
		Configuration:  job.Configuration,
		Inputs:         job.ActivityInputs,
		Outputs:        job.ActivityOutputs,
		Prompts:        job.Prompts,
		StorageSystems: job.StorageSystems,
		Models:         job.Models,
		Context:        job.Context,
		Failures:       job.Failures,
		MetadataID:     plan.MetadataID,
		CollectionID:   plan.CollectionID,
	}
}
