// Copyright 2025 James Ross
package adminapi

import "time"

// ErrorResponse is the JSON body returned on any non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// PlanResponse is the JSON view of a WorkflowExecutionPlan returned by
// GET /v1/plans/{id}.
type PlanResponse struct {
	ID         string     `json:"id"`
	Queue      string     `json:"queue"`
	Cancelled  bool       `json:"cancelled"`
	Failure    bool       `json:"failure"`
	Finished   *time.Time `json:"finished,omitempty"`
	ActiveJobs []int32    `json:"active_jobs"`
	FailedJobs []int32    `json:"failed_jobs"`
}

// QueueStatsResponse reports current QS depth for one queue.
type QueueStatsResponse struct {
	Queue   string `json:"queue"`
	Pending int64  `json:"pending"`
	Running int64  `json:"running"`
}

// BeginTransitionRequest is the JSON body for POST /v1/transitions.
type BeginTransitionRequest struct {
	ItemID       string     `json:"item_id"`
	Kind         string     `json:"kind"`
	MetadataID   *string    `json:"metadata_id,omitempty"`
	CollectionID *string    `json:"collection_id,omitempty"`
	TargetState  string     `json:"target_state"`
	StateValid   *time.Time `json:"state_valid,omitempty"`
}

// CancelTransitionRequest is the JSON body for POST /v1/transitions/{item_id}/cancel.
type CancelTransitionRequest struct {
	Kind         string  `json:"kind"`
	MetadataID   *string `json:"metadata_id,omitempty"`
	CollectionID *string `json:"collection_id,omitempty"`
}

// ResumeTransitionRequest is the JSON body for POST /v1/transitions/{item_id}/resume.
type ResumeTransitionRequest struct {
	Kind string `json:"kind"`
}

// RetryAllFailedRequest is the JSON body for POST /v1/queues/{queue}/retry-failed.
type RetryAllFailedRequest struct {
	PageSize int `json:"page_size"`
}

// RetryAllFailedResponse reports how many jobs were re-enqueued.
type RetryAllFailedResponse struct {
	Retried int `json:"retried"`
}
