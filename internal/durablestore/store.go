// Copyright 2025 James Ross
// Package durablestore implements the Durable Store (DS): the transactional,
// JSON-document-backed source of truth for execution plans. Every mutation
// of plan state flows through here; the Queue Store only ever holds
// transient scheduling entries derived from what DS already committed.
package durablestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sowers-io/bosca-sub001/internal/planmodel"
)

// Store is a PostgreSQL-backed Durable Store.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateSchema creates the workflow_plans and content_transition_state
// tables if they do not already exist. Called once at process start,
// matching the teacher's inline-DDL pattern for small auxiliary tables
// rather than an external migration tool.
func CreateSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workflow_plans (
			id uuid PRIMARY KEY,
			queue text NOT NULL,
			parent_job_id uuid,
			parent_job_queue text,
			parent_job_index int,
			metadata_id uuid,
			collection_id uuid,
			configuration jsonb NOT NULL,
			cancelled boolean NOT NULL DEFAULT false,
			finished timestamptz,
			created timestamptz NOT NULL DEFAULT now(),
			modified timestamptz NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create workflow_plans: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS workflow_plans_queue_idx ON workflow_plans (queue, created)
	`); err != nil {
		return fmt.Errorf("create workflow_plans_queue_idx: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS workflow_plans_content_ref_idx ON workflow_plans (metadata_id, collection_id) WHERE finished IS NULL
	`); err != nil {
		return fmt.Errorf("create workflow_plans_content_ref_idx: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS content_transition_state (
			item_id uuid PRIMARY KEY,
			item_kind text NOT NULL,
			workflow_state_id text NOT NULL,
			workflow_state_pending_id text,
			state_valid timestamptz,
			modified timestamptz NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create content_transition_state: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workflow_states (
			id text PRIMARY KEY,
			state_type text NOT NULL,
			entry_workflow_id text,
			exit_workflow_id text,
			default_workflow_id text
		)
	`); err != nil {
		return fmt.Errorf("create workflow_states: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workflow_transitions (
			from_state_id text NOT NULL,
			to_state_id text NOT NULL,
			PRIMARY KEY (from_state_id, to_state_id)
		)
	`); err != nil {
		return fmt.Errorf("create workflow_transitions: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workflow_templates (
			id text PRIMARY KEY,
			configuration jsonb NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create workflow_templates: %w", err)
	}
	return nil
}

type queryExecer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// BeginTx starts a new DS transaction. Callers must Commit or Rollback it;
// a plan loaded via GetForUpdate inside this transaction holds its row
// lock until one of those is called.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, newError(KindTransportFault, "BeginTx", err)
	}
	return tx, nil
}

// Get loads a plan without acquiring a row lock, for read-only observability
// callers (list views, admin lookups).
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*planmodel.WorkflowExecutionPlan, error) {
	return s.get(ctx, s.db, id, false)
}

// GetForUpdate loads a plan and holds its row lock for the lifetime of tx.
// Lock contention (another transaction already holds the row) surfaces as
// a KindLockContention error; the caller should retry the whole operation
// from the top rather than retrying just this call.
func (s *Store) GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*planmodel.WorkflowExecutionPlan, error) {
	return s.get(ctx, tx, id, true)
}

func (s *Store) get(ctx context.Context, q queryExecer, id uuid.UUID, forUpdate bool) (*planmodel.WorkflowExecutionPlan, error) {
	query := `SELECT configuration FROM workflow_plans WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE NOWAIT`
	}
	var raw []byte
	err := q.QueryRowContext(ctx, query, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, newError(KindNotFound, "Get", err)
	}
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "55P03" {
			return nil, newError(KindLockContention, "GetForUpdate", err)
		}
		return nil, newError(KindTransportFault, "Get", err)
	}
	var plan planmodel.WorkflowExecutionPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, newError(KindTransportFault, "Get", fmt.Errorf("unmarshal plan: %w", err))
	}
	return &plan, nil
}

// Put upserts a plan, refreshing its denormalised columns and modified
// timestamp. Pass a *sql.Tx to participate in an open transaction, or nil
// to write directly through the pool.
func (s *Store) Put(ctx context.Context, tx *sql.Tx, plan *planmodel.WorkflowExecutionPlan) error {
	var q queryExecer = s.db
	if tx != nil {
		q = tx
	}

	raw, err := json.Marshal(plan)
	if err != nil {
		return newError(KindTransportFault, "Put", fmt.Errorf("marshal plan: %w", err))
	}

	var parentJobID, parentJobQueue interface{}
	var parentJobIndex interface{}
	if plan.Parent != nil {
		parentJobID = plan.Parent.ID
		parentJobQueue = plan.Parent.Queue
		parentJobIndex = plan.Parent.Index
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO workflow_plans (id, queue, parent_job_id, parent_job_queue, parent_job_index, metadata_id, collection_id, configuration, cancelled, finished, modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (id) DO UPDATE SET
			queue = EXCLUDED.queue,
			parent_job_id = EXCLUDED.parent_job_id,
			parent_job_queue = EXCLUDED.parent_job_queue,
			parent_job_index = EXCLUDED.parent_job_index,
			metadata_id = EXCLUDED.metadata_id,
			collection_id = EXCLUDED.collection_id,
			configuration = EXCLUDED.configuration,
			cancelled = EXCLUDED.cancelled,
			finished = EXCLUDED.finished,
			modified = now()
	`, plan.ID.ID, plan.ID.Queue, parentJobID, parentJobQueue, parentJobIndex, plan.MetadataID, plan.CollectionID, raw, plan.Cancelled, plan.Finished)
	if err != nil {
		return newError(KindTransportFault, "Put", err)
	}
	return nil
}

// List returns plans for a queue ordered by creation time, for
// observability and admin tooling.
func (s *Store) List(ctx context.Context, queue string, offset, limit int) ([]*planmodel.WorkflowExecutionPlan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT configuration FROM workflow_plans
		WHERE queue = $1
		ORDER BY created
		OFFSET $2 LIMIT $3
	`, queue, offset, limit)
	if err != nil {
		return nil, newError(KindTransportFault, "List", err)
	}
	defer rows.Close()

	var plans []*planmodel.WorkflowExecutionPlan
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, newError(KindTransportFault, "List", err)
		}
		var plan planmodel.WorkflowExecutionPlan
		if err := json.Unmarshal(raw, &plan); err != nil {
			return nil, newError(KindTransportFault, "List", fmt.Errorf("unmarshal plan: %w", err))
		}
		plans = append(plans, &plan)
	}
	if err := rows.Err(); err != nil {
		return nil, newError(KindTransportFault, "List", err)
	}
	return plans, nil
}

// GetActiveByContentRef resolves unfinished plans targeting a given
// metadata or collection entity, used by the transition controller to find
// outstanding delayed_transition plans to cancel. Exactly one of
// metadataID/collectionID should be set.
func (s *Store) GetActiveByContentRef(ctx context.Context, metadataID, collectionID *uuid.UUID) ([]*planmodel.WorkflowExecutionPlan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT configuration FROM workflow_plans
		WHERE finished IS NULL
			AND metadata_id IS NOT DISTINCT FROM $1
			AND collection_id IS NOT DISTINCT FROM $2
	`, metadataID, collectionID)
	if err != nil {
		return nil, newError(KindTransportFault, "GetActiveByContentRef", err)
	}
	defer rows.Close()

	var plans []*planmodel.WorkflowExecutionPlan
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, newError(KindTransportFault, "GetActiveByContentRef", err)
		}
		var plan planmodel.WorkflowExecutionPlan
		if err := json.Unmarshal(raw, &plan); err != nil {
			return nil, newError(KindTransportFault, "GetActiveByContentRef", fmt.Errorf("unmarshal plan: %w", err))
		}
		plans = append(plans, &plan)
	}
	return plans, rows.Err()
}

// GetByParentJob resolves the child plans spawned by a given parent job.
func (s *Store) GetByParentJob(ctx context.Context, parentQueue string, parentID uuid.UUID, parentIndex int32) ([]*planmodel.WorkflowExecutionPlan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT configuration FROM workflow_plans
		WHERE parent_job_queue = $1 AND parent_job_id = $2 AND parent_job_index = $3
	`, parentQueue, parentID, parentIndex)
	if err != nil {
		return nil, newError(KindTransportFault, "GetByParentJob", err)
	}
	defer rows.Close()

	var plans []*planmodel.WorkflowExecutionPlan
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, newError(KindTransportFault, "GetByParentJob", err)
		}
		var plan planmodel.WorkflowExecutionPlan
		if err := json.Unmarshal(raw, &plan); err != nil {
			return nil, newError(KindTransportFault, "GetByParentJob", fmt.Errorf("unmarshal plan: %w", err))
		}
		plans = append(plans, &plan)
	}
	return plans, rows.Err()
}
