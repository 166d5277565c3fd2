// Copyright 2025 James Ross
// Package transition implements the Transition Controller (TC): the
// component that drives content lifecycle state changes by enqueueing
// entry/exit/default workflows and scheduling delayed transitions.
package transition

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sowers-io/bosca-sub001/internal/planmodel"
)

// StateType distinguishes the Pending state type, which may only be left
// by an external "mark ready" action rather than a manual transition.
type StateType int

const (
	StateNormal StateType = iota
	StatePending
)

// WorkflowState is a declared lifecycle state and the up-to-three
// workflows associated with entering, exiting, or defaulting into it.
type WorkflowState struct {
	ID                string
	Type              StateType
	EntryWorkflowID   *string
	ExitWorkflowID    *string
	DefaultWorkflowID *string
}

type transitionKey struct{ From, To string }

// Catalog is the in-memory, mutex-guarded view of workflow_states,
// workflow_transitions and workflow_templates: the declared lifecycle
// graph and the workflow definitions it references. The real content
// data model (item schemas, permissions, readiness) lives with an
// external collaborator; this engine only needs enough of it to resolve
// a transition edge to the workflow template it should enqueue.
type Catalog struct {
	mu          sync.RWMutex
	states      map[string]WorkflowState
	transitions map[transitionKey]struct{}
	templates   map[string]planmodel.WorkflowTemplate
}

func NewCatalog() *Catalog {
	return &Catalog{
		states:      make(map[string]WorkflowState),
		transitions: make(map[transitionKey]struct{}),
		templates:   make(map[string]planmodel.WorkflowTemplate),
	}
}

// Load replaces the catalog's contents from DS, atomically from the
// caller's perspective: readers never see a partially-reloaded catalog.
func (c *Catalog) Load(ctx context.Context, db *sql.DB) error {
	states, err := loadStates(ctx, db)
	if err != nil {
		return fmt.Errorf("transition: load states: %w", err)
	}
	transitions, err := loadTransitions(ctx, db)
	if err != nil {
		return fmt.Errorf("transition: load transitions: %w", err)
	}
	templates, err := loadTemplates(ctx, db)
	if err != nil {
		return fmt.Errorf("transition: load templates: %w", err)
	}

	c.mu.Lock()
	c.states = states
	c.transitions = transitions
	c.templates = templates
	c.mu.Unlock()
	return nil
}

func loadStates(ctx context.Context, db *sql.DB) (map[string]WorkflowState, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, state_type, entry_workflow_id, exit_workflow_id, default_workflow_id FROM workflow_states`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]WorkflowState)
	for rows.Next() {
		var s WorkflowState
		var stateType string
		if err := rows.Scan(&s.ID, &stateType, &s.EntryWorkflowID, &s.ExitWorkflowID, &s.DefaultWorkflowID); err != nil {
			return nil, err
		}
		if stateType == "pending" {
			s.Type = StatePending
		}
		out[s.ID] = s
	}
	return out, rows.Err()
}

func loadTransitions(ctx context.Context, db *sql.DB) (map[transitionKey]struct{}, error) {
	rows, err := db.QueryContext(ctx, `SELECT from_state_id, to_state_id FROM workflow_transitions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[transitionKey]struct{})
	for rows.Next() {
		var k transitionKey
		if err := rows.Scan(&k.From, &k.To); err != nil {
			return nil, err
		}
		out[k] = struct{}{}
	}
	return out, rows.Err()
}

func loadTemplates(ctx context.Context, db *sql.DB) (map[string]planmodel.WorkflowTemplate, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, configuration FROM workflow_templates`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]planmodel.WorkflowTemplate)
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var tmpl planmodel.WorkflowTemplate
		if err := json.Unmarshal(raw, &tmpl); err != nil {
			return nil, fmt.Errorf("unmarshal template %q: %w", id, err)
		}
		out[id] = tmpl
	}
	return out, rows.Err()
}

func (c *Catalog) State(id string) (WorkflowState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.states[id]
	return s, ok
}

func (c *Catalog) HasTransition(from, to string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.transitions[transitionKey{From: from, To: to}]
	return ok
}

func (c *Catalog) Template(workflowID string) (planmodel.WorkflowTemplate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[workflowID]
	return t, ok
}

// PutStateForTest and PutTransitionForTest let tests seed a catalog
// without standing up Postgres; production code always populates the
// catalog via Load.
func (c *Catalog) PutStateForTest(s WorkflowState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[s.ID] = s
}

func (c *Catalog) PutTransitionForTest(from, to string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitions[transitionKey{From: from, To: to}] = struct{}{}
}

func (c *Catalog) PutTemplateForTest(id string, tmpl planmodel.WorkflowTemplate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[id] = tmpl
}
