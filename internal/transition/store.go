// Copyright 2025 James Ross
package transition

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ItemKind distinguishes the two content entities a transition can target.
type ItemKind string

const (
	ItemKindMetadata   ItemKind = "metadata"
	ItemKindCollection ItemKind = "collection"
)

// ItemState is one row of content_transition_state: the lifecycle state
// currently associated with a content item, plus any transition in
// progress toward a pending target.
type ItemState struct {
	ItemID         uuid.UUID
	Kind           ItemKind
	StateID        string
	PendingStateID *string
	StateValid     *time.Time
}

// Store is the content_transition_state table.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get loads itemID's state, defaulting to a Pending-less zero state if the
// item has never been seen before (a freshly created item with no
// transition history yet).
func (s *Store) Get(ctx context.Context, itemID uuid.UUID) (*ItemState, error) {
	var st ItemState
	var kind string
	err := s.db.QueryRowContext(ctx, `
		SELECT item_id, item_kind, workflow_state_id, workflow_state_pending_id, state_valid
		FROM content_transition_state WHERE item_id = $1
	`, itemID).Scan(&st.ItemID, &kind, &st.StateID, &st.PendingStateID, &st.StateValid)
	if err == sql.ErrNoRows {
		return &ItemState{ItemID: itemID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transition: get item state: %w", err)
	}
	st.Kind = ItemKind(kind)
	return &st, nil
}

// SetPending records a transition in progress: the item's declared state
// stays as-is but workflow_state_pending_id/state_valid mark the target.
func (s *Store) SetPending(ctx context.Context, itemID uuid.UUID, kind ItemKind, currentStateID, pendingStateID string, stateValid *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_transition_state (item_id, item_kind, workflow_state_id, workflow_state_pending_id, state_valid, modified)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (item_id) DO UPDATE SET
			item_kind = EXCLUDED.item_kind,
			workflow_state_pending_id = EXCLUDED.workflow_state_pending_id,
			state_valid = EXCLUDED.state_valid,
			modified = now()
	`, itemID, string(kind), currentStateID, pendingStateID, stateValid)
	if err != nil {
		return fmt.Errorf("transition: set pending: %w", err)
	}
	return nil
}

// Commit applies the pending target as the item's new state and clears
// the pending marker, used once the transition's workflows have been
// dispatched (or immediately, if none were configured).
func (s *Store) Commit(ctx context.Context, itemID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE content_transition_state
		SET workflow_state_id = workflow_state_pending_id,
			workflow_state_pending_id = NULL,
			state_valid = NULL,
			modified = now()
		WHERE item_id = $1
	`, itemID)
	if err != nil {
		return fmt.Errorf("transition: commit: %w", err)
	}
	return nil
}

// ClearPending restores an item to its non-pending state without applying
// the pending target, used by CancelTransition.
func (s *Store) ClearPending(ctx context.Context, itemID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE content_transition_state
		SET workflow_state_pending_id = NULL, state_valid = NULL, modified = now()
		WHERE item_id = $1
	`, itemID)
	if err != nil {
		return fmt.Errorf("transition: clear pending: %w", err)
	}
	return nil
}
