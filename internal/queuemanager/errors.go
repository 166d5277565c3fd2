// Copyright 2025 James Ross
package queuemanager

import (
	"errors"
	"fmt"

	"github.com/sowers-io/bosca-sub001/internal/durablestore"
	"github.com/sowers-io/bosca-sub001/internal/planmodel"
)

// Kind is the full error taxonomy from spec.md §7, unifying the narrower
// Kind sets of planmodel and durablestore behind one surface workers and
// the transition controller branch on.
type Kind int

const (
	KindNotFound Kind = iota
	KindLockContention
	KindTransportFault
	KindInvalidTransition
	KindActivityFailure
	KindEngineInvariantViolation
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindLockContention:
		return "LockContention"
	case KindTransportFault:
		return "TransportFault"
	case KindInvalidTransition:
		return "InvalidTransition"
	case KindActivityFailure:
		return "ActivityFailure"
	case KindEngineInvariantViolation:
		return "EngineInvariantViolation"
	default:
		return "Unknown"
	}
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("queuemanager: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("queuemanager: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func IsKind(err error, kind Kind) bool {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind == kind
	}
	return false
}

// wrapPlanError and wrapStoreError translate the narrower per-package
// Kinds into the unified taxonomy so callers only ever branch on
// queuemanager.Kind.
func wrapPlanError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, planmodel.ErrJobNotFound), planmodel.IsKind(err, planmodel.KindNotFound):
		return newError(KindNotFound, op, err)
	case planmodel.IsKind(err, planmodel.KindInvalidTransition):
		return newError(KindInvalidTransition, op, err)
	case planmodel.IsKind(err, planmodel.KindEngineInvariantViolation):
		return newError(KindEngineInvariantViolation, op, err)
	default:
		return newError(KindTransportFault, op, err)
	}
}

func wrapStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case durablestore.IsKind(err, durablestore.KindNotFound):
		return newError(KindNotFound, op, err)
	case durablestore.IsKind(err, durablestore.KindLockContention):
		return newError(KindLockContention, op, err)
	default:
		return newError(KindTransportFault, op, err)
	}
}
