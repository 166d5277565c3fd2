// Copyright 2025 James Ross
package durablestore

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindNotFound Kind = iota
	KindLockContention
	KindTransportFault
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindLockContention:
		return "LockContention"
	case KindTransportFault:
		return "TransportFault"
	default:
		return "Unknown"
	}
}

// Error wraps a Durable Store failure with a stable Kind. Callers branch on
// Kind, not on driver-specific error strings: NotFound propagates,
// LockContention retries the whole operation from the top, TransportFault
// retries with engine-level exponential back-off.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("durablestore: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func IsKind(err error, kind Kind) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}
