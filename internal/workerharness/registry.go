// Copyright 2025 James Ross
// Package workerharness is the reference worker binary's activity loop:
// spec.md treats workers as opaque external processes, but a complete
// repo in this teacher's style always ships one exercising the engine's
// own Dequeue/Checkin/Complete/Fail surface end to end.
package workerharness

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sowers-io/bosca-sub001/internal/queuemanager"
)

// ActivityFunc executes one dispatched job and returns its opaque result,
// or an error to report back as an ActivityFailure.
type ActivityFunc func(ctx context.Context, job queuemanager.Job) (json.RawMessage, error)

// ActivityRegistry is the tagged-variant dispatch table keyed by
// "<queue>::<activity_id>": the harness itself never interprets what an
// activity does, only which registered function to call for it.
type ActivityRegistry struct {
	funcs map[string]ActivityFunc
}

func NewActivityRegistry() *ActivityRegistry {
	return &ActivityRegistry{funcs: make(map[string]ActivityFunc)}
}

func registryKey(queue, activityID string) string {
	return queue + "::" + activityID
}

// Register binds fn to every job dispatched on queue with the given
// activity id.
func (r *ActivityRegistry) Register(queue, activityID string, fn ActivityFunc) {
	r.funcs[registryKey(queue, activityID)] = fn
}

func (r *ActivityRegistry) lookup(queue, activityID string) (ActivityFunc, bool) {
	fn, ok := r.funcs[registryKey(queue, activityID)]
	return fn, ok
}

func noActivityError(queue, activityID string) error {
	return fmt.Errorf("workerharness: no activity registered for %s::%s", queue, activityID)
}
