// Copyright 2025 James Ross
package workerharness

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sowers-io/bosca-sub001/internal/queuemanager"
)

func TestRegistryLookupRoundTrip(t *testing.T) {
	r := NewActivityRegistry()
	called := false
	r.Register("q1", "A", func(ctx context.Context, job queuemanager.Job) (json.RawMessage, error) {
		called = true
		return nil, nil
	})

	fn, ok := r.lookup("q1", "A")
	if !ok {
		t.Fatalf("expected registered activity to be found")
	}
	if _, err := fn(context.Background(), queuemanager.Job{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatalf("expected registered function to run")
	}

	if _, ok := r.lookup("q1", "B"); ok {
		t.Fatalf("expected unregistered activity id to miss")
	}
	if _, ok := r.lookup("q2", "A"); ok {
		t.Fatalf("expected registration to be scoped to its queue")
	}
}
