// Copyright 2025 James Ross
package planmodel

import (
	"encoding/json"
	"sort"
)

// IndexSet is a set of job indices, serialised as a JSON array of ints.
type IndexSet map[int32]struct{}

func NewIndexSet(indices ...int32) IndexSet {
	s := make(IndexSet, len(indices))
	for _, i := range indices {
		s[i] = struct{}{}
	}
	return s
}

func (s IndexSet) Has(i int32) bool {
	_, ok := s[i]
	return ok
}

func (s IndexSet) Insert(i int32) {
	s[i] = struct{}{}
}

func (s IndexSet) Remove(i int32) {
	delete(s, i)
}

func (s IndexSet) Len() int { return len(s) }

func (s IndexSet) Slice() []int32 {
	out := make([]int32, 0, len(s))
	for i := range s {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

func (s IndexSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

func (s *IndexSet) UnmarshalJSON(b []byte) error {
	var arr []int32
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	out := make(IndexSet, len(arr))
	for _, i := range arr {
		out[i] = struct{}{}
	}
	*s = out
	return nil
}

// ExecIDSet is a set of WorkflowExecutionId, serialised as a JSON array.
type ExecIDSet map[WorkflowExecutionId]struct{}

func NewExecIDSet(ids ...WorkflowExecutionId) ExecIDSet {
	s := make(ExecIDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s ExecIDSet) Has(id WorkflowExecutionId) bool {
	_, ok := s[id]
	return ok
}

func (s ExecIDSet) Insert(id WorkflowExecutionId) {
	s[id] = struct{}{}
}

func (s ExecIDSet) Len() int { return len(s) }

func (s ExecIDSet) Slice() []WorkflowExecutionId {
	out := make([]WorkflowExecutionId, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Queue != out[b].Queue {
			return out[a].Queue < out[b].Queue
		}
		return out[a].ID.String() < out[b].ID.String()
	})
	return out
}

// Subset reports whether every member of s is also a member of other,
// used to check invariant 4 (completed_children ⊆ children).
func (s ExecIDSet) Subset(other ExecIDSet) bool {
	for id := range s {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

func (s ExecIDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

func (s *ExecIDSet) UnmarshalJSON(b []byte) error {
	var arr []WorkflowExecutionId
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	out := make(ExecIDSet, len(arr))
	for _, id := range arr {
		out[id] = struct{}{}
	}
	*s = out
	return nil
}
