package forkjoin

import (
	"time"

	"github.com/lyzr/control-node/cmd/control-node/controlerr"
)

// State is the join record's state machine: Waiting -> Complete | Expired,
// both terminal.
type State int

const (
	Waiting State = iota
	Complete
	Expired
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "Waiting"
	case Complete:
		return "Complete"
	case Expired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// Key identifies a join record: the join transition plus the common
// parent id shared by every sibling.
type Key struct {
	JoinTransitionID string
	ParentID         uint64
}

// Record tracks one in-flight join: the siblings seen so far, their
// merged attribute bindings, and the earliest deadline among them.
type Record struct {
	Key             Key
	ExpectedSiblings int
	Seen            map[int]bool // branchNumber -> arrived
	Attributes      map[string]string
	Deadline        time.Time
	HasDeadline     bool
	State           State
	ContinuationID  uint64
}

func newRecord(key Key, expectedSiblings int) *Record {
	return &Record{
		Key:              key,
		ExpectedSiblings: expectedSiblings,
		Seen:             make(map[int]bool, expectedSiblings),
		Attributes:       make(map[string]string),
		State:            Waiting,
	}
}

// ArriveResult describes the outcome of one sibling's arrival.
type ArriveResult struct {
	Duplicate    bool
	Completed    bool
	Continuation uint64
	MergedAttrs  map[string]string
}

// arrive merges one sibling's attribute bindings into the record and
// advances its state. A previously-seen branchNumber after the record
// reached a terminal state is a dropped duplicate. A binding collision on
// a non-identical value across distinct siblings is a BindingConflict.
func (r *Record) arrive(branchNumber int, attrs map[string]string, deadline time.Time, hasDeadline bool) (*ArriveResult, error) {
	if r.State != Waiting {
		return &ArriveResult{Duplicate: true}, nil
	}
	if r.Seen[branchNumber] {
		return &ArriveResult{Duplicate: true}, nil
	}

	for k, v := range attrs {
		if existing, exists := r.Attributes[k]; exists && existing != v {
			return nil, &BindingConflictError{Key: k, Existing: existing, Incoming: v}
		}
		r.Attributes[k] = v
	}
	r.Seen[branchNumber] = true

	if hasDeadline && (!r.HasDeadline || deadline.Before(r.Deadline)) {
		r.Deadline = deadline
		r.HasDeadline = true
	}

	if len(r.Seen) == r.ExpectedSiblings {
		r.State = Complete
		r.ContinuationID = r.Key.ParentID
		merged := make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			merged[k] = v
		}
		return &ArriveResult{Completed: true, Continuation: r.ContinuationID, MergedAttrs: merged}, nil
	}

	return &ArriveResult{}, nil
}

// expire marks the record Expired if it is still Waiting and its deadline
// has passed. Returns true if it transitioned.
func (r *Record) expire(now time.Time) bool {
	if r.State != Waiting || !r.HasDeadline {
		return false
	}
	if now.Before(r.Deadline) {
		return false
	}
	r.State = Expired
	return true
}

// BindingConflictError reports a join-attribute merge collision: the same
// attribute name arriving with two different values from distinct
// siblings.
type BindingConflictError struct {
	Key      string
	Existing string
	Incoming string
}

func (e *BindingConflictError) Error() string {
	return "binding conflict on join attribute " + e.Key
}

func (e *BindingConflictError) Unwrap() error { return controlerr.ErrBindingViolation }
