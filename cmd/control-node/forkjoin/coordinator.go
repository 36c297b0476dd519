package forkjoin

import (
	"context"
	"sync"
	"time"

	"github.com/lyzr/control-node/common/logger"
)

// Capture is the narrow interface the coordinator uses to append genealogy
// edges and join-sync rows to the capture sink, without importing the
// capture package directly (keeping the dependency direction leaf-ward).
type Capture interface {
	RecordGenealogy(ctx context.Context, parentID, childID uint64, forkTransitionID string, forkAt time.Time, workflowBase uint64)
	RecordJoinSync(ctx context.Context, key Key, expectedSiblings, seen int, state State, continuationID uint64)
}

// Coordinator implements the fork/join transitions described by the
// encoding invariant: Fork asks for N child ids and retires the parent;
// Join merges sibling attribute bindings keyed by (joinTransitionID,
// parentID) until the Nth arrival completes it or its deadline expires.
type Coordinator struct {
	log     *logger.Logger
	capture Capture

	mu      sync.Mutex
	records map[Key]*Record

	skewTolerance time.Duration
}

// New creates a fork/join coordinator. skewTolerance bounds how often the
// deadline sweep runs.
func New(log *logger.Logger, capture Capture, skewTolerance time.Duration) *Coordinator {
	return &Coordinator{
		log:           log,
		capture:       capture,
		records:       make(map[Key]*Record),
		skewTolerance: skewTolerance,
	}
}

// Fork allocates joinCount child ids for parentID and emits one genealogy
// capture record per (parent, child) edge. The parent token itself is
// retired by the caller (the egress publisher), not here.
func (c *Coordinator) Fork(ctx context.Context, parentID uint64, joinCount int, forkTransitionID string, workflowBase uint64) []uint64 {
	now := time.Now()
	children := make([]uint64, joinCount)
	for branch := 1; branch <= joinCount; branch++ {
		childID := EncodeChild(parentID, joinCount, branch)
		children[branch-1] = childID
		c.capture.RecordGenealogy(ctx, parentID, childID, forkTransitionID, now, workflowBase)
	}
	return children
}

// Arrive registers one sibling's arrival at a join transition. tokenID is
// the arriving token's sequence id (an encoded fork child); joinTransitionID
// identifies the Join place in the rule base.
func (c *Coordinator) Arrive(ctx context.Context, joinTransitionID string, tokenID uint64, attrs map[string]string, deadline time.Time, hasDeadline bool) (*ArriveResult, error) {
	parentID, joinCount, branch, ok := DecodeChild(tokenID)
	if !ok {
		// Not a fork child at all: treat as a trivial single-sibling join
		// so Merge-only workflows (joinCount effectively 1) still work.
		parentID, joinCount, branch = tokenID, 1, 1
	}

	key := Key{JoinTransitionID: joinTransitionID, ParentID: parentID}

	c.mu.Lock()
	rec, exists := c.records[key]
	if !exists {
		rec = newRecord(key, joinCount)
		c.records[key] = rec
	}
	result, err := rec.arrive(branch, attrs, deadline, hasDeadline)
	state := rec.State
	seen := len(rec.Seen)
	expected := rec.ExpectedSiblings
	cont := rec.ContinuationID
	terminal := state != Waiting
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if terminal {
		c.capture.RecordJoinSync(ctx, key, expected, seen, state, cont)
		c.evict(key)
	}

	return result, nil
}

// evict removes a terminal record from the live map; its outcome has
// already been written to the capture sink.
func (c *Coordinator) evict(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, key)
}

// RunDeadlineSweep runs until ctx is cancelled, periodically expiring join
// records whose deadline has elapsed with fewer than the expected number
// of siblings observed. Expiry is fatal for that workflow instance: no
// continuation token is produced.
func (c *Coordinator) RunDeadlineSweep(ctx context.Context) {
	ticker := time.NewTicker(c.skewTolerance)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.sweepOnce(ctx, now)
		}
	}
}

func (c *Coordinator) sweepOnce(ctx context.Context, now time.Time) {
	c.mu.Lock()
	var expired []*Record
	for _, rec := range c.records {
		if rec.expire(now) {
			expired = append(expired, rec)
		}
	}
	c.mu.Unlock()

	for _, rec := range expired {
		c.log.Warn("join record expired",
			"join_transition", rec.Key.JoinTransitionID,
			"parent_id", rec.Key.ParentID,
			"seen", len(rec.Seen),
			"expected", rec.ExpectedSiblings,
		)
		c.capture.RecordJoinSync(ctx, rec.Key, rec.ExpectedSiblings, len(rec.Seen), Expired, 0)
		c.evict(rec.Key)
	}
}

// OpenCount reports the number of join records currently Waiting, for the
// admin status surface and the JoinRecordsOpen gauge.
func (c *Coordinator) OpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}
