package forkjoin

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/control-node/common/logger"
)

type fakeCapture struct {
	mu         sync.Mutex
	genealogy  []genealogyCall
	joinSyncs  []joinSyncCall
}

type genealogyCall struct {
	parentID, childID uint64
	forkTransitionID  string
	workflowBase      uint64
}

type joinSyncCall struct {
	key                  Key
	expectedSiblings, seen int
	state                State
	continuationID       uint64
}

func (f *fakeCapture) RecordGenealogy(ctx context.Context, parentID, childID uint64, forkTransitionID string, forkAt time.Time, workflowBase uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.genealogy = append(f.genealogy, genealogyCall{parentID, childID, forkTransitionID, workflowBase})
}

func (f *fakeCapture) RecordJoinSync(ctx context.Context, key Key, expectedSiblings, seen int, state State, continuationID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joinSyncs = append(f.joinSyncs, joinSyncCall{key, expectedSiblings, seen, state, continuationID})
}

func newTestCoordinator() (*Coordinator, *fakeCapture) {
	fc := &fakeCapture{}
	c := New(logger.New("error", "json"), fc, time.Millisecond)
	return c, fc
}

func TestCoordinatorForkEmitsGenealogyPerChild(t *testing.T) {
	c, fc := newTestCoordinator()
	children := c.Fork(context.Background(), 10000, 3, "fork-quote", 10000)

	require.Len(t, children, 3)
	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.Len(t, fc.genealogy, 3)
	for i, g := range fc.genealogy {
		assert.Equal(t, uint64(10000), g.parentID)
		assert.Equal(t, children[i], g.childID)
		assert.Equal(t, "fork-quote", g.forkTransitionID)
	}
}

func TestCoordinatorArriveCompletesJoin(t *testing.T) {
	c, fc := newTestCoordinator()
	children := c.Fork(context.Background(), 10000, 2, "fork-x", 10000)

	res1, err := c.Arrive(context.Background(), "join-x", children[0], map[string]string{"a": "1"}, time.Time{}, false)
	require.NoError(t, err)
	assert.False(t, res1.Completed)
	assert.Equal(t, 1, c.OpenCount())

	res2, err := c.Arrive(context.Background(), "join-x", children[1], map[string]string{"b": "2"}, time.Time{}, false)
	require.NoError(t, err)
	assert.True(t, res2.Completed)
	assert.Equal(t, uint64(10000), res2.Continuation)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, res2.MergedAttrs)

	assert.Equal(t, 0, c.OpenCount(), "completed join record should be evicted")

	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.Len(t, fc.joinSyncs, 1)
	assert.Equal(t, Complete, fc.joinSyncs[0].state)
}

func TestCoordinatorArriveNonForkChildTreatedAsTrivialJoin(t *testing.T) {
	c, _ := newTestCoordinator()
	res, err := c.Arrive(context.Background(), "merge-only", 42, map[string]string{"x": "y"}, time.Time{}, false)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, uint64(42), res.Continuation)
}

func TestCoordinatorDeadlineSweepExpiresStaleRecord(t *testing.T) {
	c, fc := newTestCoordinator()
	children := c.Fork(context.Background(), 10000, 2, "fork-x", 10000)

	past := time.Now().Add(-time.Hour)
	_, err := c.Arrive(context.Background(), "join-x", children[0], map[string]string{}, past, true)
	require.NoError(t, err)
	require.Equal(t, 1, c.OpenCount())

	c.sweepOnce(context.Background(), time.Now())
	assert.Equal(t, 0, c.OpenCount())

	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.Len(t, fc.joinSyncs, 1)
	assert.Equal(t, Expired, fc.joinSyncs[0].state)
}

func TestCoordinatorRunDeadlineSweepStopsOnContextCancel(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.RunDeadlineSweep(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunDeadlineSweep did not stop after context cancellation")
	}
}
