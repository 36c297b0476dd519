package reactor

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/control-node/cmd/control-node/forkjoin"
	"github.com/lyzr/control-node/cmd/control-node/ruledist"
	"github.com/lyzr/control-node/cmd/control-node/ruleengine"
	"github.com/lyzr/control-node/cmd/control-node/scheduler"
	"github.com/lyzr/control-node/cmd/control-node/token"
	"github.com/lyzr/control-node/common/logger"
)

type noopCapture struct{}

func (noopCapture) RecordGenealogy(ctx context.Context, parentID, childID uint64, forkTransitionID string, forkAt time.Time, workflowBase uint64) {
}
func (noopCapture) RecordJoinSync(ctx context.Context, key forkjoin.Key, expectedSiblings, seen int, state forkjoin.State, continuationID uint64) {
}
func (noopCapture) RecordExpired(ctx context.Context, sequenceID uint64, service, operation string, workflowVersion uint64) {
}

// recordingExpiredCapture captures RecordExpired calls so tests can assert
// a dropped token was recognized as Expired rather than silently discarded.
type recordingExpiredCapture struct {
	mu    sync.Mutex
	calls []expiredCall
}

type expiredCall struct {
	SequenceID      uint64
	Service         string
	Operation       string
	WorkflowVersion uint64
}

func (c *recordingExpiredCapture) RecordGenealogy(ctx context.Context, parentID, childID uint64, forkTransitionID string, forkAt time.Time, workflowBase uint64) {
}
func (c *recordingExpiredCapture) RecordJoinSync(ctx context.Context, key forkjoin.Key, expectedSiblings, seen int, state forkjoin.State, continuationID uint64) {
}
func (c *recordingExpiredCapture) RecordExpired(ctx context.Context, sequenceID uint64, service, operation string, workflowVersion uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, expiredCall{sequenceID, service, operation, workflowVersion})
}

type testHarness struct {
	reactor     *Reactor
	scheduler   *scheduler.Scheduler
	coordinator *forkjoin.Coordinator
	rules       *ruledist.Agent
}

// newHarness builds a reactor whose own identity is serviceName; capture
// defaults to a no-op sink when nil, so most tests can ignore it.
func newHarness(t *testing.T, serviceName string, capture Capture) *testHarness {
	t.Helper()
	log := logger.New("error", "json")

	if capture == nil {
		capture = noopCapture{}
	}

	rulesAgent, err := ruledist.New(log, "", "127.0.0.1:1", "node-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rulesAgent.Close() })

	sched := scheduler.New(log, 100, nil)
	coordinator := forkjoin.New(log, noopCapture{}, time.Minute)
	facade := ruleengine.NewFacade()

	r, err := New(log, facade, rulesAgent, sched, coordinator, capture, serviceName, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	return &testHarness{reactor: r, scheduler: sched, coordinator: coordinator, rules: rulesAgent}
}

func (h *testHarness) activateRuleBase(t *testing.T, version uint64, fragments []*ruleengine.Fragment) {
	t.Helper()
	for i, f := range fragments {
		raw, err := f.Canonical()
		require.NoError(t, err)
		require.NoError(t, h.rules.ReceiveFragment(context.Background(), version, i, len(fragments), raw))
	}
}

func TestHandleDropsMalformedPayload(t *testing.T) {
	h := newHarness(t, "pricing", nil)
	h.reactor.handle(context.Background(), []byte("not xml"))
	assert.Equal(t, 0, h.scheduler.Len())
}

func TestHandleDropsInactiveRuleBaseVersion(t *testing.T) {
	h := newHarness(t, "pricing", nil)
	pl := &token.Payload{Header: token.Header{SequenceID: 1, RuleBaseVersion: 99}}
	raw, err := token.Marshal(pl)
	require.NoError(t, err)

	h.reactor.handle(context.Background(), raw)
	assert.Equal(t, 0, h.scheduler.Len())
}

func TestHandleDropsMisaddressedToken(t *testing.T) {
	h := newHarness(t, "pricing", nil)
	h.activateRuleBase(t, 1, []*ruleengine.Fragment{
		{Kind: ruleengine.KindNodeType, Service: "billing", Operation: "quote", Type: "Pass"},
	})

	pl := &token.Payload{
		Header:  token.Header{SequenceID: 1, RuleBaseVersion: 1, WorkflowVersion: 1},
		Service: token.Service{ServiceName: "billing", Operation: "quote"},
	}
	raw, err := token.Marshal(pl)
	require.NoError(t, err)

	h.reactor.handle(context.Background(), raw)
	assert.Equal(t, 0, h.scheduler.Len(), "a token addressed to a different service must never be admitted")
}

func TestHandleDropsExpiredToken(t *testing.T) {
	rec := &recordingExpiredCapture{}
	h := newHarness(t, "pricing", rec)
	h.activateRuleBase(t, 1, []*ruleengine.Fragment{
		{Kind: ruleengine.KindNodeType, Service: "pricing", Operation: "quote", Type: "Pass"},
	})

	pl := &token.Payload{
		Header:  token.Header{SequenceID: 1, RuleBaseVersion: 1, WorkflowVersion: 3},
		Service: token.Service{ServiceName: "pricing", Operation: "quote"},
		JoinAttrs: []token.JoinAttribute{
			{Name: "x", Value: "y", NotAfterMillis: time.Now().Add(-time.Hour).UnixMilli()},
		},
	}
	raw, err := token.Marshal(pl)
	require.NoError(t, err)

	h.reactor.handle(context.Background(), raw)
	assert.Equal(t, 0, h.scheduler.Len())

	require.Len(t, rec.calls, 1)
	assert.Equal(t, uint64(1), rec.calls[0].SequenceID)
	assert.Equal(t, "pricing", rec.calls[0].Service)
	assert.Equal(t, "quote", rec.calls[0].Operation)
	assert.Equal(t, uint64(3), rec.calls[0].WorkflowVersion)
}

func TestHandleDropsUnknownNodeType(t *testing.T) {
	h := newHarness(t, "pricing", nil)
	h.activateRuleBase(t, 1, []*ruleengine.Fragment{
		{Kind: ruleengine.KindActiveService, Service: "pricing", Operation: "quote", Host: "127.0.0.1", Port: 1},
	})

	pl := &token.Payload{
		Header:  token.Header{SequenceID: 1, RuleBaseVersion: 1},
		Service: token.Service{ServiceName: "pricing", Operation: "quote"},
	}
	raw, err := token.Marshal(pl)
	require.NoError(t, err)

	h.reactor.handle(context.Background(), raw)
	assert.Equal(t, 0, h.scheduler.Len())
}

func TestHandleAdmitsPassNode(t *testing.T) {
	h := newHarness(t, "pricing", nil)
	h.activateRuleBase(t, 1, []*ruleengine.Fragment{
		{Kind: ruleengine.KindNodeType, Service: "pricing", Operation: "quote", Type: "Pass"},
	})

	pl := &token.Payload{
		Header:  token.Header{SequenceID: 1, RuleBaseVersion: 1, WorkflowVersion: 1},
		Service: token.Service{ServiceName: "pricing", Operation: "quote"},
	}
	raw, err := token.Marshal(pl)
	require.NoError(t, err)

	h.reactor.handle(context.Background(), raw)
	assert.Equal(t, 1, h.scheduler.Len())
}

func TestHandleJoinNotCompletedIsNotAdmitted(t *testing.T) {
	h := newHarness(t, "billing", nil)
	h.activateRuleBase(t, 1, []*ruleengine.Fragment{
		{Kind: ruleengine.KindNodeType, Service: "billing", Operation: "merge", Type: "Join"},
	})

	child := forkjoin.EncodeChild(10000, 2, 1)
	pl := &token.Payload{
		Header:  token.Header{SequenceID: child, RuleBaseVersion: 1, WorkflowVersion: 1},
		Service: token.Service{ServiceName: "billing", Operation: "merge"},
	}
	raw, err := token.Marshal(pl)
	require.NoError(t, err)

	h.reactor.handle(context.Background(), raw)
	assert.Equal(t, 0, h.scheduler.Len())
	assert.Equal(t, 1, h.coordinator.OpenCount())
}

func TestHandleJoinCompletedIsAdmittedAsContinuation(t *testing.T) {
	h := newHarness(t, "billing", nil)
	h.activateRuleBase(t, 1, []*ruleengine.Fragment{
		{Kind: ruleengine.KindNodeType, Service: "billing", Operation: "merge", Type: "Join"},
	})

	child1 := forkjoin.EncodeChild(10000, 2, 1)
	child2 := forkjoin.EncodeChild(10000, 2, 2)

	pl1 := &token.Payload{
		Header:  token.Header{SequenceID: child1, RuleBaseVersion: 1, WorkflowVersion: 1},
		Service: token.Service{ServiceName: "billing", Operation: "merge"},
	}
	raw1, err := token.Marshal(pl1)
	require.NoError(t, err)
	h.reactor.handle(context.Background(), raw1)
	require.Equal(t, 0, h.scheduler.Len())

	pl2 := &token.Payload{
		Header:  token.Header{SequenceID: child2, RuleBaseVersion: 1, WorkflowVersion: 1},
		Service: token.Service{ServiceName: "billing", Operation: "merge"},
	}
	raw2, err := token.Marshal(pl2)
	require.NoError(t, err)
	h.reactor.handle(context.Background(), raw2)

	require.Equal(t, 1, h.scheduler.Len())
	item, err := h.scheduler.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, item.JoinContinuation)
	assert.Equal(t, uint64(10000), item.Payload.Header.SequenceID)
}
