// Package capture persists the monitoring trail a control node emits as
// tokens fire transitions, fork, and join: transition firings, genealogy
// edges, and join synchronization outcomes. Writes are buffered through a
// bounded channel so a slow database never blocks the hot token path; a
// full buffer drops the incoming row and counts a CaptureOverflow
// instead of applying backpressure to token processing.
package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lyzr/control-node/cmd/control-node/forkjoin"
	"github.com/lyzr/control-node/common/db"
	"github.com/lyzr/control-node/common/logger"
	"github.com/lyzr/control-node/common/redis"
)

// row is the sum type of the three capture record shapes, tagged by kind.
type row struct {
	kind rowKind

	// transition_firing
	sequenceID      uint64
	service         string
	operation       string
	nodeType        string
	firedAt         time.Time
	workflowVersion uint64

	// genealogy_edge
	parentID         uint64
	childID          uint64
	forkTransitionID string
	forkAt           time.Time
	workflowBase     uint64

	// join_sync
	joinTransitionID string
	expectedSiblings int
	seen             int
	state            string
	continuationID   uint64
}

type rowKind int

const (
	rowFiring rowKind = iota
	rowGenealogy
	rowJoinSync
)

// Sink is the durable capture destination: a bounded channel draining into
// Postgres via pgx, mirrored onto a Redis stream for live tailing.
type Sink struct {
	log    *logger.Logger
	db     *db.DB
	redis  *redis.Client
	stream string

	buf       chan row
	overflows atomic.Int64

	wg   sync.WaitGroup
	done chan struct{}
}

// New starts a Sink with the given bounded buffer capacity. Call Run in a
// goroutine to begin draining; call Close to flush and stop.
func New(log *logger.Logger, database *db.DB, rdb *redis.Client, stream string, bufferSize int) *Sink {
	return &Sink{
		log:    log,
		db:     database,
		redis:  rdb,
		stream: stream,
		buf:    make(chan row, bufferSize),
		done:   make(chan struct{}),
	}
}

// Run drains the buffer until the context is canceled. It is meant to run
// in its own goroutine for the lifetime of the control node.
func (s *Sink) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			close(s.done)
			return
		case r := <-s.buf:
			s.persist(ctx, r)
		}
	}
}

// Close waits for the drain goroutine to finish after ctx is canceled.
func (s *Sink) Close() {
	s.wg.Wait()
}

// Overflows returns the count of capture rows dropped because the
// buffer was full, for the telemetry CaptureOverflows counter.
func (s *Sink) Overflows() int64 {
	return s.overflows.Load()
}

func (s *Sink) enqueue(r row) {
	select {
	case s.buf <- r:
	default:
		s.overflows.Add(1)
		s.log.Warn("capture buffer full, dropping row", "kind", r.kind)
	}
}

// RecordFiring logs a transition firing: a token's NodeType dispatch at a
// service/operation.
func (s *Sink) RecordFiring(ctx context.Context, sequenceID uint64, service, operation, nodeType string, firedAt time.Time, workflowVersion uint64) {
	s.enqueue(row{
		kind:            rowFiring,
		sequenceID:      sequenceID,
		service:         service,
		operation:       operation,
		nodeType:        nodeType,
		firedAt:         firedAt,
		workflowVersion: workflowVersion,
	})
}

// terminateNodeType is the sentinel nodeType recorded for a token whose
// routing resolved to zero downstream targets (end of workflow), so
// offline analysis can tell "reached the end" apart from "got stuck" —
// see cmd/captureql's runStuck, which only flags a token STUCK when its
// last firing's NodeType is one of the routing node types, never this one.
const terminateNodeType = "TERMINATE"

// RecordTerminate logs the firing that ends a token's life cleanly: a Pass
// or Merge node whose RouteTargets resolved to nothing further to route
// to. It is indistinguishable from RecordFiring at the storage layer
// (same table, same columns) but tagged with terminateNodeType so captureql
// never classifies it as stuck.
func (s *Sink) RecordTerminate(ctx context.Context, sequenceID uint64, service, operation string, workflowVersion uint64) {
	s.RecordFiring(ctx, sequenceID, service, operation, terminateNodeType, time.Now(), workflowVersion)
}

// expiredNodeType is the sentinel nodeType recorded for a token diverted to
// the Expired sink: its notAfter deadline had already elapsed when the
// reactor tried to admit it, while it was still waiting in the scheduler,
// or by the time its service invocation returned. Per the "no fourth outcome" invariant, every token's last
// firing is one of TERMINATE, a join continuation, or this.
const expiredNodeType = "EXPIRED"

// RecordExpired logs the firing that ends a token's life because its
// notAfter deadline elapsed before it reached invocation or before its
// invocation returned. Shares
// transition_firing's columns with RecordFiring and RecordTerminate but is
// tagged with expiredNodeType so captureql never classifies it as stuck.
func (s *Sink) RecordExpired(ctx context.Context, sequenceID uint64, service, operation string, workflowVersion uint64) {
	s.RecordFiring(ctx, sequenceID, service, operation, expiredNodeType, time.Now(), workflowVersion)
}

// errorNodeTypePrefix tags the firing that diverts a token to the Error
// sink: invocation or routing failed with a BindingViolation or
// RoutingAmbiguous outcome. The suffix names which kind, so captureql can
// break error volume down by category without a separate table.
const errorNodeTypePrefix = "ERROR:"

// RecordError logs the firing that diverts a token to the Error sink. kind
// is a short category tag, e.g. "BindingViolation" or "RoutingAmbiguous".
func (s *Sink) RecordError(ctx context.Context, sequenceID uint64, service, operation, kind string, workflowVersion uint64) {
	s.RecordFiring(ctx, sequenceID, service, operation, errorNodeTypePrefix+kind, time.Now(), workflowVersion)
}

// RecordGenealogy implements forkjoin.Capture: one row per fork child.
func (s *Sink) RecordGenealogy(ctx context.Context, parentID, childID uint64, forkTransitionID string, forkAt time.Time, workflowBase uint64) {
	s.enqueue(row{
		kind:             rowGenealogy,
		parentID:         parentID,
		childID:          childID,
		forkTransitionID: forkTransitionID,
		forkAt:           forkAt,
		workflowBase:     workflowBase,
	})
}

// RecordJoinSync implements forkjoin.Capture: one row per join resolution
// (Complete or Expired).
func (s *Sink) RecordJoinSync(ctx context.Context, key forkjoin.Key, expectedSiblings, seen int, state forkjoin.State, continuationID uint64) {
	s.enqueue(row{
		kind:             rowJoinSync,
		joinTransitionID: key.JoinTransitionID,
		parentID:         key.ParentID,
		expectedSiblings: expectedSiblings,
		seen:             seen,
		state:            state.String(),
		continuationID:   continuationID,
	})
}

func (s *Sink) persist(ctx context.Context, r row) {
	var err error
	switch r.kind {
	case rowFiring:
		err = s.persistFiring(ctx, r)
	case rowGenealogy:
		err = s.persistGenealogy(ctx, r)
	case rowJoinSync:
		err = s.persistJoinSync(ctx, r)
	}
	if err != nil {
		s.log.Error("capture persist failed", "kind", r.kind, "error", err)
	}
}

func (s *Sink) persistFiring(ctx context.Context, r row) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO transition_firing (sequence_id, service, operation, node_type, fired_at, workflow_version)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.sequenceID, r.service, r.operation, r.nodeType, r.firedAt, r.workflowVersion)
	if err != nil {
		return err
	}
	s.mirror(ctx, "transition_firing", map[string]interface{}{
		"sequence_id":      r.sequenceID,
		"service":          r.service,
		"operation":        r.operation,
		"node_type":        r.nodeType,
		"fired_at":         r.firedAt.UnixMilli(),
		"workflow_version": r.workflowVersion,
	})
	return nil
}

func (s *Sink) persistGenealogy(ctx context.Context, r row) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO genealogy_edge (parent_id, child_id, fork_transition_id, fork_at, workflow_base)
		VALUES ($1, $2, $3, $4, $5)`,
		r.parentID, r.childID, r.forkTransitionID, r.forkAt, r.workflowBase)
	if err != nil {
		return err
	}
	s.mirror(ctx, "genealogy_edge", map[string]interface{}{
		"parent_id":          r.parentID,
		"child_id":           r.childID,
		"fork_transition_id": r.forkTransitionID,
		"fork_at":            r.forkAt.UnixMilli(),
		"workflow_base":      r.workflowBase,
	})
	return nil
}

func (s *Sink) persistJoinSync(ctx context.Context, r row) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO join_sync (join_transition_id, parent_id, expected_siblings, seen, state, continuation_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.joinTransitionID, r.parentID, r.expectedSiblings, r.seen, r.state, r.continuationID)
	if err != nil {
		return err
	}
	s.mirror(ctx, "join_sync", map[string]interface{}{
		"join_transition_id": r.joinTransitionID,
		"parent_id":          r.parentID,
		"expected_siblings":  r.expectedSiblings,
		"seen":               r.seen,
		"state":              r.state,
		"continuation_id":    r.continuationID,
	})
	return nil
}

func (s *Sink) mirror(ctx context.Context, table string, values map[string]interface{}) {
	if s.redis == nil {
		return
	}
	values["table"] = table
	if _, err := s.redis.AddToStream(ctx, s.stream, values); err != nil {
		s.log.Warn("capture redis stream mirror failed", "table", table, "error", err)
	}
}
