// Package reactor is the ingress half of a control node: a UDP listener
// that decodes inbound token datagrams, runs the admission checks every
// token must pass before entering the scheduler, and routes join-bound
// tokens to the fork/join coordinator instead of the scheduler.
package reactor

import (
	"context"
	"net"
	"time"

	"github.com/lyzr/control-node/cmd/control-node/controlerr"
	"github.com/lyzr/control-node/cmd/control-node/forkjoin"
	"github.com/lyzr/control-node/cmd/control-node/ruledist"
	"github.com/lyzr/control-node/cmd/control-node/ruleengine"
	"github.com/lyzr/control-node/cmd/control-node/scheduler"
	"github.com/lyzr/control-node/cmd/control-node/token"
	"github.com/lyzr/control-node/common/logger"
)

// Capture is the one capture-sink method the reactor needs: recording that
// a token was diverted to the Expired sink at admission because its
// notAfter deadline had already elapsed.
type Capture interface {
	RecordExpired(ctx context.Context, sequenceID uint64, service, operation string, workflowVersion uint64)
}

// Reactor owns the node's ingress UDP socket.
type Reactor struct {
	log         *logger.Logger
	facade      *ruleengine.Facade
	rules       *ruledist.Agent
	scheduler   *scheduler.Scheduler
	coordinator *forkjoin.Coordinator
	capture     Capture
	serviceName string
	conn        *net.UDPConn
}

// New constructs a Reactor bound to the given ingress UDP address.
func New(log *logger.Logger, facade *ruleengine.Facade, rules *ruledist.Agent, sched *scheduler.Scheduler, coordinator *forkjoin.Coordinator, capture Capture, serviceName string, ingressAddr *net.UDPAddr) (*Reactor, error) {
	conn, err := net.ListenUDP("udp", ingressAddr)
	if err != nil {
		return nil, err
	}
	return &Reactor{
		log:         log,
		facade:      facade,
		rules:       rules,
		scheduler:   sched,
		coordinator: coordinator,
		capture:     capture,
		serviceName: serviceName,
		conn:        conn,
	}, nil
}

// Close releases the ingress socket.
func (r *Reactor) Close() error { return r.conn.Close() }

// Run reads datagrams until ctx is canceled.
func (r *Reactor) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()

	buf := make([]byte, 64*1024)
	for {
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("ingress read failed", "error", err)
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		go r.handle(ctx, payload)
	}
}

// handle runs the admission pipeline for one inbound datagram.
func (r *Reactor) handle(ctx context.Context, raw []byte) {
	pl, err := token.Unmarshal(raw)
	if err != nil {
		r.log.Warn("dropping malformed payload", "error", err)
		return
	}

	rb, active := r.rules.Snapshot(pl.Header.RuleBaseVersion)
	if !active {
		r.log.Warn("dropping token for inactive rule base version",
			"sequence_id", pl.Header.SequenceID, "rule_base_version", pl.Header.RuleBaseVersion, "error", controlerr.ErrRuleBaseNotActive)
		return
	}

	if pl.Service.ServiceName != r.serviceName {
		r.log.Warn("dropping token addressed to a different node",
			"sequence_id", pl.Header.SequenceID, "service", pl.Service.ServiceName, "this_node", r.serviceName)
		return
	}

	if deadline, has := pl.Deadline(); has && !time.Now().Before(deadline) {
		r.log.Warn("dropping expired token", "sequence_id", pl.Header.SequenceID, "deadline", deadline, "error", controlerr.ErrExpired)
		if r.capture != nil {
			r.capture.RecordExpired(ctx, pl.Header.SequenceID, pl.Service.ServiceName, pl.Service.Operation, pl.Header.WorkflowVersion)
		}
		return
	}

	nt, ok := r.facade.NodeType(rb, pl.Service.ServiceName, pl.Service.Operation)
	if !ok {
		r.log.Warn("dropping token with unknown node type", "service", pl.Service.ServiceName, "operation", pl.Service.Operation)
		return
	}

	if nt == ruleengine.Join {
		deadline, hasDeadline := pl.Deadline()
		result, err := r.coordinator.Arrive(ctx, pl.Service.Operation, pl.Header.SequenceID, pl.Attributes(), deadline, hasDeadline)
		if err != nil {
			r.log.Warn("join arrival rejected", "sequence_id", pl.Header.SequenceID, "error", err)
			return
		}
		if !result.Completed {
			return // waiting on remaining siblings
		}
		pl.Header.SequenceID = result.Continuation
		pl.WithAttributes(result.MergedAttrs, time.Time{}, false)
	}

	if err := r.scheduler.Admit(scheduler.Item{Payload: pl, JoinContinuation: nt == ruleengine.Join}); err != nil {
		r.log.Warn("admission rejected", "sequence_id", pl.Header.SequenceID, "error", err)
	}
}
