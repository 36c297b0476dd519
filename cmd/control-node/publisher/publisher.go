// Package publisher is the egress half of a control node: given a token
// that has just had its current transition fired, it dispatches on
// NodeType to decide where the token goes next and sends it there over
// UDP, rewriting the wire payload's header, service, joinAttribute, and
// monitorData sections along the way.
package publisher

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/lyzr/control-node/cmd/control-node/controlerr"
	"github.com/lyzr/control-node/cmd/control-node/forkjoin"
	"github.com/lyzr/control-node/cmd/control-node/ruleengine"
	"github.com/lyzr/control-node/cmd/control-node/token"
	"github.com/lyzr/control-node/common/logger"
)

// GuardContext carries what the publisher needs to evaluate routing
// guards for Gateway/Decision nodes.
type GuardContext struct {
	Evaluator *ruleengine.GuardEvaluator
	GuardName string
}

// Capture is the one capture-sink method the publisher needs: recording
// that a token's routing resolved to nothing further (end of workflow).
type Capture interface {
	RecordTerminate(ctx context.Context, sequenceID uint64, service, operation string, workflowVersion uint64)
}

// Publisher is the per-node egress component. Its NodeType dispatch is the
// one place in the control node that decides where a fired token's
// continuation goes.
type Publisher struct {
	log         *logger.Logger
	facade      *ruleengine.Facade
	coordinator *forkjoin.Coordinator
	capture     Capture
	place       string // this node's monitorData place label
}

// New constructs a Publisher for one control node.
func New(log *logger.Logger, facade *ruleengine.Facade, coordinator *forkjoin.Coordinator, capture Capture, place string) *Publisher {
	return &Publisher{log: log, facade: facade, coordinator: coordinator, capture: capture, place: place}
}

// Publish dispatches a token that has just fired service/operation,
// producing resultAttributes, against the NodeType declared for that
// service/operation in rb. A Join node reaching here is a coordination
// bug: the fork/join coordinator owns all Join continuations and the
// publisher must never be asked to route one, so this panics rather than
// silently misrouting a synchronization token.
func (p *Publisher) Publish(ctx context.Context, rb *ruleengine.RuleBase, pl *token.Payload, service, operation string, resultAttributes map[string]string, guard *GuardContext) error {
	nt, ok := p.facade.NodeType(rb, service, operation)
	if !ok {
		return fmt.Errorf("%w: no NodeType declared for %s.%s", controlerr.ErrRoutingAmbiguous, service, operation)
	}

	pl.WithAttributes(resultAttributes, time.Time{}, false)
	pl.AppendMonitorPoint(p.place, time.Now())

	switch nt {
	case ruleengine.Join:
		panic(fmt.Sprintf("%v: join node %s.%s reached the publisher directly", controlerr.ErrCoordinationError, service, operation))
	case ruleengine.Fork:
		return p.publishFork(ctx, rb, pl, service, operation, resultAttributes)
	case ruleengine.Pass, ruleengine.Merge:
		return p.publishSingle(ctx, rb, pl, service, operation, resultAttributes)
	case ruleengine.Gateway, ruleengine.Decision:
		return p.publishGuarded(ctx, rb, pl, service, operation, resultAttributes, guard)
	default:
		return fmt.Errorf("%w: unrecognized NodeType %d for %s.%s", controlerr.ErrRoutingAmbiguous, nt, service, operation)
	}
}

// PublishJoinContinuation routes a token whose Join node has already been
// retired by the fork/join coordinator: the merged siblings produced
// resultAttributes, and the continuation is dispatched exactly like a
// Merge node, via RouteTargets. Callers must use this instead of Publish
// for join continuations — Publish panics on NodeType Join by design.
func (p *Publisher) PublishJoinContinuation(ctx context.Context, rb *ruleengine.RuleBase, pl *token.Payload, service, operation string, resultAttributes map[string]string) error {
	pl.WithAttributes(resultAttributes, time.Time{}, false)
	pl.AppendMonitorPoint(p.place, time.Now())
	return p.publishSingle(ctx, rb, pl, service, operation, resultAttributes)
}

// publishSingle handles Pass and Merge dispatch, and join continuations:
// one route target means the token continues, and per §4.6 zero route
// targets is a legitimate end of workflow rather than an error (Merge
// "allows zero ... the token is retired", and a terminal Pass node is the
// same case — nothing downstream declares the attributes this operation
// just produced). More than one candidate is unresolvable ambiguity.
func (p *Publisher) publishSingle(ctx context.Context, rb *ruleengine.RuleBase, pl *token.Payload, service, operation string, resultAttributes map[string]string) error {
	targets := p.facade.RouteTargets(rb, service, operation, resultAttributes)
	switch len(targets) {
	case 0:
		if p.capture != nil {
			p.capture.RecordTerminate(ctx, pl.Header.SequenceID, service, operation, pl.Header.WorkflowVersion)
		}
		return nil
	case 1:
		return p.send(ctx, targets[0], pl)
	default:
		return fmt.Errorf("%w: %s.%s resolved %d route targets, want at most 1", controlerr.ErrRoutingAmbiguous, service, operation, len(targets))
	}
}

func (p *Publisher) publishGuarded(ctx context.Context, rb *ruleengine.RuleBase, pl *token.Payload, service, operation string, resultAttributes map[string]string, guard *GuardContext) error {
	targets := p.facade.RouteTargets(rb, service, operation, resultAttributes)
	if len(targets) == 0 {
		return fmt.Errorf("%w: %s.%s resolved no route targets", controlerr.ErrRoutingAmbiguous, service, operation)
	}
	if len(targets) == 1 || guard == nil {
		return p.send(ctx, targets[0], pl)
	}

	ok, err := p.facade.Evaluate(guard.Evaluator, rb, guard.GuardName, service, operation, resultAttributes)
	if err != nil {
		return fmt.Errorf("evaluate routing guard: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: guard %s rejected all %d candidates for %s.%s", controlerr.ErrRoutingAmbiguous, guard.GuardName, len(targets), service, operation)
	}
	// The guard confirms a single deterministic choice: the lexicographically
	// first candidate, consistent with RouteTargets' documented ordering.
	return p.send(ctx, targets[0], pl)
}

func (p *Publisher) publishFork(ctx context.Context, rb *ruleengine.RuleBase, pl *token.Payload, service, operation string, resultAttributes map[string]string) error {
	targets := p.facade.RouteTargets(rb, service, operation, resultAttributes)
	if len(targets) < 2 {
		return fmt.Errorf("%w: fork %s.%s resolved %d route targets, want >= 2", controlerr.ErrRoutingAmbiguous, service, operation, len(targets))
	}

	parentID := pl.Header.SequenceID
	childIDs := p.coordinator.Fork(ctx, parentID, len(targets), operation, pl.Header.WorkflowBase)

	for i, target := range targets {
		childPayload := *pl
		childPayload.Header.SequenceID = childIDs[i]
		if err := p.send(ctx, target, &childPayload); err != nil {
			p.log.Error("fork branch send failed", "target", target, "child_id", childIDs[i], "error", err)
		}
	}
	return nil
}

func (p *Publisher) send(ctx context.Context, target ruleengine.RouteTarget, pl *token.Payload) error {
	pl.Service = token.Service{ServiceName: target.Service, Operation: target.Operation}

	body, err := token.Marshal(pl)
	if err != nil {
		return fmt.Errorf("marshal payload for %s.%s: %w", target.Service, target.Operation, err)
	}

	addr := net.JoinHostPort(target.Host, fmt.Sprintf("%d", target.Port))
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP(target.Host), Port: target.Port})
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if _, err := conn.Write(body); err != nil {
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return nil
}
