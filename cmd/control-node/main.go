// Command control-node runs one control node: the ingress reactor, the
// admission scheduler, the service thread, the egress publisher, the
// fork/join coordinator, the rule distribution agent, the capture sink,
// and the read-only admin surface, wired together and run until signaled.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lyzr/control-node/cmd/control-node/admin"
	"github.com/lyzr/control-node/cmd/control-node/capture"
	"github.com/lyzr/control-node/cmd/control-node/controlerr"
	"github.com/lyzr/control-node/cmd/control-node/forkjoin"
	"github.com/lyzr/control-node/cmd/control-node/publisher"
	"github.com/lyzr/control-node/cmd/control-node/reactor"
	"github.com/lyzr/control-node/cmd/control-node/ruledist"
	"github.com/lyzr/control-node/cmd/control-node/ruleengine"
	"github.com/lyzr/control-node/cmd/control-node/scheduler"
	"github.com/lyzr/control-node/cmd/control-node/serviceinvoke"
	"github.com/lyzr/control-node/cmd/control-node/token"
	"github.com/lyzr/control-node/common/bootstrap"
	"github.com/lyzr/control-node/common/logger"
	"github.com/lyzr/control-node/common/ratelimit"
	credis "github.com/lyzr/control-node/common/redis"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components := bootstrap.MustSetup(ctx, "control-node")
	defer components.Shutdown(ctx)

	cfg := components.Config.ControlNode
	log := components.Logger

	redisClient := credis.NewClient(components.Redis, components.Logger)

	captureSink := capture.New(log, components.DB, redisClient, "capture.events", cfg.CaptureBufferSize)
	go captureSink.Run(ctx)

	coordinator := forkjoin.New(log, captureSink, cfg.JoinDeadlineSkewTolerance)
	go coordinator.RunDeadlineSweep(ctx)

	boltPath := fmt.Sprintf("%s-rulebase.db", cfg.ServiceName)
	rulesAgent, err := ruledist.New(log, boltPath, cfg.CommitmentEndpoint, cfg.ServiceName)
	if err != nil {
		log.Error("failed to start rule distribution agent", "error", err)
		os.Exit(1)
	}
	defer rulesAgent.Close()

	sched := scheduler.New(log, cfg.QueueHighWatermark, captureSink)
	go sched.RunDeadlineSweep(ctx, cfg.JoinDeadlineSkewTolerance)
	facade := ruleengine.NewFacade()

	ingressAddr := &net.UDPAddr{Port: cfg.IngressPort}
	react, err := reactor.New(log, facade, rulesAgent, sched, coordinator, captureSink, cfg.ServiceName, ingressAddr)
	if err != nil {
		log.Error("failed to start ingress reactor", "error", err)
		os.Exit(1)
	}
	defer react.Close()
	go react.Run(ctx)

	ruleIngressAddr := &net.UDPAddr{Port: cfg.RuleIngressPort()}
	ruleConn, err := net.ListenUDP("udp", ruleIngressAddr)
	if err != nil {
		log.Error("failed to listen for rule fragments", "error", err)
		os.Exit(1)
	}
	defer ruleConn.Close()
	go runRuleFragmentListener(ctx, log, ruleConn, rulesAgent)

	guardEvaluator, err := ruleengine.NewGuardEvaluator()
	if err != nil {
		log.Error("failed to build guard evaluator", "error", err)
		os.Exit(1)
	}

	invoker := serviceinvoke.NewHTTPInvoker(cfg.ServiceEndpoint, cfg.InvokeTimeout)
	thread := serviceinvoke.New(log, facade, invoker, serviceinvoke.Config{
		ServiceName:   cfg.ServiceName,
		RetryCap:      cfg.WorkerRetryCap,
		BaseDelay:     cfg.WorkerRetryBaseDelay,
		BreakerWindow: cfg.BreakerWindow,
		BreakerTrip:   cfg.BreakerConsecutiveTrip,
	})
	pub := publisher.New(log, facade, coordinator, captureSink, cfg.ServiceName)

	// Exactly one worker: the service thread is logically single-threaded
	// per control node with respect to the local business service, so
	// same-version/same-operation arrival order is preserved end to end.
	go runWorker(ctx, log, facade, sched, rulesAgent, thread, pub, guardEvaluator, captureSink)

	limiter := ratelimit.New(components.Redis, components.Logger)
	adminSrv := admin.New(log, admin.Deps{
		ServiceName: cfg.ServiceName,
		Rules:       rulesAgent,
		Scheduler:   sched,
		Coordinator: coordinator,
		Limiter:     limiter,
		RateLimit:   100,
		RateWindow:  60,
	})
	go func() {
		if err := adminSrv.Start(ctx, fmt.Sprintf(":%d", cfg.AdminPort)); err != nil {
			log.Error("admin server error", "error", err)
		}
	}()

	log.Info("control node started",
		"service", cfg.ServiceName,
		"operation", cfg.Operation,
		"ingress_port", cfg.IngressPort,
		"rule_ingress_port", cfg.RuleIngressPort(),
		"admin_port", cfg.AdminPort,
	)

	<-ctx.Done()
	log.Info("control node shutting down")
}

// runRuleFragmentListener reads rule fragment datagrams off a UDP socket
// and hands them to the distribution agent. A datagram is expected in the
// form "<version>:<fragmentIndex>:<totalFragments>:<json fragment>".
func runRuleFragmentListener(ctx context.Context, log interface {
	Warn(msg string, args ...interface{})
}, conn *net.UDPConn, agent *ruledist.Agent) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 64*1024)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("rule fragment read failed", "error", err)
			continue
		}
		version, index, total, payload, err := parseFragmentDatagram(buf[:n])
		if err != nil {
			log.Warn("malformed rule fragment datagram", "error", err)
			continue
		}
		if err := agent.ReceiveFragment(ctx, version, index, total, payload); err != nil {
			log.Warn("rule fragment rejected", "error", err)
		}
	}
}

// runWorker pulls admitted tokens off the scheduler, invokes the service
// thread, and publishes the continuation. It stops when ctx is canceled.
func runWorker(
	ctx context.Context,
	log *logger.Logger,
	facade *ruleengine.Facade,
	sched *scheduler.Scheduler,
	rulesAgent *ruledist.Agent,
	thread *serviceinvoke.Thread,
	pub *publisher.Publisher,
	guardEvaluator *ruleengine.GuardEvaluator,
	captureSink *capture.Sink,
) {
	for {
		item, err := sched.Next(ctx)
		if err != nil {
			return
		}

		pl := item.Payload
		rb, active := rulesAgent.Snapshot(pl.Header.RuleBaseVersion)
		if !active {
			log.Warn("token's rule base version no longer active at dispatch", "sequence_id", pl.Header.SequenceID)
			continue
		}

		nt, ok := facade.NodeType(rb, pl.Service.ServiceName, pl.Service.Operation)
		if !ok {
			log.Warn("no node type for dispatched token", "service", pl.Service.ServiceName, "operation", pl.Service.Operation)
			continue
		}

		result, snapshot, err := thread.Invoke(ctx, rb, pl.Service.ServiceName, pl.Service.Operation, pl.Attributes())
		if err != nil {
			log.Warn("service invocation failed", "sequence_id", pl.Header.SequenceID, "error", err)
			divertToErrorSink(ctx, captureSink, pl, err)
			continue
		}

		if deadline, has := pl.Deadline(); has && !time.Now().Before(deadline) {
			log.Warn("service result arrived after token deadline, discarding", "sequence_id", pl.Header.SequenceID)
			captureSink.RecordExpired(ctx, pl.Header.SequenceID, pl.Service.ServiceName, pl.Service.Operation, pl.Header.WorkflowVersion)
			continue
		}

		captureSink.RecordFiring(ctx, pl.Header.SequenceID, pl.Service.ServiceName, pl.Service.Operation, nt.String(), snapshot.StartedAt, pl.Header.WorkflowVersion)

		if item.JoinContinuation {
			if err := pub.PublishJoinContinuation(ctx, rb, pl, pl.Service.ServiceName, pl.Service.Operation, result); err != nil {
				log.Warn("publish failed", "sequence_id", pl.Header.SequenceID, "error", err)
				divertToErrorSink(ctx, captureSink, pl, err)
			}
			continue
		}

		guardCtx := &publisher.GuardContext{Evaluator: guardEvaluator, GuardName: pl.Service.Operation}
		if err := pub.Publish(ctx, rb, pl, pl.Service.ServiceName, pl.Service.Operation, result, guardCtx); err != nil {
			log.Warn("publish failed", "sequence_id", pl.Header.SequenceID, "error", err)
			divertToErrorSink(ctx, captureSink, pl, err)
		}
	}
}

// divertToErrorSink records a capture row for the two outcomes the Error
// sink exists for: a service invocation that violated its canonical
// attribute contract, or a publish that could not resolve an unambiguous
// route. Any other failure (e.g. Transient, already exhausted by the
// service thread's own retries) is left to the caller's log line only.
func divertToErrorSink(ctx context.Context, captureSink *capture.Sink, pl *token.Payload, err error) {
	var kind string
	switch {
	case errors.Is(err, controlerr.ErrBindingViolation):
		kind = "BindingViolation"
	case errors.Is(err, controlerr.ErrRoutingAmbiguous):
		kind = "RoutingAmbiguous"
	default:
		return
	}
	captureSink.RecordError(ctx, pl.Header.SequenceID, pl.Service.ServiceName, pl.Service.Operation, kind, pl.Header.WorkflowVersion)
}

func parseFragmentDatagram(data []byte) (version uint64, index, total int, payload []byte, err error) {
	parts := bytes.SplitN(data, []byte(":"), 4)
	if len(parts) != 4 {
		return 0, 0, 0, nil, fmt.Errorf("expected 4 colon-separated fields, got %d", len(parts))
	}
	if _, err = fmt.Sscanf(string(parts[0]), "%d", &version); err != nil {
		return 0, 0, 0, nil, fmt.Errorf("parse version: %w", err)
	}
	if _, err = fmt.Sscanf(string(parts[1]), "%d", &index); err != nil {
		return 0, 0, 0, nil, fmt.Errorf("parse fragment index: %w", err)
	}
	if _, err = fmt.Sscanf(string(parts[2]), "%d", &total); err != nil {
		return 0, 0, 0, nil, fmt.Errorf("parse total fragments: %w", err)
	}
	return version, index, total, parts[3], nil
}
