// Package serviceinvoke implements the service thread: the component that
// actually calls the registered operation for a service, enforcing its
// canonical attribute binding contract, retrying transient failures with
// bounded monotonic backoff, and tripping a circuit breaker once a service
// proves consistently unreachable.
package serviceinvoke

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/sony/gobreaker"

	"github.com/lyzr/control-node/cmd/control-node/controlerr"
	"github.com/lyzr/control-node/cmd/control-node/ruleengine"
	"github.com/lyzr/control-node/common/logger"
	"github.com/lyzr/control-node/common/metrics"
)

// Invoker is the thing a service actually does: take bound attributes in,
// produce result attributes out.
type Invoker interface {
	Invoke(ctx context.Context, attrs map[string]string) (map[string]string, error)
}

// RuntimeSnapshot captures process-level resource usage around one
// invocation, the same fields the teacher's run metrics surfaced for a
// worker step.
type RuntimeSnapshot struct {
	Goroutines   int
	HeapAllocKB  uint64
	TotalAllocKB uint64
	NumGC        uint32
	StartedAt    time.Time
	Duration     time.Duration
}

// captureStart snapshots runtime stats before an invocation.
func captureStart() (int, runtime.MemStats, time.Time) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return runtime.NumGoroutine(), m, time.Now()
}

// finalize completes a RuntimeSnapshot from a captureStart baseline.
func finalize(goroutinesBefore int, before runtime.MemStats, startedAt time.Time) RuntimeSnapshot {
	var after runtime.MemStats
	runtime.ReadMemStats(&after)
	return RuntimeSnapshot{
		Goroutines:   runtime.NumGoroutine(),
		HeapAllocKB:  after.HeapAlloc / 1024,
		TotalAllocKB: after.TotalAlloc / 1024,
		NumGC:        after.NumGC - before.NumGC,
		StartedAt:    startedAt,
		Duration:     time.Since(startedAt),
	}
}

// ToMap flattens the snapshot for structured logging or capture mirroring.
func (r RuntimeSnapshot) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"goroutines":     r.Goroutines,
		"heap_alloc_kb":  r.HeapAllocKB,
		"total_alloc_kb": r.TotalAllocKB,
		"num_gc":         r.NumGC,
		"duration_ms":    r.Duration.Milliseconds(),
	}
}

// Thread wraps one service operation's Invoker with the attribute-contract
// enforcement, retry, and circuit-breaking behavior every invocation goes
// through, regardless of which concrete service is behind it.
type Thread struct {
	log       *logger.Logger
	facade    *ruleengine.Facade
	invoker   Invoker
	breaker   *gobreaker.CircuitBreaker
	retryCap  int
	baseDelay time.Duration
}

// Config configures retry and circuit-breaker behavior for one service
// thread.
type Config struct {
	ServiceName   string
	RetryCap      int
	BaseDelay     time.Duration
	BreakerWindow time.Duration
	BreakerTrip   uint32 // consecutive failures before opening
}

// New constructs a service thread wrapping invoker with contract
// enforcement, retry, and a per-service circuit breaker.
func New(log *logger.Logger, facade *ruleengine.Facade, invoker Invoker, cfg Config) *Thread {
	settings := gobreaker.Settings{
		Name:     cfg.ServiceName,
		Interval: cfg.BreakerWindow,
		Timeout:  cfg.BreakerWindow,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "service", name, "from", from.String(), "to", to.String())
		},
	}

	log.Info("service thread starting", "service", cfg.ServiceName, "system", metrics.GetSystemInfo().ToMap())

	return &Thread{
		log:       log,
		facade:    facade,
		invoker:   invoker,
		breaker:   gobreaker.NewCircuitBreaker(settings),
		retryCap:  cfg.RetryCap,
		baseDelay: cfg.BaseDelay,
	}
}

// Invoke enforces the operation's canonical required attributes, calls the
// breaker-wrapped invoker with bounded monotonic backoff on transient
// failure, then enforces the canonical produced attributes on success.
func (t *Thread) Invoke(ctx context.Context, rb *ruleengine.RuleBase, service, operation string, attrs map[string]string) (map[string]string, RuntimeSnapshot, error) {
	required, produced := t.facade.CanonicalBindings(rb, operation)
	if missing := missingKeys(required, attrs); len(missing) > 0 {
		return nil, RuntimeSnapshot{}, &controlerr.BindingViolation{
			Service: service, Operation: operation, Missing: missing,
		}
	}

	goroutinesBefore, memBefore, startedAt := captureStart()

	var result map[string]string
	var err error

	for attempt := 0; attempt <= t.retryCap; attempt++ {
		out, breakerErr := t.breaker.Execute(func() (interface{}, error) {
			return t.invoker.Invoke(ctx, attrs)
		})
		if breakerErr == nil {
			result = out.(map[string]string)
			err = nil
			break
		}

		err = breakerErr
		circuitOpen := breakerErr == gobreaker.ErrOpenState || breakerErr == gobreaker.ErrTooManyRequests
		if circuitOpen {
			break // circuit open, do not keep retrying
		}
		if !errors.Is(breakerErr, controlerr.ErrTransient) {
			break // permanent failure: retrying it cannot help
		}
		if attempt == t.retryCap {
			break
		}

		delay := t.baseDelay * time.Duration(attempt+1)
		t.log.Warn("transient service invocation failure, retrying", "service", service, "operation", operation, "attempt", attempt, "delay", delay, "error", breakerErr)
		select {
		case <-ctx.Done():
			return nil, RuntimeSnapshot{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	snapshot := finalize(goroutinesBefore, memBefore, startedAt)

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests || errors.Is(err, controlerr.ErrTransient) {
			return nil, snapshot, &transientError{cause: err}
		}
		return nil, snapshot, err
	}

	if unexpected := unexpectedKeys(produced, result); len(unexpected) > 0 {
		return nil, snapshot, &controlerr.BindingViolation{
			Service: service, Operation: operation, Unexpected: unexpected,
		}
	}
	if missing := missingKeys(produced, result); len(missing) > 0 {
		return nil, snapshot, &controlerr.BindingViolation{
			Service: service, Operation: operation, Missing: missing,
		}
	}

	return result, snapshot, nil
}

func missingKeys(required []string, have map[string]string) []string {
	var missing []string
	for _, k := range required {
		if _, ok := have[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

func unexpectedKeys(declared []string, have map[string]string) []string {
	allowed := make(map[string]struct{}, len(declared))
	for _, k := range declared {
		allowed[k] = struct{}{}
	}
	var unexpected []string
	for k := range have {
		if _, ok := allowed[k]; !ok {
			unexpected = append(unexpected, k)
		}
	}
	return unexpected
}

type transientError struct {
	cause error
}

func (e *transientError) Error() string { return "transient service invocation failure: " + e.cause.Error() }
func (e *transientError) Unwrap() error { return controlerr.ErrTransient }
