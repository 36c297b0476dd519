package telemetry

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/lyzr/control-node/common/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry holds observability components: an optional pprof endpoint and
// a Prometheus metrics endpoint exposing the control node's operational
// gauges and counters.
type Telemetry struct {
	log           *logger.Logger
	pprofAddr     string
	metricsAddr   string
	enablePprof   bool
	enableMetrics bool

	TokensAdmitted    *prometheus.CounterVec
	TokensRejected    *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	JoinRecordsOpen   prometheus.Gauge
	CaptureOverflows  prometheus.Counter
	InvocationLatency *prometheus.HistogramVec
}

// New creates telemetry components and registers the control node's
// Prometheus collectors.
func New(pprofPort, metricsPort int, enablePprof, enableMetrics bool, log *logger.Logger) *Telemetry {
	t := &Telemetry{
		log:           log,
		pprofAddr:     fmt.Sprintf("localhost:%d", pprofPort),
		metricsAddr:   fmt.Sprintf("localhost:%d", metricsPort),
		enablePprof:   enablePprof,
		enableMetrics: enableMetrics,

		TokensAdmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "control_node_tokens_admitted_total",
			Help: "Tokens accepted by the reactor's admission checks.",
		}, []string{"service", "operation"}),
		TokensRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "control_node_tokens_rejected_total",
			Help: "Tokens rejected by the reactor's admission checks, by reason.",
		}, []string{"reason"}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "control_node_scheduler_queue_depth",
			Help: "Current scheduler queue depth per version band.",
		}, []string{"version"}),
		JoinRecordsOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "control_node_join_records_open",
			Help: "Join records currently in the Waiting state.",
		}),
		CaptureOverflows: promauto.NewCounter(prometheus.CounterOpts{
			Name: "control_node_capture_overflows_total",
			Help: "Capture rows dropped because the bounded buffer was full.",
		}),
		InvocationLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "control_node_service_invocation_seconds",
			Help:    "Service thread invocation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "operation", "outcome"}),
	}
	return t
}

// Start starts the pprof and Prometheus metrics HTTP endpoints.
func (t *Telemetry) Start(ctx context.Context) error {
	if t.enablePprof {
		go func() {
			t.log.Info("pprof server starting", "addr", t.pprofAddr)
			if err := http.ListenAndServe(t.pprofAddr, nil); err != nil {
				t.log.Error("pprof server error", "error", err)
			}
		}()
	}

	if t.enableMetrics {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			t.log.Info("metrics server starting", "addr", t.metricsAddr)
			if err := http.ListenAndServe(t.metricsAddr, mux); err != nil {
				t.log.Error("metrics server error", "error", err)
			}
		}()
	}

	return nil
}

// RecordDuration records operation duration.
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	duration := time.Since(start)
	t.log.Debug("operation completed", "operation", operation, "duration_ms", duration.Milliseconds())
}

// RecordEvent records a structured telemetry event.
func (t *Telemetry) RecordEvent(event string, attrs map[string]any) {
	t.log.Info("telemetry_event", "event", event, "attrs", attrs)
}
