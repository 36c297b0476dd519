package telemetry

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/control-node/common/logger"
)

// New registers its collectors against the default Prometheus registry via
// promauto, so only one Telemetry instance may be constructed per test
// binary run; every assertion below shares the single instance created here.
func TestTelemetryLifecycle(t *testing.T) {
	log := logger.New("error", "json")

	pprofPort := 18231
	metricsPort := 18232
	tel := New(pprofPort, metricsPort, false, true, log)
	require.NotNil(t, tel)

	require.NoError(t, tel.Start(context.Background()))

	tel.TokensAdmitted.WithLabelValues("pricing", "quote").Inc()
	tel.TokensRejected.WithLabelValues("expired").Inc()
	tel.QueueDepth.WithLabelValues("1").Set(3)
	tel.JoinRecordsOpen.Set(2)
	tel.CaptureOverflows.Inc()
	tel.InvocationLatency.WithLabelValues("pricing", "quote", "success").Observe(0.05)

	tel.RecordDuration("quote", time.Now())
	tel.RecordEvent("token_admitted", map[string]any{"service": "pricing"})

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://localhost:18232/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
}

func TestTelemetryStartSkipsDisabledEndpoints(t *testing.T) {
	log := logger.New("error", "json")
	tel := &Telemetry{log: log, enablePprof: false, enableMetrics: false}
	assert.NoError(t, tel.Start(context.Background()))
}
