package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureStdout redirects os.Stdout for the duration of fn and returns
// everything written to it. New always writes to os.Stdout directly, so
// this is the only way to assert on its output.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)

	original := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = original }()

	fn()

	require.NoError(t, w.Close())
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func TestNewJSONFormatEmitsJSONLines(t *testing.T) {
	out := captureStdout(t, func() {
		log := New("info", "json")
		log.Info("hello", "key", "value")
	})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace([]byte(out)), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "value", line["key"])
}

func TestNewRespectsLevelFiltering(t *testing.T) {
	out := captureStdout(t, func() {
		log := New("warn", "json")
		log.Info("should not appear")
		log.Warn("should appear")
	})

	assert.NotContains(t, out, "should not appear")
	assert.Contains(t, out, "should appear")
}

func TestNewDefaultFormatUsesTintHandler(t *testing.T) {
	out := captureStdout(t, func() {
		log := New("info", "text")
		log.Info("hello")
	})
	assert.Contains(t, out, "hello")
}

func TestWithFieldsAddsStructuredFields(t *testing.T) {
	out := captureStdout(t, func() {
		log := New("info", "json").WithFields(map[string]any{"service": "pricing"})
		log.Info("hello")
	})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace([]byte(out)), &line))
	assert.Equal(t, "pricing", line["service"])
}

func TestWithRunIDAndNodeID(t *testing.T) {
	out := captureStdout(t, func() {
		log := New("info", "json").WithRunID("run-1").WithNodeID("node-1")
		log.Info("hello")
	})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace([]byte(out)), &line))
	assert.Equal(t, "run-1", line["run_id"])
	assert.Equal(t, "node-1", line["node_id"])
}

func TestWithContextAddsTraceID(t *testing.T) {
	ctx := context.WithValue(context.Background(), "trace_id", "trace-123")
	out := captureStdout(t, func() {
		log := New("info", "json").WithContext(ctx)
		log.Info("hello")
	})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace([]byte(out)), &line))
	assert.Equal(t, "trace-123", line["trace_id"])
}

func TestWithContextWithoutTraceIDReturnsSameLogger(t *testing.T) {
	log := New("info", "json")
	got := log.WithContext(context.Background())
	assert.Same(t, log, got)
}

func TestErrorIncludesStackTrace(t *testing.T) {
	out := captureStdout(t, func() {
		log := New("info", "json")
		log.Error("boom")
	})
	assert.True(t, strings.Contains(out, "stack"))
}
