package serviceinvoke

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/control-node/cmd/control-node/controlerr"
)

func TestHTTPInvokerSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var attrs map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&attrs))
		assert.Equal(t, "USD", attrs["currency"])
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"amount": "100"})
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL, time.Second)
	out, err := inv.Invoke(context.Background(), map[string]string{"currency": "USD"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"amount": "100"}, out)
}

func TestHTTPInvokerServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL, time.Second)
	_, err := inv.Invoke(context.Background(), map[string]string{})
	require.Error(t, err)
	assert.ErrorIs(t, err, controlerr.ErrTransient, "a 5xx response is judged retryable")
}

func TestHTTPInvokerClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad request"))
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL, time.Second)
	_, err := inv.Invoke(context.Background(), map[string]string{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, controlerr.ErrTransient, "a 4xx response is a permanent rejection, not retried")
}

func TestHTTPInvokerConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close() // nothing listening: client.Do fails at the transport level

	inv := NewHTTPInvoker(addr, 200*time.Millisecond)
	_, err := inv.Invoke(context.Background(), map[string]string{})
	require.Error(t, err)
	assert.ErrorIs(t, err, controlerr.ErrTransient)
}

func TestHTTPInvokerMalformedResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL, time.Second)
	_, err := inv.Invoke(context.Background(), map[string]string{})
	assert.Error(t, err)
}
