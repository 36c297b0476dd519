package serviceinvoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lyzr/control-node/cmd/control-node/controlerr"
)

// HTTPInvoker calls a service's operation as a JSON POST against a fixed
// endpoint, the simplest Invoker that satisfies the contract: attributes
// in as a JSON object, result attributes out as a JSON object. Services
// that need a richer transport implement Invoker directly instead.
type HTTPInvoker struct {
	endpoint string
	client   *http.Client
}

// NewHTTPInvoker builds an Invoker posting to endpoint.
func NewHTTPInvoker(endpoint string, timeout time.Duration) *HTTPInvoker {
	return &HTTPInvoker{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Invoke implements Invoker.
func (h *HTTPInvoker) Invoke(ctx context.Context, attrs map[string]string) (map[string]string, error) {
	body, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("marshal invocation attributes: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build invocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		// A transport-level failure (timeout, connection refused, reset) says
		// nothing about whether the operation ran; judged retryable.
		return nil, fmt.Errorf("%w: invoke service: %v", controlerr.ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read invocation response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: service returned %d: %s", controlerr.ErrTransient, resp.StatusCode, string(respBody))
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("service rejected invocation with %d: %s", resp.StatusCode, string(respBody))
	}

	var result map[string]string
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode invocation response: %w", err)
	}
	return result, nil
}
