// Package delivery implements the HTTP client for the downstream customer
// API. The client is stateless: it performs exactly one POST per call and
// classifies the outcome; retry scheduling belongs to the processor.
package delivery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/lead-gateway/internal/config"
	"github.com/fairyhunter13/lead-gateway/internal/domain"
)

// maxBodyCapture caps how much of the downstream response body is stored on
// the audit row.
const maxBodyCapture = 64 * 1024

// Client posts customer payloads to the configured endpoint with bearer
// auth and a hard per-request timeout.
type Client struct {
	httpClient *http.Client
	url        string
	token      string
}

// New builds the client from config; the transport is traced via otelhttp.
func New(cfg config.Config) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.CustomerAPITimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		url:   cfg.CustomerAPIURL,
		token: cfg.CustomerAPIToken,
	}
}

var _ domain.DeliveryClient = (*Client)(nil)

// Send performs a single POST of the payload. Failures come back as a
// *domain.DeliveryError carrying the retriable classification:
// 429 and 5xx and transport faults are retriable, every other non-2xx and
// request-building error is not.
func (c *Client) Send(ctx domain.Context, payload map[string]any) (*domain.DeliveryResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.NewDeliveryError(0, fmt.Sprintf("marshal payload: %v", err), false, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewDeliveryError(0, fmt.Sprintf("build request: %v", err), false, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport error, timeout or cancellation: no response was
		// received, a later attempt may succeed.
		return nil, domain.NewDeliveryError(0, fmt.Sprintf("request failed: %v", err), true, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyCapture))
	if err != nil {
		return nil, domain.NewDeliveryError(0, fmt.Sprintf("read response: %v", err), true, err)
	}

	return classify(resp.StatusCode, string(respBody))
}

func classify(status int, body string) (*domain.DeliveryResponse, error) {
	switch {
	case status >= 200 && status < 300:
		return &domain.DeliveryResponse{Status: status, Body: body}, nil
	case status == http.StatusTooManyRequests:
		return nil, domain.NewDeliveryError(status, "downstream rate limited", true, nil)
	case status >= 500:
		return nil, domain.NewDeliveryError(status, fmt.Sprintf("downstream server error: %s", truncate(body, 256)), true, nil)
	default:
		// 3xx and the remaining 4xx will not succeed on retry.
		return nil, domain.NewDeliveryError(status, fmt.Sprintf("downstream rejected request: %s", truncate(body, 256)), false, nil)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
