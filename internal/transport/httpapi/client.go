// Package httpapi implements the collector transport over HTTP.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pzverkov/kioskops-relay/internal/pkg/ctxlog"
	"github.com/pzverkov/kioskops-relay/internal/transport"
)

const defaultTimeout = 30 * time.Second

// maxErrorBodyBytes bounds how much of an error response is kept for logs.
const maxErrorBodyBytes = 4 << 10

// Client sends batches to the collector's batch ingest endpoint.
type Client struct {
	httpClient *http.Client
}

// New creates a Client. A zero timeout falls back to the default.
func New(timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SendBatch posts the batch and classifies the response.
//
// Classification: network errors and timeouts are transient; 5xx and 429
// are transient; 401/403 are transient because the host may refresh
// credentials out-of-band; every other non-2xx is permanent (schema or
// configuration errors an operator must fix).
func (c *Client) SendBatch(ctx context.Context, cfg transport.Config, req transport.BatchSendRequest) transport.Result {
	body, err := json.Marshal(req)
	if err != nil {
		return transport.Permanent(fmt.Sprintf("marshal batch request: %v", err), 0, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return transport.Permanent(fmt.Sprintf("create request: %v", err), 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cfg.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return transport.Transient(fmt.Sprintf("send batch: %v", err), 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return c.handleResponse(ctx, resp, req.BatchID)
}

func (c *Client) handleResponse(ctx context.Context, resp *http.Response, batchID string) transport.Result {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var batchResp transport.BatchSendResponse
		if err := json.NewDecoder(resp.Body).Decode(&batchResp); err != nil {
			// A 2xx with an unreadable body gives no acks to reconcile, so
			// retrying is the only safe interpretation.
			return transport.Transient(fmt.Sprintf("decode batch response: %v", err), resp.StatusCode, err)
		}
		ctxlog.FromContext(ctx).Debug("batch accepted by collector",
			"batch_id", batchID,
			"accepted_count", batchResp.AcceptedCount,
		)
		return transport.Success(&batchResp, resp.StatusCode)

	case resp.StatusCode == http.StatusTooManyRequests:
		return transport.Transient("rate limited", resp.StatusCode, nil)

	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return transport.Transient("auth rejected, credentials may refresh", resp.StatusCode, nil)

	case resp.StatusCode >= 500:
		return transport.Transient(fmt.Sprintf("server error: %s", readErrorBody(resp.Body)), resp.StatusCode, nil)

	default:
		return transport.Permanent(fmt.Sprintf("collector rejected batch: %s", readErrorBody(resp.Body)), resp.StatusCode, nil)
	}
}

func readErrorBody(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	if err != nil || len(body) == 0 {
		return "(no body)"
	}
	return string(body)
}
