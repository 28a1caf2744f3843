// Package worker delivers dispatch payloads to external service
// endpoints over HTTP with a bounded retry policy.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/docuhub/taskrelay/internal/domain"
	"github.com/docuhub/taskrelay/internal/pkg/retry"
)

type client struct {
	httpc  *http.Client
	policy retry.Policy
	apiKey string
}

func NewClient(policy retry.Policy, apiKey string) *client {
	return &client{
		// no client-level timeout: the per-attempt context from the
		// retry policy bounds each call
		httpc:  &http.Client{},
		policy: policy,
		apiKey: apiKey,
	}
}

// Dispatch POSTs req to serviceURL, retrying per the policy. A non-2xx
// response or a transport error counts as a failed attempt. The error
// after exhaustion wraps the last attempt's error and names the
// attempt count.
func (c *client) Dispatch(ctx context.Context, serviceURL string, req domain.WorkerRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal worker request: %w", err)
	}

	attempt := 0
	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		attempt++
		slog.Debug("calling external service",
			slog.String("service_url", serviceURL),
			slog.String("task_id", req.ParentTransactionID),
			slog.Int("attempt", attempt),
		)
		return c.post(ctx, serviceURL, body)
	})
}

func (c *client) post(ctx context.Context, serviceURL string, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, serviceURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call external service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("external service error: status %d: %s",
			resp.StatusCode, errorMessage(resp.Body))
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// errorMessage pulls the message field non-2xx worker responses are
// expected to carry; anything unparsable is reported as-is, truncated.
func errorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "no response body"
	}

	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		return body.Message
	}

	return string(raw)
}
