// Package mcp contains the clients for the two auxiliary tool services,
// COMMON and ATLAS. Each client owns the timeout and error translation for
// one remote endpoint; retry policy belongs to the engine.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/deskd-io/deskd/pkg/protocol"
)

// Recorder persists one Invocation per call attempt, including failed ones.
type Recorder interface {
	AppendInvocation(inv protocol.Invocation) error
}

// Client invokes abilities on one tool service over HTTP. Every ability is
// exposed by the remote as POST /<ability> taking and returning JSON.
type Client struct {
	name   string
	http   *resty.Client
	rec    Recorder
	logger *slog.Logger
}

// NewClient creates a client for the named tool service. rec may be nil.
func NewClient(name, baseURL string, timeout time.Duration, rec Recorder, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Client{name: name, http: httpClient, rec: rec, logger: logger}
}

// Name returns the tool service name ("common" or "atlas").
func (c *Client) Name() string { return c.name }

// IdempotencyKey derives the key a replayed call must re-send so the remote
// can deduplicate side effects after a crash between checkpoint and call.
func IdempotencyKey(ticketID string, stage int, ability string) string {
	return fmt.Sprintf("%s/%d/%s", ticketID, stage, ability)
}

// Call invokes one ability and translates the outcome into the tool error
// taxonomy: timeouts and unreachable/5xx responses are transient, 4xx
// responses are fatal. One Invocation record is emitted per attempt.
func (c *Client) Call(ctx context.Context, ticketID string, stage int, ability string, attempt int, req map[string]any) (json.RawMessage, error) {
	start := time.Now()
	result, err := c.post(ctx, ticketID, stage, ability, req)
	latency := time.Since(start)

	c.record(ticketID, ability, attempt, latency, err)

	if err != nil {
		c.logger.Warn("tool call failed",
			"tool", c.name, "ability", ability, "ticket", ticketID,
			"attempt", attempt, "error", err)
		return nil, err
	}

	c.logger.Debug("tool call ok",
		"tool", c.name, "ability", ability, "ticket", ticketID,
		"attempt", attempt, "latency_ms", latency.Milliseconds())
	return result, nil
}

func (c *Client) post(ctx context.Context, ticketID string, stage int, ability string, req map[string]any) (json.RawMessage, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", IdempotencyKey(ticketID, stage, ability)).
		SetBody(req).
		Post("/" + ability)
	if err != nil {
		if timeoutErr(err) {
			return nil, fmt.Errorf("mcp %s: %s: %w", c.name, ability, protocol.ErrToolTimeout)
		}
		return nil, fmt.Errorf("mcp %s: %s: %w", c.name, ability, protocol.ErrToolUnavailable)
	}

	switch {
	case resp.StatusCode() >= 500:
		return nil, fmt.Errorf("mcp %s: %s: status %d: %w",
			c.name, ability, resp.StatusCode(), protocol.ErrToolUnavailable)
	case resp.StatusCode() >= 400:
		return nil, fmt.Errorf("mcp %s: %s: status %d: %s: %w",
			c.name, ability, resp.StatusCode(), truncate(resp.String(), 200), protocol.ErrToolRejected)
	}

	body := resp.Body()
	if len(body) == 0 {
		body = []byte(`{}`)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("mcp %s: %s: invalid JSON response: %w",
			c.name, ability, protocol.ErrToolRejected)
	}
	return json.RawMessage(body), nil
}

func (c *Client) record(ticketID, ability string, attempt int, latency time.Duration, callErr error) {
	if c.rec == nil {
		return
	}
	inv := protocol.Invocation{
		ID:        uuid.NewString(),
		TicketID:  ticketID,
		Tool:      c.name,
		Ability:   ability,
		Attempt:   attempt,
		Outcome:   protocol.OutcomeOK,
		LatencyMS: latency.Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}
	if callErr != nil {
		inv.Outcome = protocol.OutcomeError
		inv.Error = callErr.Error()
	}
	if err := c.rec.AppendInvocation(inv); err != nil {
		c.logger.Error("failed to record invocation",
			"tool", c.name, "ability", ability, "ticket", ticketID, "error", err)
	}
}

func timeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
