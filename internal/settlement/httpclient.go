package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mobikosh/mobikosh/internal/circuitbreaker"
	"github.com/mobikosh/mobikosh/internal/metrics"
)

// gateway status flags we recognize. Everything else is indeterminate.
const (
	gatewayStatusSuccess = "SUCCESS"
	gatewayStatusFailure = "FAILURE"
	gatewayStatusFailed  = "FAILED"
	gatewayStatusPending = "PENDING"
)

// maxResponseBytes caps how much of a gateway response we buffer.
const maxResponseBytes = 64 * 1024

// Circuit breaker settings for the status-query path. Settle is never gated:
// the coordinator makes exactly one settle call per transaction, and skipping
// it would leave the row settling with nothing sent.
const (
	queryBreakerThreshold = 5
	queryBreakerOpen      = 30 * time.Second
)

// envelope is the gateway's response shape. Status and Message are the only
// authoritative discriminants; everything else is carried for audit.
type envelope struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	GatewayRef string `json:"gatewayRef"`
}

// HTTPClient implements Client against the gateway's JSON API.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	merchant   string
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
}

// NewHTTPClient creates a gateway client. timeout bounds every outbound call,
// including connection setup and body read.
func NewHTTPClient(baseURL, apiKey, merchant string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	c := &HTTPClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		merchant:   merchant,
		breaker:    circuitbreaker.New(queryBreakerThreshold, queryBreakerOpen),
		logger:     logger,
	}
	c.breaker.OnTransition(func(from, to circuitbreaker.State) {
		logger.Warn("gateway query circuit state change", "from", from.String(), "to", to.String())
	})
	return c
}

// Settle submits one settlement request. Exactly one outbound call; no retry.
func (c *HTTPClient) Settle(ctx context.Context, req Request) Outcome {
	start := time.Now()

	body, err := json.Marshal(req)
	if err != nil {
		// Request is plain strings, this cannot happen in practice.
		return c.record("settle", start, Indeterminate("encode request: "+err.Error(), ""))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/settle", bytes.NewReader(body))
	if err != nil {
		return c.record("settle", start, Indeterminate("build request: "+err.Error(), ""))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	outcome := c.classify(c.httpClient.Do(httpReq))
	if outcome.Class == ClassIndeterminate {
		c.logger.Warn("settlement outcome unknown",
			"external_ref", req.ExternalRef,
			"reason", outcome.Reason)
	}
	return c.record("settle", start, outcome)
}

// QueryStatus asks the gateway what happened to a previously submitted
// settlement. Safe to call repeatedly; it never re-executes the payment.
//
// A circuit breaker trips after consecutive transport failures so a dead
// gateway is not hammered once per unresolved row per sweep. Short-circuited
// queries come back indeterminate and the rows stay queued for the next pass.
func (c *HTTPClient) QueryStatus(ctx context.Context, externalRef string) Outcome {
	start := time.Now()

	if !c.breaker.Allow() {
		return c.record("query", start, Indeterminate("gateway circuit open", ""))
	}

	url := fmt.Sprintf("%s/api/v1/transactions/%s/status", c.baseURL, externalRef)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return c.record("query", start, Indeterminate("build request: "+err.Error(), ""))
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.breaker.RecordFailure()
	} else {
		// Any HTTP response means the gateway is reachable, even if the body
		// turns out to be garbage.
		c.breaker.RecordSuccess()
	}

	return c.record("query", start, c.classify(resp, err))
}

func (c *HTTPClient) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Merchant-Code", c.merchant)
}

// classify maps a transport result onto the outcome trichotomy. Only a
// parseable envelope with a recognized status flag yields a confirmed
// outcome; every other shape is indeterminate.
func (c *HTTPClient) classify(resp *http.Response, err error) Outcome {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return Indeterminate("gateway timeout", "")
		}
		return Indeterminate("gateway unreachable: "+err.Error(), "")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Indeterminate("read response: "+err.Error(), "")
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Indeterminate(fmt.Sprintf("malformed response (http %d)", resp.StatusCode), string(raw))
	}

	switch strings.ToUpper(env.Status) {
	case gatewayStatusSuccess:
		return Success(string(raw))
	case gatewayStatusFailure, gatewayStatusFailed:
		return Failure(string(raw))
	case gatewayStatusPending:
		return Indeterminate("gateway still processing", string(raw))
	default:
		return Indeterminate(fmt.Sprintf("unknown status flag %q (http %d)", env.Status, resp.StatusCode), string(raw))
	}
}

func (c *HTTPClient) record(op string, start time.Time, o Outcome) Outcome {
	metrics.SettlementOutcomesTotal.WithLabelValues(op, string(o.Class)).Inc()
	metrics.SettlementDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return o
}

func isTimeout(err error) bool {
	var nerr interface{ Timeout() bool }
	return errors.As(err, &nerr) && nerr.Timeout()
}
