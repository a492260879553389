// Package httpx wraps a plain HTTP client with bounded retry, exponential
// backoff with jitter and a per-endpoint circuit breaker. Callers keep the
// usual method/url/body contract and never reason about transient failures.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"dispatch-sync-client/internal/breaker"
	"dispatch-sync-client/internal/logger"
	"dispatch-sync-client/internal/metrics"
)

// Request is a single logical request. URL may be absolute or relative to the
// client's base URL. NoRetry forces a single attempt regardless of the error
// class; auth endpoints must set it to avoid credential-lockout loops.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	NoRetry bool
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) DecodeJSON(out any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, out)
}

// Doer is the caller-facing contract of the resilient client.
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

type Config struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	RequestTimeout time.Duration
	RetryPost      bool
}

type Client struct {
	baseURL string
	hc      *http.Client
	breaker *breaker.Breaker
	cfg     Config
}

func NewClient(baseURL string, br *breaker.Breaker, cfg Config) *Client {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 2.0
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		hc:      &http.Client{},
		breaker: br,
		cfg:     cfg,
	}
}

// Do executes the request through the retry policy. The circuit is consulted
// once before the first attempt; the breaker is informed of the final outcome
// only, so one logical request records at most one failure. Cancellation of
// ctx aborts the in-flight attempt and any backoff sleep and is never counted
// against the circuit.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	endpoint := EndpointKey(req.Method, c.resolveURL(req.URL))

	if c.breaker != nil && c.breaker.IsOpen(endpoint) {
		metrics.RetryAttempts.WithLabelValues("circuit_open").Inc()
		return nil, &CircuitOpenError{Endpoint: endpoint}
	}

	maxRetries := c.cfg.MaxRetries
	if req.NoRetry {
		maxRetries = 0
	} else if req.Method == http.MethodPost && !c.cfg.RetryPost {
		maxRetries = 0
	}

	for attempt := 0; ; attempt++ {
		resp, err := c.attempt(ctx, req)
		if err == nil {
			metrics.RetryAttempts.WithLabelValues("success").Inc()
			if c.breaker != nil {
				c.breaker.RecordSuccess(endpoint)
			}
			return resp, nil
		}

		if ctx.Err() != nil {
			// The caller gave up; not a statement about endpoint health.
			metrics.RetryAttempts.WithLabelValues("cancelled").Inc()
			return nil, ctx.Err()
		}

		if !IsRetryable(err) || attempt >= maxRetries {
			metrics.RetryAttempts.WithLabelValues("failure").Inc()
			if c.breaker != nil {
				c.breaker.RecordFailure(endpoint)
			}
			return nil, err
		}

		metrics.RetryAttempts.WithLabelValues("retry").Inc()
		delay := c.retryDelay(attempt, retryAfterFrom(err))
		logger.Log.Debug("Retrying request",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return nil, waitErr
		}
	}
}

func (c *Client) attempt(ctx context.Context, req Request) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var bodyReader io.Reader
	if req.Body != nil {
		bodyReader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, c.resolveURL(req.URL), bodyReader)
	if err != nil {
		// A request that cannot be built will never succeed; not retryable.
		return nil, fmt.Errorf("building request: %w", err)
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, &NetworkError{Err: readErr}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       payload,
		}, nil
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	httpErr := &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		return nil, &retryAfterError{HTTPError: httpErr, retryAfter: parseRetryAfter(ra)}
	}
	return nil, httpErr
}

func (c *Client) resolveURL(raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return c.baseURL + raw
}

func (c *Client) retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > c.cfg.MaxDelay {
			return c.cfg.MaxDelay
		}
		return retryAfter
	}
	delay := float64(c.cfg.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= c.cfg.BackoffFactor
		if delay >= float64(c.cfg.MaxDelay) {
			delay = float64(c.cfg.MaxDelay)
			break
		}
	}
	// Jitter up to 30% of the computed delay.
	jitter := rand.Float64() * 0.3 * delay
	total := time.Duration(delay + jitter)
	if total > c.cfg.MaxDelay {
		return c.cfg.MaxDelay
	}
	return total
}

// EndpointKey identifies a circuit breaker record: method plus path, no query.
func EndpointKey(method, rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return method + " " + rawURL
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return method + " " + path
}

// retryAfterError decorates an HTTPError with the server's Retry-After hint.
type retryAfterError struct {
	*HTTPError
	retryAfter time.Duration
}

func (e *retryAfterError) Unwrap() error {
	return e.HTTPError
}

func retryAfterFrom(err error) time.Duration {
	if ra, ok := err.(*retryAfterError); ok {
		return ra.retryAfter
	}
	return 0
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
