// Package apiclient issues authenticated HTTP requests with retry, backoff
// and timeout policy against the platform API.
package apiclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/taapstack/taap/internal/config"
	"github.com/taapstack/taap/internal/metrics"
	"github.com/taapstack/taap/internal/retry"
)

const userAgent = "taap-client/1.0"

// Doer is the backend boundary: production supplies *http.Client, tests a
// scripted fake.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request describes one API call.
type Request struct {
	Method string
	Path   string // relative to the configured base URL, or absolute
	Header http.Header
	Body   []byte

	// Timeout bounds each attempt, not the whole call. Zero means the
	// configured default.
	Timeout time.Duration
	// MaxAttempts caps retries plus the first try. Zero means the
	// configured default.
	MaxAttempts int
	// Idempotent marks a mutating request safe to retry. GET, HEAD and
	// OPTIONS are treated as idempotent implicitly.
	Idempotent bool
}

// Response is the outcome of a Send. HTTP error statuses are data here,
// never Go errors.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Elapsed    time.Duration
	Attempts   int
}

// TransportError reports that no connection could be established after
// exhausting the retry budget.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("apiclient: transport failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client is a thread-safe API client bound to one configuration snapshot.
type Client struct {
	cfg        config.APIConfig
	doer       Doer
	limiter    *rate.Limiter
	logger     *zap.Logger
	metrics    *metrics.Metrics
	retryDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithRetryDelay overrides the initial backoff delay.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// New creates a client from the snapshot. A nil doer gets a production
// http.Client honoring the verify_ssl setting.
func New(cfg *config.Config, doer Doer, opts ...Option) (*Client, error) {
	if _, err := url.Parse(cfg.API.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if doer == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if !cfg.API.VerifySSL {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- operator opt-in
		}
		doer = &http.Client{Transport: transport}
	}

	c := &Client{
		cfg:  cfg.API,
		doer: doer,
		// The configured rate is requests per minute.
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.API.RateLimit)/60.0), cfg.API.RateLimit),
		logger:     zap.NewNop(),
		retryDelay: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// attemptError marks a connection-level failure for one attempt.
type attemptError struct {
	err error
}

func (e *attemptError) Error() string { return e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

// statusError marks a retryable HTTP status for one attempt.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("retryable status %d", e.code)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func sendRetryable(err error) bool {
	switch err.(type) {
	case *attemptError, *statusError:
		return true
	}
	return false
}

func (r Request) idempotent() bool {
	if r.Idempotent {
		return true
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// Send performs the request. Transient outcomes (connection failures,
// timeouts, 429/502/503/504) are retried with exponential backoff and
// jitter while the request is idempotent and budget remains. The returned
// Response always carries the attempt count; attempts never exceeds the
// configured maximum.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = c.cfg.Timeout()
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = c.cfg.Retries + 1
	}
	if !req.idempotent() {
		// Never retry a request that may mutate state.
		maxAttempts = 1
	}

	policy := retry.NewPolicy(
		retry.WithMaxAttempts(maxAttempts),
		retry.WithInitialDelay(c.retryDelay),
		retry.WithJitter(true),
		retry.WithLogger(c.logger),
		retry.WithRetryIf(sendRetryable),
	)

	var lastResp *Response
	start := time.Now()

	attempts, err := policy.Do(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		httpReq, err := c.build(attemptCtx, req)
		if err != nil {
			return retry.Permanent(err)
		}

		resp, err := c.doer.Do(httpReq)
		if err != nil {
			// lastResp must reflect the final attempt only: a response
			// from an earlier attempt is stale once a later attempt
			// failed at the transport level.
			lastResp = nil
			return &attemptError{err: err}
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		lastResp = &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       body,
		}
		if readErr != nil {
			// A truncated body is a failed response, not a fault, and
			// consumes no further budget.
			c.logger.Warn("response body truncated",
				zap.String("method", req.Method),
				zap.Int("status", resp.StatusCode),
				zap.Error(readErr))
			return nil
		}
		if retryableStatus(resp.StatusCode) {
			return &statusError{code: resp.StatusCode}
		}
		return nil
	})

	if lastResp != nil {
		lastResp.Attempts = attempts
		lastResp.Elapsed = time.Since(start)
		if c.metrics != nil {
			c.metrics.RequestAttempts.WithLabelValues(req.Method).Observe(float64(attempts))
		}
		return lastResp, nil
	}

	var ae *attemptError
	if errors.As(err, &ae) {
		return nil, &TransportError{Attempts: attempts, Err: ae.err}
	}
	return nil, err
}

func (c *Client) build(ctx context.Context, req Request) (*http.Request, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.requestURL(req.Path), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	switch {
	case c.cfg.AuthToken != "":
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	case c.cfg.APIKey != "":
		httpReq.Header.Set("X-API-Key", c.cfg.APIKey)
	}
	for key, values := range req.Header {
		httpReq.Header.Del(key)
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	return httpReq, nil
}

func (c *Client) requestURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Send(ctx, Request{Method: http.MethodGet, Path: path})
}

// Post issues a POST request. POST is not retried unless the request is
// explicitly marked idempotent via Send.
func (c *Client) Post(ctx context.Context, path string, body []byte) (*Response, error) {
	return c.Send(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
}

// Put issues a PUT request.
func (c *Client) Put(ctx context.Context, path string, body []byte) (*Response, error) {
	return c.Send(ctx, Request{Method: http.MethodPut, Path: path, Body: body})
}

// Patch issues a PATCH request.
func (c *Client) Patch(ctx context.Context, path string, body []byte) (*Response, error) {
	return c.Send(ctx, Request{Method: http.MethodPatch, Path: path, Body: body})
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Send(ctx, Request{Method: http.MethodDelete, Path: path})
}
