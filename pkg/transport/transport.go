// Package transport owns all HTTP traffic to the Quantarc API: the query
// endpoint (token in the JSON body, transient failures retried with linear
// backoff) and the job endpoints (bearer header, no retry). Every error that
// leaves this package carries a redacted copy of the request payload.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quantarc/quantarc-go/pkg/apierr"
)

const (
	// DefaultTimeout bounds a single attempt. Retries each get a fresh
	// timeout; budgets are per-request, not cumulative.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxRetries is the transient-failure retry budget per submission.
	DefaultMaxRetries = 3

	// DefaultBackoffBase scales the linear backoff: the delay before retry n
	// (zero-indexed) is DefaultBackoffBase * (n + 1).
	DefaultBackoffBase = 500 * time.Millisecond

	// TokenMask replaces the bearer token in any payload attached to an error.
	TokenMask = "**********"

	queryPath = "/api/v1/query"
)

const (
	msgQueryTooLarge = "query has timed out: the most likely cause is a query calling for " +
		"too much data at once; check the filters and avoid calling for unnecessary data"
	msgRetriesExhausted = msgQueryTooLarge + "; also possible are a timeout value set too low, " +
		"or a network error preventing communication with the API server"
	msgBreakerOpen = "request refused without a network call: repeated network failures " +
		"tripped the circuit breaker; allow it to reset before retrying"
)

// Envelope is the wire payload for the query endpoint. The token travels in
// the body; job endpoints use an Authorization header instead.
type Envelope struct {
	Token   string         `json:"token"`
	Query   any            `json:"query,omitempty"`
	Queries map[string]any `json:"queries,omitempty"`
}

// Redacted returns the envelope JSON with the token masked. It is the only
// form of the request that may be attached to errors or logs.
func (e Envelope) Redacted() json.RawMessage {
	masked := e
	masked.Token = TokenMask
	b, err := json.Marshal(masked)
	if err != nil {
		return nil
	}
	return b
}

func (e Envelope) queryCount() int {
	if e.Queries != nil {
		return len(e.Queries)
	}
	if e.Query != nil {
		return 1
	}
	return 0
}

// Response is the decoded envelope returned by the query and job-creation
// endpoints.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message json.RawMessage `json:"message"`
}

// Client performs POSTs against one API base URL. It keeps no per-request
// state; the circuit breakers are the only thing shared between calls.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	maxRetries  int
	backoffBase time.Duration
	timeout     time.Duration
	tracer      trace.Tracer
	breakers    map[string]*gobreaker.CircuitBreaker
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxRetries sets the transient-failure retry budget.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithTimeout sets the default per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithBackoffBase sets the linear backoff base delay.
func WithBackoffBase(d time.Duration) Option {
	return func(c *Client) { c.backoffBase = d }
}

// New builds a Client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{},
		maxRetries:  DefaultMaxRetries,
		backoffBase: DefaultBackoffBase,
		timeout:     DefaultTimeout,
		tracer:      otel.Tracer("github.com/quantarc/quantarc-go/pkg/transport"),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breakers = make(map[string]*gobreaker.CircuitBreaker)
	for _, name := range []string{"query", "jobs"} {
		c.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			// Only network-level failures count against the breaker; a
			// terminal answer from the service is still an answer.
			IsSuccessful: func(err error) bool {
				var transient *apierr.TransientError
				return !errors.As(err, &transient)
			},
		})
	}
	return c
}

// Submit posts one envelope to the query endpoint. Network-level failures are
// retried up to the budget with linearly increasing backoff; every other
// failure is terminal and surfaced immediately. A submission that exhausts
// its budget fails with a ServiceError explaining the likely causes.
func (c *Client) Submit(ctx context.Context, env Envelope, timeout time.Duration, headers map[string]string) (*Response, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	ctx, span := c.tracer.Start(ctx, "transport.submit", trace.WithAttributes(
		attribute.String("endpoint", queryPath),
		attribute.Int("query.count", env.queryCount()),
	))
	defer span.End()

	attempts := 0
	operation := func() (*Response, error) {
		attempts++
		resp, err := c.attempt(ctx, env, timeout, headers)
		if err != nil {
			var transient *apierr.TransientError
			if errors.As(err, &transient) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return resp, nil
	}

	result, err := c.breakers["query"].Execute(func() (any, error) {
		return backoff.Retry(ctx, operation,
			backoff.WithBackOff(newLinearBackOff(c.backoffBase)),
			backoff.WithMaxTries(uint(c.maxRetries+1)),
		)
	})

	span.SetAttributes(attribute.Int("retry.count", attempts-1))
	if err != nil {
		switch {
		case isBreakerRefusal(err):
			err = &apierr.ServiceError{Message: msgBreakerOpen, Request: env.Redacted()}
		default:
			var transient *apierr.TransientError
			if errors.As(err, &transient) {
				err = &apierr.ServiceError{Message: msgRetriesExhausted, Request: env.Redacted()}
			}
		}
		span.RecordError(err)
		return nil, err
	}
	return result.(*Response), nil
}

func isBreakerRefusal(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (c *Client) attempt(ctx context.Context, env Envelope, timeout time.Duration, headers map[string]string) (*Response, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode request envelope: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+queryPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &apierr.TransientError{Reason: "post query request", Err: err}
	}
	defer resp.Body.Close()

	return classify(resp, env.Redacted())
}

func classify(resp *http.Response, redacted json.RawMessage) (*Response, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apierr.TransientError{Reason: "read response body", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == 520:
		// The gateway answers 520 when the query result is too large to
		// assemble; the body carries no useful detail.
		return nil, &apierr.ServiceError{
			StatusCode: resp.StatusCode,
			Message:    msgQueryTooLarge,
			Request:    redacted,
		}
	default:
		return nil, &apierr.ServiceError{
			StatusCode: resp.StatusCode,
			Body:       raw,
			Request:    redacted,
		}
	}

	var parsed Response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &apierr.ServiceError{
			StatusCode: resp.StatusCode,
			Message:    "malformed response body",
			Body:       raw,
			Request:    redacted,
		}
	}
	if !parsed.Success {
		return nil, &apierr.ServiceError{
			StatusCode: resp.StatusCode,
			Message:    "query was not successful",
			Body:       raw,
			Request:    redacted,
		}
	}
	return &parsed, nil
}

// PostRaw posts one JSON payload to a job endpoint with a bearer token header
// and returns the raw response body. Job endpoints are not retried; callers
// treat any failure as terminal.
func (c *Client) PostRaw(ctx context.Context, path, token string, payload any) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "transport.post", trace.WithAttributes(
		attribute.String("endpoint", path),
	))
	defer span.End()

	result, err := c.breakers["jobs"].Execute(func() (any, error) {
		return c.postOnce(ctx, path, token, payload)
	})
	if err != nil {
		if isBreakerRefusal(err) {
			err = &apierr.ServiceError{Message: msgBreakerOpen}
		}
		span.RecordError(err)
		return nil, err
	}
	return result.([]byte), nil
}

// PostJSON is PostRaw plus a JSON decode of the response body into out.
func (c *Client) PostJSON(ctx context.Context, path, token string, payload, out any) error {
	raw, err := c.PostRaw(ctx, path, token, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &apierr.ServiceError{
			StatusCode: http.StatusOK,
			Message:    "malformed response body",
			Body:       raw,
		}
	}
	return nil
}

func (c *Client) postOnce(ctx context.Context, path, token string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", uuid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &apierr.TransientError{Reason: "post " + path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apierr.TransientError{Reason: "read response body", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &apierr.ServiceError{StatusCode: resp.StatusCode, Body: raw}
	}
	return raw, nil
}

// linearBackOff yields base*(n+1) before the nth retry, widening the gap on
// consecutive connection failures.
type linearBackOff struct {
	base time.Duration
	n    int
}

func newLinearBackOff(base time.Duration) *linearBackOff {
	return &linearBackOff{base: base}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	d := b.base * time.Duration(b.n+1)
	b.n++
	return d
}

func (b *linearBackOff) Reset() { b.n = 0 }
