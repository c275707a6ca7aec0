package bifrost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
)

// maxUpstreamBody bounds how much of an upstream response is read.
const maxUpstreamBody = 8 << 20

// UpstreamRequest describes one call to the upstream API. For GET requests
// Body is appended to the query string; for other methods it is sent form
// encoded.
type UpstreamRequest struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
}

// UpstreamResponse is the upstream reply. Body is always valid JSON; a
// non-JSON reply is wrapped as a JSON string.
type UpstreamResponse struct {
	Status    int
	Body      json.RawMessage
	LatencyMs int64

	// Retried is set when the reply came from the boundary retry.
	Retried bool
}

// UpstreamClient calls the upstream API with per-request signed tokens.
type UpstreamClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	margin  time.Duration
	limiter *rate.Limiter
	now     func() time.Time
	metrics *Metrics
	log     logr.Logger
}

// UpstreamOption configures an UpstreamClient.
type UpstreamOption func(*UpstreamClient)

// WithHTTPClient sets the HTTP client used for upstream calls.
func WithHTTPClient(c *http.Client) UpstreamOption {
	return func(u *UpstreamClient) {
		if c != nil {
			u.http = c
		}
	}
}

// WithUpstreamTimeout bounds each upstream attempt.
func WithUpstreamTimeout(d time.Duration) UpstreamOption {
	return func(u *UpstreamClient) {
		if d > 0 {
			u.timeout = d
		}
	}
}

// WithBoundaryMargin sets how close to an hour boundary an auth failure must
// be to trigger the retry.
func WithBoundaryMargin(d time.Duration) UpstreamOption {
	return func(u *UpstreamClient) { u.margin = d }
}

// WithOutboundRate caps the aggregate rate of upstream attempts. rps <= 0
// leaves calls unthrottled.
func WithOutboundRate(rps float64, burst int) UpstreamOption {
	return func(u *UpstreamClient) {
		if rps <= 0 {
			u.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		u.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithUpstreamLogger sets the logger.
func WithUpstreamLogger(log logr.Logger) UpstreamOption {
	return func(u *UpstreamClient) { u.log = log }
}

// WithUpstreamMetrics records attempt counts and latencies on m.
func WithUpstreamMetrics(m *Metrics) UpstreamOption {
	return func(u *UpstreamClient) { u.metrics = m }
}

// NewUpstreamClient creates a client for the API rooted at baseURL.
func NewUpstreamClient(baseURL string, opts ...UpstreamOption) *UpstreamClient {
	c := &UpstreamClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		timeout: 15 * time.Second,
		margin:  2 * time.Minute,
		now:     time.Now,
		log:     logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type attemptResult struct {
	status int
	body   []byte
}

// Call performs req on behalf of id. The token is signed for the current
// hour; when the upstream rejects it with 401 or 403 and the clock is near an
// hour boundary, the call is repeated once with a token for the adjacent hour.
// Any upstream status is returned as a response; only transport failures and
// timeouts are errors.
func (c *UpstreamClient) Call(ctx context.Context, id Identity, req UpstreamRequest) (*UpstreamResponse, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	target, body, err := c.build(method, req)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	at := c.now()

	res, err := c.attempt(ctx, id, method, target, body, at)
	if err != nil {
		return nil, err
	}

	// The retry window is judged at the time of the failure, not of signing.
	retried := false
	failedAt := c.now()
	if isAuthFailure(res.status) && IsNearHourBoundary(failedAt, c.margin) {
		retryAt := BoundaryRetryTime(failedAt)
		c.metrics.observeBoundaryRetry()
		c.log.V(1).Info("retrying upstream call with adjacent hour token",
			"path", req.Path, "status", res.status, "bucket", FormatHourBucket(retryAt))

		res, err = c.attempt(ctx, id, method, target, body, retryAt)
		if err != nil {
			return nil, err
		}
		retried = true
	}

	return &UpstreamResponse{
		Status:    res.status,
		Body:      asJSON(res.body),
		LatencyMs: time.Since(started).Milliseconds(),
		Retried:   retried,
	}, nil
}

func (c *UpstreamClient) build(method string, req UpstreamRequest) (target, body string, err error) {
	target = c.baseURL + req.Path

	query := req.Query.Encode()
	if req.Body != nil {
		encoded, err := EncodeForm(req.Body)
		if err != nil {
			return "", "", ValidationError(err.Error())
		}
		if method == http.MethodGet {
			query = joinQuery(query, encoded)
		} else {
			body = encoded
		}
	}

	if query != "" {
		target += "?" + query
	}
	return target, body, nil
}

func joinQuery(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "&" + b
}

func (c *UpstreamClient) attempt(ctx context.Context, id Identity, method, target, body string, at time.Time) (*attemptResult, error) {
	if c.limiter != nil {
		// Wait fails early when the caller's deadline cannot be met.
		if err := c.limiter.Wait(ctx); err != nil {
			e := UpstreamError("Upstream request timed out.", 0)
			e.cause = err
			return nil, e
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, InternalError("", err)
	}
	hreq.Header.Set("username", id.AccountEmail)
	hreq.Header.Set("token", SignUpstreamToken(id.Credential, id.AccountEmail, at))
	hreq.Header.Set("Accept", "application/json")
	if rdr != nil {
		hreq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	started := time.Now()
	resp, err := c.http.Do(hreq)
	if err != nil {
		c.metrics.observeUpstream(method, 0, time.Since(started))
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	c.metrics.observeUpstream(method, resp.StatusCode, time.Since(started))
	if err != nil {
		return nil, transportError(err)
	}
	return &attemptResult{status: resp.StatusCode, body: raw}, nil
}

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func transportError(err error) *Error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		e := UpstreamError("Upstream request timed out.", 0)
		e.cause = err
		return e
	}
	e := UpstreamError("Failed to connect to upstream API.", 0)
	e.cause = err
	return e
}

func asJSON(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	b, _ := json.Marshal(string(raw))
	return b
}
