package fetch

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"
)

// Fetcher performs one network request.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// ClientOptions configures Client. Durations and limits left at zero take
// their DefaultClientOptions values; MaxRetries is used as given.
type ClientOptions struct {
	Timeout          time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
	// RatePerSecond limits requests per upstream host; 0 disables limiting.
	RatePerSecond    float64
	Burst            int
	MaxResponseBytes int64
	UserAgent        string
	Policy           *EgressPolicy
	Transport        http.RoundTripper
}

// DefaultClientOptions returns the production defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Timeout:          30 * time.Second,
		MaxRetries:       3,
		RetryBackoff:     100 * time.Millisecond,
		BreakerThreshold: 5,
		BreakerReset:     10 * time.Second,
		Burst:            1,
		MaxResponseBytes: 4 << 20,
		UserAgent:        "oraclevm/1",
	}
}

// Client wraps http.Client with resilience patterns:
// - Exponential Backoff & Jitter
// - Circuit Breaking per host
// - Rate limiting per host
// - Egress policy and response size limits
type Client struct {
	client *http.Client
	opts   ClientOptions
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
	limiters map[string]*rate.Limiter
}

// NewClient creates a Client. Unset options take their defaults.
func NewClient(opts ClientOptions) *Client {
	def := DefaultClientOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = def.BreakerThreshold
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = def.BreakerReset
	}
	if opts.Burst <= 0 {
		opts.Burst = def.Burst
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = def.MaxResponseBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	return &Client{
		client:   &http.Client{Timeout: opts.Timeout, Transport: opts.Transport},
		opts:     opts,
		logger:   slog.Default().With("component", "fetch_client"),
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Fetch executes req. Network errors and 5xx responses are retried with
// exponential backoff; every failure is returned as a *FetchError.
func (c *Client) Fetch(ctx context.Context, req Request) (*Response, error) {
	req = req.Normalize()
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return nil, &FetchError{Code: ErrCodeBadRequest, URL: req.URL, Err: errors.New("invalid url")}
	}
	if err := c.opts.Policy.Check(req); err != nil {
		return nil, err
	}

	host := u.Host
	breaker, limiter := c.forHost(host)
	done, err := breaker.Allow()
	if err != nil {
		return nil, &FetchError{Code: ErrCodeBreakerOpen, URL: req.URL, Err: fmt.Errorf("%s: %w", host, err)}
	}

	var lastErr error
	for i := 0; i <= c.opts.MaxRetries; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, c.backoff(i-1)); err != nil {
				lastErr = &FetchError{Code: ErrCodeNetwork, URL: req.URL, Err: err}
				break
			}
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				lastErr = &FetchError{Code: ErrCodeNetwork, URL: req.URL, Err: err}
				break
			}
		}

		resp, err := c.do(ctx, req)
		if err == nil {
			done(true)
			return resp, nil
		}
		lastErr = err

		var fe *FetchError
		if errors.As(err, &fe) && !retryable(fe) {
			// the upstream answered; the breaker only tracks availability
			done(true)
			return nil, err
		}
		c.logger.Debug("fetch attempt failed", "url", req.URL, "attempt", i+1, "error", err)
	}

	done(false)
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != "" {
		body = bytes.NewBufferString(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &FetchError{Code: ErrCodeBadRequest, URL: req.URL, Err: err}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.opts.UserAgent)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &FetchError{Code: ErrCodeNetwork, URL: req.URL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxResponseBytes+1))
	if err != nil {
		return nil, &FetchError{Code: ErrCodeNetwork, URL: req.URL, Status: resp.StatusCode, Err: err}
	}
	if int64(len(data)) > c.opts.MaxResponseBytes {
		return nil, &FetchError{Code: ErrCodeTooLarge, URL: req.URL, Status: resp.StatusCode,
			Err: fmt.Errorf("response exceeds %d bytes", c.opts.MaxResponseBytes)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{Code: ErrCodeStatus, URL: req.URL, Status: resp.StatusCode}
	}
	return &Response{Status: resp.StatusCode, Body: data}, nil
}

func retryable(fe *FetchError) bool {
	switch fe.Code {
	case ErrCodeNetwork:
		return true
	case ErrCodeStatus:
		return fe.Status >= 500
	}
	return false
}

// backoff returns base * 2^attempt + jitter(0-50ms).
func (c *Client) backoff(attempt int) time.Duration {
	d := c.opts.RetryBackoff << uint(attempt)
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		d += time.Duration(n.Int64()) * time.Millisecond
	}
	return d
}

func (c *Client) forHost(host string) (*gobreaker.TwoStepCircuitBreaker, *rate.Limiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[host]
	if !ok {
		b = newBreaker(host, c.opts.BreakerThreshold, c.opts.BreakerReset, c.logger)
		c.breakers[host] = b
	}
	if c.opts.RatePerSecond <= 0 {
		return b, nil
	}
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.opts.RatePerSecond), c.opts.Burst)
		c.limiters[host] = l
	}
	return b, l
}

// BreakerState reports the breaker state for host, closed when unseen.
func (c *Client) BreakerState(host string) gobreaker.State {
	c.mu.Lock()
	b, ok := c.breakers[host]
	c.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return b.State()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
