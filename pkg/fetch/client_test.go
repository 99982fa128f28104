package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() ClientOptions {
	o := DefaultClientOptions()
	o.RetryBackoff = time.Millisecond
	o.Timeout = 5 * time.Second
	return o
}

func hostOf(t *testing.T, raw string) string {
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Host
}

func TestClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "oraclevm/1", r.Header.Get("User-Agent"))
		assert.Equal(t, `{"q":1}`, string(body))
		_, _ = w.Write([]byte(`{"price":"64180.20000000"}`))
	}))
	defer srv.Close()

	c := NewClient(testOptions())
	resp, err := c.Fetch(context.Background(), Request{
		Method:  "post",
		URL:     srv.URL,
		Headers: map[string]string{"x-api-key": "secret"},
		Body:    `{"q":1}`,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, `{"price":"64180.20000000"}`, string(resp.Body))
}

func TestClient_ClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(testOptions())
	_, err := c.Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	fe := err.(*FetchError)
	assert.Equal(t, ErrCodeStatus, fe.Code)
	assert.Equal(t, http.StatusNotFound, fe.Status)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, gobreaker.StateClosed, c.BreakerState(hostOf(t, srv.URL)))
}

func TestClient_ServerErrorIsRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	opts := testOptions()
	opts.MaxRetries = 2
	c := NewClient(opts)
	resp, err := c.Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int32(3), hits.Load())
}

func TestClient_BreakerOpensPerHost(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	opts := testOptions()
	opts.MaxRetries = 0
	opts.BreakerThreshold = 1
	opts.BreakerReset = time.Hour
	c := NewClient(opts)

	_, err := c.Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.Equal(t, ErrCodeStatus, err.(*FetchError).Code)
	assert.Equal(t, gobreaker.StateOpen, c.BreakerState(hostOf(t, srv.URL)))

	_, err = c.Fetch(context.Background(), Request{URL: srv.URL + "/other"})
	require.Error(t, err)
	assert.Equal(t, ErrCodeBreakerOpen, err.(*FetchError).Code)
	assert.Equal(t, int32(1), hits.Load())
}

func TestClient_ResponseTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	opts := testOptions()
	opts.MaxResponseBytes = 4
	c := NewClient(opts)
	_, err := c.Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.Equal(t, ErrCodeTooLarge, err.(*FetchError).Code)
}

func TestClient_EgressDenied(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	policy, err := NewEgressPolicy([]string{"example.com"}, "")
	require.NoError(t, err)
	opts := testOptions()
	opts.Policy = policy
	c := NewClient(opts)

	_, err = c.Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.Equal(t, ErrCodeDenied, err.(*FetchError).Code)
	assert.Equal(t, int32(0), hits.Load())
	assert.Len(t, policy.Violations(), 1)
}

func TestClient_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := srv.URL
	srv.Close()

	opts := testOptions()
	opts.MaxRetries = 1
	c := NewClient(opts)
	_, err := c.Fetch(context.Background(), Request{URL: target})
	require.Error(t, err)
	assert.Equal(t, ErrCodeNetwork, err.(*FetchError).Code)

	_, err = c.Fetch(context.Background(), Request{URL: "not a url"})
	require.Error(t, err)
	assert.Equal(t, ErrCodeBadRequest, err.(*FetchError).Code)
}

func TestClient_RateLimitedPerHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	opts := testOptions()
	opts.RatePerSecond = 20
	opts.Burst = 1
	c := NewClient(opts)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Fetch(context.Background(), Request{URL: srv.URL})
		require.NoError(t, err)
	}
	// two waits of 50ms after the initial burst token
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestClient_BreakerHalfOpenProbe(t *testing.T) {
	var healthy atomic.Bool
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	opts := testOptions()
	opts.MaxRetries = 0
	opts.BreakerThreshold = 2
	opts.BreakerReset = 50 * time.Millisecond
	c := NewClient(opts)
	host := hostOf(t, srv.URL)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.Fetch(ctx, Request{URL: srv.URL})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, c.BreakerState(host))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, gobreaker.StateHalfOpen, c.BreakerState(host))

	// a failed probe opens the breaker again
	_, err := c.Fetch(ctx, Request{URL: srv.URL})
	require.Error(t, err)
	assert.Equal(t, ErrCodeStatus, err.(*FetchError).Code)
	assert.Equal(t, gobreaker.StateOpen, c.BreakerState(host))

	time.Sleep(80 * time.Millisecond)
	healthy.Store(true)
	resp, err := c.Fetch(ctx, Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, gobreaker.StateClosed, c.BreakerState(host))
	assert.Equal(t, int32(4), hits.Load())
}
