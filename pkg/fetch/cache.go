package fetch

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Lookup is the result of Cache.GetOrFetch.
type Lookup struct {
	Response *Response
	// Hit is true when the response came from the store.
	Hit bool
}

// CacheStats counts lookups since the cache was created.
type CacheStats struct {
	Hits     uint64
	Misses   uint64
	Failures uint64
}

// Cache memoises fetches by fingerprint. Concurrent lookups of the same
// fingerprint share one store read and at most one network request.
type Cache struct {
	store   Store
	fetcher Fetcher
	group   singleflight.Group
	logger  *slog.Logger
	observe func(ctx context.Context, hit bool, err error)

	hits, misses, failures atomic.Uint64
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithObserver registers a callback invoked once per completed lookup.
func WithObserver(fn func(ctx context.Context, hit bool, err error)) CacheOption {
	return func(c *Cache) { c.observe = fn }
}

// NewCache creates a Cache. A nil store means a fresh MemoryStore.
func NewCache(store Store, fetcher Fetcher, opts ...CacheOption) *Cache {
	if store == nil {
		store = NewMemoryStore()
	}
	c := &Cache{
		store:   store,
		fetcher: fetcher,
		logger:  slog.Default().With("component", "fetch_cache"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// GetOrFetch returns the stored response for fingerprint, or performs req and
// stores a successful response. Failures are returned as *FetchError and are
// not stored. A store read error is logged and treated as a miss; a store
// write error is logged and does not fail the lookup.
func (c *Cache) GetOrFetch(ctx context.Context, fingerprint string, req Request) (Lookup, error) {
	// The shared lookup must not be cancelled by whichever caller started it.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(fingerprint, func() (interface{}, error) {
		return c.lookup(flightCtx, fingerprint, req)
	})

	select {
	case <-ctx.Done():
		return Lookup{}, &FetchError{Code: ErrCodeNetwork, URL: req.URL, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			c.failures.Add(1)
			c.notify(ctx, false, res.Err)
			return Lookup{}, res.Err
		}
		l := res.Val.(Lookup)
		if l.Hit {
			c.hits.Add(1)
		} else {
			c.misses.Add(1)
		}
		c.notify(ctx, l.Hit, nil)
		return l, nil
	}
}

func (c *Cache) lookup(ctx context.Context, fingerprint string, req Request) (Lookup, error) {
	resp, ok, err := c.store.Get(ctx, fingerprint)
	if err != nil {
		c.logger.Warn("cache read failed, treating as miss", "fingerprint", fingerprint, "error", err)
	} else if ok {
		return Lookup{Response: resp, Hit: true}, nil
	}

	resp, err = c.fetcher.Fetch(ctx, req)
	if err != nil {
		c.logger.Debug("fetch failed", "url", req.URL, "error", err)
		return Lookup{}, err
	}
	if err := c.store.Set(ctx, fingerprint, resp); err != nil {
		c.logger.Warn("cache write failed", "fingerprint", fingerprint, "error", err)
	}
	return Lookup{Response: resp}, nil
}

func (c *Cache) notify(ctx context.Context, hit bool, err error) {
	if c.observe != nil {
		c.observe(ctx, hit, err)
	}
}

// Stats returns lookup counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Failures: c.failures.Load()}
}
