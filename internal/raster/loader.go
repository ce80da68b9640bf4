package raster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/stwalsh4118/canopy/internal/fetch"
	"github.com/stwalsh4118/canopy/internal/logger"
	"github.com/stwalsh4118/canopy/internal/observability"
)

// GridLoader returns the materialized grid for a variable.
type GridLoader interface {
	Load(ctx context.Context, v Variable) (*Grid, error)
}

// FetchingLoader downloads a variable's zipped BIL, materializes band 1
// and releases the scratch files before returning.
type FetchingLoader struct {
	fetcher fetch.Fetcher
	log     *logger.Logger
	baseURL string
}

// NewFetchingLoader creates a loader for grids under baseURL.
func NewFetchingLoader(fetcher fetch.Fetcher, baseURL string, log *logger.Logger) *FetchingLoader {
	return &FetchingLoader{fetcher: fetcher, baseURL: baseURL, log: log}
}

// Load implements GridLoader.
func (l *FetchingLoader) Load(ctx context.Context, v Variable) (*Grid, error) {
	url := l.baseURL + "/" + v.Path()
	art, err := l.fetcher.FetchArchive(ctx, url, ".bil", ".hdr")
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", v, err)
	}
	defer art.Close()

	hdr, ok := art.File(".hdr")
	if !ok {
		return nil, fmt.Errorf("variable %s: %w: no .hdr member", v, fetch.ErrArchiveFormat)
	}
	g, err := OpenGrid(art.Path, hdr)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", v, err)
	}

	l.log.Debug("materialized grid", map[string]interface{}{
		"variable": v.String(),
		"rows":     g.Rows,
		"cols":     g.Cols,
	})
	return g, nil
}

// ErrGridUnavailable is returned to callers that joined a grid fetch another
// caller started and that fetch failed.
var ErrGridUnavailable = errors.New("grid unavailable")

// GridCache keeps materialized grids in memory for a TTL so a long running
// server ingesting several regions fetches each national grid once.
type GridCache struct {
	next    GridLoader
	cache   *ttlcache.Cache[Variable, *Grid]
	loads   *singleflight.Group
	metrics *observability.Metrics
}

// NewGridCache wraps next with a cache whose entries expire after ttl.
// Call Stop when done to release the expiry goroutine.
func NewGridCache(next GridLoader, ttl time.Duration, metrics *observability.Metrics) *GridCache {
	cache := ttlcache.New[Variable, *Grid](
		ttlcache.WithTTL[Variable, *Grid](ttl),
		ttlcache.WithDisableTouchOnHit[Variable, *Grid](),
	)
	go cache.Start()
	return &GridCache{next: next, cache: cache, loads: &singleflight.Group{}, metrics: metrics}
}

// Load implements GridLoader. Concurrent misses for one variable share a
// single fetch; callers joining a failed fetch get ErrGridUnavailable.
func (c *GridCache) Load(ctx context.Context, v Variable) (*Grid, error) {
	var (
		loaded  bool
		loadErr error
	)
	load := ttlcache.LoaderFunc[Variable, *Grid](func(cache *ttlcache.Cache[Variable, *Grid], key Variable) *ttlcache.Item[Variable, *Grid] {
		// A fetch that finished between the miss and this call already stored it.
		if item := cache.Get(key); item != nil {
			return item
		}
		loaded = true
		g, err := c.next.Load(ctx, key)
		if err != nil {
			loadErr = err
			return nil
		}
		return cache.Set(key, g, ttlcache.DefaultTTL)
	})

	item := c.cache.Get(v, ttlcache.WithLoader[Variable, *Grid](ttlcache.NewSuppressedLoader[Variable, *Grid](load, c.loads)))
	if loaded {
		c.metrics.GridCache.WithLabelValues("miss").Inc()
	} else if item != nil {
		c.metrics.GridCache.WithLabelValues("hit").Inc()
	}

	switch {
	case loadErr != nil:
		return nil, loadErr
	case item == nil:
		return nil, fmt.Errorf("%w: %s", ErrGridUnavailable, v)
	}
	return item.Value(), nil
}

// Len reports the number of cached grids.
func (c *GridCache) Len() int {
	return c.cache.Len()
}

// Stop halts background expiry and drops every cached grid.
func (c *GridCache) Stop() {
	c.cache.Stop()
	c.cache.DeleteAll()
}
