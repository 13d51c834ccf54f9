package regen

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/always-cache/regen/cache"
	routekey "github.com/always-cache/regen/pkg/route-key"
)

const DefaultWarmConcurrency = 4

// WarmReport lists which keys are servable after a warm-up and which failed.
type WarmReport struct {
	Ready  []routekey.Key
	Failed map[routekey.Key]error
}

func (r *WarmReport) add(mu *sync.Mutex, key routekey.Key, err error) {
	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		r.Failed[key] = err
		return
	}
	r.Ready = append(r.Ready, key)
}

// Warm builds every key that is not stored yet, running at most concurrency builds at a time.
// A failing key does not keep the others from being built.
func (c *Cache) Warm(ctx context.Context, keys []routekey.Key, concurrency int) WarmReport {
	report := WarmReport{Failed: make(map[routekey.Key]error)}
	if concurrency <= 0 {
		concurrency = DefaultWarmConcurrency
	}
	c.log.Info().Int("keys", len(keys)).Int("concurrency", concurrency).Msg("Pre-building known paths")

	var mu sync.Mutex
	g := &errgroup.Group{}
	g.SetLimit(concurrency)
	for _, key := range keys {
		if c.store.Has(key.String()) {
			report.add(&mu, key, nil)
			continue
		}
		g.Go(func() error {
			res := c.GetOrBuild(ctx, key, Block)
			report.add(&mu, key, res.Err)
			if res.Err != nil {
				c.log.Warn().Err(res.Err).Str("key", key.String()).Msg("Could not pre-build")
			}
			return nil
		})
	}
	_ = g.Wait()

	c.log.Info().Int("ready", len(report.Ready)).Int("failed", len(report.Failed)).Msg("Pre-build done")
	return report
}

// RegenerateAll rebuilds every stored artifact.
// Artifacts that fail to rebuild stay stored as they were.
func (c *Cache) RegenerateAll(ctx context.Context, concurrency int) (WarmReport, error) {
	report := WarmReport{Failed: make(map[routekey.Key]error)}
	if concurrency <= 0 {
		concurrency = DefaultWarmConcurrency
	}
	var keys []routekey.Key
	if err := c.Keys(func(key routekey.Key) {
		keys = append(keys, key)
	}); err != nil {
		return report, err
	}

	var mu sync.Mutex
	g := &errgroup.Group{}
	g.SetLimit(concurrency)
	for _, key := range keys {
		g.Go(func() error {
			_, err := c.Regenerate(ctx, key)
			report.add(&mu, key, err)
			if err != nil {
				c.log.Warn().Err(err).Str("key", key.String()).Msg("Could not regenerate, keeping stored artifact")
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

// Revalidate runs a loop rebuilding artifacts older than maxAge,
// one entry at a time, least recently built first.
// If it finds none, it sleeps until the oldest one expires.
// A failed rebuild keeps the stale artifact. The key is left out of the
// selection for maxAge so that the other stale entries still get rebuilt.
// It returns when ctx is done or the cache is closed.
func (c *Cache) Revalidate(ctx context.Context, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	c.log.Info().Msgf("Starting revalidation loop with max age %s", maxAge)
	// retry deadlines of keys whose rebuild failed
	failed := make(map[string]time.Time)
	for {
		wait := maxAge
		skip := make([]string, 0, len(failed))
		now := time.Now()
		for key, retryAt := range failed {
			if !now.Before(retryAt) {
				delete(failed, key)
				continue
			}
			skip = append(skip, key)
			wait = min(wait, retryAt.Sub(now))
		}

		key, builtAt, err := c.store.Oldest(skip...)
		switch {
		case errors.Is(err, cache.ErrEmpty):
			c.log.Trace().Int("skipped", len(skip)).Msg("No artifacts to revalidate, pausing revalidation")
		case err != nil:
			c.log.Error().Err(err).Msg("Could not get oldest artifact")
		default:
			age := time.Since(builtAt)
			if age < maxAge {
				wait = min(wait, maxAge-age)
				break
			}
			c.log.Debug().Str("key", key).Dur("age", age).Msg("Revalidating artifact")
			_, err := c.Regenerate(ctx, routekey.Key(key))
			if errors.Is(err, ErrClosed) {
				return
			}
			if err != nil {
				c.log.Warn().Err(err).Str("key", key).Msg("Could not revalidate, serving stale artifact")
				failed[key] = time.Now().Add(maxAge)
			}
			if ctx.Err() != nil {
				return
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-c.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
