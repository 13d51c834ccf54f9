// Package regen serves pre-rendered pages from a cache that is extended on demand.
//
// Pages are built at most once per key at a time. The first visitor of a page
// that is not built yet either waits for the build or gets a placeholder while
// the build completes in the background.
package regen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/always-cache/regen/cache"
	renderer "github.com/always-cache/regen/pkg/page-renderer"
	routekey "github.com/always-cache/regen/pkg/route-key"
)

const DefaultBuildTimeout = 30 * time.Second

// MissPolicy decides what a caller gets for a key that is not built yet.
type MissPolicy string

const (
	// Block waits for the build to settle.
	Block MissPolicy = "blocking"
	// PlaceholderThenAsync returns a placeholder at once and builds in the background.
	PlaceholderThenAsync MissPolicy = "placeholder"
)

// ParseMissPolicy validates a policy name. The empty string selects Block.
func ParseMissPolicy(s string) (MissPolicy, error) {
	switch MissPolicy(s) {
	case "":
		return Block, nil
	case Block, PlaceholderThenAsync:
		return MissPolicy(s), nil
	}
	return "", fmt.Errorf("%w: unknown miss policy %q", ErrInvalidConfig, s)
}

type Outcome int

const (
	// Hit means a stored artifact was returned without building.
	Hit Outcome = iota
	// MissResolved means the caller waited for a build that succeeded.
	MissResolved
	// Placeholder means the caller did not wait, the build continues in the background.
	Placeholder
	// MissFailed means the build failed or the caller stopped waiting for it.
	MissFailed
)

func (o Outcome) String() string {
	switch o {
	case Hit:
		return "hit"
	case MissResolved:
		return "miss-resolved"
	case Placeholder:
		return "placeholder"
	case MissFailed:
		return "miss-failed"
	}
	return "unknown"
}

// Result of a GetOrBuild call.
// Artifact is set for Hit and MissResolved, Err for MissFailed.
type Result struct {
	Outcome  Outcome
	Artifact *Artifact
	Err      error
	// Shared reports whether the build outcome was delivered to more than one caller.
	Shared bool
}

type Config struct {
	// Builder produces artifacts. Required.
	Builder Builder
	// Storage for artifacts. A new MemStore is used if nil.
	Store cache.ArtifactStore
	// Upper bound of a single build. DefaultBuildTimeout if zero.
	BuildTimeout time.Duration
	// Upper bound of how long a blocking caller waits for a build.
	// If zero, callers wait until their context is done.
	WaitTimeout time.Duration
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Cache maps route keys to artifacts and runs at most one build per key at a time.
// Builds run on the lifecycle of the cache, never on the context of a caller,
// so a caller giving up does not cancel a build other callers may be waiting for.
type Cache struct {
	store        cache.ArtifactStore
	builder      Builder
	group        singleflight.Group
	buildTimeout time.Duration
	waitTimeout  time.Duration
	log          zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	builds sync.WaitGroup
}

// New creates a cache. The cache must be closed with Close.
func New(config Config) (*Cache, error) {
	if config.Builder == nil {
		return nil, fmt.Errorf("%w: builder is required", ErrInvalidConfig)
	}
	if config.BuildTimeout < 0 || config.WaitTimeout < 0 {
		return nil, fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	store := config.Store
	if store == nil {
		store = cache.NewMemStore()
	}
	buildTimeout := config.BuildTimeout
	if buildTimeout == 0 {
		buildTimeout = DefaultBuildTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		store:        store,
		builder:      config.Builder,
		buildTimeout: buildTimeout,
		waitTimeout:  config.WaitTimeout,
		log:          logger,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// GetOrBuild returns the artifact for key, building it if it is not stored yet.
// Concurrent calls for the same key share one build.
// Under Block the call returns when the build settles, the context is done
// or the wait timeout is reached, whichever comes first.
// Under PlaceholderThenAsync a miss returns at once.
func (c *Cache) GetOrBuild(ctx context.Context, key routekey.Key, policy MissPolicy) Result {
	log := c.log.With().Str("key", key.String()).Logger()

	artifact, ok, err := c.Peek(key)
	if err != nil {
		return Result{Outcome: MissFailed, Err: err}
	}
	if ok {
		log.Trace().Msg("Serving stored artifact")
		return Result{Outcome: Hit, Artifact: artifact}
	}

	ch, err := c.start(key, false)
	if err != nil {
		return Result{Outcome: MissFailed, Err: err}
	}
	if policy == PlaceholderThenAsync {
		log.Trace().Msg("Build started in background, serving placeholder")
		return Result{Outcome: Placeholder}
	}

	log.Trace().Msg("Waiting for build")
	res := c.wait(ctx, ch, c.waitTimeout)
	if res.Outcome == MissFailed && errors.Is(res.Err, ErrTimeout) {
		log.Debug().Err(res.Err).Msg("Stopped waiting for build")
	}
	return res
}

// Peek returns the stored artifact for key without building it.
func (c *Cache) Peek(key routekey.Key) (*Artifact, bool, error) {
	entry, ok, err := c.store.Get(key.String())
	if err != nil || !ok {
		return nil, false, err
	}
	return artifactFromEntry(entry), true, nil
}

// Regenerate rebuilds the artifact for key even if one is stored.
// The stored artifact stays servable until the new one replaces it
// and is kept if the build fails.
// If a build for key is already running, its outcome is returned instead.
func (c *Cache) Regenerate(ctx context.Context, key routekey.Key) (*Artifact, error) {
	ch, err := c.start(key, true)
	if err != nil {
		return nil, err
	}
	res := c.wait(ctx, ch, 0)
	return res.Artifact, res.Err
}

// Invalidate removes the stored artifact for key, so the next access builds it again.
// A build that is running for key is not affected and will store its result.
func (c *Cache) Invalidate(key routekey.Key) error {
	c.log.Debug().Str("key", key.String()).Msg("Invalidating artifact")
	return c.store.Purge(key.String())
}

// Keys calls cb for every stored key.
func (c *Cache) Keys(cb func(routekey.Key)) error {
	return c.store.Keys(func(key string) {
		cb(routekey.Key(key))
	})
}

// Close rejects new builds, cancels running ones and waits for them to return.
// The store is not closed.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.builds.Wait()
}

// start joins the running build for key or starts one.
func (c *Cache) start(key routekey.Key, force bool) (<-chan singleflight.Result, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return c.group.DoChan(key.String(), func() (any, error) {
		return c.build(key, force)
	}), nil
}

func (c *Cache) wait(ctx context.Context, ch <-chan singleflight.Result, timeout time.Duration) Result {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case res := <-ch:
		if res.Err != nil {
			return Result{Outcome: MissFailed, Err: res.Err, Shared: res.Shared}
		}
		return Result{Outcome: MissResolved, Artifact: res.Val.(*Artifact), Shared: res.Shared}
	case <-ctx.Done():
		return Result{Outcome: MissFailed, Err: errors.Join(ErrTimeout, ctx.Err())}
	case <-expired:
		return Result{Outcome: MissFailed, Err: fmt.Errorf("%w after %s", ErrTimeout, timeout)}
	}
}

// build runs inside the single flight of key.
// Nothing is stored unless the build succeeds.
func (c *Cache) build(key routekey.Key, force bool) (artifact *Artifact, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.builds.Add(1)
	c.mu.Unlock()
	defer c.builds.Done()

	log := c.log.With().Str("key", key.String()).Logger()

	// a build for key may have committed between the caller's lookup and this flight
	if !force {
		if stored, ok, err := c.Peek(key); err == nil && ok {
			log.Trace().Msg("Artifact stored by previous build")
			return stored, nil
		}
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.buildTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			artifact, err = nil, fmt.Errorf("build of %q panicked: %v", key, r)
			log.Error().Err(err).Msg("Build panicked")
		}
	}()

	start := time.Now()
	log.Debug().Bool("forced", force).Msg("Building artifact")
	artifact, err = c.builder.Build(ctx, key)
	if err == nil && artifact == nil {
		err = fmt.Errorf("builder returned no artifact for %q", key)
	}
	if err != nil {
		switch {
		case c.ctx.Err() != nil:
			err = errors.Join(ErrClosed, err)
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			err = errors.Join(ErrTimeout, err)
		}
		log.Warn().Err(err).Dur("took", time.Since(start)).Msg("Build failed")
		return nil, err
	}

	if err := c.store.Put(entryFromArtifact(artifact)); err != nil {
		log.Error().Err(err).Msg("Could not store artifact")
		return nil, err
	}
	log.Debug().Dur("took", time.Since(start)).Str("etag", artifact.ETag).Msg("Stored artifact")
	return artifact, nil
}

func entryFromArtifact(a *Artifact) cache.Entry {
	return cache.Entry{
		Key:         a.Key.String(),
		Title:       a.Document.Title,
		ContentType: a.Document.ContentType,
		ETag:        a.ETag,
		BuiltAt:     a.BuiltAt,
		Bytes:       a.Document.Body,
	}
}

func artifactFromEntry(e cache.Entry) *Artifact {
	return &Artifact{
		Key: routekey.Key(e.Key),
		Document: renderer.Document{
			Title:       e.Title,
			ContentType: e.ContentType,
			Body:        e.Bytes,
		},
		BuiltAt: e.BuiltAt,
		ETag:    e.ETag,
	}
}
