package regen

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.trai.ch/zerr"

	"github.com/always-cache/regen/cache"
	datasource "github.com/always-cache/regen/pkg/data-source"
	knownpaths "github.com/always-cache/regen/pkg/known-paths"
)

const shutdownTimeout = 10 * time.Second

// Server wires the cache, its collaborators and the HTTP surface from a FileConfig.
type Server struct {
	Cache      *Cache
	Dispatcher *Dispatcher
	Registry   *knownpaths.Registry
	Client     *datasource.Client

	config  FileConfig
	store   cache.ArtifactStore
	handler http.Handler
	log     zerolog.Logger
}

// NewServer validates config and assembles a server.
// The known paths are computed here, once. Failing to enumerate the
// upstream is logged and does not fail the server.
func NewServer(ctx context.Context, config FileConfig, logger zerolog.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	policy, _ := ParseMissPolicy(config.MissPolicy)
	mode, _ := knownpaths.ParseMode(config.Prebuild)

	opts := config.upstreamOptions()
	opts.Logger = &logger
	client, err := datasource.New(opts)
	if err != nil {
		return nil, err
	}

	store, err := openStore(config.Store)
	if err != nil {
		return nil, err
	}

	c, err := New(Config{
		Builder:      NewPageBuilder(client, nil),
		Store:        store,
		BuildTimeout: config.BuildTimeout,
		WaitTimeout:  config.WaitTimeout,
		Logger:       &logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	registry, err := knownpaths.Load(ctx, knownpaths.Config{Mode: mode, Paths: config.KnownPaths}, client.IDs, logger)
	if err != nil {
		c.Close()
		store.Close()
		return nil, err
	}
	logger.Info().Int("knownPaths", registry.Len()).Str("missPolicy", string(policy)).Msg("Loaded known paths")

	dispatcher := NewDispatcher(c, registry, policy, logger)
	return &Server{
		Cache:      c,
		Dispatcher: dispatcher,
		Registry:   registry,
		Client:     client,
		config:     config,
		store:      store,
		handler:    NewHandler(dispatcher, config.WarmConcurrency, logger),
		log:        logger,
	}, nil
}

func openStore(config StoreConfig) (cache.ArtifactStore, error) {
	if config.Driver == StoreSQLite {
		store, err := cache.NewSQLiteStore(config.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return cache.NewMemStore(), nil
}

// Handler returns the HTTP surface of the server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Warm pre-builds the known paths.
func (s *Server) Warm(ctx context.Context) WarmReport {
	return s.Cache.Warm(ctx, s.Registry.List(), s.config.WarmConcurrency)
}

// ListenAndServe pre-builds the known paths in the background and serves HTTP
// until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.Warm(ctx)
	if s.config.Revalidate > 0 {
		go s.Cache.Revalidate(ctx, s.config.Revalidate)
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Msgf("Serving %s on %s", s.config.Origin, s.config.Listen)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return zerr.Wrap(err, "server failed")
	case <-ctx.Done():
	}

	s.log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return zerr.Wrap(err, "could not shut down server")
	}
	return nil
}

// Close stops running builds and closes the store.
func (s *Server) Close() error {
	s.Cache.Close()
	return s.store.Close()
}
