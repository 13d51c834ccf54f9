package regen

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	datasource "github.com/always-cache/regen/pkg/data-source"
	knownpaths "github.com/always-cache/regen/pkg/known-paths"
	renderer "github.com/always-cache/regen/pkg/page-renderer"
	routekey "github.com/always-cache/regen/pkg/route-key"
)

type Kind string

const (
	KindDocument    Kind = "document"
	KindPlaceholder Kind = "placeholder"
	KindError       Kind = "error"
)

// ErrorKind is the machine readable class of a failed request.
type ErrorKind string

const (
	ErrorUpstream  ErrorKind = "upstream"
	ErrorMalformed ErrorKind = "malformed"
	ErrorTimeout   ErrorKind = "timeout"
	ErrorNotFound  ErrorKind = "not-found"
	ErrorInternal  ErrorKind = "internal"
)

// Response is what the dispatcher hands back for a route key.
type Response struct {
	Kind Kind
	// Key is the normalized route key.
	Key     routekey.Key
	Outcome Outcome
	// Artifact is set for KindDocument.
	Artifact *Artifact
	// Shell is set for KindPlaceholder.
	Shell     renderer.Document
	Err       error
	ErrorKind ErrorKind
	// Status is the HTTP status code matching the response.
	Status int
	Shared bool
}

// Dispatcher resolves route keys to responses using a Cache.
type Dispatcher struct {
	cache    *Cache
	registry *knownpaths.Registry
	policy   MissPolicy
	log      zerolog.Logger
}

// NewDispatcher creates a dispatcher applying policy to every miss.
// Keys in registry are admitted even if they are not valid route keys.
func NewDispatcher(c *Cache, registry *knownpaths.Registry, policy MissPolicy, logger zerolog.Logger) *Dispatcher {
	if registry == nil {
		registry = knownpaths.New()
	}
	if policy == "" {
		policy = Block
	}
	return &Dispatcher{
		cache:    c,
		registry: registry,
		policy:   policy,
		log:      logger,
	}
}

// Handle serves key. Keys that are neither known paths nor valid route keys
// are rejected without building anything.
func (d *Dispatcher) Handle(ctx context.Context, key routekey.Key) Response {
	key, err := d.Admit(key)
	if err != nil {
		return errorResponse(key, MissFailed, err)
	}

	res := d.cache.GetOrBuild(ctx, key, d.policy)
	switch res.Outcome {
	case Hit, MissResolved:
		return Response{
			Kind:     KindDocument,
			Key:      key,
			Outcome:  res.Outcome,
			Artifact: res.Artifact,
			Status:   http.StatusOK,
			Shared:   res.Shared,
		}
	case Placeholder:
		return Response{
			Kind:    KindPlaceholder,
			Key:     key,
			Outcome: res.Outcome,
			Shell:   renderer.Placeholder(key),
			Status:  http.StatusAccepted,
		}
	}
	resp := errorResponse(key, res.Outcome, res.Err)
	resp.Shared = res.Shared
	d.log.Debug().Err(res.Err).Str("key", key.String()).Str("kind", string(resp.ErrorKind)).Msg("Could not serve key")
	return resp
}

// Admit returns the normalized form of key, or ErrNotFoundKey if key may not be served.
func (d *Dispatcher) Admit(key routekey.Key) (routekey.Key, error) {
	if d.registry.Contains(key) {
		return key, nil
	}
	parsed, err := routekey.Parse(key.String())
	if err != nil {
		return key, errors.Join(ErrNotFoundKey, err)
	}
	return parsed, nil
}

func errorResponse(key routekey.Key, outcome Outcome, err error) Response {
	kind := ClassifyError(err)
	return Response{
		Kind:      KindError,
		Key:       key,
		Outcome:   outcome,
		Err:       err,
		ErrorKind: kind,
		Status:    statusCode(kind, err),
	}
}

// ClassifyError maps an error returned by the cache to its ErrorKind.
func ClassifyError(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrNotFoundKey):
		return ErrorNotFound
	case errors.Is(err, ErrTimeout):
		return ErrorTimeout
	case errors.Is(err, datasource.ErrMalformedPayload):
		return ErrorMalformed
	case errors.Is(err, datasource.ErrUpstream):
		return ErrorUpstream
	}
	return ErrorInternal
}

func statusCode(kind ErrorKind, err error) int {
	switch kind {
	case ErrorNotFound:
		return http.StatusNotFound
	case ErrorTimeout:
		return http.StatusGatewayTimeout
	case ErrorUpstream:
		if errors.Is(err, datasource.ErrNotFound) {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	case ErrorMalformed:
		return http.StatusBadGateway
	}
	if errors.Is(err, ErrClosed) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
