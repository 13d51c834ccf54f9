package regen

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	cachestatus "github.com/always-cache/regen/pkg/cache-status"
	renderer "github.com/always-cache/regen/pkg/page-renderer"
	routekey "github.com/always-cache/regen/pkg/route-key"
)

// ErrorHeader carries the ErrorKind of failed responses.
const ErrorHeader = "Regen-Error"

type handler struct {
	dispatcher      *Dispatcher
	cache           *Cache
	warmConcurrency int
	// set while a background RegenerateAll runs
	sweeping atomic.Bool
	log      zerolog.Logger
}

// NewHandler returns the HTTP surface serving pages through the dispatcher.
func NewHandler(d *Dispatcher, warmConcurrency int, logger zerolog.Logger) http.Handler {
	h := &handler{
		dispatcher:      d,
		cache:           d.cache,
		warmConcurrency: warmConcurrency,
		log:             logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(middleware.GetHead)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, routekey.Path(routekey.Index), http.StatusFound)
	})
	r.Get("/posts", func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, routekey.Index)
	})
	r.Get("/posts/{id}", func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, routekey.Key(chi.URLParam(r, "id")))
	})
	r.Post("/.regen/revalidate", h.revalidateAll)
	r.Post("/.regen/revalidate/{id}", h.revalidate)
	return r
}

func (h *handler) serve(w http.ResponseWriter, r *http.Request, key routekey.Key) {
	resp := h.dispatcher.Handle(r.Context(), key)
	cs := cachestatus.CacheStatus{}

	switch resp.Kind {
	case KindDocument:
		if resp.Outcome == Hit {
			cs.Hit()
		} else {
			cs.Forward(cachestatus.FwdUriMiss)
			cs.Stored()
			if resp.Shared {
				cs.Collapsed()
			}
		}
		h.writeArtifact(w, r, resp.Artifact, cs)
	case KindPlaceholder:
		cs.Forward(cachestatus.FwdUriMiss)
		cs.Detail("placeholder")
		w.Header().Set("Retry-After", "1")
		w.Header().Set("Cache-Control", "no-store")
		h.writeDocument(w, resp.Status, resp.Shell, cs)
	default:
		cs.Forward(cachestatus.FwdUriMiss)
		cs.Detail(string(resp.ErrorKind))
		h.writeError(w, resp, cs)
	}
	h.logRequest(r, resp, cs)
}

func (h *handler) writeArtifact(w http.ResponseWriter, r *http.Request, a *Artifact, cs cachestatus.CacheStatus) {
	doc, tag := a.Document, a.ETag
	if wantsMarkdown(r) {
		md, err := renderer.Markdown(doc)
		if err != nil {
			h.log.Error().Err(err).Str("key", a.Key.String()).Msg("Could not convert to markdown")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		doc, tag = md, etag(md.Body)
	}

	header := w.Header()
	header.Set("ETag", tag)
	header.Set("Last-Modified", a.BuiltAt.UTC().Format(http.TimeFormat))
	header.Set("Vary", "Accept")
	if etagMatches(r.Header.Get("If-None-Match"), tag) {
		header.Set(cachestatus.HeaderName, cs.String())
		w.WriteHeader(http.StatusNotModified)
		return
	}
	h.writeDocument(w, http.StatusOK, doc, cs)
}

func (h *handler) writeDocument(w http.ResponseWriter, status int, doc renderer.Document, cs cachestatus.CacheStatus) {
	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set(cachestatus.HeaderName, cs.String())
	w.WriteHeader(status)
	if _, err := w.Write(doc.Body); err != nil {
		h.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

func (h *handler) writeError(w http.ResponseWriter, resp Response, cs cachestatus.CacheStatus) {
	w.Header().Set(ErrorHeader, string(resp.ErrorKind))
	w.Header().Set(cachestatus.HeaderName, cs.String())
	w.Header().Set("Cache-Control", "no-store")
	http.Error(w, errorMessage(resp), resp.Status)
}

func errorMessage(resp Response) string {
	switch resp.ErrorKind {
	case ErrorNotFound:
		return fmt.Sprintf("No page for %q", resp.Key)
	case ErrorInternal:
		return http.StatusText(resp.Status)
	}
	return fmt.Sprintf("Could not build %q: %s", resp.Key, resp.ErrorKind)
}

type revalidated struct {
	Key     string    `json:"key"`
	ETag    string    `json:"etag"`
	BuiltAt time.Time `json:"builtAt"`
}

func (h *handler) revalidate(w http.ResponseWriter, r *http.Request) {
	key, err := h.dispatcher.Admit(routekey.Key(chi.URLParam(r, "id")))
	if err != nil {
		resp := errorResponse(key, MissFailed, err)
		cs := cachestatus.CacheStatus{}
		cs.Forward(cachestatus.FwdUriMiss)
		cs.Detail(string(resp.ErrorKind))
		h.writeError(w, resp, cs)
		return
	}
	cs := cachestatus.CacheStatus{}
	if _, stored, _ := h.cache.Peek(key); stored {
		cs.Forward(cachestatus.FwdStale)
	} else {
		cs.Forward(cachestatus.FwdUriMiss)
	}
	artifact, err := h.cache.Regenerate(r.Context(), key)
	if err != nil {
		h.log.Warn().Err(err).Str("key", key.String()).Msg("Could not revalidate")
		resp := errorResponse(key, MissFailed, err)
		cs.Detail(string(resp.ErrorKind))
		h.writeError(w, resp, cs)
		return
	}
	cs.Stored()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(cachestatus.HeaderName, cs.String())
	err = json.NewEncoder(w).Encode(revalidated{
		Key:     artifact.Key.String(),
		ETag:    artifact.ETag,
		BuiltAt: artifact.BuiltAt,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

func (h *handler) revalidateAll(w http.ResponseWriter, r *http.Request) {
	if !h.sweeping.CompareAndSwap(false, true) {
		h.log.Debug().Msg("Revalidation of stored artifacts already running")
		http.Error(w, "Revalidation already running", http.StatusConflict)
		return
	}
	// the rebuild outlives the request
	ctx := context.WithoutCancel(r.Context())
	go func() {
		defer h.sweeping.Store(false)
		report, err := h.cache.RegenerateAll(ctx, h.warmConcurrency)
		if err != nil {
			h.log.Error().Err(err).Msg("Could not revalidate stored artifacts")
			return
		}
		h.log.Info().Int("ready", len(report.Ready)).Int("failed", len(report.Failed)).Msg("Revalidated stored artifacts")
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.log.Error().
					Interface("panic", rec).
					Str("method", r.Method).
					Str("url", r.URL.String()).
					Msg("Recovered from panic")
				w.Header().Set(ErrorHeader, string(ErrorInternal))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *handler) logRequest(r *http.Request, resp Response, cs cachestatus.CacheStatus) {
	isHit := 0
	if resp.Outcome == Hit {
		isHit = 1
	}
	h.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", r.RemoteAddr).
		Str("requestId", middleware.GetReqID(r.Context())).
		Str("key", resp.Key.String()).
		Str("outcome", resp.Outcome.String()).
		Str("cacheStatus", cs.String()).
		Int("status", resp.Status).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func wantsMarkdown(r *http.Request) bool {
	if r.URL.Query().Get("format") == "markdown" {
		return true
	}
	for _, accept := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType, _, _ := strings.Cut(accept, ";")
		if strings.TrimSpace(mediaType) == "text/markdown" {
			return true
		}
	}
	return false
}

func etagMatches(ifNoneMatch, tag string) bool {
	if ifNoneMatch == "" {
		return false
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == tag {
			return true
		}
	}
	return false
}
