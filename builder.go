package regen

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	datasource "github.com/always-cache/regen/pkg/data-source"
	renderer "github.com/always-cache/regen/pkg/page-renderer"
	routekey "github.com/always-cache/regen/pkg/route-key"
)

const tracerName = "github.com/always-cache/regen"

// Artifact is a built document. It is never modified once created,
// regeneration replaces it with a new one.
type Artifact struct {
	Key      routekey.Key
	Document renderer.Document
	BuiltAt  time.Time
	// ETag is the quoted xxhash64 digest of the document body.
	ETag string
}

// NewArtifact wraps a rendered document.
func NewArtifact(key routekey.Key, doc renderer.Document, builtAt time.Time) *Artifact {
	return &Artifact{
		Key:      key,
		Document: doc,
		BuiltAt:  builtAt,
		ETag:     etag(doc.Body),
	}
}

func etag(body []byte) string {
	return fmt.Sprintf(`"%016x"`, xxhash.Sum64(body))
}

// Builder produces the artifact of a route key.
// Builders never touch the cache.
type Builder interface {
	Build(ctx context.Context, key routekey.Key) (*Artifact, error)
}

// BuilderFunc adapts a function to the Builder interface.
type BuilderFunc func(ctx context.Context, key routekey.Key) (*Artifact, error)

func (f BuilderFunc) Build(ctx context.Context, key routekey.Key) (*Artifact, error) {
	return f(ctx, key)
}

// Source provides the records pages are built from.
// It is implemented by *datasource.Client.
type Source interface {
	List(ctx context.Context) ([]datasource.Post, error)
	Get(ctx context.Context, id int) (datasource.Post, error)
}

var _ Source = (*datasource.Client)(nil)

// PageBuilder builds the list page for the index key and a detail page for id keys.
type PageBuilder struct {
	source   Source
	renderer renderer.Renderer
	tracer   trace.Tracer
	now      func() time.Time
}

var _ Builder = (*PageBuilder)(nil)

// NewPageBuilder creates a builder. The HTML renderer is used if r is nil.
func NewPageBuilder(source Source, r renderer.Renderer) *PageBuilder {
	if r == nil {
		r = renderer.HTML{}
	}
	return &PageBuilder{
		source:   source,
		renderer: r,
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
}

func (b *PageBuilder) Build(ctx context.Context, key routekey.Key) (*Artifact, error) {
	ctx, span := b.tracer.Start(ctx, "regen.build", trace.WithAttributes(attribute.String("regen.key", key.String())))
	defer span.End()

	doc, err := b.render(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("regen.bytes", len(doc.Body)))
	return NewArtifact(key, doc, b.now()), nil
}

func (b *PageBuilder) render(ctx context.Context, key routekey.Key) (renderer.Document, error) {
	if key.IsIndex() {
		posts, err := b.source.List(ctx)
		if err != nil {
			return renderer.Document{}, err
		}
		return b.renderer.RenderList(posts)
	}
	id, ok := key.ID()
	if !ok {
		return renderer.Document{}, fmt.Errorf("%w: %q", ErrNotFoundKey, key)
	}
	post, err := b.source.Get(ctx, id)
	if err != nil {
		return renderer.Document{}, err
	}
	return b.renderer.RenderPost(post)
}
