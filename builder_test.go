package regen

import (
	"context"
	"errors"
	"strings"
	"testing"

	datasource "github.com/always-cache/regen/pkg/data-source"
	renderer "github.com/always-cache/regen/pkg/page-renderer"
	routekey "github.com/always-cache/regen/pkg/route-key"
)

type fakeSource struct {
	posts []datasource.Post
	err   error
	gets  []int
	lists int
}

func (s *fakeSource) List(ctx context.Context) ([]datasource.Post, error) {
	s.lists++
	return s.posts, s.err
}

func (s *fakeSource) Get(ctx context.Context, id int) (datasource.Post, error) {
	s.gets = append(s.gets, id)
	if s.err != nil {
		return datasource.Post{}, s.err
	}
	for _, p := range s.posts {
		if p.ID == id {
			return p, nil
		}
	}
	return datasource.Post{}, datasource.ErrNotFound
}

func TestPageBuilderBuildsDetailPage(t *testing.T) {
	source := &fakeSource{posts: []datasource.Post{{UserID: 1, ID: 57, Title: "sit amet", Body: "lorem"}}}
	a, err := NewPageBuilder(source, nil).Build(context.Background(), "57")
	if err != nil {
		t.Fatal(err)
	}
	if len(source.gets) != 1 || source.gets[0] != 57 || source.lists != 0 {
		t.Fatalf("Source calls: gets %v, lists %d", source.gets, source.lists)
	}
	if a.Key != "57" || a.BuiltAt.IsZero() || a.ETag != etag(a.Document.Body) {
		t.Fatalf("Artifact is %+v", a)
	}
	if !strings.Contains(string(a.Document.Body), "sit amet") {
		t.Fatalf("Body is %s", a.Document.Body)
	}
}

func TestPageBuilderBuildsIndex(t *testing.T) {
	source := &fakeSource{posts: []datasource.Post{{ID: 1, Title: "a"}, {ID: 2, Title: "b"}}}
	a, err := NewPageBuilder(source, renderer.HTML{}).Build(context.Background(), routekey.Index)
	if err != nil {
		t.Fatal(err)
	}
	if source.lists != 1 || len(source.gets) != 0 {
		t.Fatalf("Source calls: gets %v, lists %d", source.gets, source.lists)
	}
	if !strings.Contains(string(a.Document.Body), `href="/posts/2"`) {
		t.Fatalf("Body is %s", a.Document.Body)
	}
}

func TestPageBuilderPassesErrorsThrough(t *testing.T) {
	source := &fakeSource{err: datasource.ErrUpstream}
	if _, err := NewPageBuilder(source, nil).Build(context.Background(), "1"); !errors.Is(err, datasource.ErrUpstream) {
		t.Fatalf("Error is %v", err)
	}
	if len(source.gets) != 1 {
		t.Fatalf("Source called %d times", len(source.gets))
	}
}

func TestPageBuilderRejectsUnknownKeys(t *testing.T) {
	source := &fakeSource{}
	if _, err := NewPageBuilder(source, nil).Build(context.Background(), "about"); !errors.Is(err, ErrNotFoundKey) {
		t.Fatalf("Error is %v", err)
	}
	if len(source.gets) != 0 || source.lists != 0 {
		t.Fatal("Source was called for an unknown key")
	}
}

func TestBuilderFunc(t *testing.T) {
	var b Builder = BuilderFunc(func(ctx context.Context, key routekey.Key) (*Artifact, error) {
		return artifact(key, "x"), nil
	})
	a, err := b.Build(context.Background(), "1")
	if err != nil || string(a.Document.Body) != "x" {
		t.Fatalf("Artifact is %+v (%v)", a, err)
	}
}

func TestETagDependsOnBody(t *testing.T) {
	if etag([]byte("a")) == etag([]byte("b")) {
		t.Fatal("Different bodies have the same etag")
	}
	if tag := etag([]byte("a")); !strings.HasPrefix(tag, `"`) || !strings.HasSuffix(tag, `"`) || len(tag) != 18 {
		t.Fatalf("Etag is %s", tag)
	}
}
