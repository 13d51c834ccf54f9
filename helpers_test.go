package regen

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	datasource "github.com/always-cache/regen/pkg/data-source"
	renderer "github.com/always-cache/regen/pkg/page-renderer"
	routekey "github.com/always-cache/regen/pkg/route-key"
)

func artifact(key routekey.Key, body string) *Artifact {
	return NewArtifact(key, renderer.Document{
		Title:       body,
		ContentType: renderer.ContentTypeHTML,
		Body:        []byte(body),
	}, time.Now())
}

// countingBuilder counts builds and optionally holds them until released.
type countingBuilder struct {
	calls atomic.Int32
	gate  chan struct{}
	build func(ctx context.Context, key routekey.Key, n int32) (*Artifact, error)
}

func newCountingBuilder(gated bool) *countingBuilder {
	b := &countingBuilder{}
	if gated {
		b.gate = make(chan struct{})
	}
	return b
}

func (b *countingBuilder) Build(ctx context.Context, key routekey.Key) (*Artifact, error) {
	n := b.calls.Add(1)
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.build != nil {
		return b.build(ctx, key, n)
	}
	return artifact(key, fmt.Sprintf("%s build %d", key, n)), nil
}

func (b *countingBuilder) release() {
	close(b.gate)
}

func newTestCache(t *testing.T, config Config) *Cache {
	t.Helper()
	logger := zerolog.Nop()
	config.Logger = &logger
	c, err := New(config)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// upstream is a fixture of the posts resource holding ids 1..n.
type upstream struct {
	*httptest.Server
	mu    sync.Mutex
	hits  map[string]int
	fail  atomic.Bool
	delay time.Duration
}

func newUpstream(t *testing.T, n int) *upstream {
	t.Helper()
	u := &upstream{hits: make(map[string]int)}
	posts := make([]datasource.Post, 0, n)
	for i := 1; i <= n; i++ {
		posts = append(posts, datasource.Post{
			UserID: (i-1)/10 + 1,
			ID:     i,
			Title:  fmt.Sprintf("title %d", i),
			Body:   fmt.Sprintf("body %d", i),
		})
	}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.hits[r.URL.Path]++
		u.mu.Unlock()
		if u.delay > 0 {
			time.Sleep(u.delay)
		}
		if u.fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path == "/posts" {
			json.NewEncoder(w).Encode(posts)
			return
		}
		var id int
		if _, err := fmt.Sscanf(strings.TrimPrefix(r.URL.Path, "/posts/"), "%d", &id); err != nil || id < 1 || id > n {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("{}"))
			return
		}
		json.NewEncoder(w).Encode(posts[id-1])
	}))
	t.Cleanup(u.Server.Close)
	return u
}

func (u *upstream) Hits(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[path]
}

func (u *upstream) client(t *testing.T) *datasource.Client {
	t.Helper()
	logger := zerolog.Nop()
	c, err := datasource.New(datasource.Options{BaseURL: u.URL, Retries: -1, Logger: &logger})
	if err != nil {
		t.Fatal(err)
	}
	return c
}
