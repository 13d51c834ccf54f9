package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func posts(n int) []Post {
	out := make([]Post, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, Post{UserID: (i-1)/10 + 1, ID: i, Title: fmt.Sprintf("title %d", i), Body: fmt.Sprintf("body %d", i)})
	}
	return out
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	logger := zerolog.Nop()
	c, err := New(Options{BaseURL: server.URL, RetryDelay: time.Millisecond, Logger: &logger})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestListReturnsAllPosts(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/posts" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(posts(100))
	}))

	list, err := c.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 100 {
		t.Fatalf("Got %d posts", len(list))
	}
	for i, p := range list {
		if p.ID != i+1 {
			t.Fatalf("Post %d has id %d", i, p.ID)
		}
	}
}

func TestGetDecodesPost(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"userId": 6, "id": 57, "title": "sit", "body": "amet"}`))
	}))

	post, err := c.Get(context.Background(), 57)
	if err != nil {
		t.Fatal(err)
	}
	if post != (Post{UserID: 6, ID: 57, Title: "sit", Body: "amet"}) {
		t.Fatalf("Post is %+v", post)
	}
}

func TestGetUnknownIdIsUpstreamNotFound(t *testing.T) {
	for name, handler := range map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{}`))
		},
		"empty object": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		},
	} {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, handler)
			_, err := c.Get(context.Background(), 999999)
			if !errors.Is(err, ErrUpstream) || !errors.Is(err, ErrNotFound) {
				t.Fatalf("Error is %v", err)
			}
			var statusErr *StatusError
			if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
				t.Fatalf("Status error is %+v", statusErr)
			}
		})
	}
}

func TestMalformedPayloadIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"id": "not a number"`))
	}))

	_, err := c.Get(context.Background(), 1)
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("Error is %v", err)
	}
	if errors.Is(err, ErrUpstream) {
		t.Fatal("Malformed payload must not be reported as upstream failure")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("Upstream called %d times", n)
	}
}

func TestServerErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"userId": 1, "id": 2, "title": "t", "body": "b"}`))
	}))

	post, err := c.Get(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if post.ID != 2 {
		t.Fatalf("Post is %+v", post)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("Upstream called %d times", n)
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := c.List(context.Background())
	if !errors.Is(err, ErrUpstream) || errors.Is(err, ErrNotFound) {
		t.Fatalf("Error is %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("Upstream called %d times", n)
	}
}

func TestRetriesGiveUp(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.Get(context.Background(), 1)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("Error is %v", err)
	}
	if n := calls.Load(); n != DefaultRetries+1 {
		t.Fatalf("Upstream called %d times", n)
	}
}

func TestNewRejectsUnsupportedScheme(t *testing.T) {
	if _, err := New(Options{BaseURL: "ftp://example.com"}); err == nil {
		t.Fatal("Expected error")
	}
}

func TestIDs(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(posts(3))
	}))
	ids, err := c.IDs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := fmt.Sprint(ids); got != "[1 2 3]" {
		t.Fatalf("Ids are %s", got)
	}
	if !strings.HasPrefix(c.url("/posts"), "http://") {
		t.Fatalf("Url is %s", c.url("/posts"))
	}
}

func TestLinearBackOff(t *testing.T) {
	b := &linearBackOff{unit: 10 * time.Millisecond}
	for i, want := range []time.Duration{10, 20, 30} {
		if got := b.NextBackOff(); got != want*time.Millisecond {
			t.Fatalf("Delay %d is %s", i, got)
		}
	}
	b.Reset()
	if got := b.NextBackOff(); got != 10*time.Millisecond {
		t.Fatalf("Delay after reset is %s", got)
	}
}

func TestCancelWhileWaitingForRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)
	logger := zerolog.Nop()
	c, err := New(Options{BaseURL: server.URL, Retries: 5, RetryDelay: time.Hour, Logger: &logger})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for calls.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	_, err = c.Get(ctx, 1)
	if !errors.Is(err, ErrUpstream) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Error is %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("Upstream called %d times", n)
	}
}
