package knownpaths

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	routekey "github.com/always-cache/regen/pkg/route-key"
)

func ids(n int) Enumerator {
	return func(ctx context.Context) ([]int, error) {
		out := make([]int, 0, n)
		for i := 1; i <= n; i++ {
			out = append(out, i)
		}
		return out, nil
	}
}

func failing(calls *int) Enumerator {
	return func(ctx context.Context) ([]int, error) {
		*calls++
		return nil, errors.New("connection refused")
	}
}

func load(t *testing.T, cfg Config, enumerate Enumerator) *Registry {
	t.Helper()
	r, err := Load(context.Background(), cfg, enumerate, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestListMode(t *testing.T) {
	r := load(t, Config{Mode: ModeList, Paths: []string{"index", "1", "01", "abc", "500"}}, ids(100))
	if got := fmt.Sprint(r.List()); got != "[index 1]" {
		t.Fatalf("Keys are %s", got)
	}
	if !r.Contains("1") || r.Contains("2") {
		t.Fatal("Contains reports wrong keys")
	}
}

func TestListModeAcceptsUrlPaths(t *testing.T) {
	r := load(t, Config{Paths: []string{"/posts", "/posts/7", "/users/1", "7"}}, ids(10))
	if got := fmt.Sprint(r.List()); got != "[index 7]" {
		t.Fatalf("Keys are %s", got)
	}
}

func TestListModeWithoutEnumeration(t *testing.T) {
	calls := 0
	r := load(t, Config{Paths: []string{"1", "500"}}, failing(&calls))
	if got := fmt.Sprint(r.List()); got != "[1 500]" {
		t.Fatalf("Keys are %s", got)
	}
	if calls != 1 {
		t.Fatalf("Enumerated %d times", calls)
	}
}

func TestAllMode(t *testing.T) {
	r := load(t, Config{Mode: ModeAll}, ids(100))
	if r.Len() != 101 {
		t.Fatalf("Registry has %d keys", r.Len())
	}
	if r.List()[0] != routekey.Index || r.List()[100] != "100" {
		t.Fatalf("Keys are %v", r.List())
	}
}

func TestAllModeEnumerationFailure(t *testing.T) {
	calls := 0
	r := load(t, Config{Mode: ModeAll}, failing(&calls))
	if got := fmt.Sprint(r.List()); got != "[index]" {
		t.Fatalf("Keys are %s", got)
	}
}

func TestNoneMode(t *testing.T) {
	calls := 0
	r := load(t, Config{Mode: ModeNone, Paths: []string{"1"}}, failing(&calls))
	if r.Len() != 0 || calls != 0 {
		t.Fatalf("Registry has %d keys after %d enumerations", r.Len(), calls)
	}
}

func TestUnknownMode(t *testing.T) {
	_, err := Load(context.Background(), Config{Mode: "some"}, ids(1), zerolog.Nop())
	if !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("Error is %v", err)
	}
}

func TestListReturnsCopy(t *testing.T) {
	r := New("1", "2", "1")
	keys := r.List()
	keys[0] = "x"
	if got := fmt.Sprint(r.List()); got != "[1 2]" {
		t.Fatalf("Keys are %s", got)
	}
}
