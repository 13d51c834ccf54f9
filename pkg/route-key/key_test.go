package routekey

import (
	"errors"
	"testing"
)

func TestParseNormalizesIds(t *testing.T) {
	for raw, want := range map[string]Key{
		"1":     "1",
		"057":   "57",
		" 42 ":  "42",
		"index": Index,
	} {
		key, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q): %s", raw, err)
		}
		if key != want {
			t.Fatalf("Parse(%q) is %q, expected %q", raw, key, want)
		}
	}
}

func TestParseRejectsInvalidKeys(t *testing.T) {
	for _, raw := range []string{"0", "-1", "abc", "1.5", "99999999999999999999", "../etc"} {
		if _, err := Parse(raw); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Parse(%q) error is %v", raw, err)
		}
	}
	if _, err := Parse("  "); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("Parse of blank key error is %v", err)
	}
}

func TestID(t *testing.T) {
	if id, ok := Key("57").ID(); !ok || id != 57 {
		t.Fatalf("ID is %d (%v)", id, ok)
	}
	if _, ok := Index.ID(); ok {
		t.Fatal("Index key must not have an id")
	}
}

func TestPathRoundTrip(t *testing.T) {
	for _, key := range []Key{Index, "1", "100"} {
		got, err := FromPath(Path(key))
		if err != nil {
			t.Fatalf("%s: %s", key, err)
		}
		if got != key {
			t.Fatalf("Key from path %s is %s", Path(key), got)
		}
	}
	if _, err := FromPath("/users/1"); err == nil {
		t.Fatal("Expected error for path outside the collection")
	}
	if _, err := FromPath("/posts/1/comments"); err == nil {
		t.Fatal("Expected error for nested path")
	}
}
