package routekey

import (
	"fmt"
	"strconv"
	"strings"

	"go.trai.ch/zerr"
)

// Index is the reserved key of the list page.
const Index Key = "index"

const (
	collectionPath = "/posts"
	pathSeparator  = "/"
)

var (
	ErrEmptyKey   = zerr.New("empty route key")
	ErrInvalidKey = zerr.New("route key is neither the index nor a positive id")
)

// Key identifies one renderable unit of content, e.g. a post id.
// Keys are compared as strings, so they should be normalized with Parse first.
type Key string

func (k Key) String() string {
	return string(k)
}

// IsIndex reports whether the key refers to the list page.
func (k Key) IsIndex() bool {
	return k == Index
}

// ID returns the numeric item id of the key.
// It returns false for the index key and for keys that are not ids.
func (k Key) ID() (int, bool) {
	if k.IsIndex() {
		return 0, false
	}
	id, err := strconv.Atoi(string(k))
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Parse normalizes raw into a Key.
// Ids are returned in canonical decimal form, so "057" and "57" yield the same key.
// Anything that is neither the index key nor a positive id is rejected with ErrInvalidKey.
func Parse(raw string) (Key, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmptyKey
	}
	if Key(raw) == Index {
		return Index, nil
	}
	id, err := strconv.ParseUint(raw, 10, 31)
	if err != nil || id == 0 {
		return Key(raw), fmt.Errorf("%w: %q", ErrInvalidKey, raw)
	}
	return FromID(int(id)), nil
}

// FromID returns the key for an item id.
func FromID(id int) Key {
	return Key(strconv.Itoa(id))
}

// Path returns the public URL path under which the key is served.
func Path(k Key) string {
	if k.IsIndex() {
		return collectionPath
	}
	return collectionPath + pathSeparator + string(k)
}

// FromPath is the inverse of Path.
// It returns an error if the path is not below the collection path.
func FromPath(path string) (Key, error) {
	if path == collectionPath || path == collectionPath+pathSeparator {
		return Index, nil
	}
	rest, found := strings.CutPrefix(path, collectionPath+pathSeparator)
	if !found || strings.Contains(rest, pathSeparator) {
		return "", fmt.Errorf("%w: path %q", ErrInvalidKey, path)
	}
	return Parse(rest)
}
