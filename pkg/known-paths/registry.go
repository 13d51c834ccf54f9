// Package knownpaths holds the set of route keys that are built eagerly at startup.
package knownpaths

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.trai.ch/zerr"

	routekey "github.com/always-cache/regen/pkg/route-key"
)

// Mode selects how the registry is populated.
type Mode string

const (
	// ModeList pre-builds the configured paths.
	ModeList Mode = "list"
	// ModeAll pre-builds the index and every enumerated id.
	ModeAll Mode = "all"
	// ModeNone pre-builds nothing, every page is built on first access.
	ModeNone Mode = "none"
)

var ErrUnknownMode = zerr.New("unknown prebuild mode")

// ParseMode validates a mode name. The empty string selects ModeList.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeList, nil
	case ModeList, ModeAll, ModeNone:
		return Mode(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

type Config struct {
	Mode Mode
	// Paths are the route keys pre-built in ModeList.
	Paths []string
}

// Enumerator lists the ids known to the upstream.
type Enumerator func(ctx context.Context) ([]int, error)

// Registry is an ordered set of route keys. It is read-only once created.
type Registry struct {
	keys []routekey.Key
	set  map[routekey.Key]struct{}
}

// New creates a registry of the given keys, dropping duplicates.
// Keys are used as given, so custom builders may register keys outside the id space.
func New(keys ...routekey.Key) *Registry {
	r := &Registry{set: make(map[routekey.Key]struct{}, len(keys))}
	for _, key := range keys {
		if _, ok := r.set[key]; ok {
			continue
		}
		r.set[key] = struct{}{}
		r.keys = append(r.keys, key)
	}
	return r
}

// Load computes the registry once, calling enumerate at most once.
// Enumeration failures are logged and only shrink or skip validation of the set.
func Load(ctx context.Context, cfg Config, enumerate Enumerator, logger zerolog.Logger) (*Registry, error) {
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}
	log := logger.With().Str("prebuild", string(mode)).Logger()

	switch mode {
	case ModeNone:
		return New(), nil

	case ModeAll:
		keys := []routekey.Key{routekey.Index}
		ids, err := enumerate(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Could not enumerate upstream ids, pre-building the index only")
			return New(keys...), nil
		}
		for _, id := range ids {
			keys = append(keys, routekey.FromID(id))
		}
		return New(keys...), nil
	}

	keys := make([]routekey.Key, 0, len(cfg.Paths))
	for _, raw := range cfg.Paths {
		key, err := parsePath(raw)
		if err != nil {
			log.Warn().Err(err).Str("path", raw).Msg("Ignoring invalid known path")
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return New(), nil
	}

	ids, err := enumerate(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Could not enumerate upstream ids, known paths are not validated")
		return New(keys...), nil
	}
	known := make(map[routekey.Key]struct{}, len(ids))
	for _, id := range ids {
		known[routekey.FromID(id)] = struct{}{}
	}
	valid := keys[:0]
	for _, key := range keys {
		if _, ok := known[key]; !ok && !key.IsIndex() {
			log.Warn().Str("key", key.String()).Msg("Known path does not exist upstream, skipping")
			continue
		}
		valid = append(valid, key)
	}
	return New(valid...), nil
}

// parsePath accepts a route key or the URL path it is served under.
func parsePath(raw string) (routekey.Key, error) {
	if strings.HasPrefix(raw, "/") {
		return routekey.FromPath(raw)
	}
	return routekey.Parse(raw)
}

// List returns the keys in registration order.
func (r *Registry) List() []routekey.Key {
	return append([]routekey.Key(nil), r.keys...)
}

func (r *Registry) Contains(key routekey.Key) bool {
	_, ok := r.set[key]
	return ok
}

func (r *Registry) Len() int {
	return len(r.keys)
}
