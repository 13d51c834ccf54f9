package regen

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"

	datasource "github.com/always-cache/regen/pkg/data-source"
	knownpaths "github.com/always-cache/regen/pkg/known-paths"
	routekey "github.com/always-cache/regen/pkg/route-key"
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// FileConfig is the configuration of a server, as read from a YAML file.
type FileConfig struct {
	Listen          string         `yaml:"listen"`
	Origin          string         `yaml:"origin"`
	MissPolicy      string         `yaml:"missPolicy"`
	Prebuild        string         `yaml:"prebuild"`
	KnownPaths      []string       `yaml:"knownPaths"`
	Revalidate      time.Duration  `yaml:"revalidate"`
	BuildTimeout    time.Duration  `yaml:"buildTimeout"`
	WaitTimeout     time.Duration  `yaml:"waitTimeout"`
	WarmConcurrency int            `yaml:"warmConcurrency"`
	Store           StoreConfig    `yaml:"store"`
	Upstream        UpstreamConfig `yaml:"upstream"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	// DSN of the SQLite db. A private in-memory db is used if empty.
	DSN string `yaml:"dsn"`
}

type UpstreamConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// Retries of a failed request. Zero disables retries.
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retryDelay"`
}

// DefaultConfig returns the configuration used for every key missing from the file.
func DefaultConfig() FileConfig {
	return FileConfig{
		Listen:          ":8080",
		Origin:          datasource.DefaultBaseURL,
		MissPolicy:      string(Block),
		Prebuild:        string(knownpaths.ModeList),
		KnownPaths:      []string{routekey.Index.String(), "1"},
		BuildTimeout:    DefaultBuildTimeout,
		WarmConcurrency: DefaultWarmConcurrency,
		Store: StoreConfig{
			Driver: StoreMemory,
		},
		Upstream: UpstreamConfig{
			Timeout:    datasource.DefaultTimeout,
			Retries:    datasource.DefaultRetries,
			RetryDelay: datasource.DefaultRetryDelay,
		},
	}
}

// LoadConfig reads the YAML file at filename on top of the defaults.
// An empty filename returns the defaults.
func LoadConfig(filename string) (FileConfig, error) {
	if filename == "" {
		return DefaultConfig(), nil
	}
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return FileConfig{}, zerr.With(zerr.Wrap(err, "could not read config"), "file", filename)
	}
	return ParseConfig(configBytes)
}

// ParseConfig decodes YAML on top of the defaults and validates the result.
// Unknown keys are rejected.
func ParseConfig(configBytes []byte) (FileConfig, error) {
	config := DefaultConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(configBytes))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return FileConfig{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return config, config.Validate()
}

// Validate reports every invalid value, wrapped in ErrInvalidConfig.
func (c FileConfig) Validate() error {
	var errs []error
	if _, err := ParseMissPolicy(c.MissPolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := knownpaths.ParseMode(c.Prebuild); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}
	if u, err := url.Parse(c.Origin); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("%w: origin %q is not an http(s) url", ErrInvalidConfig, c.Origin))
	}
	if c.Store.Driver != StoreMemory && c.Store.Driver != StoreSQLite {
		errs = append(errs, fmt.Errorf("%w: unknown store driver %q", ErrInvalidConfig, c.Store.Driver))
	}
	for name, d := range map[string]time.Duration{
		"revalidate":          c.Revalidate,
		"buildTimeout":        c.BuildTimeout,
		"waitTimeout":         c.WaitTimeout,
		"upstream.timeout":    c.Upstream.Timeout,
		"upstream.retryDelay": c.Upstream.RetryDelay,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, name))
		}
	}
	if c.WarmConcurrency < 0 || c.Upstream.Retries < 0 {
		errs = append(errs, fmt.Errorf("%w: warmConcurrency and upstream.retries must not be negative", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}

func (c FileConfig) upstreamOptions() datasource.Options {
	retries := c.Upstream.Retries
	if retries == 0 {
		retries = -1
	}
	return datasource.Options{
		BaseURL:    c.Origin,
		Timeout:    c.Upstream.Timeout,
		Retries:    retries,
		RetryDelay: c.Upstream.RetryDelay,
	}
}
