// Package datasource fetches list and item payloads from the upstream REST resource.
package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.trai.ch/zerr"
)

const (
	DefaultBaseURL    = "https://jsonplaceholder.typicode.com"
	DefaultTimeout    = 10 * time.Second
	DefaultRetries    = 2
	DefaultRetryDelay = 200 * time.Millisecond

	listPath = "/posts"
	// upper bound of accepted payloads, the full list is roughly 30KB
	maxBodySize = 4 << 20
)

var (
	// ErrUpstream is returned for network failures and non-2xx responses.
	ErrUpstream = zerr.New("upstream request failed")
	// ErrNotFound is returned when the upstream does not know the requested id.
	// Errors carrying it also match ErrUpstream.
	ErrNotFound = zerr.New("upstream item not found")
	// ErrMalformedPayload is returned when the payload does not match the expected shape.
	ErrMalformedPayload = zerr.New("malformed upstream payload")
)

// Post is one record of the upstream resource.
type Post struct {
	UserID int    `json:"userId"`
	ID     int    `json:"id"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s responded with status %d", e.URL, e.StatusCode)
}

// Options configures a Client. Zero values are replaced by defaults.
type Options struct {
	// Base URL of the upstream, without trailing slash.
	BaseURL string
	// Timeout of a single HTTP attempt.
	Timeout time.Duration
	// Retries is the number of additional attempts for retryable failures.
	// Use a negative value to disable retries.
	Retries int
	// RetryDelay is the backoff unit; attempt n waits n*RetryDelay.
	RetryDelay time.Duration
	// HTTPClient overrides the client used for requests.
	HTTPClient *http.Client
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Client performs the network calls to the upstream.
// It is safe for concurrent use.
type Client struct {
	baseURL    *url.URL
	http       *http.Client
	retries    int
	retryDelay time.Duration
	log        zerolog.Logger
}

// New creates a Client for the configured upstream.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, zerr.Wrap(err, "invalid upstream base url")
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, zerr.With(zerr.New("upstream base url must be http or https"), "url", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries == 0 {
		opts.Retries = DefaultRetries
	} else if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	var logger zerolog.Logger
	if opts.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *opts.Logger
	}
	return &Client{
		baseURL:    baseURL,
		http:       httpClient,
		retries:    opts.Retries,
		retryDelay: opts.RetryDelay,
		log:        logger.With().Str("upstream", baseURL.String()).Logger(),
	}, nil
}

// List fetches every post, in upstream order.
func (c *Client) List(ctx context.Context) ([]Post, error) {
	var posts []Post
	if err := c.getJSON(ctx, listPath, &posts); err != nil {
		return nil, err
	}
	for i, p := range posts {
		if p.ID <= 0 {
			return nil, fmt.Errorf("%w: list entry %d has no id", ErrMalformedPayload, i)
		}
	}
	return posts, nil
}

// IDs enumerates the ids of all posts, in upstream order.
func (c *Client) IDs(ctx context.Context) ([]int, error) {
	posts, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(posts))
	for _, p := range posts {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// Get fetches a single post.
// Unknown ids yield an error matching both ErrNotFound and ErrUpstream.
func (c *Client) Get(ctx context.Context, id int) (Post, error) {
	var post Post
	path := listPath + "/" + strconv.Itoa(id)
	if err := c.getJSON(ctx, path, &post); err != nil {
		return Post{}, err
	}
	// the upstream answers some unknown ids with an empty object
	if post.ID == 0 {
		return Post{}, errors.Join(ErrUpstream, ErrNotFound, &StatusError{URL: c.url(path), StatusCode: http.StatusNotFound})
	}
	if post.ID != id {
		return Post{}, fmt.Errorf("%w: requested id %d, got %d", ErrMalformedPayload, id, post.ID)
	}
	return post, nil
}

func (c *Client) url(path string) string {
	return c.baseURL.String() + path
}

// getJSON fetches path and decodes the JSON body into out.
// Retryable failures are retried with linear backoff.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	uri := c.url(path)
	var body []byte
	policy := backoff.WithContext(backoff.WithMaxRetries(&linearBackOff{unit: c.retryDelay}, uint64(c.retries)), ctx)
	err := backoff.RetryNotify(func() error {
		var err error
		body, err = c.fetch(ctx, uri)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, delay time.Duration) {
		c.log.Debug().Err(err).Str("url", uri).Dur("delay", delay).Msg("Retrying upstream request")
	})
	if err != nil {
		if !errors.Is(err, ErrUpstream) {
			// cancelled while waiting for the next attempt
			return errors.Join(ErrUpstream, err)
		}
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return fmt.Errorf("%w: empty body from %s", ErrUpstream, uri)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Join(ErrMalformedPayload, zerr.Wrap(err, "could not decode "+uri))
	}
	return nil
}

// linearBackOff waits unit, 2*unit, 3*unit and so on between attempts.
type linearBackOff struct {
	unit    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.unit * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

func (c *Client) fetch(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, zerr.Wrap(err, "could not create upstream request")
	}
	req.Header.Set("Accept", "application/json")
	c.log.Trace().Str("url", uri).Msg("Requesting upstream")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Join(ErrUpstream, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxBodySize))
		statusErr := &StatusError{URL: uri, StatusCode: res.StatusCode}
		if res.StatusCode == http.StatusNotFound {
			return nil, errors.Join(ErrUpstream, ErrNotFound, statusErr)
		}
		return nil, errors.Join(ErrUpstream, statusErr)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		return nil, errors.Join(ErrUpstream, err)
	}
	c.log.Trace().Str("url", uri).Int("bytes", len(body)).Msg("Got upstream response")
	return body, nil
}

// retryable reports whether a failed attempt may succeed when repeated.
// Cancellation, client errors and malformed payloads are final.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}
	return errors.Is(err, ErrUpstream)
}
