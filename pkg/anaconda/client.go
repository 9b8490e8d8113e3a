// Package anaconda is a small client for the anaconda.org package API.
package anaconda

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/tidwall/gjson"

	"dlmetrics/internal/util"
)

// DefaultBaseURL is the public anaconda.org API.
const DefaultBaseURL = "https://api.anaconda.org"

// Client provides access to package metadata on anaconda.org.
type Client struct {
	baseURL    string
	httpClient *http.Client
	attempts   int
	backoff    time.Duration
	limiter    *util.RateLimiter
	clock      quartz.Clock
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client (30s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry sets how many times a request is attempted and the first
// backoff delay. Only network errors and 5xx/429 responses are retried.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *Client) { c.attempts, c.backoff = attempts, backoff }
}

// WithRateLimiter throttles requests.
func WithRateLimiter(rl *util.RateLimiter) Option {
	return func(c *Client) { c.limiter = rl }
}

// WithClock replaces the real clock used for retry backoff.
func WithClock(clock quartz.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// NewClient creates a new anaconda.org API client.
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		attempts:   3,
		backoff:    time.Second,
		clock:      quartz.NewReal(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Package is the download summary of one package in one channel.
type Package struct {
	Channel        string
	Name           string
	TotalDownloads int64 // sum of ndownloads over every file
	Files          int
	NotFound       bool
}

// StatusError is a non-2xx response from the API.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("anaconda.org: status %d: %s", e.StatusCode, e.Message)
}

// GetPackage fetches /package/{channel}/{name}. A package the API reports as
// not found is returned with NotFound set and no error.
func (c *Client) GetPackage(ctx context.Context, channel, name string) (*Package, error) {
	endpoint := fmt.Sprintf("%s/package/%s/%s", c.baseURL, url.PathEscape(channel), url.PathEscape(name))

	var body []byte
	err := util.Retry(ctx, c.clock, c.attempts, c.backoff, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		var err error
		body, err = c.get(ctx, endpoint)
		return err
	})

	var se *StatusError
	switch {
	case err == nil:
	case errors.As(err, &se) && se.StatusCode == http.StatusNotFound:
		return &Package{Channel: channel, Name: name, NotFound: true}, nil
	default:
		return nil, err
	}

	doc := gjson.ParseBytes(body)
	if msg := doc.Get("error").String(); msg != "" {
		if strings.Contains(msg, "could not be found") {
			return &Package{Channel: channel, Name: name, NotFound: true}, nil
		}
		return nil, fmt.Errorf("anaconda.org: %s", msg)
	}

	pkg := &Package{Channel: channel, Name: name}
	doc.Get("files").ForEach(func(_, file gjson.Result) bool {
		pkg.TotalDownloads += file.Get("ndownloads").Int()
		pkg.Files++
		return true
	})
	return pkg, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, util.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	msg := gjson.GetBytes(body, "error").String()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	se := &StatusError{StatusCode: resp.StatusCode, Message: msg}
	if resp.StatusCode == http.StatusNotFound && strings.Contains(msg, "could not be found") {
		return nil, util.Permanent(se)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, se
	}
	return nil, util.Permanent(se)
}
