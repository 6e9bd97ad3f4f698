package munich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://www48.muenchen.de/buergeransicht/api/citizen"
	DefaultTimeout = 10 * time.Second

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/26.0.1 Safari/605.1.15"
	origin    = "https://stadt.muenchen.de"
	referer   = "https://stadt.muenchen.de/"
)

// ErrTransport marks failures that happened before an HTTP status was
// received (DNS, connect, timeout, unreadable body).
var ErrTransport = errors.New("munich: transport failure")

// StatusError is returned for any HTTP 4xx/5xx response.
type StatusError struct {
	Method   string
	Endpoint string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("munich: %s %s: status %d", e.Method, e.Endpoint, e.Status)
}

// Client is the gateway to the city's citizen appointment API. Every call
// carries the browser headers the public booking page sends.
type Client struct {
	hc      *http.Client
	base    string
	limiter *rate.Limiter
	log     zerolog.Logger
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.base = strings.TrimRight(u, "/") }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = d }
}

// WithRateLimit caps outbound requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

func New(opts ...Option) *Client {
	c := &Client{
		hc:   &http.Client{Timeout: DefaultTimeout},
		base: DefaultBaseURL,
		log:  log.With().Str("component", "munich").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get issues a GET against endpoint (relative to the base URL) and returns the body.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, endpoint, params, nil)
}

// Post sends body as JSON and returns the response body.
func (c *Client) Post(ctx context.Context, endpoint string, body any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("munich: encode %s: %w", endpoint, err)
	}
	return c.do(ctx, http.MethodPost, endpoint, nil, b)
}

func (c *Client) getJSON(ctx context.Context, endpoint string, params url.Values, out any) error {
	b, err := c.Get(ctx, endpoint, params)
	if err != nil {
		return err
	}
	return decode(endpoint, b, out)
}

func (c *Client) postJSON(ctx context.Context, endpoint string, body, out any) error {
	b, err := c.Post(ctx, endpoint, body)
	if err != nil {
		return err
	}
	return decode(endpoint, b, out)
}

func decode(endpoint string, b []byte, out any) error {
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("munich: decode %s: %w", endpoint, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %s %s: %v", ErrTransport, method, endpoint, err)
		}
	}

	u := c.base + "/" + strings.TrimLeft(endpoint, "/")
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Origin", origin)
	req.Header.Set("Referer", referer)
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}

	res, err := c.hc.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("method", method).Str("endpoint", endpoint).Msg("request failed")
		return nil, fmt.Errorf("%w: %s %s: %v", ErrTransport, method, endpoint, err)
	}
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrTransport, endpoint, err)
	}
	if res.StatusCode >= 400 {
		c.log.Warn().Str("method", method).Str("endpoint", endpoint).Int("status", res.StatusCode).Msg("request rejected")
		return nil, &StatusError{Method: method, Endpoint: endpoint, Status: res.StatusCode, Body: truncate(string(b), 512)}
	}
	return b, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
