// Package qrcode fetches QR code images from an HTTP image service.
package qrcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
)

const (
	// DefaultBaseURL is the public qrserver.com endpoint.
	DefaultBaseURL = "https://api.qrserver.com/v1/create-qr-code/"
	// DefaultSize is the image size passed upstream.
	DefaultSize = "150x150"

	defaultTimeout     = 10 * time.Second
	defaultContentType = "image/png"
	maxImageBytes      = 4 << 20
)

var (
	// ErrEmptyText is returned when there is nothing to encode.
	ErrEmptyText = errors.New("keymeter/qrcode: no text provided")
	// ErrUpstream is returned when the image service answers with a non-2xx status.
	ErrUpstream = errors.New("keymeter/qrcode: upstream error")
	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("keymeter/qrcode: upstream unavailable")
)

// Image is a generated QR code.
type Image struct {
	Data        []byte
	ContentType string
}

// Client calls the image service behind a circuit breaker.
type Client struct {
	baseURL    string
	size       string
	timeout    time.Duration
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	onState    func(from, to gobreaker.State)
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithSize sets the image size, e.g. "300x300".
func WithSize(size string) Option {
	return func(cl *Client) { cl.size = size }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

// WithStateChange registers a callback for circuit breaker transitions.
func WithStateChange(fn func(from, to gobreaker.State)) Option {
	return func(cl *Client) { cl.onState = fn }
}

// New creates a client for baseURL. An empty baseURL selects DefaultBaseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    baseURL,
		size:       DefaultSize,
		timeout:    defaultTimeout,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "qrcode",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A caller hanging up says nothing about the upstream.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if c.onState != nil {
				c.onState(from, to)
			}
		},
	})
	return c
}

// State returns the circuit breaker state.
func (c *Client) State() gobreaker.State { return c.breaker.State() }

// Generate renders text as a QR code image.
func (c *Client) Generate(ctx context.Context, text string) (Image, error) {
	if text == "" {
		return Image{}, ErrEmptyText
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, text)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Image{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return Image{}, err
	}
	return res.(Image), nil
}

func (c *Client) fetch(ctx context.Context, text string) (Image, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return Image{}, fmt.Errorf("keymeter/qrcode: parse base url: %w", err)
	}
	q := u.Query()
	q.Set("size", c.size)
	q.Set("data", text)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Image{}, fmt.Errorf("keymeter/qrcode: create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Image{}, fmt.Errorf("keymeter/qrcode: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Read body for error context, but don't fail if we can't.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Image{}, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return Image{}, fmt.Errorf("keymeter/qrcode: read image: %w", err)
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = defaultContentType
	}
	return Image{Data: data, ContentType: ct}, nil
}
