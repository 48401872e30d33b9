package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"

	"pkt.systems/maintd/api"
	"pkt.systems/maintd/internal/correlation"
	"pkt.systems/maintd/internal/svcfields"
	"pkt.systems/maintd/internal/version"
)

const (
	// DefaultReadTimeout bounds Read.
	DefaultReadTimeout = 8 * time.Second
	// DefaultWriteTimeout bounds Write.
	DefaultWriteTimeout = 10 * time.Second

	statePath       = "/maintenance-state"
	maxResponseBody = 1 << 20
)

// Client reads and writes the remote maintenance state.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	logger       pslog.Logger
	readTimeout  time.Duration
	writeTimeout time.Duration
	headers      http.Header
	userAgent    string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its transport is still wrapped
// for tracing.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger routes client diagnostics to logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithReadTimeout overrides DefaultReadTimeout.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.readTimeout = d
		}
	}
}

// WithWriteTimeout overrides DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithHeader adds a header to every request. Use it to attach credentials.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers.Add(key, value)
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if strings.TrimSpace(ua) != "" {
			c.userAgent = ua
		}
	}
}

// New returns a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("client: base url %q has no host", baseURL)
	}
	c := &Client{
		baseURL:      trimmed,
		readTimeout:  DefaultReadTimeout,
		writeTimeout: DefaultWriteTimeout,
		headers:      http.Header{},
		userAgent:    version.UserAgent("maintd-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = svcfields.WithSubsystem(c.logger, "client.sdk")
	base := c.httpClient
	if base == nil {
		base = &http.Client{}
	}
	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	wrapped := *base
	wrapped.Transport = otelhttp.NewTransport(transport)
	c.httpClient = &wrapped
	return c, nil
}

// BaseURL returns the server URL without the trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Read fetches the current state. The call is cancelled after the read
// timeout and reports ErrTimeout.
func (c *Client) Read(ctx context.Context) (api.State, error) {
	var resp api.StateResponse
	if err := c.do(ctx, http.MethodGet, c.readTimeout, nil, &resp); err != nil {
		return api.State{}, err
	}
	state, err := resp.Decode()
	if err != nil {
		c.logger.Warn("client.read.malformed_response", "error", err)
		return api.State{}, wrap(ErrMalformedResponse, err)
	}
	return state, nil
}

// Write stores req and returns the time the server applied it.
func (c *Client) Write(ctx context.Context, req api.WriteRequest) (time.Time, error) {
	var resp api.WriteResponse
	if err := c.do(ctx, http.MethodPost, c.writeTimeout, req, &resp); err != nil {
		return time.Time{}, err
	}
	if !resp.Success {
		return time.Time{}, wrap(ErrMalformedResponse, errors.New("success flag not set"))
	}
	appliedAt, err := api.ParseTime(resp.LastUpdatedAt)
	if err != nil {
		c.logger.Warn("client.write.malformed_response", "error", err)
		return time.Time{}, wrap(ErrMalformedResponse, err)
	}
	return appliedAt, nil
}

func (c *Client) do(ctx context.Context, method string, timeout time.Duration, payload any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var body io.Reader
	if payload != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return err
		}
		body = buf
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+statePath, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	for k, vals := range c.headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	cid := CorrelationIDFromContext(ctx)
	if cid == "" {
		cid = correlation.Generate()
	}
	req.Header.Set(correlation.Header, cid)
	logger := c.logger.With("method", method, "cid", cid)

	start := time.Now()
	logger.Trace("client.http.start", "url", req.URL.String())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = c.classify(ctx, callCtx, err)
		logger.Debug("client.http.transport_error", "error", err, "elapsed", time.Since(start))
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		err = c.classify(ctx, callCtx, err)
		logger.Debug("client.http.read_error", "error", err, "elapsed", time.Since(start))
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeError(resp.StatusCode, data)
		logger.Debug("client.http.rejected", "status", resp.StatusCode, "code", apiErr.Response.Code)
		return apiErr
	}
	if err := json.Unmarshal(data, out); err != nil {
		logger.Warn("client.http.malformed_response", "status", resp.StatusCode, "error", err)
		return wrap(ErrMalformedResponse, err)
	}
	logger.Trace("client.http.complete", "status", resp.StatusCode, "elapsed", time.Since(start))
	return nil
}

// classify maps a failed round trip onto the client error kinds. A cancelled
// parent context is returned as is.
func (c *Client) classify(parent, callCtx context.Context, err error) error {
	if parent.Err() != nil && errors.Is(parent.Err(), context.Canceled) {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return wrap(ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wrap(ErrTimeout, err)
	}
	return wrap(ErrTransport, err)
}

func decodeError(status int, data []byte) *APIError {
	var errResp api.ErrorResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &errResp); err != nil {
			return &APIError{Status: status, Body: data}
		}
	}
	return &APIError{Status: status, Response: errResp, Body: data}
}
