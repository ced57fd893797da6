// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"runtime"
	"time"

	"github.com/wneessen/waybar-location/internal/logger"
)

// DefaultTimeout applies to requests without WithTimeout.
const DefaultTimeout = time.Second * 10

var (
	// version is the version of the application (will be set at build time)
	version = "dev"
	// UserAgent identifies waybar-location towards the location and geocoding APIs. Nominatim
	// rejects requests without an identifying agent.
	UserAgent = fmt.Sprintf("Mozilla/5.0 (%s; %s) waybar-location/%s (+https://github.com/wneessen/waybar-location/)",
		runtime.GOOS,
		runtime.GOARCH,
		version,
	)

	ErrNonPointerTarget = errors.New("target must be a non-nil pointer")
)

// Client wraps the stdlib http.Client for JSON APIs.
type Client struct {
	*http.Client
	logger *logger.Logger
}

// RequestOption customises a single request.
type RequestOption func(*request)

type request struct {
	query   url.Values
	headers http.Header
	timeout time.Duration
}

// WithQuery encodes q into the request URL, replacing any query it already has.
func WithQuery(q url.Values) RequestOption {
	return func(r *request) {
		r.query = q
	}
}

// WithHeader sets a request header.
func WithHeader(key, value string) RequestOption {
	return func(r *request) {
		r.headers.Set(key, value)
	}
}

// WithTimeout limits the request including reading the response.
func WithTimeout(timeout time.Duration) RequestOption {
	return func(r *request) {
		r.timeout = timeout
	}
}

// New returns a new HTTP client
func New(logger *logger.Logger) *Client {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	httpTransport := &http.Transport{TLSClientConfig: tlsConfig}
	httpClient := &http.Client{
		Timeout:   DefaultTimeout,
		Transport: httpTransport,
	}
	return &Client{httpClient, logger}
}

// Get requests endpoint and decodes the JSON response into target. The status code is returned
// alongside, non-2xx codes are not treated as errors since the APIs describe failures in the body.
func (h *Client) Get(ctx context.Context, endpoint string, target any, opts ...RequestOption) (int, error) {
	return h.do(ctx, http.MethodGet, endpoint, target, nil, opts)
}

// Post sends body as JSON to endpoint and decodes the JSON response into target.
func (h *Client) Post(ctx context.Context, endpoint string, target any, body io.Reader, opts ...RequestOption) (int, error) {
	opts = append([]RequestOption{WithHeader("Content-Type", "application/json")}, opts...)
	return h.do(ctx, http.MethodPost, endpoint, target, body, opts)
}

func (h *Client) do(ctx context.Context, method, endpoint string, target any, body io.Reader,
	opts []RequestOption,
) (int, error) {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return 0, ErrNonPointerTarget
	}

	req := &request{headers: make(http.Header), timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(req)
	}

	reqURL, err := url.Parse(endpoint)
	if err != nil {
		return 0, fmt.Errorf("failed to parse URL: %w", err)
	}
	if len(req.query) > 0 {
		reqURL.RawQuery = req.query.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, req.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, method, reqURL.String(), body)
	if err != nil {
		return 0, fmt.Errorf("failed create new HTTP request with context: %w", err)
	}
	request.Header = req.headers
	request.Header.Set("User-Agent", UserAgent)
	request.Header.Set("Accept", "application/json")

	started := time.Now()
	response, err := h.Do(request)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to perform HTTP request: %w", err)
	}
	if response == nil {
		return 0, errors.New("nil response received")
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			h.logger.Error("failed to close HTTP request body", logger.Err(err))
		}
	}(response.Body)
	h.logger.Debug("API request finished", slog.String("method", method), slog.String("host", reqURL.Host),
		slog.Int("status", response.StatusCode), slog.Duration("duration", time.Since(started)))

	if err = json.NewDecoder(response.Body).Decode(target); err != nil {
		return response.StatusCode, fmt.Errorf("failed to decode JSON: %w", err)
	}
	return response.StatusCode, nil
}
