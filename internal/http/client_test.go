// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	stdhttp "net/http"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/wneessen/waybar-location/internal/logger"
	"github.com/wneessen/waybar-location/internal/testhelper"
)

type testType struct {
	String string  `json:"string"`
	Int    int     `json:"int"`
	Float  float64 `json:"float"`
	Bool   bool    `json:"bool"`
}

const testFile = "../../testdata/testtype.json"

func TestNew(t *testing.T) {
	client := New(logger.New(slog.LevelInfo))
	if client == nil {
		t.Fatal("expected client to be non-nil")
	}
}

func TestClient_Get(t *testing.T) {
	t.Run("getting and serializing JSON should work", func(t *testing.T) {
		rtFn := func(req *stdhttp.Request) (*stdhttp.Response, error) {
			data, err := os.Open(testFile)
			if err != nil {
				t.Fatalf("failed to open JSON response file: %s", err)
			}

			return &stdhttp.Response{
				StatusCode: 200,
				Body:       data,
				Header:     make(stdhttp.Header),
			}, nil
		}

		client := New(logger.New(slog.LevelInfo))
		client.Transport = testhelper.MockRoundTripper{Fn: rtFn}
		query := url.Values{}
		query.Add("key", "value")

		target := new(testType)
		response, err := client.Get(t.Context(), "https://example.com", target, WithQuery(query),
			WithHeader("X-Custom-Header", "custom-value"))
		if err != nil {
			t.Fatalf("failed to get JSON response: %s", err)
		}

		if response != 200 {
			t.Errorf("expected status code 200, got %d", response)
		}
		if target.String != "test" {
			t.Errorf("expected target string to be 'test', got %s", target.String)
		}
		if target.Int != 123 {
			t.Errorf("expected target int to be 123, got %d", target.Int)
		}
		if target.Float != 123.456 {
			t.Errorf("expected target float to be 123.456, got %f", target.Float)
		}
		if !target.Bool {
			t.Error("expected target bool to be true")
		}
	})
	t.Run("unmarshalling into non-pointer should fail", func(t *testing.T) {
		client := New(logger.New(slog.LevelInfo))
		var target testType
		_, err := client.Get(t.Context(), "https://example.com", target)
		if err == nil {
			t.Fatal("expected get to fail")
		}
		if !errors.Is(err, ErrNonPointerTarget) {
			t.Errorf("expected error to be %s, got %s", ErrNonPointerTarget, err)
		}
	})
	t.Run("parsing an invalid url should fail", func(t *testing.T) {
		client := New(logger.New(slog.LevelInfo))
		target := new(testType)
		_, err := client.Get(t.Context(), "http://example.com/xyz%", target)
		if err == nil {
			t.Fatal("expected get to fail")
		}
		if !strings.Contains(err.Error(), "failed to parse URL") {
			t.Errorf("expected error to contain 'failed to parse URL', got %s", err)
		}
	})
	t.Run("get request fails", func(t *testing.T) {
		rtFn := func(req *stdhttp.Request) (*stdhttp.Response, error) {
			return nil, errors.New("intentionally failing")
		}

		client := New(logger.New(slog.LevelInfo))
		client.Transport = testhelper.MockRoundTripper{Fn: rtFn}

		target := new(testType)
		_, err := client.Get(t.Context(), "https://example.com", target)
		if err == nil {
			t.Fatal("expected get request to fail")
		}
	})
	t.Run("getting a nil response", func(t *testing.T) {
		rtFn := func(req *stdhttp.Request) (*stdhttp.Response, error) {
			return &stdhttp.Response{
				StatusCode: 200,
				Body:       &failReadCloser{},
				Header:     make(stdhttp.Header),
			}, nil
		}

		client := New(logger.NewLogger(slog.LevelInfo, io.Discard))
		client.Transport = testhelper.MockRoundTripper{Fn: rtFn}

		target := new(testType)
		_, err := client.Get(t.Context(), "https://example.com", target)
		if err == nil {
			t.Fatal("expected get request to fail")
		}
	})
}

func TestClient_headers(t *testing.T) {
	var agent, accept, custom, rawQuery string
	rtFn := func(req *stdhttp.Request) (*stdhttp.Response, error) {
		agent = req.Header.Get("User-Agent")
		accept = req.Header.Get("Accept")
		custom = req.Header.Get("X-Custom-Header")
		rawQuery = req.URL.RawQuery
		return &stdhttp.Response{
			StatusCode: 200,
			Body:       io.NopCloser(strings.NewReader(`{"string":"test"}`)),
			Header:     make(stdhttp.Header),
		}, nil
	}
	client := New(logger.NewLogger(slog.LevelInfo, io.Discard))
	client.Transport = testhelper.MockRoundTripper{Fn: rtFn}

	query := url.Values{}
	query.Set("lat", "51.5237")
	target := new(testType)
	if _, err := client.Get(t.Context(), "https://example.com?format=xml", target, WithQuery(query),
		WithHeader("X-Custom-Header", "custom-value"), WithHeader("User-Agent", "curl")); err != nil {
		t.Fatalf("failed to get JSON response: %s", err)
	}
	if agent != UserAgent {
		t.Errorf("expected user agent to be %q, got %q", UserAgent, agent)
	}
	if !strings.Contains(agent, "waybar-location/") {
		t.Errorf("expected user agent to identify the application, got %q", agent)
	}
	if accept != "application/json" {
		t.Errorf("expected JSON to be accepted, got %q", accept)
	}
	if custom != "custom-value" {
		t.Errorf("expected custom header to be set, got %q", custom)
	}
	if rawQuery != "lat=51.5237" {
		t.Errorf("expected query to be lat=51.5237, got %q", rawQuery)
	}
}

func TestClient_WithTimeout(t *testing.T) {
	t.Run("get request fails on context cancel", func(t *testing.T) {
		testhelper.PerformIntegrationTests(t)
		client := New(logger.New(slog.LevelInfo))
		ctx, cancel := context.WithTimeout(t.Context(), time.Millisecond)
		defer cancel()

		target := new(testType)
		_, err := client.Get(ctx, testhelper.TestOnlineAPIURL, target, WithTimeout(time.Second*5))
		if err == nil {
			t.Fatal("expected get request to fail")
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected error to be %s, got %s", context.DeadlineExceeded, err)
		}
	})
	t.Run("post request times out", func(t *testing.T) {
		client := New(logger.New(slog.LevelInfo))
		client.Transport = testhelper.MockRoundTripper{Fn: func(req *stdhttp.Request) (*stdhttp.Response, error) {
			<-req.Context().Done()
			return nil, req.Context().Err()
		}}

		target := new(testType)
		_, err := client.Post(t.Context(), testhelper.TestOnlineAPIURL, target, nil, WithTimeout(time.Nanosecond))
		if err == nil {
			t.Fatal("expected post request to timeout")
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected error to be %s, got %s", context.DeadlineExceeded, err)
		}
	})
}

func TestClient_Post(t *testing.T) {
	t.Run("post request succeeds", func(t *testing.T) {
		var method, contentType string
		rtFn := func(req *stdhttp.Request) (*stdhttp.Response, error) {
			method = req.Method
			contentType = req.Header.Get("Content-Type")
			data, err := os.Open(testFile)
			if err != nil {
				t.Fatalf("failed to open JSON response file: %s", err)
			}

			return &stdhttp.Response{
				StatusCode: 200,
				Body:       data,
				Header:     make(stdhttp.Header),
			}, nil
		}

		client := New(logger.New(slog.LevelInfo))
		client.Transport = testhelper.MockRoundTripper{Fn: rtFn}

		target := new(testType)
		_, err := client.Post(t.Context(), testhelper.TestOnlineAPIURL, target, strings.NewReader(`{}`))
		if err != nil {
			t.Fatalf("post request failed: %s", err)
		}
		if method != stdhttp.MethodPost {
			t.Errorf("expected method to be POST, got %s", method)
		}
		if contentType != "application/json" {
			t.Errorf("expected JSON content type, got %q", contentType)
		}
	})
}

type failReadCloser struct{}

func (failReadCloser) Read(p []byte) (int, error) { return len(p), nil }
func (failReadCloser) Close() error               { return errors.New("failed to close") }
