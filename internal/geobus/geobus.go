// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geobus

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/wneessen/waybar-location/internal/logger"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	eventBuffer    = 16
)

const (
	AccuracyCountry = 300000
	AccuracyRegion  = 100000
	AccuracyCity    = 15000
	AccuracyZip     = 3000
	AccuracyUnknown = 1000000
	TruncPrecision  = 6
)

var (
	// ErrLocationUnknown is reported by a provider that is running but has no position yet.
	ErrLocationUnknown = errors.New("location currently unknown")
	// ErrDenied is reported by a provider whose source refused access to the position.
	ErrDenied = errors.New("access to location denied")
	// ErrNoProviders is returned by StartUpdating when no provider is configured.
	ErrNoProviders = errors.New("no location providers configured")
)

// Provider defines an interface for geolocation service providers.
// It supports retrieving streamed results until the context is cancelled.
type Provider interface {
	Name() string
	LookupStream(ctx context.Context) <-chan Result
}

// Result represents a geolocation sample or, if Err is set, a failure reported by a provider.
type Result struct {
	Lat, Lon       float64
	Alt            float64
	AccuracyMeters float64
	Source         string
	At             time.Time
	TTL            time.Duration
	Err            error
}

// Failure returns a Result that carries err for the given source.
func Failure(source string, err error) Result {
	return Result{Source: source, Err: err, At: time.Now()}
}

// BetterThan reports whether r is strictly more accurate than prev. A smaller accuracy radius
// is better.
func (r Result) BetterThan(prev Result) bool {
	return r.AccuracyMeters < prev.AccuracyMeters
}

// Age returns the age of the sample relative to now.
func (r Result) Age(now time.Time) time.Duration {
	return now.Sub(r.At)
}

// Coordinate returns the position part of the Result.
func (r Result) Coordinate() Coordinate {
	return Coordinate{Lat: r.Lat, Lon: r.Lon, Acc: r.AccuracyMeters}
}

// GeoBus fans in the results of all configured providers into a single event stream.
type GeoBus struct {
	mu        sync.Mutex
	logger    *logger.Logger
	providers []Provider
	cancel    context.CancelFunc
	done      chan struct{}
}

// New initializes and returns a new GeoBus for the given providers.
func New(logger *logger.Logger, providers ...Provider) *GeoBus {
	return &GeoBus{
		logger:    logger,
		providers: providers,
	}
}

// Providers returns the names of the configured providers.
func (b *GeoBus) Providers() []string {
	names := make([]string, 0, len(b.providers))
	for _, p := range b.providers {
		names = append(names, p.Name())
	}
	return names
}

func (b *GeoBus) NewOrchestrator(out chan<- Result, desiredAccuracy float64) *Orchestrator {
	return &Orchestrator{
		Bus:             b,
		Providers:       b.providers,
		DesiredAccuracy: desiredAccuracy,
		out:             out,
	}
}

// StartUpdating starts all providers and returns the channel their samples and failures are
// delivered on. The channel is closed once StopUpdating is called or ctx is done. A running
// update is stopped first.
func (b *GeoBus) StartUpdating(ctx context.Context, desiredAccuracy float64) (<-chan Result, error) {
	if len(b.providers) == 0 {
		return nil, ErrNoProviders
	}
	b.StopUpdating()

	runCtx, cancel := context.WithCancel(ctx)
	out := make(chan Result, eventBuffer)
	done := make(chan struct{})

	b.mu.Lock()
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()

	orchestrator := b.NewOrchestrator(out, desiredAccuracy)
	go func() {
		defer close(done)
		defer close(out)
		orchestrator.Track(runCtx)
	}()

	b.logger.Debug("location updates started", slog.Any("providers", b.Providers()),
		slog.Float64("desired_accuracy", desiredAccuracy))
	return out, nil
}

// StopUpdating cancels all providers and waits until the event channel is closed. It is a no-op
// if no update is running.
func (b *GeoBus) StopUpdating() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	b.logger.Debug("location updates stopped")
}

// publish delivers r to the event channel unless ctx is done first.
func (b *GeoBus) publish(ctx context.Context, out chan<- Result, r Result) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- r:
		return true
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d *= 2; d > maxBackoff {
		return maxBackoff
	}
	return d
}

func Truncate(x float64, precision int) float64 {
	p := math.Pow(10, float64(precision))
	return math.Trunc(x*p) / p
}
