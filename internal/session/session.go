// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package session implements the location acquisition state machine. A Session starts and stops
// a location provider, filters the samples it delivers, stops once a sample is accurate enough
// and resolves the address of accepted samples through a geocoder. Every state change is
// reported to a Listener as a Snapshot.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/wneessen/waybar-location/internal/geobus"
	"github.com/wneessen/waybar-location/internal/geocode"
	"github.com/wneessen/waybar-location/internal/logger"
	"github.com/wneessen/waybar-location/internal/permission"
	"github.com/wneessen/waybar-location/internal/vartype"
)

const (
	DefaultDesiredAccuracy = 10.0
	DefaultMaxSampleAge    = time.Second * 5
)

// ErrTimeout is stored as location error when no sample was accepted within the acquisition
// timeout.
var ErrTimeout = errors.New("no location found within the acquisition timeout")

// PermissionError is returned by Start when location services are not authorized.
type PermissionError struct {
	Status permission.Status
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("location permission is %s", e.Status)
}

// LocationProvider delivers location samples and failures until it is stopped. The returned
// channel is closed once StopUpdating is called.
type LocationProvider interface {
	StartUpdating(ctx context.Context, desiredAccuracy float64) (<-chan geobus.Result, error)
	StopUpdating()
}

// Listener is notified after every state change.
type Listener interface {
	StateChanged(Snapshot)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(Snapshot)

func (f ListenerFunc) StateChanged(s Snapshot) { f(s) }

// Config holds the tunables of a Session.
type Config struct {
	// DesiredAccuracy is the accuracy in meters at which tracking stops.
	DesiredAccuracy float64
	// MaxSampleAge is the age after which a sample is considered cached and dropped.
	MaxSampleAge time.Duration
	// Timeout ends a run without accepted sample. Zero disables it.
	Timeout time.Duration
	// DiscardStale drops lookup results for samples that are no longer current and looks up
	// the current sample instead.
	DiscardStale bool
}

// Option configures optional parts of a Session.
type Option func(*Session)

// WithClock replaces the wall clock used for sample ages and the acquisition timeout.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Session) { s.clock = clock }
}

// WithListener sets the Listener that is notified about state changes.
func WithListener(listener Listener) Option {
	return func(s *Session) { s.listener = listener }
}

// Session owns the location and address state of one display.
type Session struct {
	conf     Config
	logger   *logger.Logger
	clock    clockwork.Clock
	provider LocationProvider
	geocoder geocode.Geocoder
	checker  permission.Checker
	listener Listener

	// ctl serializes provider start and stop; it is always acquired before mu
	ctl sync.Mutex
	mu  sync.Mutex

	id          string
	tracking    bool
	geocoding   bool
	location    vartype.Variable[geobus.Result]
	address     vartype.Variable[geocode.Address]
	locationErr error
	geocodeErr  error
	updatedAt   time.Time
	version     uint64

	generation  uint64
	locationSeq uint64
	lookupSeq   uint64
	lookupCtx   context.Context
	cancelRun   context.CancelFunc
	timer       clockwork.Timer
}

// lookup identifies one reverse geocoding request.
type lookup struct {
	seq         uint64
	generation  uint64
	locationSeq uint64
	sample      geobus.Result
}

// New returns an idle Session. Zero values in conf are replaced by the defaults.
func New(conf Config, logger *logger.Logger, provider LocationProvider, geocoder geocode.Geocoder,
	checker permission.Checker, opts ...Option,
) *Session {
	if conf.DesiredAccuracy <= 0 {
		conf.DesiredAccuracy = DefaultDesiredAccuracy
	}
	if conf.MaxSampleAge <= 0 {
		conf.MaxSampleAge = DefaultMaxSampleAge
	}
	s := &Session{
		conf:     conf,
		logger:   logger,
		clock:    clockwork.NewRealClock(),
		provider: provider,
		geocoder: geocoder,
		checker:  checker,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins a new tracking run. It fails with a *PermissionError and leaves the state untouched
// unless the location permission is granted. Starting while tracking restarts the run.
func (s *Session) Start(ctx context.Context) error {
	status, err := s.checker.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to check location permission: %w", err)
	}
	if status != permission.Granted {
		return &PermissionError{Status: status}
	}

	s.ctl.Lock()
	s.mu.Lock()
	wasTracking := s.tracking
	s.haltLocked()
	s.generation++
	gen := s.generation
	s.id = uuid.NewString()
	s.location.Reset()
	s.address.Reset()
	s.locationErr = nil
	s.geocodeErr = nil
	s.tracking = true
	s.lookupCtx = ctx
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel
	runID := s.id
	s.mu.Unlock()

	if wasTracking {
		s.provider.StopUpdating()
	}
	events, err := s.provider.StartUpdating(runCtx, s.conf.DesiredAccuracy)
	if err != nil {
		s.mu.Lock()
		s.locationErr = err
		s.haltLocked()
		s.touchLocked()
		s.mu.Unlock()
		s.ctl.Unlock()
		s.notify()
		return fmt.Errorf("failed to start location updates: %w", err)
	}

	s.mu.Lock()
	if s.conf.Timeout > 0 {
		s.timer = s.clock.AfterFunc(s.conf.Timeout, func() { s.handleTimeout(gen) })
	}
	s.touchLocked()
	s.mu.Unlock()
	s.ctl.Unlock()

	s.logger.Info("location tracking started", slog.String("run", runID),
		slog.Float64("desired_accuracy", s.conf.DesiredAccuracy))
	go s.pump(gen, events)
	s.notify()
	return nil
}

// Stop ends the tracking run. The last location and address are kept. Stopping an idle session
// is a no-op.
func (s *Session) Stop() {
	s.ctl.Lock()
	s.mu.Lock()
	if !s.tracking {
		s.mu.Unlock()
		s.ctl.Unlock()
		return
	}
	s.stopLocked()
	s.mu.Unlock()
	s.provider.StopUpdating()
	s.ctl.Unlock()
	s.notify()
}

// Toggle stops a running session and starts an idle one.
func (s *Session) Toggle(ctx context.Context) error {
	if s.Snapshot().Tracking {
		s.Stop()
		return nil
	}
	return s.Start(ctx)
}

// HandleUpdate applies a location sample to the current run.
func (s *Session) HandleUpdate(sample geobus.Result) {
	s.handleUpdate(s.currentGeneration(), sample)
}

// HandleFailure applies a provider failure to the current run. geobus.ErrLocationUnknown is
// ignored.
func (s *Session) HandleFailure(err error) {
	s.handleFailure(s.currentGeneration(), err)
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// pump feeds the provider events of one run into the session until the channel is closed.
func (s *Session) pump(gen uint64, events <-chan geobus.Result) {
	for event := range events {
		if event.Err != nil {
			s.handleFailure(gen, event.Err)
			continue
		}
		s.handleUpdate(gen, event)
	}
}

func (s *Session) handleUpdate(gen uint64, sample geobus.Result) {
	s.ctl.Lock()
	s.mu.Lock()
	if !s.tracking || gen != s.generation {
		s.mu.Unlock()
		s.ctl.Unlock()
		return
	}
	if reason := s.rejectLocked(sample); reason != "" {
		s.logger.Debug("location sample rejected", slog.String("run", s.id), slog.String("reason", reason),
			slog.String("source", sample.Source), slog.Float64("accuracy", sample.AccuracyMeters))
		s.mu.Unlock()
		s.ctl.Unlock()
		return
	}

	moved := 0.0
	if current, ok := s.location.Get(); ok {
		moved = sample.Coordinate().Distance(current.Coordinate())
	}
	s.locationErr = nil
	s.location.Set(sample)
	s.locationSeq++
	s.logger.Debug("location sample accepted", slog.String("run", s.id), slog.String("source", sample.Source),
		slog.Float64("accuracy", sample.AccuracyMeters), slog.Float64("moved", moved))

	var next *lookup
	if !s.geocoding {
		next = s.beginLookupLocked(sample)
	}
	s.touchLocked()
	s.mu.Unlock()
	s.ctl.Unlock()

	if next != nil {
		go s.runLookup(next)
	}
	s.notify()

	if sample.AccuracyMeters <= s.conf.DesiredAccuracy {
		s.logger.Info("desired accuracy reached", slog.Float64("accuracy", sample.AccuracyMeters))
		s.stopRun(gen, nil)
	}
}

// rejectLocked returns why a sample is not accepted or an empty string if it is.
func (s *Session) rejectLocked(sample geobus.Result) string {
	if sample.Age(s.clock.Now()) > s.conf.MaxSampleAge {
		return "stale"
	}
	if sample.AccuracyMeters < 0 {
		return "invalid accuracy"
	}
	if current, ok := s.location.Get(); ok && !sample.BetterThan(current) {
		return "not more accurate"
	}
	return ""
}

func (s *Session) handleFailure(gen uint64, err error) {
	if errors.Is(err, geobus.ErrLocationUnknown) {
		return
	}
	s.logger.Error("location provider failed", logger.Err(err))
	s.stopRun(gen, err)
}

func (s *Session) handleTimeout(gen uint64) {
	s.mu.Lock()
	expired := s.tracking && gen == s.generation && !s.location.IsSet()
	s.mu.Unlock()
	if !expired {
		return
	}
	s.logger.Warn("location acquisition timed out", slog.Duration("timeout", s.conf.Timeout))
	s.stopRun(gen, ErrTimeout)
}

// stopRun stops the run gen if it is still active, stores cause as location error if it is
// not nil and notifies the listener.
func (s *Session) stopRun(gen uint64, cause error) {
	s.ctl.Lock()
	s.mu.Lock()
	if !s.tracking || gen != s.generation {
		s.mu.Unlock()
		s.ctl.Unlock()
		return
	}
	if cause != nil {
		s.locationErr = cause
	}
	s.stopLocked()
	s.mu.Unlock()
	s.provider.StopUpdating()
	s.ctl.Unlock()
	s.notify()
}

// stopLocked ends tracking. The caller stops the provider after releasing mu.
func (s *Session) stopLocked() {
	s.haltLocked()
	s.touchLocked()
	s.logger.Info("location tracking stopped", slog.String("run", s.id))
}

func (s *Session) haltLocked() {
	s.tracking = false
	if s.cancelRun != nil {
		s.cancelRun()
		s.cancelRun = nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) beginLookupLocked(sample geobus.Result) *lookup {
	s.lookupSeq++
	s.geocoding = true
	return &lookup{
		seq:         s.lookupSeq,
		generation:  s.generation,
		locationSeq: s.locationSeq,
		sample:      sample,
	}
}

// runLookup resolves the address of a lookup. It is neither cancelled by Stop nor bounded by
// a timeout of its own.
func (s *Session) runLookup(l *lookup) {
	ctx := s.lookupContext()
	addrs, err := s.geocoder.Reverse(ctx, l.sample.Coordinate())
	s.completeLookup(l, addrs, err)
}

func (s *Session) lookupContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupCtx == nil {
		return context.Background()
	}
	return s.lookupCtx
}

func (s *Session) completeLookup(l *lookup, addrs []geocode.Address, err error) {
	s.mu.Lock()
	// results of an earlier run never apply; within a run only DiscardStale drops outdated ones
	if l.generation != s.generation || (s.conf.DiscardStale && l.locationSeq != s.locationSeq) {
		var next *lookup
		if current, ok := s.location.Get(); ok {
			next = s.beginLookupLocked(current)
		} else {
			s.geocoding = false
			s.touchLocked()
		}
		s.logger.Debug("discarding address of outdated sample", slog.Uint64("lookup", l.seq))
		s.mu.Unlock()
		if next != nil {
			go s.runLookup(next)
			return
		}
		s.notify()
		return
	}

	s.geocodeErr = err
	if err == nil && len(addrs) > 0 {
		s.address.Set(addrs[len(addrs)-1])
	} else {
		s.address.Reset()
	}
	s.geocoding = false
	s.touchLocked()
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("reverse geocoding failed", logger.Err(err))
	}
	s.notify()
}

func (s *Session) currentGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Session) touchLocked() {
	s.version++
	s.updatedAt = s.clock.Now()
}

func (s *Session) notify() {
	if s.listener == nil {
		return
	}
	s.listener.StateChanged(s.Snapshot())
}
