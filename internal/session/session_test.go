// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jonboulle/clockwork"

	"github.com/wneessen/waybar-location/internal/geobus"
	"github.com/wneessen/waybar-location/internal/geocode"
	"github.com/wneessen/waybar-location/internal/logger"
	"github.com/wneessen/waybar-location/internal/permission"
	"github.com/wneessen/waybar-location/internal/vartype"
)

var snapshotOpts = cmp.Options{
	cmp.AllowUnexported(vartype.Variable[geobus.Result]{}, vartype.Variable[geocode.Address]{}),
	cmpopts.EquateErrors(),
}

var errNetwork = errors.New("network unreachable")

type mockProvider struct {
	mu     sync.Mutex
	events chan geobus.Result
	starts int
	stops  int
	err    error
}

func (m *mockProvider) StartUpdating(_ context.Context, _ float64) (<-chan geobus.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	if m.err != nil {
		return nil, m.err
	}
	if m.events != nil {
		close(m.events)
	}
	m.events = make(chan geobus.Result, 16)
	return m.events, nil
}

func (m *mockProvider) StopUpdating() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	if m.events != nil {
		close(m.events)
		m.events = nil
	}
}

func (m *mockProvider) emit(t *testing.T, r geobus.Result) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events == nil {
		t.Fatal("provider is not running")
	}
	m.events <- r
}

func (m *mockProvider) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts, m.stops
}

type geocodeReply struct {
	addrs []geocode.Address
	err   error
}

type geocodeRequest struct {
	coord geobus.Coordinate
	reply chan geocodeReply
}

// mockGeocoder blocks every lookup until the test answers it.
type mockGeocoder struct {
	requests chan geocodeRequest
}

func newMockGeocoder() *mockGeocoder {
	return &mockGeocoder{requests: make(chan geocodeRequest, 16)}
}

func (m *mockGeocoder) Name() string { return "mock" }

func (m *mockGeocoder) Reverse(_ context.Context, coord geobus.Coordinate) ([]geocode.Address, error) {
	req := geocodeRequest{coord: coord, reply: make(chan geocodeReply, 1)}
	m.requests <- req
	reply := <-req.reply
	return reply.addrs, reply.err
}

func (m *mockGeocoder) next(t *testing.T) geocodeRequest {
	t.Helper()
	synctest.Wait()
	select {
	case req := <-m.requests:
		return req
	default:
		t.Fatal("expected a pending geocode lookup")
	}
	return geocodeRequest{}
}

func (m *mockGeocoder) idle(t *testing.T) {
	t.Helper()
	synctest.Wait()
	if len(m.requests) != 0 {
		t.Fatalf("expected no pending geocode lookup, got %d", len(m.requests))
	}
}

func (m *mockGeocoder) resolve(t *testing.T, addrs []geocode.Address, err error) geobus.Coordinate {
	t.Helper()
	req := m.next(t)
	req.reply <- geocodeReply{addrs: addrs, err: err}
	synctest.Wait()
	return req.coord
}

type recorder struct {
	mu        sync.Mutex
	snapshots []Snapshot
}

func (r *recorder) StateChanged(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

type fixture struct {
	session  *Session
	provider *mockProvider
	geocoder *mockGeocoder
	clock    *clockwork.FakeClock
	listener *recorder
}

func newFixture(conf Config, status permission.Status) *fixture {
	f := &fixture{
		provider: &mockProvider{},
		geocoder: newMockGeocoder(),
		clock:    clockwork.NewFakeClockAt(time.Date(2025, 10, 19, 12, 0, 0, 0, time.UTC)),
		listener: &recorder{},
	}
	log := logger.NewLogger(slog.LevelDebug, io.Discard)
	f.session = New(conf, log, f.provider, f.geocoder, permission.NewStatic(status),
		WithClock(f.clock), WithListener(f.listener))
	return f
}

func (f *fixture) sample(lat, lon, acc float64, age time.Duration) geobus.Result {
	return geobus.Result{
		Lat:            lat,
		Lon:            lon,
		AccuracyMeters: acc,
		Source:         "mock",
		At:             f.clock.Now().Add(-age),
	}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.session.Start(t.Context()); err != nil {
		t.Fatalf("failed to start session: %s", err)
	}
}

var (
	bakerStreet = geocode.Address{HouseNumber: "221B", Street: "Baker Street", City: "London", Postcode: "NW1 6XE"}
	otley       = geocode.Address{City: "Otley", State: "England", Postcode: "LS21 1BZ"}
)

func TestNew(t *testing.T) {
	f := newFixture(Config{}, permission.Granted)
	if f.session.conf.DesiredAccuracy != DefaultDesiredAccuracy {
		t.Errorf("expected default desired accuracy %f, got %f", DefaultDesiredAccuracy,
			f.session.conf.DesiredAccuracy)
	}
	if f.session.conf.MaxSampleAge != DefaultMaxSampleAge {
		t.Errorf("expected default max sample age %s, got %s", DefaultMaxSampleAge, f.session.conf.MaxSampleAge)
	}
	snap := f.session.Snapshot()
	if snap.Tracking || snap.Geocoding || snap.Location.IsSet() || snap.Address.IsSet() {
		t.Errorf("expected idle session, got %+v", snap)
	}
}

func TestSession_Start(t *testing.T) {
	t.Run("start without permission leaves state untouched", func(t *testing.T) {
		tests := []permission.Status{permission.Denied, permission.Restricted, permission.Undetermined}
		for _, status := range tests {
			t.Run(status.String(), func(t *testing.T) {
				f := newFixture(Config{}, status)
				before := f.session.Snapshot()

				err := f.session.Start(t.Context())
				var permErr *PermissionError
				if !errors.As(err, &permErr) {
					t.Fatalf("expected permission error, got %v", err)
				}
				if permErr.Status != status {
					t.Errorf("expected permission status %s, got %s", status, permErr.Status)
				}
				if diff := cmp.Diff(before, f.session.Snapshot(), snapshotOpts); diff != "" {
					t.Errorf("state changed (-before +after):\n%s", diff)
				}
				if starts, _ := f.provider.counts(); starts != 0 {
					t.Errorf("expected provider not to be started, got %d starts", starts)
				}
				if f.listener.count() != 0 {
					t.Errorf("expected no notifications, got %d", f.listener.count())
				}
			})
		}
	})
	t.Run("start with permission begins tracking", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			f := newFixture(Config{}, permission.Granted)
			f.start(t)

			snap := f.session.Snapshot()
			if !snap.Tracking {
				t.Error("expected session to be tracking")
			}
			if snap.ID == "" {
				t.Error("expected tracking run to have an ID")
			}
			if starts, _ := f.provider.counts(); starts != 1 {
				t.Errorf("expected provider to be started once, got %d", starts)
			}
			if f.listener.count() != 1 {
				t.Errorf("expected one notification, got %d", f.listener.count())
			}
			f.session.Stop()
		})
	})
	t.Run("provider failing to start is stored as location error", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			f := newFixture(Config{}, permission.Granted)
			f.provider.err = geobus.ErrNoProviders

			err := f.session.Start(t.Context())
			if !errors.Is(err, geobus.ErrNoProviders) {
				t.Fatalf("expected ErrNoProviders, got %v", err)
			}
			snap := f.session.Snapshot()
			if snap.Tracking {
				t.Error("expected session not to be tracking")
			}
			if !errors.Is(snap.LocationErr, geobus.ErrNoProviders) {
				t.Errorf("expected location error to be ErrNoProviders, got %v", snap.LocationErr)
			}
			if f.listener.count() != 1 {
				t.Errorf("expected one notification, got %d", f.listener.count())
			}
		})
	})
	t.Run("start while tracking restarts the run", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			f := newFixture(Config{}, permission.Granted)
			f.start(t)
			first := f.session.Snapshot().ID
			f.session.HandleUpdate(f.sample(51.5237, -0.1585, 50, 0))
			f.geocoder.resolve(t, []geocode.Address{bakerStreet}, nil)

			f.start(t)
			snap := f.session.Snapshot()
			if !snap.Tracking {
				t.Error("expected session to be tracking")
			}
			if snap.Location.IsSet() || snap.Address.IsSet() {
				t.Errorf("expected location and address to be reset, got %+v", snap)
			}
			if snap.ID == first {
				t.Error("expected a new run ID")
			}
			if starts, stops := f.provider.counts(); starts != 2 || stops != 1 {
				t.Errorf("expected 2 starts and 1 stop, got %d starts and %d stops", starts, stops)
			}
			f.session.Stop()
		})
	})
}

func TestSession_Stop(t *testing.T) {
	t.Run("stop keeps location and address", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			f := newFixture(Config{}, permission.Granted)
			f.start(t)
			sample := f.sample(51.5237, -0.1585, 50, 0)
			f.session.HandleUpdate(sample)
			f.geocoder.resolve(t, []geocode.Address{bakerStreet}, nil)

			f.session.Stop()
			snap := f.session.Snapshot()
			if snap.Tracking {
				t.Error("expected session not to be tracking")
			}
			if loc, ok := snap.Location.Get(); !ok || loc.AccuracyMeters != 50 {
				t.Errorf("expected location to be kept, got %v", snap.Location)
			}
			if addr, ok := snap.Address.Get(); !ok || addr != bakerStreet {
				t.Errorf("expected address to be kept, got %v", snap.Address)
			}
		})
	})
	t.Run("stop is idempotent", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			f := newFixture(Config{}, permission.Granted)
			f.start(t)
			f.session.Stop()
			notified := f.listener.count()
			f.session.Stop()

			if _, stops := f.provider.counts(); stops != 1 {
				t.Errorf("expected provider to be stopped once, got %d", stops)
			}
			if f.listener.count() != notified {
				t.Error("expected no notification for stopping an idle session")
			}
		})
	})
}

func TestSession_Toggle(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(Config{}, permission.Granted)
		if err := f.session.Toggle(t.Context()); err != nil {
			t.Fatalf("failed to toggle session: %s", err)
		}
		if !f.session.Snapshot().Tracking {
			t.Error("expected first toggle to start tracking")
		}
		f.session.HandleUpdate(f.sample(51.5237, -0.1585, 50, 0))
		f.geocoder.resolve(t, []geocode.Address{bakerStreet}, nil)

		if err := f.session.Toggle(t.Context()); err != nil {
			t.Fatalf("failed to toggle session: %s", err)
		}
		snap := f.session.Snapshot()
		if snap.Tracking {
			t.Error("expected second toggle to stop tracking")
		}
		if !snap.Location.IsSet() {
			t.Error("expected location to be kept after toggling off")
		}
	})
}

func TestSession_HandleUpdate(t *testing.T) {
	t.Run("first sample is accepted regardless of accuracy", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			f := newFixture(Config{}, permission.Granted)
			f.start(t)
			f.session.HandleUpdate(f.sample(53.9, -1.69, geobus.AccuracyCountry, 0))

			snap := f.session.Snapshot()
			if loc, ok := snap.Location.Get(); !ok || loc.AccuracyMeters != geobus.AccuracyCountry {
				t.Errorf("expected first sample to be accepted, got %v", snap.Location)
			}
			if !snap.Geocoding {
				t.Error("expected geocode lookup to be in flight")
			}
			f.geocoder.resolve(t, nil, nil)
			f.session.Stop()
		})
	})
	t.Run("sample filter", func(t *testing.T) {
		tests := []struct {
			name     string
			acc      float64
			age      time.Duration
			accepted bool
		}{
			{"stale sample", 5, time.Second * 6, false},
			{"sample at max age", 20, time.Second * 5, true},
			{"negative accuracy", -1, 0, false},
			{"zero accuracy", 0, 0, true},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				synctest.Test(t, func(t *testing.T) {
					f := newFixture(Config{}, permission.Granted)
					f.start(t)
					f.session.HandleUpdate(f.sample(51.5237, -0.1585, tc.acc, tc.age))

					if f.session.Snapshot().Location.IsSet() != tc.accepted {
						t.Errorf("expected sample acceptance to be %t", tc.accepted)
					}
					if tc.accepted {
						f.geocoder.resolve(t, nil, nil)
					} else {
						f.geocoder.idle(t)
					}
					f.session.Stop()
				})
			})
		}
	})
	t.Run("only strictly more accurate samples replace the location", func(t *testing.T) {
		tests := []struct {
			name     string
			acc      float64
			accepted bool
		}{
			{"less accurate", 60, false},
			{"equally accurate", 50, false},
			{"more accurate", 49, true},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				synctest.Test(t, func(t *testing.T) {
					f := newFixture(Config{}, permission.Granted)
					f.start(t)
					f.session.HandleUpdate(f.sample(51.5237, -0.1585, 50, 0))
					f.geocoder.resolve(t, nil, nil)
					f.session.HandleUpdate(f.sample(51.5238, -0.1586, tc.acc, 0))

					loc, _ := f.session.Snapshot().Location.Get()
					if (loc.AccuracyMeters == tc.acc) != tc.accepted {
						t.Errorf("expected sample acceptance to be %t, location accuracy is %f", tc.accepted,
							loc.AccuracyMeters)
					}
					if tc.accepted {
						f.geocoder.resolve(t, nil, nil)
					}
					f.session.Stop()
				})
			})
		}
	})
	t.Run("reaching the desired accuracy stops tracking", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			f := newFixture(Config{DesiredAccuracy: 10}, permission.Granted)
			f.start(t)
			f.session.HandleUpdate(f.sample(51.5237, -0.1585, 10, 0))

			snap := f.session.Snapshot()
			if snap.Tracking {
				t.Error("expected tracking to stop at the desired accuracy")
			}
			if _, stops := f.provider.counts(); stops != 1 {
				t.Errorf("expected provider to be stopped once, got %d", stops)
			}
			// the lookup for the final sample still completes
			f.geocoder.resolve(t, []geocode.Address{bakerStreet}, nil)
			if addr, ok := f.session.Snapshot().Address.Get(); !ok || addr != bakerStreet {
				t.Errorf("expected address to be resolved after stop, got %v", addr)
			}
		})
	})
	t.Run("samples are ignored while not tracking", func(t *testing.T) {
		f := newFixture(Config{}, permission.Granted)
		f.session.HandleUpdate(f.sample(51.5237, -0.1585, 50, 0))
		if f.session.Snapshot().Location.IsSet() {
			t.Error("expected sample to be ignored")
		}
		if f.listener.count() != 0 {
			t.Errorf("expected no notification, got %d", f.listener.count())
		}
	})
}

func TestSession_HandleFailure(t *testing.T) {
	t.Run("unknown location changes nothing", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			f := newFixture(Config{}, permission.Granted)
			f.start(t)
			before := f.session.Snapshot()
			notified := f.listener.count()

			f.session.HandleFailure(geobus.ErrLocationUnknown)
			if diff := cmp.Diff(before, f.session.Snapshot(), snapshotOpts); diff != "" {
				t.Errorf("state changed (-before +after):\n%s", diff)
			}
			if f.listener.count() != notified {
				t.Error("expected no notification")
			}
			f.session.Stop()
		})
	})
	t.Run("other errors stop tracking", func(t *testing.T) {
		tests := []struct {
			name string
			err  error
		}{
			{"network error", errNetwork},
			{"permission denied", geobus.ErrDenied},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				synctest.Test(t, func(t *testing.T) {
					f := newFixture(Config{}, permission.Granted)
					f.start(t)
					notified := f.listener.count()

					f.session.HandleFailure(tc.err)
					snap := f.session.Snapshot()
					if snap.Tracking {
						t.Error("expected tracking to stop")
					}
					if !errors.Is(snap.LocationErr, tc.err) {
						t.Errorf("expected location error %s, got %v", tc.err, snap.LocationErr)
					}
					if f.listener.count() != notified+1 {
						t.Errorf("expected one notification, got %d", f.listener.count()-notified)
					}
				})
			})
		}
	})
}

func TestSession_Geocoding(t *testing.T) {
	t.Run("at most one lookup is in flight", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			f := newFixture(Config{}, permission.Granted)
			f.start(t)
			f.session.HandleUpdate(f.sample(51.5237, -0.1585, 50, 0))
			req := f.geocoder.next(t)
			f.session.HandleUpdate(f.sample(51.5237, -0.1585, 30, 0))
			f.geocoder.idle(t)

			req.reply <- geocodeReply{addrs: []geocode.Address{otley, bakerStreet}}
			synctest.Wait()
			snap := f.session.Snapshot()
			if snap.Geocoding {
				t.Error("expected no lookup to be in flight")
			}
			if addr, _ := snap.Address.Get(); addr != bakerStreet {
				t.Errorf("expected the last candidate to be used, got %v", addr)
			}
			f.session.Stop()
		})
	})
	t.Run("lookup results", func(t *testing.T) {
		tests := []struct {
			name    string
			addrs   []geocode.Address
			err     error
			present bool
		}{
			{"candidates", []geocode.Address{bakerStreet}, nil, true},
			{"no candidates", []geocode.Address{}, nil, false},
			{"lookup error", nil, errNetwork, false},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				synctest.Test(t, func(t *testing.T) {
					f := newFixture(Config{}, permission.Granted)
					f.start(t)
					f.session.HandleUpdate(f.sample(51.5237, -0.1585, 50, 0))
					f.geocoder.resolve(t, tc.addrs, tc.err)

					snap := f.session.Snapshot()
					if snap.Address.IsSet() != tc.present {
						t.Errorf("expected address presence to be %t", tc.present)
					}
					if !errors.Is(snap.GeocodeErr, tc.err) {
						t.Errorf("expected geocode error %v, got %v", tc.err, snap.GeocodeErr)
					}
					f.session.Stop()
				})
			})
		}
	})
	t.Run("late result of the first sample wins", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			f := newFixture(Config{DesiredAccuracy: 10}, permission.Granted)
			f.start(t)
			a := f.sample(51.5237, -0.1585, 50, 0)
			f.session.HandleUpdate(a)
			req := f.geocoder.next(t)
			f.session.HandleUpdate(f.sample(51.5238, -0.1586, 30, 0))
			c := f.sample(51.5239, -0.1587, 8, 0)
			f.session.HandleUpdate(c)
			f.geocoder.idle(t)

			if req.coord != a.Coordinate() {
				t.Errorf("expected lookup for the first sample, got %s", req.coord)
			}
			req.reply <- geocodeReply{addrs: []geocode.Address{bakerStreet}}
			synctest.Wait()

			want := Snapshot{
				Location:        vartype.NewVariable(c),
				Address:         vartype.NewVariable(bakerStreet),
				DesiredAccuracy: 10,
			}
			if diff := cmp.Diff(want, f.session.Snapshot(), snapshotOpts,
				cmpopts.IgnoreFields(Snapshot{}, "ID", "UpdatedAt", "Version")); diff != "" {
				t.Errorf("unexpected final state (-want +got):\n%s", diff)
			}
			f.geocoder.idle(t)
		})
	})
	t.Run("outdated results are discarded when requested", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			f := newFixture(Config{DesiredAccuracy: 10, DiscardStale: true}, permission.Granted)
			f.start(t)
			f.session.HandleUpdate(f.sample(51.5237, -0.1585, 50, 0))
			req := f.geocoder.next(t)
			c := f.sample(53.9058, -1.6918, 8, 0)
			f.session.HandleUpdate(c)

			req.reply <- geocodeReply{addrs: []geocode.Address{bakerStreet}}
			synctest.Wait()
			snap := f.session.Snapshot()
			if snap.Address.IsSet() {
				t.Errorf("expected outdated address to be discarded, got %v", snap.Address)
			}
			if !snap.Geocoding {
				t.Error("expected a lookup for the current location to be in flight")
			}

			coord := f.geocoder.resolve(t, []geocode.Address{otley}, nil)
			if coord != c.Coordinate() {
				t.Errorf("expected lookup for the current location, got %s", coord)
			}
			if addr, _ := f.session.Snapshot().Address.Get(); addr != otley {
				t.Errorf("expected address of the current location, got %v", addr)
			}
		})
	})
	t.Run("result of an earlier run is not applied after a restart", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			f := newFixture(Config{DesiredAccuracy: 10}, permission.Granted)
			f.start(t)
			f.session.HandleUpdate(f.sample(51.5237, -0.1585, 50, 0))
			req := f.geocoder.next(t)

			f.start(t)
			c := f.sample(53.9058, -1.6918, 8, 0)
			f.session.HandleUpdate(c)
			f.geocoder.idle(t)

			req.reply <- geocodeReply{addrs: []geocode.Address{bakerStreet}}
			synctest.Wait()
			snap := f.session.Snapshot()
			if snap.Address.IsSet() {
				t.Errorf("expected address of the earlier run to be discarded, got %v", snap.Address)
			}
			if !snap.Geocoding {
				t.Error("expected a lookup for the current location to be in flight")
			}

			coord := f.geocoder.resolve(t, []geocode.Address{otley}, nil)
			if coord != c.Coordinate() {
				t.Errorf("expected lookup for the current location, got %s", coord)
			}
			snap = f.session.Snapshot()
			if addr, _ := snap.Address.Get(); addr != otley {
				t.Errorf("expected address of the current location, got %v", addr)
			}
			if snap.Tracking || snap.Geocoding {
				t.Errorf("expected an idle session, got %+v", snap)
			}
		})
	})
}

// streamProvider replays its results on every lookup like a receiver repeating its last fixes.
type streamProvider struct {
	results []geobus.Result
}

func (p *streamProvider) Name() string { return "stream" }

func (p *streamProvider) LookupStream(ctx context.Context) <-chan geobus.Result {
	out := make(chan geobus.Result)
	go func() {
		defer close(out)
		for _, r := range p.results {
			select {
			case <-ctx.Done():
				return
			case out <- r:
			}
		}
	}()
	return out
}

func TestSession_geoBus(t *testing.T) {
	tests := []struct {
		name  string
		first func(f *fixture) geobus.Result
	}{
		{"stale fix", func(f *fixture) geobus.Result { return f.sample(51.5, -0.15, 5, time.Minute) }},
		{"invalid accuracy", func(f *fixture) geobus.Result { return f.sample(51.5, -0.15, -1, 0) }},
	}
	for _, tc := range tests {
		t.Run("fresh fix at the same position after a "+tc.name+" is accepted", func(t *testing.T) {
			synctest.Test(t, func(t *testing.T) {
				f := newFixture(Config{DesiredAccuracy: 1}, permission.Granted)
				fresh := f.sample(51.5, -0.15, 5, 0)
				f.session.provider = geobus.New(f.session.logger,
					&streamProvider{results: []geobus.Result{tc.first(f), fresh}})
				f.start(t)
				synctest.Wait()

				loc, ok := f.session.Snapshot().Location.Get()
				if !ok {
					t.Fatal("expected the fresh fix to be accepted")
				}
				if !loc.At.Equal(fresh.At) || loc.AccuracyMeters != fresh.AccuracyMeters {
					t.Errorf("expected location %+v, got %+v", fresh, loc)
				}
				f.geocoder.resolve(t, []geocode.Address{bakerStreet}, nil)
				f.session.Stop()
			})
		})
	}
}

func TestSession_Timeout(t *testing.T) {
	t.Run("no sample within the timeout", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			f := newFixture(Config{Timeout: time.Minute}, permission.Granted)
			f.start(t)
			f.clock.Advance(time.Minute)
			synctest.Wait()

			snap := f.session.Snapshot()
			if snap.Tracking {
				t.Error("expected tracking to stop after the timeout")
			}
			if !errors.Is(snap.LocationErr, ErrTimeout) {
				t.Errorf("expected ErrTimeout, got %v", snap.LocationErr)
			}
		})
	})
	t.Run("accepted sample disarms the timeout", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			f := newFixture(Config{Timeout: time.Minute}, permission.Granted)
			f.start(t)
			f.session.HandleUpdate(f.sample(51.5237, -0.1585, 50, 0))
			f.geocoder.resolve(t, nil, nil)
			f.clock.Advance(time.Minute)
			synctest.Wait()

			snap := f.session.Snapshot()
			if !snap.Tracking {
				t.Error("expected session to keep tracking")
			}
			if snap.LocationErr != nil {
				t.Errorf("expected no location error, got %s", snap.LocationErr)
			}
			f.session.Stop()
		})
	})
	t.Run("timer of a stopped run does not fire", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			f := newFixture(Config{Timeout: time.Minute}, permission.Granted)
			f.start(t)
			f.session.Stop()
			f.clock.Advance(time.Minute)
			synctest.Wait()

			if err := f.session.Snapshot().LocationErr; err != nil {
				t.Errorf("expected no location error, got %s", err)
			}
		})
	})
}

func TestSession_providerEvents(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(Config{}, permission.Granted)
		f.start(t)

		f.provider.emit(t, geobus.Failure("mock", geobus.ErrLocationUnknown))
		f.provider.emit(t, f.sample(51.5237, -0.1585, 50, 0))
		synctest.Wait()
		if !f.session.Snapshot().Location.IsSet() {
			t.Fatal("expected provider sample to be applied")
		}
		f.geocoder.resolve(t, []geocode.Address{bakerStreet}, nil)

		f.provider.emit(t, geobus.Failure("mock", errNetwork))
		synctest.Wait()
		snap := f.session.Snapshot()
		if snap.Tracking {
			t.Error("expected provider failure to stop tracking")
		}
		if !errors.Is(snap.LocationErr, errNetwork) {
			t.Errorf("expected location error %s, got %v", errNetwork, snap.LocationErr)
		}
	})
}

func TestSession_listenerReentrancy(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(Config{}, permission.Granted)
		var sess *Session
		var mu sync.Mutex
		var versions []uint64
		listener := ListenerFunc(func(s Snapshot) {
			mu.Lock()
			versions = append(versions, s.Version)
			mu.Unlock()
			if s.Tracking && s.Location.IsSet() {
				sess.Stop()
			}
		})
		sess = New(Config{}, logger.NewLogger(slog.LevelDebug, io.Discard), f.provider, f.geocoder,
			permission.NewStatic(permission.Granted), WithClock(f.clock), WithListener(listener))

		if err := sess.Start(t.Context()); err != nil {
			t.Fatalf("failed to start session: %s", err)
		}
		sess.HandleUpdate(f.sample(51.5237, -0.1585, 50, 0))
		f.geocoder.resolve(t, nil, nil)

		if sess.Snapshot().Tracking {
			t.Error("expected listener to stop the session")
		}
		mu.Lock()
		defer mu.Unlock()
		for i := 1; i < len(versions); i++ {
			if versions[i] <= versions[i-1] {
				t.Errorf("expected increasing snapshot versions, got %v", versions)
			}
		}
	})
}

func TestPermissionError(t *testing.T) {
	err := &PermissionError{Status: permission.Denied}
	if err.Error() != "location permission is denied" {
		t.Errorf("unexpected error message: %s", err)
	}
}
