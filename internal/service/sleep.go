// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/jonboulle/clockwork"

	"github.com/wneessen/waybar-location/internal/logger"
)

const (
	dbusInterface   = "org.freedesktop.login1.Manager"
	dbusWatchMember = "PrepareForSleep"

	debounceWindow   = 2 * time.Second
	signalBufferSize = 8

	busReconnectDelay   = 5 * time.Second
	networkWakeupDelay  = 10 * time.Second
	reconnectDelay      = 2 * time.Second
	subscribeRetryDelay = 10 * time.Second
)

// resumeWatcher follows logind's PrepareForSleep signal on the system bus and calls onResume once
// per wake-up.
type resumeWatcher struct {
	logger    *logger.Logger
	clock     clockwork.Clock
	connect   func() (*dbus.Conn, error)
	onResume  func(context.Context)
	wakeDelay time.Duration

	lastResume time.Time
}

func newResumeWatcher(log *logger.Logger, onResume func(context.Context)) *resumeWatcher {
	return &resumeWatcher{
		logger:    log,
		clock:     clockwork.NewRealClock(),
		connect:   func() (*dbus.Conn, error) { return dbus.ConnectSystemBus() },
		onResume:  onResume,
		wakeDelay: networkWakeupDelay,
	}
}

// Watch blocks until ctx is cancelled. A dropped bus connection is re-established.
func (w *resumeWatcher) Watch(ctx context.Context) {
	for {
		conn := w.dial(ctx)
		if conn == nil {
			return
		}
		if !w.subscribe(ctx, conn) {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		sigCh := make(chan *dbus.Signal, signalBufferSize)
		conn.Signal(sigCh)
		w.logger.Debug("watching for system resume", slog.String("interface", dbusInterface),
			slog.String("member", dbusWatchMember))
		w.consume(ctx, sigCh)

		conn.RemoveSignal(sigCh)
		w.close(conn)
		if !w.wait(ctx, reconnectDelay) {
			return
		}
	}
}

// dial returns nil once ctx is done. The returned connection is closed with ctx.
func (w *resumeWatcher) dial(ctx context.Context) *dbus.Conn {
	for {
		conn, err := w.connect()
		if err == nil {
			go func() {
				<-ctx.Done()
				w.close(conn)
			}()
			return conn
		}
		w.logger.Debug("system bus not reachable", logger.Err(err))
		if !w.wait(ctx, busReconnectDelay) {
			return nil
		}
	}
}

func (w *resumeWatcher) subscribe(ctx context.Context, conn *dbus.Conn) bool {
	err := conn.AddMatchSignal(dbus.WithMatchInterface(dbusInterface), dbus.WithMatchMember(dbusWatchMember))
	if err == nil {
		return true
	}
	w.logger.Error("failed to subscribe to dbus signal", slog.String("interface", dbusInterface),
		slog.String("member", dbusWatchMember), logger.Err(err))
	w.close(conn)
	w.wait(ctx, subscribeRetryDelay)
	return false
}

func (w *resumeWatcher) consume(ctx context.Context, sigCh <-chan *dbus.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sgn, ok := <-sigCh:
			if !ok {
				return
			}
			w.handleSignal(ctx, sgn)
		}
	}
}

// handleSignal reacts to PrepareForSleep(false), which logind emits after a resume. Resumes
// within debounceWindow of the previous one are dropped.
func (w *resumeWatcher) handleSignal(ctx context.Context, sgn *dbus.Signal) {
	if sgn == nil || sgn.Name != dbusInterface+"."+dbusWatchMember || len(sgn.Body) != 1 {
		return
	}
	if sleeping, ok := sgn.Body[0].(bool); !ok || sleeping {
		return
	}

	now := w.clock.Now()
	if !w.lastResume.IsZero() && now.Sub(w.lastResume) < debounceWindow {
		return
	}
	w.lastResume = now

	// the network usually needs a moment after wake-up
	if w.wakeDelay > 0 && !w.wait(ctx, w.wakeDelay) {
		return
	}
	w.onResume(ctx)
}

func (w *resumeWatcher) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-w.clock.After(d):
		return true
	}
}

func (w *resumeWatcher) close(conn *dbus.Conn) {
	if err := conn.Close(); err != nil {
		w.logger.Debug("failed to close system bus connection", logger.Err(err))
	}
}

// resumeSession restarts a running location session, since the position may have changed while
// the system was suspended. An idle session stays idle.
func (s *Service) resumeSession(ctx context.Context) {
	if !s.session.Snapshot().Tracking {
		s.logger.Debug("resuming from sleep, no location session running")
		return
	}
	s.logger.Debug("resuming from sleep, restarting location session")
	s.startSession(ctx)
}
