// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/godbus/dbus/v5"

	"github.com/wneessen/waybar-location/internal/logger"
)

const (
	geoClueService       = "org.freedesktop.GeoClue2"
	geoClueManagerPath   = "/org/freedesktop/GeoClue2/Manager"
	geoClueAccuracyLevel = "org.freedesktop.GeoClue2.Manager.AvailableAccuracyLevel"

	dbusListNames             = "org.freedesktop.DBus.ListNames"
	dbusListActivatableNames  = "org.freedesktop.DBus.ListActivatableNames"
	dbusStartServiceByName    = "org.freedesktop.DBus.StartServiceByName"
	dbusPropertiesGet         = "org.freedesktop.DBus.Properties.Get"
	dbusStartReplySuccess     = 1
	dbusStartReplyAlreadyRuns = 2
)

// systemBus is the subset of D-Bus calls the GeoClue checker relies on.
type systemBus interface {
	ActivatableNames(ctx context.Context) ([]string, error)
	Names(ctx context.Context) ([]string, error)
	AccuracyLevel(ctx context.Context) (uint32, error)
	StartService(ctx context.Context) error
}

// GeoClue derives the permission from the GeoClue2 location service on the system bus:
//   - GeoClue2 not installed: Restricted
//   - GeoClue2 installed but not running: Undetermined
//   - available accuracy level 0 (location services switched off): Denied
//   - otherwise: Granted
//
// Request starts the GeoClue2 service.
type GeoClue struct {
	bus    systemBus
	logger *logger.Logger
}

func NewGeoClue(logger *logger.Logger) *GeoClue {
	return &GeoClue{bus: &dbusSystemBus{}, logger: logger}
}

func (g *GeoClue) Status(ctx context.Context) (Status, error) {
	activatable, err := g.bus.ActivatableNames(ctx)
	if err != nil {
		return Undetermined, fmt.Errorf("failed to list activatable D-Bus services: %w", err)
	}
	running, err := g.bus.Names(ctx)
	if err != nil {
		return Undetermined, fmt.Errorf("failed to list D-Bus services: %w", err)
	}
	if !slices.Contains(activatable, geoClueService) && !slices.Contains(running, geoClueService) {
		return Restricted, nil
	}
	if !slices.Contains(running, geoClueService) {
		return Undetermined, nil
	}

	level, err := g.bus.AccuracyLevel(ctx)
	if err != nil {
		return Undetermined, fmt.Errorf("failed to read GeoClue accuracy level: %w", err)
	}
	g.logger.Debug("GeoClue accuracy level", slog.Uint64("level", uint64(level)))
	if level == 0 {
		return Denied, nil
	}
	return Granted, nil
}

func (g *GeoClue) Request(ctx context.Context) error {
	if err := g.bus.StartService(ctx); err != nil {
		return fmt.Errorf("failed to start GeoClue service: %w", err)
	}
	return nil
}

// dbusSystemBus opens a new system bus connection for every call.
type dbusSystemBus struct{}

func (d *dbusSystemBus) ActivatableNames(ctx context.Context) ([]string, error) {
	return d.listNames(ctx, dbusListActivatableNames)
}

func (d *dbusSystemBus) Names(ctx context.Context) ([]string, error) {
	return d.listNames(ctx, dbusListNames)
}

func (d *dbusSystemBus) listNames(ctx context.Context, method string) (names []string, err error) {
	err = withSystemBus(ctx, func(conn *dbus.Conn) error {
		return conn.BusObject().CallWithContext(ctx, method, 0).Store(&names)
	})
	return names, err
}

func (d *dbusSystemBus) AccuracyLevel(ctx context.Context) (level uint32, err error) {
	err = withSystemBus(ctx, func(conn *dbus.Conn) error {
		var variant dbus.Variant
		obj := conn.Object(geoClueService, geoClueManagerPath)
		if err := obj.CallWithContext(ctx, dbusPropertiesGet, 0, geoClueService+".Manager",
			"AvailableAccuracyLevel").Store(&variant); err != nil {
			return fmt.Errorf("failed to get %s: %w", geoClueAccuracyLevel, err)
		}
		value, ok := variant.Value().(uint32)
		if !ok {
			return fmt.Errorf("unexpected type %T for %s", variant.Value(), geoClueAccuracyLevel)
		}
		level = value
		return nil
	})
	return level, err
}

func (d *dbusSystemBus) StartService(ctx context.Context) error {
	return withSystemBus(ctx, func(conn *dbus.Conn) error {
		var reply uint32
		if err := conn.BusObject().CallWithContext(ctx, dbusStartServiceByName, 0, geoClueService,
			uint32(0)).Store(&reply); err != nil {
			return err
		}
		if reply != dbusStartReplySuccess && reply != dbusStartReplyAlreadyRuns {
			return fmt.Errorf("unexpected StartServiceByName reply: %d", reply)
		}
		return nil
	})
}

func withSystemBus(ctx context.Context, fn func(*dbus.Conn) error) (err error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to connect to system bus: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close system bus: %w", closeErr))
		}
	}()
	return fn(conn)
}
