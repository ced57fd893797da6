// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package gpsd

import (
	"context"
	"log/slog"
	"math"
	"net"
	"time"

	"github.com/stratoberry/go-gpsd"

	"github.com/wneessen/waybar-location/internal/geobus"
	"github.com/wneessen/waybar-location/internal/logger"
)

const (
	name = "gpsd"

	// Horizontal accuracy assumed when gpsd reports a fix without error estimates
	accuracy3DFix = 10.0
	accuracy2DFix = 25.0
)

// GeolocationGPSDProvider streams position fixes from a gpsd daemon.
type GeolocationGPSDProvider struct {
	name   string
	addr   string
	logger *logger.Logger
	period time.Duration
	ttl    time.Duration
}

func NewGeolocationGPSDProvider(logger *logger.Logger, host, port string) *GeolocationGPSDProvider {
	return &GeolocationGPSDProvider{
		name:   name,
		addr:   net.JoinHostPort(host, port),
		logger: logger,
		period: time.Second * 30,
		ttl:    time.Minute * 2,
	}
}

func (p *GeolocationGPSDProvider) Name() string {
	return p.name
}

// LookupStream connects to gpsd and emits a Result for every TPV report with at least a 2D fix.
// A report without a fix is emitted once as geobus.ErrLocationUnknown. Lost connections are
// re-established after the provider period.
func (p *GeolocationGPSDProvider) LookupStream(ctx context.Context) <-chan geobus.Result {
	out := make(chan geobus.Result)

	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			session, err := gpsd.Dial(p.addr)
			if err != nil {
				p.logger.Debug("failed to connect to gpsd", slog.String("address", p.addr), logger.Err(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.period):
					continue
				}
			}

			hasFix := true
			session.AddFilter("TPV", func(r interface{}) {
				tpv, ok := r.(*gpsd.TPVReport)
				if !ok {
					return
				}

				var res geobus.Result
				switch {
				case tpv.Mode >= gpsd.Mode2D:
					hasFix = true
					res = p.createResult(tpv)
				case hasFix:
					hasFix = false
					res = geobus.Failure(p.name, geobus.ErrLocationUnknown)
				default:
					return
				}

				select {
				case <-ctx.Done():
				case out <- res:
				}
			})

			// Watch() returns a channel that is written to once the connection ends
			done := session.Watch()
			select {
			case <-ctx.Done():
				// go-gpsd has no Close(); the reader goroutine ends with the process or the connection
				return
			case <-done:
				p.logger.Debug("gpsd connection lost", slog.String("address", p.addr))
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(p.period):
			}
		}
	}()

	return out
}

// createResult converts a TPV report into a Result.
func (p *GeolocationGPSDProvider) createResult(tpv *gpsd.TPVReport) geobus.Result {
	at := tpv.Time
	if at.IsZero() {
		at = time.Now()
	}
	return geobus.Result{
		Lat:            geobus.Truncate(tpv.Lat, geobus.TruncPrecision),
		Lon:            geobus.Truncate(tpv.Lon, geobus.TruncPrecision),
		Alt:            geobus.Truncate(tpv.Alt, geobus.TruncPrecision),
		AccuracyMeters: horizontalAccuracy(tpv),
		Source:         p.name,
		At:             at,
		TTL:            p.ttl,
	}
}

// horizontalAccuracy derives the accuracy radius from the longitude and latitude error
// estimates or, if gpsd did not report them, from the fix mode.
func horizontalAccuracy(tpv *gpsd.TPVReport) float64 {
	if tpv.Epx > 0 || tpv.Epy > 0 {
		return geobus.Truncate(math.Hypot(tpv.Epx, tpv.Epy), 2)
	}
	if tpv.Mode == gpsd.Mode3D {
		return accuracy3DFix
	}
	return accuracy2DFix
}
