// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geolocation_file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wneessen/waybar-location/internal/geobus"
	"github.com/wneessen/waybar-location/internal/logger"
)

const (
	name = "geolocation_file"
)

var ErrNoCoordinates = errors.New("no valid coordinates found in geolocation file")

// GeolocationFileProvider reads a fixed position from a file and emits it via a stream.
// Each non-comment line of the file has the form "latitude,longitude[,accuracy]". The first
// valid line wins. Without an accuracy value the position is assumed to be zip code accurate.
// The file is re-read every period, so edits take effect without a restart.
type GeolocationFileProvider struct {
	name     string
	path     string
	logger   *logger.Logger
	period   time.Duration
	ttl      time.Duration
	locateFn func() (geobus.Coordinate, error)
}

// NewGeolocationFileProvider initializes a GeolocationFileProvider with a file path and default update
// interval and TTL settings.
func NewGeolocationFileProvider(logger *logger.Logger, path string) *GeolocationFileProvider {
	provider := &GeolocationFileProvider{
		name:   name,
		path:   path,
		logger: logger,
		period: time.Minute * 2,
		ttl:    time.Hour * 1,
	}
	provider.locateFn = provider.readFile
	return provider
}

// Name returns the name of the GeolocationFileProvider instance.
func (p *GeolocationFileProvider) Name() string {
	return p.name
}

// LookupStream emits the position from the file and re-reads it once per period until the
// context ends. A file that cannot be read due to missing permissions is reported as
// geobus.ErrDenied.
func (p *GeolocationFileProvider) LookupStream(ctx context.Context) <-chan geobus.Result {
	out := make(chan geobus.Result)
	go func() {
		defer close(out)
		firstRun := true

		for {
			if !firstRun {
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.period):
				}
			}
			firstRun = false

			var res geobus.Result
			coord, err := p.locateFn()
			switch {
			case errors.Is(err, fs.ErrPermission):
				res = geobus.Failure(p.name, fmt.Errorf("%w: %w", geobus.ErrDenied, err))
			case err != nil:
				p.logger.Debug("failed to read geolocation file", logger.Err(err))
				continue
			default:
				res = p.createResult(coord)
			}

			select {
			case <-ctx.Done():
				return
			case out <- res:
			}
		}
	}()
	return out
}

// createResult composes and returns a Result using provided geolocation data and metadata.
func (p *GeolocationFileProvider) createResult(coord geobus.Coordinate) geobus.Result {
	return geobus.Result{
		Lat:            coord.Lat,
		Lon:            coord.Lon,
		AccuracyMeters: coord.Acc,
		Source:         p.name,
		At:             time.Now(),
		TTL:            p.ttl,
	}
}

// readFile reads the first valid position from the file at the configured path.
func (p *GeolocationFileProvider) readFile() (geobus.Coordinate, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return geobus.Coordinate{}, fmt.Errorf("failed to read geolocation file %q: %w", p.path, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if coord, ok := parseLine(line); ok {
			return coord, nil
		}
	}
	return geobus.Coordinate{}, ErrNoCoordinates
}

func parseLine(line string) (geobus.Coordinate, bool) {
	fields := strings.Split(line, ",")
	if len(fields) != 2 && len(fields) != 3 {
		return geobus.Coordinate{}, false
	}

	values := make([]float64, len(fields))
	for i, field := range fields {
		value, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return geobus.Coordinate{}, false
		}
		values[i] = value
	}

	coord := geobus.Coordinate{Lat: values[0], Lon: values[1], Acc: geobus.AccuracyZip}
	if len(values) == 3 {
		if values[2] < 0 {
			return geobus.Coordinate{}, false
		}
		coord.Acc = values[2]
	}
	return coord, coord.Valid()
}
