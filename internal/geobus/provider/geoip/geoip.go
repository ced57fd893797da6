// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geoip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wneessen/waybar-location/internal/geobus"
	"github.com/wneessen/waybar-location/internal/http"
	"github.com/wneessen/waybar-location/internal/logger"
)

const (
	apiEndpoint   = "https://reallyfreegeoip.org/json/"
	lookupTimeout = time.Second * 5
	name          = "geoip"
)

// GeolocationGeoIPProvider estimates the position from the public IP address of the host.
type GeolocationGeoIPProvider struct {
	name     string
	http     *http.Client
	logger   *logger.Logger
	period   time.Duration
	ttl      time.Duration
	locateFn func(ctx context.Context) (geobus.Coordinate, error)
}

type APIResult struct {
	IP          string  `json:"ip"`
	CountryCode string  `json:"country_code"`
	Country     string  `json:"country_name"`
	RegionCode  string  `json:"region_code,omitempty"`
	Region      string  `json:"region_name,omitempty"`
	City        string  `json:"city,omitempty"`
	ZipCode     string  `json:"zip_code,omitempty"`
	TimeZone    string  `json:"time_zone"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	MetroCode   int     `json:"metro_code"`
}

func NewGeolocationGeoIPProvider(logger *logger.Logger, http *http.Client) (*GeolocationGeoIPProvider, error) {
	if http == nil {
		return nil, errors.New("http client is required")
	}
	provider := &GeolocationGeoIPProvider{
		name:   name,
		http:   http,
		logger: logger,
		period: time.Minute * 5,
		ttl:    time.Minute * 30,
	}
	provider.locateFn = provider.locate
	return provider, nil
}

func (p *GeolocationGeoIPProvider) Name() string {
	return p.name
}

// LookupStream queries the GeoIP API right away and then once per period until the context ends.
// A response without country information is reported as geobus.ErrLocationUnknown.
func (p *GeolocationGeoIPProvider) LookupStream(ctx context.Context) <-chan geobus.Result {
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
			coord, err := p.locateFn(ctx)
			switch {
			case errors.Is(err, geobus.ErrLocationUnknown):
				res = geobus.Failure(p.name, err)
			case err != nil:
				p.logger.Debug("GeoIP lookup failed", logger.Err(err))
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
func (p *GeolocationGeoIPProvider) createResult(coord geobus.Coordinate) geobus.Result {
	return geobus.Result{
		Lat:            coord.Lat,
		Lon:            coord.Lon,
		AccuracyMeters: coord.Acc,
		Source:         p.name,
		At:             time.Now(),
		TTL:            p.ttl,
	}
}

func (p *GeolocationGeoIPProvider) locate(ctx context.Context) (geobus.Coordinate, error) {
	result := new(APIResult)
	code, err := p.http.Get(ctx, apiEndpoint, result, http.WithTimeout(lookupTimeout))
	if err != nil {
		return geobus.Coordinate{}, fmt.Errorf("failed to get geolocation data from API: %w", err)
	}
	if code != 200 {
		return geobus.Coordinate{}, fmt.Errorf("GeoIP API returned unexpected status code: %d", code)
	}
	if result.CountryCode == "" {
		return geobus.Coordinate{}, geobus.ErrLocationUnknown
	}

	coord := geobus.Coordinate{
		Lat: geobus.Truncate(result.Latitude, geobus.TruncPrecision),
		Lon: geobus.Truncate(result.Longitude, geobus.TruncPrecision),
		Acc: accuracyClass(result),
	}
	if !coord.Valid() {
		return geobus.Coordinate{}, fmt.Errorf("GeoIP API returned invalid coordinates: %s", coord)
	}
	p.logger.Debug("GeoIP lookup succeeded", slog.String("ip", result.IP), slog.String("city", result.City))
	return coord, nil
}

// accuracyClass maps the most specific field of the API result to an accuracy radius.
func accuracyClass(result *APIResult) float64 {
	switch {
	case result.ZipCode != "":
		return geobus.AccuracyZip
	case result.City != "":
		return geobus.AccuracyCity
	case result.RegionCode != "":
		return geobus.AccuracyRegion
	case result.CountryCode != "":
		return geobus.AccuracyCountry
	default:
		return geobus.AccuracyUnknown
	}
}
