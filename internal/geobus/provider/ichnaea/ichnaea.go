// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package ichnaea

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mdlayher/wifi"

	"github.com/wneessen/waybar-location/internal/geobus"
	"github.com/wneessen/waybar-location/internal/http"
	"github.com/wneessen/waybar-location/internal/logger"
)

const (
	apiEndpoint   = "https://api.beacondb.net/v1/geolocate"
	lookupTimeout = time.Second * 5
	wifiScanTime  = time.Minute * 2
	name          = "ichnaea"
)

// AccessPointScanner lists the wireless networks visible to the host.
type AccessPointScanner interface {
	AccessPoints() ([]WirelessNetwork, error)
}

// GeolocationICHNAEAProvider locates the host by submitting visible WiFi access points to an
// Ichnaea compatible geolocation API.
type GeolocationICHNAEAProvider struct {
	name     string
	http     *http.Client
	logger   *logger.Logger
	scanner  AccessPointScanner
	period   time.Duration
	ttl      time.Duration
	locateFn func(ctx context.Context) (geobus.Coordinate, error)

	apLock sync.RWMutex
	aps    []WirelessNetwork
}

type APIResult struct {
	Location struct {
		Latitude  float64 `json:"lat"`
		Longitude float64 `json:"lng"`
	} `json:"location"`
	Accuracy float64 `json:"accuracy"`
	Error    *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type WirelessNetwork struct {
	LastSeen       int64  `json:"age"`
	MACAddress     string `json:"macAddress"`
	SignalStrength int32  `json:"signalStrength"`
}

// NewGeolocationICHNAEAProvider returns a provider that scans for access points with the nl80211
// WiFi client of the host.
func NewGeolocationICHNAEAProvider(logger *logger.Logger, http *http.Client) (*GeolocationICHNAEAProvider, error) {
	if http == nil {
		return nil, errors.New("http client is required")
	}
	wlan, err := wifi.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create wifi client: %w", err)
	}
	return newProvider(logger, http, &wifiScanner{client: wlan}), nil
}

func newProvider(logger *logger.Logger, http *http.Client, scanner AccessPointScanner) *GeolocationICHNAEAProvider {
	provider := &GeolocationICHNAEAProvider{
		name:    name,
		http:    http,
		logger:  logger,
		scanner: scanner,
		period:  time.Minute * 5,
		ttl:     time.Hour * 1,
	}
	provider.locateFn = provider.locate
	return provider
}

func (p *GeolocationICHNAEAProvider) Name() string {
	return p.name
}

// LookupStream scans for access points and queries the geolocation API once per period until
// the context ends.
func (p *GeolocationICHNAEAProvider) LookupStream(ctx context.Context) <-chan geobus.Result {
	out := make(chan geobus.Result)
	go func() {
		defer close(out)
		p.scanAccessPoints()
		go p.monitorWifiAccessPoints(ctx)
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
				p.logger.Debug("ICHNAEA lookup failed", logger.Err(err))
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
func (p *GeolocationICHNAEAProvider) createResult(coord geobus.Coordinate) geobus.Result {
	return geobus.Result{
		Lat:            coord.Lat,
		Lon:            coord.Lon,
		AccuracyMeters: coord.Acc,
		Source:         p.name,
		At:             time.Now(),
		TTL:            p.ttl,
	}
}

func (p *GeolocationICHNAEAProvider) monitorWifiAccessPoints(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wifiScanTime):
		}
		p.scanAccessPoints()
	}
}

func (p *GeolocationICHNAEAProvider) scanAccessPoints() {
	list, err := p.scanner.AccessPoints()
	if err != nil {
		p.logger.Debug("failed to scan WiFi access points", logger.Err(err))
		return
	}
	p.apLock.Lock()
	p.aps = list
	p.apLock.Unlock()
}

func (p *GeolocationICHNAEAProvider) accessPoints() []WirelessNetwork {
	p.apLock.RLock()
	defer p.apLock.RUnlock()
	return p.aps
}

func (p *GeolocationICHNAEAProvider) locate(ctx context.Context) (geobus.Coordinate, error) {
	type request struct {
		ConsiderIP   bool              `json:"considerIp"`
		Accesspoints []WirelessNetwork `json:"wifiAccessPoints,omitempty"`
	}
	wifiList := p.accessPoints()
	req := request{
		ConsiderIP:   true,
		Accesspoints: wifiList,
	}
	bodyBuffer := bytes.NewBuffer(nil)
	if err := json.NewEncoder(bodyBuffer).Encode(req); err != nil {
		return geobus.Coordinate{}, fmt.Errorf("failed to encode wifi list to JSON: %w", err)
	}

	result := new(APIResult)
	code, err := p.http.Post(ctx, apiEndpoint, result, bodyBuffer, http.WithTimeout(lookupTimeout))
	if err != nil {
		return geobus.Coordinate{}, fmt.Errorf("failed to get geolocation data from API: %w", err)
	}
	// Ichnaea answers 404 when neither the networks nor the IP address are known
	if code == 404 {
		return geobus.Coordinate{}, geobus.ErrLocationUnknown
	}
	if code != 200 {
		msg := ""
		if result.Error != nil {
			msg = result.Error.Message
		}
		return geobus.Coordinate{}, fmt.Errorf("geolocation API returned status %d: %s", code, msg)
	}

	p.logger.Debug("ICHNAEA lookup succeeded", slog.Int("access_points", len(wifiList)),
		slog.Float64("accuracy", result.Accuracy))
	return geobus.Coordinate{
		Lat: geobus.Truncate(result.Location.Latitude, geobus.TruncPrecision),
		Lon: geobus.Truncate(result.Location.Longitude, geobus.TruncPrecision),
		Acc: geobus.Truncate(result.Accuracy, 2),
	}, nil
}

// wifiScanner reads the access points the station interfaces of the host have seen.
type wifiScanner struct {
	client *wifi.Client
}

func (w *wifiScanner) AccessPoints() ([]WirelessNetwork, error) {
	var list []WirelessNetwork

	ifaces, err := w.client.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Type != wifi.InterfaceTypeStation {
			continue
		}
		aps, err := w.client.AccessPoints(iface)
		if err != nil {
			continue
		}
		for _, ap := range aps {
			if !mappable(ap.SSID) {
				continue
			}
			list = append(list, WirelessNetwork{
				SignalStrength: ap.Signal / 100,
				MACAddress:     ap.BSSID.String(),
				LastSeen:       ap.LastSeen.Milliseconds(),
			})
		}
	}

	return list, nil
}

// mappable reports whether a network may be submitted. Hidden networks and networks whose
// owner opted out with the "_nomap" suffix are skipped.
func mappable(ssid string) bool {
	return ssid != "" && ssid[0] != '\x00' && !strings.HasSuffix(ssid, "_nomap")
}
