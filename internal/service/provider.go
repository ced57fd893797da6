// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/wneessen/waybar-location/internal/config"
	"github.com/wneessen/waybar-location/internal/geobus"
	"github.com/wneessen/waybar-location/internal/geobus/provider/geoip"
	"github.com/wneessen/waybar-location/internal/geobus/provider/geolocation_file"
	"github.com/wneessen/waybar-location/internal/geobus/provider/gpsd"
	"github.com/wneessen/waybar-location/internal/geobus/provider/ichnaea"
	"github.com/wneessen/waybar-location/internal/geocode"
	geocodeearth "github.com/wneessen/waybar-location/internal/geocode/provider/geocode-earth"
	"github.com/wneessen/waybar-location/internal/geocode/provider/opencage"
	nominatim "github.com/wneessen/waybar-location/internal/geocode/provider/osm-nominatim"
	"github.com/wneessen/waybar-location/internal/http"
	"github.com/wneessen/waybar-location/internal/logger"
	"github.com/wneessen/waybar-location/internal/permission"
)

const (
	cacheHitTTL  = time.Hour * 24
	cacheMissTTL = time.Minute * 10
)

var ErrNoProviders = errors.New("no geolocation providers enabled")

func (s *Service) selectGeobusProviders() ([]geobus.Provider, error) {
	httpClient := http.New(s.logger)
	var provider []geobus.Provider

	if !s.config.GeoLocation.DisableGeolocationFile {
		provider = append(provider, geolocation_file.NewGeolocationFileProvider(s.logger, s.config.GeoLocation.File))
	}

	if !s.config.GeoLocation.DisableGPSD {
		provider = append(provider, gpsd.NewGeolocationGPSDProvider(s.logger, s.config.GeoLocation.GPSDHost,
			s.config.GeoLocation.GPSDPort))
	}

	if !s.config.GeoLocation.DisableGeoIP {
		gip, err := geoip.NewGeolocationGeoIPProvider(s.logger, httpClient)
		if err != nil {
			return nil, fmt.Errorf("failed to create GeoIP provider: %w", err)
		}
		provider = append(provider, gip)
	}

	if !s.config.GeoLocation.DisableICHNAEA {
		mls, err := ichnaea.NewGeolocationICHNAEAProvider(s.logger, httpClient)
		if err != nil {
			s.logger.Error("failed to create ICHNAEA provider", logger.Err(err))
		} else {
			provider = append(provider, mls)
		}
	}
	if len(provider) == 0 {
		return nil, ErrNoProviders
	}

	return provider, nil
}

func (s *Service) selectGeocodeProvider(conf *config.Config, log *logger.Logger, lang language.Tag) (geocode.Geocoder, error) {
	var coder geocode.Geocoder
	var err error

	switch strings.ToLower(conf.GeoCoder.Provider) {
	case "nominatim":
		coder = nominatim.New(http.New(log), lang)
	case "opencage":
		coder, err = opencage.New(http.New(log), lang, conf.GeoCoder.APIKey)
	case "geocode-earth":
		coder, err = geocodeearth.New(http.New(log), lang, conf.GeoCoder.APIKey)
	default:
		return nil, fmt.Errorf("unsupported geocoder type: %s", conf.GeoCoder.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s geocoder: %w", conf.GeoCoder.Provider, err)
	}

	return geocode.NewCachedGeocoder(coder, cacheHitTTL, cacheMissTTL), nil
}

// selectPermissionChecker returns GeoClue2 over D-Bus or a fixed answer, depending on the
// configured permission mode.
func selectPermissionChecker(conf *config.Config, log *logger.Logger) (permission.Checker, error) {
	if conf.GeoLocation.Permission == config.PermissionGeoClue {
		return permission.NewGeoClue(log), nil
	}
	status, err := permission.ParseStatus(conf.GeoLocation.Permission)
	if err != nil {
		return nil, fmt.Errorf("failed to parse permission mode: %w", err)
	}
	return permission.NewStatic(status), nil
}
