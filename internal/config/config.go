// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kkyr/fig"
)

const (
	configEnv      = "WAYBARLOCATION"
	DefaultTextTpl = "{{iconPad .Icon}}{{if .HasLocation}}{{floatFormat .Latitude 4}}, " +
		"{{floatFormat .Longitude 4}}{{else}}{{.Status}}{{end}}"
	DefaultTooltipTpl = "{{if .HasLocation}}{{loc \"Latitude\"}}: {{floatFormat .Latitude 8}}\n" +
		"{{loc \"Longitude\"}}: {{floatFormat .Longitude 8}}\n" +
		"{{loc \"Accuracy\"}}: {{floatFormat .Accuracy 0}} m ({{.Source}}, {{naturalTime .SampleTime}})\n" +
		"{{.AddressText}}\n" +
		"{{loc \"Sunrise\"}}: {{timeFormat .SunriseTime \"15:04\"}} / {{loc \"Sunset\"}}: " +
		"{{timeFormat .SunsetTime \"15:04\"}}{{else}}{{.Status}}{{end}}"
)

// Permission modes accepted by GeoLocation.Permission. "geoclue" asks GeoClue2 over D-Bus, every
// other value is a fixed answer.
const (
	PermissionGeoClue      = "geoclue"
	PermissionGranted      = "granted"
	PermissionDenied       = "denied"
	PermissionRestricted   = "restricted"
	PermissionUndetermined = "undetermined"
)

// Config represents the application's configuration structure.
type Config struct {
	Locale   string     `fig:"locale"`
	LogLevel slog.Level `fig:"loglevel" default:"0"`

	Session struct {
		// Tracking stops once a sample is at least this accurate (meters)
		DesiredAccuracy float64 `fig:"desired_accuracy" default:"10"`
		// Samples older than this are considered cached and are dropped
		MaxSampleAge time.Duration `fig:"max_sample_age" default:"5s"`
		// Give up when no sample has been accepted within this time
		Timeout        time.Duration `fig:"timeout" default:"60s"`
		DisableTimeout bool          `fig:"disable_timeout"`
		Autostart      bool          `fig:"autostart"`
	} `fig:"session"`

	Intervals struct {
		Output time.Duration `fig:"output" default:"30s"`
	} `fig:"intervals"`

	Templates struct {
		Text    string `fig:"text"`
		Tooltip string `fig:"tooltip"`
	} `fig:"templates"`

	GeoLocation struct {
		File string `fig:"file"`
		// Allowed values: geoclue, granted, denied, restricted, undetermined
		Permission             string `fig:"permission" default:"geoclue"`
		GPSDHost               string `fig:"gpsd_host" default:"localhost"`
		GPSDPort               string `fig:"gpsd_port" default:"2947"`
		DisableGPSD            bool   `fig:"disable_gpsd"`
		DisableGeoIP           bool   `fig:"disable_geoip"`
		DisableGeolocationFile bool   `fig:"disable_geolocation_file"`
		DisableICHNAEA         bool   `fig:"disable_ichnaea"`
	} `fig:"geolocation"`

	GeoCoder struct {
		// Allowed values: nominatim, opencage, geocode-earth
		Provider string `fig:"provider" default:"nominatim"`
		APIKey   string `fig:"apikey"`
		// Drop lookup results that belong to a sample which is no longer the current one
		DiscardStale bool `fig:"discard_stale"`
	} `fig:"geocoder"`
}

func NewFromFile(path, file string) (*Config, error) {
	conf := new(Config)
	_, err := os.Stat(filepath.Join(path, file))
	if err != nil {
		return conf, fmt.Errorf("failed to read Config: %w", err)
	}
	if err = fig.Load(conf, fig.Dirs(path), fig.File(file), fig.UseEnv(configEnv)); err != nil {
		return conf, fmt.Errorf("failed to load Config: %w", err)
	}

	return conf, conf.Validate()
}

func New() (*Config, error) {
	conf := new(Config)
	if err := fig.Load(conf, fig.AllowNoFile(), fig.UseEnv(configEnv)); err != nil {
		return conf, fmt.Errorf("failed to load Config: %w", err)
	}

	return conf, conf.Validate()
}

func (c *Config) Validate() error {
	if c.Locale == "" {
		c.Locale = getLocale()
	}
	if c.Session.DesiredAccuracy <= 0 {
		return fmt.Errorf("invalid desired accuracy: %f", c.Session.DesiredAccuracy)
	}
	if c.Session.MaxSampleAge <= 0 {
		return fmt.Errorf("invalid max sample age: %s", c.Session.MaxSampleAge)
	}
	if c.Session.Timeout <= 0 {
		return fmt.Errorf("invalid session timeout: %s", c.Session.Timeout)
	}
	if c.Intervals.Output <= 0 {
		return fmt.Errorf("invalid output interval: %s", c.Intervals.Output)
	}
	switch strings.ToLower(c.GeoLocation.Permission) {
	case PermissionGeoClue, PermissionGranted, PermissionDenied, PermissionRestricted, PermissionUndetermined:
		c.GeoLocation.Permission = strings.ToLower(c.GeoLocation.Permission)
	default:
		return fmt.Errorf("invalid permission mode: %s", c.GeoLocation.Permission)
	}
	if c.Templates.Text == "" {
		c.Templates.Text = DefaultTextTpl
	}
	if c.Templates.Tooltip == "" {
		c.Templates.Tooltip = DefaultTooltipTpl
	}
	if c.GeoLocation.File == "" {
		home, _ := os.UserHomeDir()
		c.GeoLocation.File = filepath.Join(home, ".config", "waybar-location", "geolocation")
	}

	return nil
}

func getLocale() string {
	locale := os.Getenv("LC_MESSAGES")
	if idx := strings.Index(locale, "."); idx != -1 {
		lang := locale[:idx]
		return strings.ReplaceAll(lang, "_", "-")
	}
	return locale
}
