// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package presenter

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nathan-osman/go-sunrise"
	"github.com/vorlif/humanize"
	"github.com/vorlif/humanize/locale/de"
	"github.com/vorlif/spreak"

	"github.com/wneessen/waybar-location/internal/config"
	"github.com/wneessen/waybar-location/internal/geobus"
	"github.com/wneessen/waybar-location/internal/geocode"
	"github.com/wneessen/waybar-location/internal/permission"
	"github.com/wneessen/waybar-location/internal/session"
)

const (
	OutputClass   = "waybar-location"
	ClassTracking = "tracking"
	ClassLocated  = "located"
	ClassError    = "error"
	ClassIdle     = "idle"
)

// Output is a single line of waybar custom module output.
type Output struct {
	Text    string   `json:"text"`
	Tooltip string   `json:"tooltip"`
	Classes []string `json:"class"`
}

// TemplateContext is the data the text and tooltip templates are executed with.
type TemplateContext struct {
	Icon  string
	Class string

	// Status is empty while a location is available
	Status      string
	HasLocation bool
	Tracking    bool
	Geocoding   bool
	Latitude    float64
	Longitude   float64
	Altitude    float64
	Accuracy    float64
	Source      string
	SampleTime  time.Time

	Address      geocode.Address
	AddressLine1 string
	AddressLine2 string
	// AddressText holds the formatted address lines or the address status message
	AddressText string

	SunriseTime time.Time
	SunsetTime  time.Time
	UpdateTime  time.Time
}

type Presenter struct {
	TextTemplate    *template.Template
	TooltipTemplate *template.Template

	clock     clockwork.Clock
	localizer *spreak.Localizer
	humanizer *humanize.Humanizer
}

// New parses the configured templates and verifies that they execute against an empty context.
func New(conf *config.Config, localizer *spreak.Localizer) (*Presenter, error) {
	if localizer == nil {
		return nil, errors.New("localizer is required")
	}
	collection := humanize.MustNew(humanize.WithLocale(de.New()))
	pres := &Presenter{
		clock:     clockwork.NewRealClock(),
		localizer: localizer,
		humanizer: collection.CreateHumanizer(localizer.Language()),
	}

	var err error
	pres.TextTemplate, err = template.New("text").Funcs(pres.templateFuncMap()).Parse(conf.Templates.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse text template: %w", err)
	}
	pres.TooltipTemplate, err = template.New("tooltip").Funcs(pres.templateFuncMap()).Parse(conf.Templates.Tooltip)
	if err != nil {
		return nil, fmt.Errorf("failed to parse tooltip template: %w", err)
	}
	if _, err = pres.Render(TemplateContext{}); err != nil {
		return nil, err
	}

	return pres, nil
}

// BuildContext turns a session snapshot and the last known permission status into a template context.
func (p *Presenter) BuildContext(snap session.Snapshot, perm permission.Status) TemplateContext {
	tplCtx := TemplateContext{
		Class:      p.class(snap, perm),
		Status:     p.statusMessage(snap, perm),
		Tracking:   snap.Tracking,
		Geocoding:  snap.Geocoding,
		UpdateTime: snap.UpdatedAt,
	}
	tplCtx.Icon = StateIcons[tplCtx.Class]

	loc, ok := snap.Location.Get()
	if !ok {
		return tplCtx
	}
	tplCtx.HasLocation = true
	tplCtx.Latitude = loc.Lat
	tplCtx.Longitude = loc.Lon
	tplCtx.Altitude = loc.Alt
	tplCtx.Accuracy = loc.AccuracyMeters
	tplCtx.Source = loc.Source
	tplCtx.SampleTime = loc.At
	tplCtx.AddressText = p.addressMessage(snap)
	if addr, ok := snap.Address.Get(); ok {
		tplCtx.Address = addr
		tplCtx.AddressLine1, tplCtx.AddressLine2 = geocode.FormatLines(addr)
	}

	now := p.clock.Now()
	tplCtx.SunriseTime, tplCtx.SunsetTime = sunrise.SunriseSunset(loc.Lat, loc.Lon, now.Year(), now.Month(),
		now.Day())

	return tplCtx
}

// Render executes the text and tooltip templates.
func (p *Presenter) Render(tplCtx TemplateContext) (Output, error) {
	output := Output{Classes: []string{OutputClass}}
	if tplCtx.Class != "" {
		output.Classes = append(output.Classes, tplCtx.Class)
	}

	buf := bytes.NewBuffer(nil)
	if err := p.TextTemplate.Execute(buf, tplCtx); err != nil {
		return output, fmt.Errorf("failed to render text template: %w", err)
	}
	output.Text = buf.String()

	buf.Reset()
	if err := p.TooltipTemplate.Execute(buf, tplCtx); err != nil {
		return output, fmt.Errorf("failed to render tooltip template: %w", err)
	}
	output.Tooltip = strings.TrimSpace(buf.String())

	return output, nil
}

func (p *Presenter) statusMessage(snap session.Snapshot, perm permission.Status) string {
	switch {
	case snap.Location.IsSet():
		return ""
	case snap.LocationErr != nil && errors.Is(snap.LocationErr, geobus.ErrDenied):
		return p.localizer.Get(MsgServicesDisabled)
	case snap.LocationErr != nil:
		return p.localizer.Get(MsgLocationError)
	case perm == permission.Denied || perm == permission.Restricted:
		return p.localizer.Get(MsgServicesDisabled)
	case snap.Tracking:
		return p.localizer.Get(MsgSearching)
	default:
		return p.localizer.Get(MsgClickToLocate)
	}
}

func (p *Presenter) addressMessage(snap session.Snapshot) string {
	switch {
	case snap.Geocoding:
		return p.localizer.Get(MsgSearchingAddress)
	case snap.GeocodeErr != nil:
		return p.localizer.Get(MsgAddressError)
	case snap.Address.IsSet():
		return snap.Address.Value().Text()
	default:
		return p.localizer.Get(MsgNoAddress)
	}
}

func (p *Presenter) class(snap session.Snapshot, perm permission.Status) string {
	switch {
	case snap.LocationErr != nil:
		return ClassError
	case snap.Tracking:
		return ClassTracking
	case snap.Location.IsSet():
		return ClassLocated
	case perm == permission.Denied || perm == permission.Restricted:
		return ClassError
	default:
		return ClassIdle
	}
}
