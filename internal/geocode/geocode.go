// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geocode

import (
	"context"
	"strings"

	"github.com/wneessen/waybar-location/internal/geobus"
)

// Address is a structured postal address as returned by a reverse geocoding provider.
type Address struct {
	Latitude     float64
	Longitude    float64
	DisplayName  string
	Country      string
	State        string
	Municipality string
	CityDistrict string
	Postcode     string
	City         string
	Suburb       string
	Street       string
	HouseNumber  string
}

// Geocoder resolves coordinates into a list of address candidates. An empty list without an
// error means that the provider knows no address for the position.
type Geocoder interface {
	Name() string
	Reverse(ctx context.Context, coords geobus.Coordinate) ([]Address, error)
}

// FormatLines assembles the two display lines of an address. The first line holds the house
// number and the street, the second line holds city, state and postcode. Missing parts are
// omitted.
func FormatLines(addr Address) (line1, line2 string) {
	return joinNonEmpty(addr.HouseNumber, addr.Street),
		joinNonEmpty(addr.City, addr.State, addr.Postcode)
}

// Text returns the formatted address lines separated by a newline. Empty lines are dropped.
func (a Address) Text() string {
	line1, line2 := FormatLines(a)
	return joinNonEmptySep("\n", line1, line2)
}

func joinNonEmpty(parts ...string) string {
	return joinNonEmptySep(" ", parts...)
}

func joinNonEmptySep(sep string, parts ...string) string {
	list := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			list = append(list, part)
		}
	}
	return strings.Join(list, sep)
}
