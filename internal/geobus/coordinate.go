// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geobus

import (
	"math"
	"strconv"
)

// EarthRadius in meters
const EarthRadius = 6371000.0

// Coordinate represents a geographic coordinate with its horizontal accuracy in meters.
type Coordinate struct {
	Lat float64
	Lon float64
	Acc float64
}

// Distance returns the great-circle distance in meters between c and other using the
// Haversine formula.
func (c Coordinate) Distance(other Coordinate) float64 {
	dLat := (c.Lat - other.Lat) * math.Pi / 180
	dLon := (c.Lon - other.Lon) * math.Pi / 180
	lat1 := c.Lat * math.Pi / 180
	lat2 := other.Lat * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadius * math.Asin(math.Sqrt(h))
}

// Valid checks if the coordinate is valid according to the EPSG logic
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

func (c Coordinate) String() string {
	return strconv.FormatFloat(c.Lat, 'f', 8, 64) + "," + strconv.FormatFloat(c.Lon, 'f', 8, 64)
}
