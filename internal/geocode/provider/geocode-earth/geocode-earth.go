// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geocodeearth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/text/language"

	"github.com/wneessen/waybar-location/internal/geobus"
	"github.com/wneessen/waybar-location/internal/geocode"
	"github.com/wneessen/waybar-location/internal/http"
)

const (
	APIEndpoint = "https://api.geocode.earth/v1/reverse"
	APITimeout  = time.Second * 10
	name        = "geocode-earth"
)

var ErrMissingAPIKey = errors.New("geocode.earth requires an API key")

type GeocodeEarth struct {
	apikey string
	http   *http.Client
	lang   language.Tag
}

type Response struct {
	Features []Feature `json:"features"`
	Type     string    `json:"type"`
}

type Feature struct {
	Geometry   Geometry   `json:"geometry"`
	Properties Properties `json:"properties"`
	Type       string     `json:"type"`
}

// Geometry holds a GeoJSON point, longitude first.
type Geometry struct {
	Coordinates []float64 `json:"coordinates"`
}

type Properties struct {
	DisplayName  string `json:"label"`
	City         string `json:"locality"`
	CityDistrict string `json:"county"`
	Country      string `json:"country"`
	CountryCode  string `json:"country_code"`
	HouseNumber  string `json:"housenumber"`
	Municipality string `json:"neighbourhood"`
	Postcode     string `json:"postalcode"`
	Road         string `json:"street"`
	State        string `json:"region"`
	StateCode    string `json:"region_a"`
}

func New(client *http.Client, lang language.Tag, apikey string) (*GeocodeEarth, error) {
	if apikey == "" {
		return nil, ErrMissingAPIKey
	}
	return &GeocodeEarth{
		apikey: apikey,
		lang:   lang,
		http:   client,
	}, nil
}

func (g *GeocodeEarth) Name() string {
	return name
}

// Reverse returns the address candidates of all features geocode.earth returns for the given
// coordinates.
func (g *GeocodeEarth) Reverse(ctx context.Context, coords geobus.Coordinate) ([]geocode.Address, error) {
	var response Response

	query := url.Values{}
	query.Set("api_key", g.apikey)
	query.Set("point.lat", strconv.FormatFloat(coords.Lat, 'f', -1, 64))
	query.Set("point.lon", strconv.FormatFloat(coords.Lon, 'f', -1, 64))
	query.Set("lang", g.lang.String())

	code, err := g.http.Get(ctx, APIEndpoint, &response, http.WithQuery(query), http.WithTimeout(APITimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve address details from geocode.earth API: %w", err)
	}
	if code != 200 {
		return nil, fmt.Errorf("received non-positive response code from geocode.earth API: %d", code)
	}

	addresses := make([]geocode.Address, 0, len(response.Features))
	for _, feature := range response.Features {
		props := feature.Properties
		addr := geocode.Address{
			Latitude:     coords.Lat,
			Longitude:    coords.Lon,
			DisplayName:  props.DisplayName,
			Country:      props.Country,
			State:        props.State,
			Municipality: props.Municipality,
			CityDistrict: props.CityDistrict,
			Postcode:     props.Postcode,
			City:         props.City,
			Street:       props.Road,
			HouseNumber:  props.HouseNumber,
		}
		if len(feature.Geometry.Coordinates) == 2 {
			addr.Longitude = feature.Geometry.Coordinates[0]
			addr.Latitude = feature.Geometry.Coordinates[1]
		}
		addresses = append(addresses, addr)
	}

	return addresses, nil
}
