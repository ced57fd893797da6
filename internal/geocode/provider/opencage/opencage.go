// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package opencage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/text/language"

	"github.com/wneessen/waybar-location/internal/geobus"
	"github.com/wneessen/waybar-location/internal/geocode"
	"github.com/wneessen/waybar-location/internal/http"
)

const (
	APIEndpoint = "https://api.opencagedata.com/geocode/v1/json"
	APITimeout  = time.Second * 10
	name        = "opencage"
)

var ErrMissingAPIKey = errors.New("OpenCage requires an API key")

type OpenCage struct {
	apikey string
	http   *http.Client
	lang   language.Tag
}

type Response struct {
	Results      []Result `json:"results"`
	Status       Status   `json:"status"`
	TotalResults int      `json:"total_results"`
}

type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type Result struct {
	Components  Components `json:"components"`
	DisplayName string     `json:"formatted"`
	Geometry    Geometry   `json:"geometry"`
}

type Components struct {
	NomalizedCity string `json:"_normalized_city"`
	City          string `json:"city"`
	CityDistrict  string `json:"city_district"`
	Country       string `json:"country"`
	CountryCode   string `json:"country_code"`
	HouseNumber   string `json:"house_number"`
	Municipality  string `json:"municipality"`
	Postcode      string `json:"postcode"`
	Road          string `json:"road"`
	State         string `json:"state"`
	StateCode     string `json:"state_code"`
	Suburb        string `json:"suburb"`
	Town          string `json:"town"`
	Village       string `json:"village"`
}

type Geometry struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lng"`
}

func New(client *http.Client, lang language.Tag, apikey string) (*OpenCage, error) {
	if apikey == "" {
		return nil, ErrMissingAPIKey
	}
	return &OpenCage{
		apikey: apikey,
		lang:   lang,
		http:   client,
	}, nil
}

func (o *OpenCage) Name() string {
	return name
}

// Reverse returns every address candidate OpenCage knows for the given coordinates.
func (o *OpenCage) Reverse(ctx context.Context, coords geobus.Coordinate) ([]geocode.Address, error) {
	var response Response

	query := url.Values{}
	query.Set("key", o.apikey)
	query.Set("q", fmt.Sprintf("%f,%f", coords.Lat, coords.Lon))
	query.Set("no_annotations", "1")
	query.Set("no_record", "1")
	query.Set("language", o.lang.String())

	code, err := o.http.Get(ctx, APIEndpoint, &response, http.WithQuery(query), http.WithTimeout(APITimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve address details from OpenCage API: %w", err)
	}
	if code != 200 {
		return nil, fmt.Errorf("OpenCage API returned status %d: %s", code, response.Status.Message)
	}

	addresses := make([]geocode.Address, 0, len(response.Results))
	for _, result := range response.Results {
		comp := result.Components
		city := comp.NomalizedCity
		if city == "" {
			city = comp.City
		}
		if comp.Town != "" {
			city = comp.Town
		}
		if comp.Village != "" {
			city = comp.Village
		}
		addresses = append(addresses, geocode.Address{
			Latitude:     result.Geometry.Lat,
			Longitude:    result.Geometry.Lon,
			DisplayName:  result.DisplayName,
			Country:      comp.Country,
			State:        comp.State,
			Municipality: comp.Municipality,
			CityDistrict: comp.CityDistrict,
			Postcode:     comp.Postcode,
			City:         city,
			Suburb:       comp.Suburb,
			Street:       comp.Road,
			HouseNumber:  comp.HouseNumber,
		})
	}

	return addresses, nil
}
