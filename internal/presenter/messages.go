// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package presenter

import "github.com/vorlif/spreak/localize"

// Status messages shown while no location is available.
const (
	MsgSearching        localize.MsgID = "Searching..."
	MsgServicesDisabled localize.MsgID = "Location services disabled"
	MsgLocationError    localize.MsgID = "Error getting location"
	MsgClickToLocate    localize.MsgID = "Click to get my location"
)

// Address messages shown below the coordinates.
const (
	MsgSearchingAddress localize.MsgID = "Searching for address..."
	MsgAddressError     localize.MsgID = "Error finding address"
	MsgNoAddress        localize.MsgID = "No address found"
)

// templateMessages are the labels available to the loc template function.
var templateMessages = map[string]localize.MsgID{
	"Latitude":  "Latitude",
	"Longitude": "Longitude",
	"Accuracy":  "Accuracy",
	"Sunrise":   "Sunrise",
	"Sunset":    "Sunset",
}

// StateIcons maps the output classes to the icon shown in the module text.
var StateIcons = map[string]string{
	ClassTracking: "🔍",
	ClassLocated:  "📍",
	ClassError:    "⚠️",
	ClassIdle:     "🧭",
}
