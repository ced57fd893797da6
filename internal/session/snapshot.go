// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package session

import (
	"time"

	"github.com/wneessen/waybar-location/internal/geobus"
	"github.com/wneessen/waybar-location/internal/geocode"
	"github.com/wneessen/waybar-location/internal/vartype"
)

// Snapshot is a read-only copy of the session state.
type Snapshot struct {
	// ID identifies the most recent tracking run.
	ID              string
	Tracking        bool
	Geocoding       bool
	Location        vartype.Variable[geobus.Result]
	Address         vartype.Variable[geocode.Address]
	LocationErr     error
	GeocodeErr      error
	DesiredAccuracy float64
	UpdatedAt       time.Time
	// Version increases with every state change. Listeners use it to drop snapshots that are
	// delivered out of order.
	Version uint64
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:              s.id,
		Tracking:        s.tracking,
		Geocoding:       s.geocoding,
		Location:        s.location,
		Address:         s.address,
		LocationErr:     s.locationErr,
		GeocodeErr:      s.geocodeErr,
		DesiredAccuracy: s.conf.DesiredAccuracy,
		UpdatedAt:       s.updatedAt,
		Version:         s.version,
	}
}
