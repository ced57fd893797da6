// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geocode

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wneessen/waybar-location/internal/geobus"
)

// coordPrecision is the precision used to quantize coordinates (0.01 degrees ≈ 1.1 km)
const coordPrecision = 1e-2

type cacheKey struct {
	Provider string
	LatQ     int32
	LonQ     int32
}

type cacheEntry struct {
	Addresses []Address
	Expiry    time.Time
}

// CachedGeocoder wraps a Geocoder and caches its answers per quantized coordinate. Lookups that
// found no address are kept for ttlMiss, all others for ttlHit. Errors are not cached.
type CachedGeocoder struct {
	coder   Geocoder
	clock   clockwork.Clock
	ttlHit  time.Duration
	ttlMiss time.Duration

	mu     sync.RWMutex
	cache  map[cacheKey]cacheEntry
	hits   uint64
	misses uint64
}

func NewCachedGeocoder(coder Geocoder, ttlHit, ttlMiss time.Duration) *CachedGeocoder {
	return &CachedGeocoder{
		coder:   coder,
		clock:   clockwork.NewRealClock(),
		ttlHit:  ttlHit,
		ttlMiss: ttlMiss,
		cache:   make(map[cacheKey]cacheEntry),
	}
}

func (c *CachedGeocoder) Name() string {
	return "geocoder cache using " + c.coder.Name()
}

func (c *CachedGeocoder) Reverse(ctx context.Context, coords geobus.Coordinate) ([]Address, error) {
	key := newKey(c.coder.Name(), coords.Lat, coords.Lon)

	c.mu.Lock()
	entry, ok := c.cache[key]
	if ok && c.clock.Now().Before(entry.Expiry) {
		c.hits++
		c.mu.Unlock()
		return entry.Addresses, nil
	}
	c.misses++
	c.mu.Unlock()

	addrs, err := c.coder.Reverse(ctx, coords)
	if err != nil {
		return nil, err
	}

	ttl := c.ttlHit
	if len(addrs) == 0 {
		ttl = c.ttlMiss
	}
	c.mu.Lock()
	c.cache[key] = cacheEntry{
		Addresses: addrs,
		Expiry:    c.clock.Now().Add(ttl),
	}
	c.mu.Unlock()

	return addrs, nil
}

// Stats returns the number of cache hits and misses.
func (c *CachedGeocoder) Stats() (hits, misses uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}

func quantizeCoord(val float64) int32 {
	return int32(math.Round(val / coordPrecision))
}

func newKey(provider string, lat, lon float64) cacheKey {
	return cacheKey{
		Provider: provider,
		LatQ:     quantizeCoord(lat),
		LonQ:     quantizeCoord(lon),
	}
}
