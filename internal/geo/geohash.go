// Package geo provides base-32 geohash encoding and great-circle distance.
//
// Precision 6 cells are roughly 1.2 km on a side, which is the default
// granularity for the candidate-selection index sweep.
package geo

import (
	"fmt"
	"math"

	"github.com/shareloop/shareloop/internal/model"
)

const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// EarthRadiusMiles is the mean Earth radius used for haversine distance.
const EarthRadiusMiles = 3958.8

var base32Index = func() map[byte]int {
	m := make(map[byte]int, len(base32))
	for i := 0; i < len(base32); i++ {
		m[base32[i]] = i
	}
	return m
}()

// Encode returns the geohash of (lat, lng) at the given precision (1..12).
func Encode(lat, lng float64, precision int) string {
	if precision < 1 {
		precision = 1
	}
	if precision > 12 {
		precision = 12
	}

	latMin, latMax := -90.0, 90.0
	lngMin, lngMax := -180.0, 180.0

	var (
		hash    []byte
		bit     int
		ch      int
		evenBit = true
	)
	for len(hash) < precision {
		if evenBit {
			mid := (lngMin + lngMax) / 2
			if lng >= mid {
				ch = ch<<1 | 1
				lngMin = mid
			} else {
				ch <<= 1
				lngMax = mid
			}
		} else {
			mid := (latMin + latMax) / 2
			if lat >= mid {
				ch = ch<<1 | 1
				latMin = mid
			} else {
				ch <<= 1
				latMax = mid
			}
		}
		evenBit = !evenBit
		bit++
		if bit == 5 {
			hash = append(hash, base32[ch])
			bit, ch = 0, 0
		}
	}
	return string(hash)
}

// Box is a geohash cell's bounding box.
type Box struct {
	LatMin, LatMax float64
	LngMin, LngMax float64
}

// Center returns the cell's center point.
func (b Box) Center() model.Coordinates {
	return model.Coordinates{Lat: (b.LatMin + b.LatMax) / 2, Lng: (b.LngMin + b.LngMax) / 2}
}

// Contains reports whether the point lies inside the box.
func (b Box) Contains(c model.Coordinates) bool {
	return c.Lat >= b.LatMin && c.Lat <= b.LatMax && c.Lng >= b.LngMin && c.Lng <= b.LngMax
}

// Decode returns the bounding box of a geohash cell.
func Decode(hash string) (Box, error) {
	if hash == "" {
		return Box{}, fmt.Errorf("geo: empty geohash")
	}

	latMin, latMax := -90.0, 90.0
	lngMin, lngMax := -180.0, 180.0
	evenBit := true

	for i := 0; i < len(hash); i++ {
		idx, ok := base32Index[hash[i]]
		if !ok {
			return Box{}, fmt.Errorf("geo: invalid geohash character %q", hash[i])
		}
		for bit := 4; bit >= 0; bit-- {
			set := idx>>bit&1 == 1
			if evenBit {
				mid := (lngMin + lngMax) / 2
				if set {
					lngMin = mid
				} else {
					lngMax = mid
				}
			} else {
				mid := (latMin + latMax) / 2
				if set {
					latMin = mid
				} else {
					latMax = mid
				}
			}
			evenBit = !evenBit
		}
	}
	return Box{LatMin: latMin, LatMax: latMax, LngMin: lngMin, LngMax: lngMax}, nil
}

// Neighbors returns the 8 cells adjacent to hash, clockwise from north.
// Cells that would cross the poles are clamped and may duplicate the input
// row; callers dedupe.
func Neighbors(hash string) ([]string, error) {
	box, err := Decode(hash)
	if err != nil {
		return nil, err
	}
	c := box.Center()
	dLat := box.LatMax - box.LatMin
	dLng := box.LngMax - box.LngMin

	offsets := [8][2]float64{
		{dLat, 0},     // n
		{dLat, dLng},  // ne
		{0, dLng},     // e
		{-dLat, dLng}, // se
		{-dLat, 0},    // s
		{-dLat, -dLng}, // sw
		{0, -dLng},    // w
		{dLat, -dLng}, // nw
	}

	out := make([]string, 0, 8)
	for _, off := range offsets {
		lat := clamp(c.Lat+off[0], -90, 90)
		lng := wrapLng(c.Lng + off[1])
		out = append(out, Encode(lat, lng, len(hash)))
	}
	return out, nil
}

// PrefixesForRadius returns the index prefixes to sweep for candidates
// within radiusMiles of center: the center cell plus its 8 neighbors, at a
// precision chosen by the radius (4 beyond 20 km, 5 beyond 10 km, else 6).
// Duplicates from pole clamping are removed; order is deterministic.
func PrefixesForRadius(center model.Coordinates, radiusMiles float64) []string {
	radiusKm := radiusMiles * 1.609344
	precision := 6
	switch {
	case radiusKm > 20:
		precision = 4
	case radiusKm > 10:
		precision = 5
	}

	centerHash := Encode(center.Lat, center.Lng, precision)
	prefixes := []string{centerHash}
	neighbors, err := Neighbors(centerHash)
	if err != nil {
		return prefixes
	}

	seen := map[string]bool{centerHash: true}
	for _, n := range neighbors {
		if !seen[n] {
			seen[n] = true
			prefixes = append(prefixes, n)
		}
	}
	return prefixes
}

// HaversineMiles returns the great-circle distance between two points.
func HaversineMiles(a, b model.Coordinates) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusMiles * math.Asin(math.Min(1, math.Sqrt(h)))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func wrapLng(lng float64) float64 {
	for lng > 180 {
		lng -= 360
	}
	for lng < -180 {
		lng += 360
	}
	return lng
}
