// Package geo holds coordinate types, validation and great-circle distance.
package geo

import (
	"errors"
	"math"
)

// EarthRadiusMeters is the mean Earth radius used by Distance.
const EarthRadiusMeters = 6371000.0

// ErrInvalidCoordinates is returned for non-finite or out-of-range positions.
var ErrInvalidCoordinates = errors.New("invalid coordinates")

// Point is a WGS84 position in degrees.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks that the point is finite and within [-90,90] x [-180,180].
func (p Point) Validate() error {
	if !finite(p.Latitude) || !finite(p.Longitude) {
		return ErrInvalidCoordinates
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		return ErrInvalidCoordinates
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return ErrInvalidCoordinates
	}
	return nil
}

// Fix is a device position report.
type Fix struct {
	Point
	AccuracyMeters float64 `json:"accuracy_meters"`
	Address        string  `json:"address,omitempty"`
}

// Validate checks the position and that the accuracy radius is a finite non-negative value.
func (f Fix) Validate() error {
	if err := f.Point.Validate(); err != nil {
		return err
	}
	if !finite(f.AccuracyMeters) || f.AccuracyMeters < 0 {
		return ErrInvalidCoordinates
	}
	return nil
}

// Distance returns the haversine surface distance between a and b in meters.
func Distance(a, b Point) float64 {
	phi1 := radians(a.Latitude)
	phi2 := radians(b.Latitude)
	dPhi := radians(b.Latitude - a.Latitude)
	dLambda := radians(b.Longitude - a.Longitude)

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)
	h := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda
	// rounding can push h past 1 for near-antipodal points
	h = math.Min(1, math.Max(0, h))
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
