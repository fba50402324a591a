package geo

import (
	"errors"
	"math"
	"testing"
)

func TestDistanceKnownValues(t *testing.T) {
	origin := Point{}
	cases := []struct {
		name string
		to   Point
		want float64
	}{
		{"same point", Point{}, 0},
		{"~100m east", Point{Latitude: 0, Longitude: 0.0009}, 100.075},
		{"~222m east", Point{Latitude: 0, Longitude: 0.002}, 222.39},
		{"one degree north", Point{Latitude: 1, Longitude: 0}, 111194.93},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Distance(origin, tc.to)
			if math.Abs(got-tc.want) > 0.05 {
				t.Fatalf("Distance = %.4f, want %.4f", got, tc.want)
			}
		})
	}
}

func TestDistanceSymmetricAndZero(t *testing.T) {
	points := []Point{
		{Latitude: 51.5072, Longitude: -0.1276},
		{Latitude: -33.8688, Longitude: 151.2093},
		{Latitude: 43.2389, Longitude: 76.8897},
		{Latitude: 89.9, Longitude: 179.9},
		{Latitude: -89.9, Longitude: -179.9},
		{},
	}
	for _, a := range points {
		if d := Distance(a, a); d != 0 {
			t.Fatalf("Distance(%v,%v) = %v, want 0", a, a, d)
		}
		for _, b := range points {
			ab, ba := Distance(a, b), Distance(b, a)
			if ab < 0 {
				t.Fatalf("negative distance %v", ab)
			}
			if math.Abs(ab-ba) > 1e-6*math.Max(1, ab) {
				t.Fatalf("asymmetric: %v vs %v", ab, ba)
			}
		}
	}
}

func TestDistanceAntipodalIsFinite(t *testing.T) {
	half := math.Pi * EarthRadiusMeters
	pairs := [][2]Point{
		{{Latitude: 0, Longitude: 0}, {Latitude: 0, Longitude: 180}},
		{{Latitude: 90, Longitude: 0}, {Latitude: -90, Longitude: 0}},
		{{Latitude: -88.91, Longitude: -179.1}, {Latitude: 88.91, Longitude: 0.9000000000000057}},
	}
	for lat := -89.99; lat < 90; lat += 0.37 {
		for lon := -179.9; lon < 0; lon += 1.3 {
			pairs = append(pairs, [2]Point{
				{Latitude: lat, Longitude: lon},
				{Latitude: -lat, Longitude: lon + 180},
			})
		}
	}
	for _, p := range pairs {
		d := Distance(p[0], p[1])
		if !finite(d) {
			t.Fatalf("Distance(%v,%v) = %v, want finite", p[0], p[1], d)
		}
		if math.Abs(d-half) > 1 {
			t.Fatalf("Distance(%v,%v) = %.3f, want ~%.3f", p[0], p[1], d, half)
		}
	}
}

func TestFixValidate(t *testing.T) {
	cases := []struct {
		name string
		fix  Fix
		ok   bool
	}{
		{"valid", Fix{Point: Point{Latitude: 10, Longitude: 20}, AccuracyMeters: 5}, true},
		{"poles and antimeridian", Fix{Point: Point{Latitude: -90, Longitude: 180}}, true},
		{"lat too high", Fix{Point: Point{Latitude: 90.01}}, false},
		{"lon too low", Fix{Point: Point{Longitude: -180.5}}, false},
		{"nan lat", Fix{Point: Point{Latitude: math.NaN()}}, false},
		{"inf lon", Fix{Point: Point{Longitude: math.Inf(1)}}, false},
		{"negative accuracy", Fix{AccuracyMeters: -1}, false},
		{"nan accuracy", Fix{AccuracyMeters: math.NaN()}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.fix.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidCoordinates) {
				t.Fatalf("expected ErrInvalidCoordinates, got %v", err)
			}
		})
	}
}
