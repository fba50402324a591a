package geo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNominatimReverseGeocode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/reverse" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("lat") != "1.5" || r.URL.Query().Get("lon") != "-2.25" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if r.Header.Get("User-Agent") != "fieldops-test" {
			t.Errorf("missing user agent")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"display_name":"Central Park, New York"}`))
	}))
	defer srv.Close()

	n := NewNominatim(srv.URL, "fieldops-test", time.Second)
	addr, err := n.ReverseGeocode(context.Background(), Point{Latitude: 1.5, Longitude: -2.25})
	if err != nil {
		t.Fatalf("ReverseGeocode: %v", err)
	}
	if addr != "Central Park, New York" {
		t.Fatalf("unexpected address %q", addr)
	}
}

func TestNominatimErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("lat") == "0" {
			_, _ = w.Write([]byte(`{"error":"Unable to geocode"}`))
			return
		}
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewNominatim(srv.URL, "", time.Second)
	if _, err := n.ReverseGeocode(context.Background(), Point{}); err == nil {
		t.Fatal("expected geocode error")
	}
	if _, err := n.ReverseGeocode(context.Background(), Point{Latitude: 3}); err == nil {
		t.Fatal("expected http error")
	}
}

func TestFormatPoint(t *testing.T) {
	if got := FormatPoint(Point{Latitude: 1.23456789, Longitude: -2}); got != "1.234568, -2.000000" {
		t.Fatalf("FormatPoint = %q", got)
	}
}
