package location

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shareloop/shareloop/internal/model"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGeocode_SuccessAndCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/geocode", r.URL.Path)
		assert.Equal(t, "500 Market St", r.URL.Query().Get("address"))
		_ = json.NewEncoder(w).Encode(geocodeResponse{
			Lat: 37.79, Lng: -122.4, FormattedAddress: "500 Market St, SF", Confidence: 0.95,
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Minute, discard())

	got, err := p.Geocode(context.Background(), "500 Market St")
	require.NoError(t, err)
	assert.False(t, got.Degraded)
	assert.Equal(t, 37.79, got.Coords.Lat)
	assert.Equal(t, "500 Market St, SF", got.FormattedAddress)

	// Second call is served from cache.
	_, err = p.Geocode(context.Background(), "500 Market St")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGeocode_FallbackOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Minute, discard())

	got, err := p.Geocode(context.Background(), "nowhere")
	require.NoError(t, err, "geocode must not hard-fail")
	assert.True(t, got.Degraded)
	assert.Equal(t, regionCentroid, got.Coords)
	assert.Equal(t, "fallback", got.Provider)
}

func TestGeocode_RejectsOutOfBounds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(geocodeResponse{Lat: 123.0, Lng: 0})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Minute, discard())
	got, err := p.Geocode(context.Background(), "bad")
	require.NoError(t, err)
	assert.True(t, got.Degraded, "out-of-bounds provider result falls back")
}

func TestRoute_SuccessAndFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req routeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(routeResponse{DistanceMiles: 9.3, DurationMinutes: 24, Polyline: "abc"})
	}))

	p := NewHTTPProvider(srv.URL, time.Minute, discard())
	sf := model.Coordinates{Lat: 37.7749, Lng: -122.4194}
	oak := model.Coordinates{Lat: 37.8044, Lng: -122.2712}

	got, err := p.Route(context.Background(), sf, oak)
	require.NoError(t, err)
	assert.False(t, got.Degraded)
	assert.Equal(t, 9.3, got.DistanceMiles)

	srv.Close()
	p2 := NewHTTPProvider(srv.URL, time.Minute, discard())
	fallback, err := p2.Route(context.Background(), sf, oak)
	require.NoError(t, err, "route must not hard-fail")
	assert.True(t, fallback.Degraded)
	assert.InDelta(t, 8.4, fallback.DistanceMiles, 0.5, "haversine straight-line distance")
	// 8.4 miles at 30 mph is about 17 minutes.
	assert.InDelta(t, 16.8, fallback.DurationMinutes, 1.5)
}

func TestRoute_TimeoutFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Minute, discard(),
		WithTimeouts(50*time.Millisecond, 50*time.Millisecond))

	start := time.Now()
	got, err := p.Route(context.Background(),
		model.Coordinates{Lat: 37.7, Lng: -122.4},
		model.Coordinates{Lat: 37.8, Lng: -122.3})
	require.NoError(t, err)
	assert.True(t, got.Degraded)
	assert.Less(t, time.Since(start), time.Second, "timeout bounds the call")
}

func TestStatic(t *testing.T) {
	var p Provider = Static{}

	g, err := p.Geocode(context.Background(), "anywhere")
	require.NoError(t, err)
	assert.True(t, g.Degraded)
	assert.True(t, g.Coords.Valid())

	r, err := p.Route(context.Background(),
		model.Coordinates{Lat: 37.7749, Lng: -122.4194},
		model.Coordinates{Lat: 34.0522, Lng: -118.2437})
	require.NoError(t, err)
	assert.True(t, r.Degraded)
	assert.InDelta(t, 347, r.DistanceMiles, 5)
}
