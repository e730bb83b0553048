package location

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/shareloop/shareloop/internal/geo"
	"github.com/shareloop/shareloop/internal/model"
)

// regionCentroid anchors degraded geocode results. Deployments serve one
// metro region; the centroid keeps fallback distances bounded rather than
// correct.
var regionCentroid = model.Coordinates{Lat: 37.7749, Lng: -122.4194}

// HTTPProvider calls an external geocoding/routing service and caches
// results by input. Cache entries are TTL-bound; a concurrent reader either
// misses or sees a fully-built entry. Concurrent misses for the same input
// collapse into one upstream call.
type HTTPProvider struct {
	baseURL        string
	httpClient     *http.Client
	logger         *slog.Logger
	geocodeTimeout time.Duration
	routeTimeout   time.Duration
	cache          *gocache.Cache
	group          singleflight.Group
}

// Option configures an HTTPProvider.
type Option func(*HTTPProvider)

// WithHTTPClient overrides the HTTP client, for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *HTTPProvider) { p.httpClient = c }
}

// WithTimeouts sets per-call timeouts.
func WithTimeouts(geocode, route time.Duration) Option {
	return func(p *HTTPProvider) {
		p.geocodeTimeout = geocode
		p.routeTimeout = route
	}
}

// NewHTTPProvider creates a provider for the service at baseURL. cacheTTL
// bounds how long geocode and route results are reused.
func NewHTTPProvider(baseURL string, cacheTTL time.Duration, logger *slog.Logger, opts ...Option) *HTTPProvider {
	p := &HTTPProvider{
		baseURL:        baseURL,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		logger:         logger,
		geocodeTimeout: 10 * time.Second,
		routeTimeout:   10 * time.Second,
		cache:          gocache.New(cacheTTL, 2*cacheTTL),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type geocodeResponse struct {
	Lat              float64 `json:"lat"`
	Lng              float64 `json:"lng"`
	FormattedAddress string  `json:"formattedAddress"`
	Confidence       float64 `json:"confidence"`
}

// Geocode resolves an address. It never returns a hard failure: on provider
// error or timeout the region centroid is returned with Degraded=true.
// Degraded results are not cached so a recovered provider is retried.
func (p *HTTPProvider) Geocode(ctx context.Context, address string) (GeocodeResult, error) {
	cacheKey := "geocode:" + address
	if cached, ok := p.cache.Get(cacheKey); ok {
		return cached.(GeocodeResult), nil
	}

	v, err, _ := p.group.Do(cacheKey, func() (any, error) {
		r, err := p.geocode(ctx, address)
		if err != nil {
			return GeocodeResult{}, err
		}
		p.cache.Set(cacheKey, r, gocache.DefaultExpiration)
		return r, nil
	})
	if err != nil {
		p.logger.Warn("location: geocode degraded", "error", err)
		return GeocodeResult{
			Coords:           regionCentroid,
			FormattedAddress: address,
			Confidence:       0,
			Provider:         "fallback",
			Degraded:         true,
		}, nil
	}
	return v.(GeocodeResult), nil
}

func (p *HTTPProvider) geocode(ctx context.Context, address string) (GeocodeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.geocodeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.baseURL+"/geocode?address="+url.QueryEscape(address), nil)
	if err != nil {
		return GeocodeResult{}, fmt.Errorf("location: create geocode request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return GeocodeResult{}, fmt.Errorf("location: geocode: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return GeocodeResult{}, fmt.Errorf("location: geocode status %d: %s", resp.StatusCode, string(body))
	}

	var gr geocodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return GeocodeResult{}, fmt.Errorf("location: decode geocode response: %w", err)
	}
	coords := model.Coordinates{Lat: gr.Lat, Lng: gr.Lng}
	if !coords.Valid() {
		return GeocodeResult{}, fmt.Errorf("location: geocode returned out-of-bounds point %+v", coords)
	}
	return GeocodeResult{
		Coords:           coords,
		FormattedAddress: gr.FormattedAddress,
		Confidence:       gr.Confidence,
		Provider:         "http",
	}, nil
}

type routeRequest struct {
	From model.Coordinates `json:"from"`
	To   model.Coordinates `json:"to"`
}

type routeResponse struct {
	DistanceMiles   float64 `json:"distanceMiles"`
	DurationMinutes float64 `json:"durationMinutes"`
	Polyline        string  `json:"polyline"`
}

// Route computes a route. On provider failure the straight-line distance at
// an assumed speed is returned with Degraded=true.
func (p *HTTPProvider) Route(ctx context.Context, from, to model.Coordinates) (RouteResult, error) {
	cacheKey := fmt.Sprintf("route:%.5f,%.5f:%.5f,%.5f", from.Lat, from.Lng, to.Lat, to.Lng)
	if cached, ok := p.cache.Get(cacheKey); ok {
		return cached.(RouteResult), nil
	}

	v, err, _ := p.group.Do(cacheKey, func() (any, error) {
		r, err := p.route(ctx, from, to)
		if err != nil {
			return RouteResult{}, err
		}
		p.cache.Set(cacheKey, r, gocache.DefaultExpiration)
		return r, nil
	})
	if err != nil {
		p.logger.Warn("location: route degraded", "error", err)
		miles := geo.HaversineMiles(from, to)
		return RouteResult{
			DistanceMiles:   miles,
			DurationMinutes: fallbackDuration(miles).Minutes(),
			Provider:        "fallback",
			Degraded:        true,
		}, nil
	}
	return v.(RouteResult), nil
}

func (p *HTTPProvider) route(ctx context.Context, from, to model.Coordinates) (RouteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.routeTimeout)
	defer cancel()

	body, err := json.Marshal(routeRequest{From: from, To: to})
	if err != nil {
		return RouteResult{}, fmt.Errorf("location: marshal route request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/route", bytes.NewReader(body))
	if err != nil {
		return RouteResult{}, fmt.Errorf("location: create route request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return RouteResult{}, fmt.Errorf("location: route: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return RouteResult{}, fmt.Errorf("location: route status %d: %s", resp.StatusCode, string(b))
	}

	var rr routeResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return RouteResult{}, fmt.Errorf("location: decode route response: %w", err)
	}
	if rr.DistanceMiles <= 0 {
		return RouteResult{}, fmt.Errorf("location: route returned non-positive distance")
	}
	return RouteResult{
		DistanceMiles:   rr.DistanceMiles,
		DurationMinutes: rr.DurationMinutes,
		Polyline:        rr.Polyline,
		Provider:        "http",
	}, nil
}

// Static always answers from the fallback paths. It serves deployments with
// no location service configured and doubles as the test double.
type Static struct{}

// Geocode returns the region centroid, degraded.
func (Static) Geocode(_ context.Context, address string) (GeocodeResult, error) {
	return GeocodeResult{
		Coords:           regionCentroid,
		FormattedAddress: address,
		Provider:         "static",
		Degraded:         true,
	}, nil
}

// Route returns the haversine estimate, degraded.
func (Static) Route(_ context.Context, from, to model.Coordinates) (RouteResult, error) {
	miles := geo.HaversineMiles(from, to)
	return RouteResult{
		DistanceMiles:   miles,
		DurationMinutes: fallbackDuration(miles).Minutes(),
		Provider:        "static",
		Degraded:        true,
	}, nil
}
