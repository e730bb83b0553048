package shareloop

import (
	"context"
	"net/http"
)

// LocationProvider geocodes addresses and plans routes.
// When provided via WithLocationProvider, replaces the configured HTTP
// provider (or the degraded centroid fallback when none is configured).
type LocationProvider interface {
	Geocode(ctx context.Context, address string) (GeocodeResult, error)
	Route(ctx context.Context, from, to Coordinates) (RouteResult, error)
}

// EnrichmentProvider extracts structured handling and risk information from
// a listing's free text. When provided via WithEnrichmentProvider, replaces
// the LLM/keyword chain. Implementations must respect ctx cancellation; the
// orchestrator imposes a hard timeout around every call.
type EnrichmentProvider interface {
	Enrich(ctx context.Context, listing Listing) (EnrichmentResult, error)
}

// NotificationSender delivers notifications over an external channel
// (email, push, webhook). The notification record is persisted regardless of
// delivery outcome; Send failures are logged, never surfaced to the caller.
type NotificationSender interface {
	Send(ctx context.Context, n Notification) error
}

// EventHook receives every domain event after it is persisted. Hooks run on
// the event fan-out goroutine — they must not block indefinitely. Failures
// are logged but never fail the originating request.
type EventHook interface {
	OnEvent(ctx context.Context, ev Event) error
}

// Middleware wraps the root HTTP handler. Applied outermost (before
// routing), so it sees all requests including /health. Multiple middlewares
// are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
