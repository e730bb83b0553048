package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shareloop/shareloop/internal/auth"
	"github.com/shareloop/shareloop/internal/config"
	"github.com/shareloop/shareloop/internal/ratelimit"
	"github.com/shareloop/shareloop/internal/service"
	"github.com/shareloop/shareloop/internal/store"
)

// Server is the HTTP front end. It owns routing, middleware, and the
// request/response envelope; all domain behavior lives in the service.
type Server struct {
	cfg       config.Config
	svc       *service.Service
	auth      *auth.Manager
	repos     *store.Repositories
	limiter   ratelimit.Limiter
	logger    *slog.Logger
	httpSrv   *http.Server
	wrappers  []func(http.Handler) http.Handler
	startedAt time.Time
}

// New assembles the server. The limiter may be nil to disable rate limiting.
func New(cfg config.Config, svc *service.Service, mgr *auth.Manager, repos *store.Repositories, limiter ratelimit.Limiter, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		svc:       svc,
		auth:      mgr,
		repos:     repos,
		limiter:   limiter,
		logger:    logger,
		startedAt: time.Now(),
	}
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the fully wired handler, including middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)

	var handler http.Handler = mux
	handler = recoveryMiddleware(s.logger, handler)
	handler = rateLimitMiddleware(s.limiter, actorKeyFunc)(handler)
	handler = authMiddleware(s.auth, handler)
	handler = loggingMiddleware(s.logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	handler = http.MaxBytesHandler(handler, s.cfg.MaxRequestBodyBytes)
	for _, wrap := range s.wrappers {
		handler = wrap(handler)
	}
	return handler
}

// Wrap registers an extra outermost middleware. The last-registered wrapper
// ends up outermost. Must be called before Start or Handler.
func (s *Server) Wrap(mw func(http.Handler) http.Handler) {
	s.wrappers = append(s.wrappers, mw)
	s.httpSrv.Handler = s.Handler()
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /auth/token",
		rateLimitMiddleware(s.limiter, ipKeyFunc)(http.HandlerFunc(s.handleAuthToken)))

	// Profile and notifications.
	mux.HandleFunc("GET /v1/profile", s.handleGetProfile)
	mux.HandleFunc("PUT /v1/profile", s.handleUpsertProfile)
	mux.HandleFunc("POST /v1/users", s.handleProvisionUser)
	mux.HandleFunc("GET /v1/users/{id}", s.handleGetUser)
	mux.HandleFunc("GET /v1/notifications", s.handleNotifications)
	mux.HandleFunc("POST /v1/notifications/{id}/read", s.handleNotificationRead)

	// Surplus listings.
	mux.HandleFunc("POST /v1/supply", s.handleCreateListing)
	mux.HandleFunc("GET /v1/supply", s.handleListListings)
	mux.HandleFunc("GET /v1/supply/{id}", s.handleGetListing)
	mux.HandleFunc("PUT /v1/supply/{id}", s.handleUpdateListing)
	mux.HandleFunc("POST /v1/supply/{id}/cancel", s.handleCancelListing)

	// Demand posts.
	mux.HandleFunc("POST /v1/demand", s.handleCreateDemand)
	mux.HandleFunc("GET /v1/demand", s.handleListDemands)
	mux.HandleFunc("GET /v1/demand/{id}", s.handleGetDemand)
	mux.HandleFunc("PUT /v1/demand/{id}", s.handleUpdateDemand)
	mux.HandleFunc("POST /v1/demand/{id}/close", s.handleCloseDemand)
	mux.HandleFunc("POST /v1/demand/{id}/cancel", s.handleCancelDemand)

	// Matching.
	mux.HandleFunc("POST /v1/matches/recommendations", s.handleRecommend)
	mux.HandleFunc("GET /v1/matches", s.handleListMatches)
	mux.HandleFunc("GET /v1/matches/{id}", s.handleGetMatch)
	mux.HandleFunc("POST /v1/matches/{id}/accept", s.handleAcceptMatch)
	mux.HandleFunc("POST /v1/matches/{id}/reject", s.handleRejectMatch)
	mux.HandleFunc("POST /v1/matches/{id}/schedule", s.handleScheduleMatch)

	// Driver tasks.
	mux.HandleFunc("GET /v1/driver/tasks", s.handleDriverTasks)
	mux.HandleFunc("GET /v1/driver/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /v1/driver/tasks/{id}/status", s.handleTaskStatus)
	mux.HandleFunc("POST /v1/driver/tasks/{id}/location", s.handleTaskLocation)
	mux.HandleFunc("POST /v1/driver/tasks/{id}/assign", s.handleAssignDriver)

	// Compliance review.
	mux.HandleFunc("GET /v1/compliance/queue", s.handleComplianceQueue)
	mux.HandleFunc("POST /v1/compliance/{matchId}/approve", s.handleComplianceApprove)
	mux.HandleFunc("POST /v1/compliance/{matchId}/block", s.handleComplianceBlock)

	// Operations.
	mux.HandleFunc("GET /v1/ops/dashboard", s.handleOpsDashboard)
	mux.HandleFunc("GET /v1/ops/stuck", s.handleOpsStuck)
	mux.HandleFunc("POST /v1/ops/tasks/{id}/override", s.handleOpsOverride)
	mux.HandleFunc("GET /v1/ops/audit/export", s.handleAuditExport)
	mux.HandleFunc("GET /v1/ops/actions", s.handleNextActions)

	// Event feed.
	mux.HandleFunc("GET /v1/events", s.handleEvents)
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpSrv.Shutdown(ctx)
}
