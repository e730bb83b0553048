package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shareloop/shareloop/internal/apperr"
	"github.com/shareloop/shareloop/internal/auth"
	"github.com/shareloop/shareloop/internal/model"
)

// actor returns the authenticated caller. The auth middleware guarantees it
// exists on every /v1 route.
func (s *Server) actor(r *http.Request) model.Actor {
	a, _ := ActorFromContext(r.Context())
	return a
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid %s: must be a UUID", name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func queryTime(r *http.Request, name string) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, apperr.Validation("invalid %s: must be RFC 3339", name)
	}
	return &t, nil
}

func listResponse[T any](items []T, limit int) model.ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return model.ListResponse[T]{
		Items:   items,
		Count:   len(items),
		HasMore: limit > 0 && len(items) >= limit,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, storeStatus := "ok", "ok"
	if err := s.repos.DB.Ping(ctx); err != nil {
		status, storeStatus = "degraded", "unavailable"
		s.logger.Warn("health: store ping failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"store":          storeStatus,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

// tokenResponse is the body returned by the token endpoint.
type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// handleAuthToken exchanges a user id + API key for a JWT. Verification
// runs in constant time whether or not the profile exists.
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, r, apperr.Validation("invalid userId: must be a UUID"))
		return
	}

	profile, found, err := s.repos.Profiles.Get(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if !found || profile.APIKeyHash == "" {
		if s.bootstrapAdmin(w, r, userID, req.APIKey) {
			return
		}
		auth.DummyVerify()
		writeError(w, r, apperr.Authentication("invalid credentials"))
		return
	}

	ok, err := auth.VerifyAPIKey(req.APIKey, profile.APIKeyHash)
	if err != nil || !ok {
		writeError(w, r, apperr.Authentication("invalid credentials"))
		return
	}

	token, expiresAt, err := s.auth.IssueToken(profile)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
}

// bootstrapAdmin issues an admin token against the configured bootstrap key
// so the first operator can be provisioned on a fresh deployment. Reports
// whether it handled the request.
func (s *Server) bootstrapAdmin(w http.ResponseWriter, r *http.Request, userID uuid.UUID, apiKey string) bool {
	if s.cfg.AdminAPIKey == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.cfg.AdminAPIKey)) != 1 {
		return false
	}
	admin := &model.UserProfile{
		Email: "admin@shareloop.local",
		Name:  "Bootstrap Admin",
		Roles: []model.Role{model.RoleAdmin},
	}
	admin.ID = userID
	token, expiresAt, err := s.auth.IssueToken(admin)
	if err != nil {
		writeError(w, r, err)
		return true
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
	return true
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	p, err := s.svc.GetProfile(r.Context(), actor, actor.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpsertProfile(w http.ResponseWriter, r *http.Request) {
	var req model.UpsertProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.svc.UpsertProfile(r.Context(), s.actor(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProvisionUser(w http.ResponseWriter, r *http.Request) {
	var req model.ProvisionUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, apiKey, err := s.svc.ProvisionUser(r.Context(), s.actor(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, model.ProvisionUserResponse{Profile: p, APIKey: apiKey})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.svc.GetProfile(r.Context(), s.actor(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	items, err := s.svc.Inbox(r.Context(), s.actor(r), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(items, limit))
}

func (s *Server) handleNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := s.svc.MarkNotificationRead(r.Context(), s.actor(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}
