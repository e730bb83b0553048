package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/shareloop/shareloop/internal/apperr"
	"github.com/shareloop/shareloop/internal/model"
)

func (s *Server) handleOpsDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := s.svc.OpsDashboard(r.Context(), s.actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

func (s *Server) handleOpsStuck(w http.ResponseWriter, r *http.Request) {
	maxAge := time.Hour
	if v := r.URL.Query().Get("maxAge"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, r, apperr.Validation("invalid maxAge: must be a positive duration"))
			return
		}
		maxAge = d
	}
	items, err := s.svc.StuckEntities(r.Context(), s.actor(r), maxAge)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(items, 0))
}

type forceStatusRequest struct {
	Status        model.EntityStatus `json:"status"`
	Justification string             `json:"justification"`
}

func (s *Server) handleOpsOverride(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req forceStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	task, err := s.svc.ForceTaskStatus(r.Context(), s.actor(r), id, req.Status,
		model.OverrideRequest{Justification: req.Justification})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleAuditExport returns the audit trail for one entity or one actor.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	from, err := queryTime(r, "from")
	if err != nil {
		writeError(w, r, err)
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit := queryInt(r, "limit", 500)

	entityParam := r.URL.Query().Get("entityId")
	actorParam := r.URL.Query().Get("actorId")
	if (entityParam == "") == (actorParam == "") {
		writeError(w, r, apperr.Validation("exactly one of entityId or actorId is required"))
		return
	}

	var events []model.AuditEvent
	if entityParam != "" {
		entityID, parseErr := uuid.Parse(entityParam)
		if parseErr != nil {
			writeError(w, r, apperr.Validation("invalid entityId: must be a UUID"))
			return
		}
		events, err = s.svc.EntityAudit(r.Context(), s.actor(r), entityID, from, to, limit)
	} else {
		actorID, parseErr := uuid.Parse(actorParam)
		if parseErr != nil {
			writeError(w, r, apperr.Validation("invalid actorId: must be a UUID"))
			return
		}
		events, err = s.svc.ActorAudit(r.Context(), s.actor(r), actorID, from, to, limit)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(events, limit))
}

// handleNextActions reports which transitions the caller may take from a
// given lifecycle status.
func (s *Server) handleNextActions(w http.ResponseWriter, r *http.Request) {
	status := model.EntityStatus(r.URL.Query().Get("status"))
	if !model.ValidStatuses[status] {
		writeError(w, r, apperr.Validation("unknown status %q", status))
		return
	}
	actions := s.svc.NextActions(s.actor(r), status)
	writeJSON(w, http.StatusOK, listResponse(actions, 0))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	since, err := queryTime(r, "since")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var t time.Time
	if since != nil {
		t = *since
	}
	limit := queryInt(r, "limit", 100)
	events, err := s.svc.EventsSince(r.Context(), s.actor(r), t, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(events, limit))
}
