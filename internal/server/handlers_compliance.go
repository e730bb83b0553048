package server

import (
	"net/http"

	"github.com/shareloop/shareloop/internal/model"
)

func (s *Server) handleComplianceQueue(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	items, err := s.svc.ComplianceQueue(r.Context(), s.actor(r), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(items, limit))
}

func (s *Server) handleComplianceApprove(w http.ResponseWriter, r *http.Request) {
	matchID, err := pathID(r, "matchId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req model.OverrideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := s.svc.OverrideCompliance(r.Context(), s.actor(r), matchID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleComplianceBlock(w http.ResponseWriter, r *http.Request) {
	matchID, err := pathID(r, "matchId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req model.OverrideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := s.svc.BlockCompliance(r.Context(), s.actor(r), matchID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
