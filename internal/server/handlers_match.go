package server

import (
	"net/http"

	"github.com/shareloop/shareloop/internal/model"
)

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var req model.RecommendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	matches, err := s.svc.Recommend(r.Context(), s.actor(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, listResponse(matches, 0))
}

func (s *Server) handleListMatches(w http.ResponseWriter, r *http.Request) {
	status := model.EntityStatus(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 50)
	items, err := s.svc.ListMatches(r.Context(), s.actor(r), status, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(items, limit))
}

func (s *Server) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	m, err := s.svc.GetMatch(r.Context(), s.actor(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleAcceptMatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	m, err := s.svc.AcceptMatch(r.Context(), s.actor(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleRejectMatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	m, err := s.svc.RejectMatch(r.Context(), s.actor(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleScheduleMatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req model.ScheduleMatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	task, err := s.svc.ScheduleMatch(r.Context(), s.actor(r), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}
