package server

import (
	"net/http"

	"github.com/shareloop/shareloop/internal/model"
)

func (s *Server) handleCreateDemand(w http.ResponseWriter, r *http.Request) {
	var req model.CreateDemandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	demand, err := s.svc.CreateDemand(r.Context(), s.actor(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, demand)
}

func (s *Server) handleListDemands(w http.ResponseWriter, r *http.Request) {
	status := model.EntityStatus(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 50)
	items, err := s.svc.ListDemands(r.Context(), s.actor(r), status, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(items, limit))
}

func (s *Server) handleGetDemand(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	demand, err := s.svc.GetDemand(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, demand)
}

func (s *Server) handleUpdateDemand(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req model.UpdateDemandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	demand, err := s.svc.UpdateDemand(r.Context(), s.actor(r), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, demand)
}

func (s *Server) handleCloseDemand(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	demand, err := s.svc.CloseDemand(r.Context(), s.actor(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, demand)
}

func (s *Server) handleCancelDemand(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req model.CancelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	demand, err := s.svc.CancelDemand(r.Context(), s.actor(r), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, demand)
}
