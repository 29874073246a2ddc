package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/chatblast/internal/models"
)

// InstanceRequest is the request body for POST /instances
type InstanceRequest struct {
	Name string `json:"name"`
}

// handleInstancesList handles GET /api/v1/instances
func (s *Server) handleInstancesList(w http.ResponseWriter, r *http.Request) {
	instances, err := s.deps.Instances.List(r.Context())
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	if instances == nil {
		instances = []models.Instance{}
	}
	s.sendJSON(w, http.StatusOK, instances)
}

// handleInstancesCreate handles POST /api/v1/instances
func (s *Server) handleInstancesCreate(w http.ResponseWriter, r *http.Request) {
	var req InstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}

	existing, err := s.deps.Instances.List(r.Context())
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	for _, inst := range existing {
		if inst.Name == req.Name {
			s.sendError(w, http.StatusConflict, "instance already exists")
			return
		}
	}

	inst := &models.Instance{Name: req.Name}
	if err := s.deps.Instances.Create(r.Context(), inst); err != nil {
		s.sendEngineError(w, r, err)
		return
	}

	s.logger.Info("instance registered", "instance_id", inst.ID, "name", inst.Name)
	s.sendJSON(w, http.StatusCreated, inst)
}

// handleInstancesDelete handles DELETE /api/v1/instances/{id}
func (s *Server) handleInstancesDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	inst, err := s.deps.Instances.GetByID(r.Context(), id)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	if inst == nil {
		s.sendError(w, http.StatusNotFound, "instance not found")
		return
	}

	if err := s.deps.Instances.Delete(r.Context(), id); err != nil {
		s.sendEngineError(w, r, err)
		return
	}

	s.logger.Info("instance removed", "instance_id", id, "name", inst.Name)
	w.WriteHeader(http.StatusNoContent)
}
