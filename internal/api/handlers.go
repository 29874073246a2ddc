package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/foxzi/chatblast/internal/dispatch"
	"github.com/foxzi/chatblast/internal/repository"
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Uptime         string `json:"uptime"`
	ReceiptBacklog int    `json:"receipt_backlog"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse acknowledges a control request
type StatusResponse struct {
	Status string `json:"status"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}

	if s.deps.Receipts != nil {
		n, err := s.deps.Receipts.Len()
		if err != nil {
			s.logger.Error("failed to read receipt backlog", "error", err)
			resp.Status = "degraded"
		}
		resp.ReceiptBacklog = n
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

// sendEngineError maps dispatch and store errors to HTTP status codes
func (s *Server) sendEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dispatch.ErrCampaignNotFound),
		errors.Is(err, dispatch.ErrLeadNotFound),
		errors.Is(err, repository.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrAlreadyRunning),
		errors.Is(err, dispatch.ErrNotRunning),
		errors.Is(err, dispatch.ErrNotPaused):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrNotConnected):
		s.sendError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, dispatch.ErrNoRecipients):
		s.sendError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Internal error")
	}
}
