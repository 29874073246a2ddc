package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/chatblast/internal/models"
	"github.com/foxzi/chatblast/internal/rotation"
)

var mediaTypes = map[string]bool{
	"image":    true,
	"video":    true,
	"audio":    true,
	"document": true,
}

// CampaignRequest is the request body for POST /campaigns
type CampaignRequest struct {
	UserID                 string              `json:"user_id"`
	Name                   string              `json:"name"`
	Message                string              `json:"message"`
	MediaURL               string              `json:"media_url"`
	MediaType              string              `json:"media_type"`
	MinDelay               int                 `json:"min_delay"`
	MaxDelay               int                 `json:"max_delay"`
	InstanceID             string              `json:"instance_id"`
	UseRotation            bool                `json:"use_rotation"`
	RotationStrategy       string              `json:"rotation_strategy"`
	MaxMessagesPerInstance *int                `json:"max_messages_per_instance"`
	Leads                  []models.LeadImport `json:"leads"`
}

// CampaignResponse is the response for campaign creation
type CampaignResponse struct {
	Campaign *models.Campaign `json:"campaign"`
	Imported int              `json:"imported"`
}

// LeadsRequest is the request body for POST /campaigns/{id}/leads
type LeadsRequest struct {
	Leads []models.LeadImport `json:"leads"`
}

// RotationResponse describes a campaign rotation pool
type RotationResponse struct {
	UseRotation            bool                      `json:"use_rotation"`
	Strategy               models.RotationStrategy   `json:"strategy"`
	MaxMessagesPerInstance *int                      `json:"max_messages_per_instance,omitempty"`
	Instances              []models.CampaignInstance `json:"instances"`
}

func (req *CampaignRequest) validate() error {
	if req.Name == "" {
		return fmt.Errorf("name is required")
	}
	if req.Message == "" && req.MediaURL == "" {
		return fmt.Errorf("message or media_url is required")
	}
	if req.MediaURL != "" && !mediaTypes[req.MediaType] {
		return fmt.Errorf("media_type must be one of image, video, audio, document")
	}
	if req.MinDelay < 0 || req.MaxDelay < req.MinDelay {
		return fmt.Errorf("delays must satisfy 0 <= min_delay <= max_delay")
	}
	if !req.UseRotation && req.InstanceID == "" {
		return fmt.Errorf("instance_id is required when rotation is disabled")
	}
	if req.MaxMessagesPerInstance != nil && *req.MaxMessagesPerInstance <= 0 {
		return fmt.Errorf("max_messages_per_instance must be positive")
	}
	return validateLeads(req.Leads, true)
}

func validateLeads(leads []models.LeadImport, allowEmpty bool) error {
	if len(leads) == 0 && !allowEmpty {
		return fmt.Errorf("leads are required")
	}
	for i, l := range leads {
		if l.Phone == "" {
			return fmt.Errorf("leads[%d].phone is required", i)
		}
	}
	return nil
}

func parseStrategy(s string) (models.RotationStrategy, error) {
	if s == "" {
		return models.StrategyRandom, nil
	}
	return rotation.ParseStrategy(s)
}

// handleCampaignCreate handles POST /api/v1/campaigns
func (s *Server) handleCampaignCreate(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	strategy, err := parseStrategy(req.RotationStrategy)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.InstanceID != "" {
		inst, err := s.deps.Instances.GetByID(r.Context(), req.InstanceID)
		if err != nil {
			s.sendEngineError(w, r, err)
			return
		}
		if inst == nil {
			s.sendError(w, http.StatusUnprocessableEntity, "instance not found")
			return
		}
	}

	c := &models.Campaign{
		UserID:                 req.UserID,
		Name:                   req.Name,
		Message:                req.Message,
		MediaURL:               req.MediaURL,
		MediaType:              req.MediaType,
		MinDelay:               req.MinDelay,
		MaxDelay:               req.MaxDelay,
		InstanceID:             req.InstanceID,
		UseRotation:            req.UseRotation,
		RotationStrategy:       strategy,
		MaxMessagesPerInstance: req.MaxMessagesPerInstance,
	}
	if err := s.deps.Campaigns.Create(r.Context(), c); err != nil {
		s.sendEngineError(w, r, err)
		return
	}

	imported := 0
	if len(req.Leads) > 0 {
		if imported, err = s.deps.Leads.Import(r.Context(), c.ID, req.Leads); err != nil {
			s.sendEngineError(w, r, err)
			return
		}
	}

	s.logger.Info("campaign created", "campaign_id", c.ID, "leads", imported, "rotation", c.UseRotation)

	created, err := s.deps.Campaigns.GetByID(r.Context(), c.ID)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, CampaignResponse{Campaign: created, Imported: imported})
}

// handleCampaignGet handles GET /api/v1/campaigns/{id}
func (s *Server) handleCampaignGet(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleLeadsImport handles POST /api/v1/campaigns/{id}/leads
func (s *Server) handleLeadsImport(w http.ResponseWriter, r *http.Request) {
	var req LeadsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validateLeads(req.Leads, false); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	n, err := s.deps.Leads.Import(r.Context(), c.ID, req.Leads)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}

	s.logger.Info("leads imported", "campaign_id", c.ID, "count", n)
	s.sendJSON(w, http.StatusCreated, map[string]int{"imported": n})
}

// handleCampaignStart handles POST /api/v1/campaigns/{id}/start
func (s *Server) handleCampaignStart(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "started", s.deps.Engine.Start)
}

// handleCampaignPause handles POST /api/v1/campaigns/{id}/pause
func (s *Server) handleCampaignPause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "pausing", s.deps.Engine.Pause)
}

// handleCampaignResume handles POST /api/v1/campaigns/{id}/resume
func (s *Server) handleCampaignResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "resumed", s.deps.Engine.Resume)
}

// handleCampaignStop handles POST /api/v1/campaigns/{id}/stop
func (s *Server) handleCampaignStop(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "stopping", s.deps.Engine.Stop)
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, status string, op func(context.Context, string) error) {
	id := chi.URLParam(r, "id")
	if err := op(r.Context(), id); err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusAccepted, StatusResponse{Status: status})
}

// handleCampaignProgress handles GET /api/v1/campaigns/{id}/progress
func (s *Server) handleCampaignProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Engine.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, p)
}

// handleRotationGet handles GET /api/v1/campaigns/{id}/instances
func (s *Server) handleRotationGet(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	s.sendRotation(w, r, c)
}

// handleRotationUpdate handles PUT /api/v1/campaigns/{id}/instances
func (s *Server) handleRotationUpdate(w http.ResponseWriter, r *http.Request) {
	var req models.RotationConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	strategy, err := parseStrategy(string(req.Strategy))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Strategy = strategy

	if req.MaxMessagesPerInstance != nil && *req.MaxMessagesPerInstance <= 0 {
		s.sendError(w, http.StatusBadRequest, "max_messages_per_instance must be positive")
		return
	}
	if req.UseRotation && len(req.InstanceIDs) == 0 {
		s.sendError(w, http.StatusBadRequest, "instance_ids are required when rotation is enabled")
		return
	}

	seen := make(map[string]bool, len(req.InstanceIDs))
	for _, id := range req.InstanceIDs {
		if seen[id] {
			s.sendError(w, http.StatusBadRequest, fmt.Sprintf("duplicate instance %s", id))
			return
		}
		seen[id] = true

		inst, err := s.deps.Instances.GetByID(r.Context(), id)
		if err != nil {
			s.sendEngineError(w, r, err)
			return
		}
		if inst == nil {
			s.sendError(w, http.StatusUnprocessableEntity, fmt.Sprintf("instance %s not found", id))
			return
		}
	}

	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	if err := s.deps.Campaigns.UpdateRotation(r.Context(), c.ID, req); err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	if err := s.deps.Bindings.Replace(r.Context(), c.ID, req.InstanceIDs, req.MaxMessagesPerInstance); err != nil {
		s.sendEngineError(w, r, err)
		return
	}

	s.logger.Info("rotation updated", "campaign_id", c.ID, "use_rotation", req.UseRotation,
		"strategy", req.Strategy, "instances", len(req.InstanceIDs))

	c.UseRotation = req.UseRotation
	c.RotationStrategy = req.Strategy
	c.MaxMessagesPerInstance = req.MaxMessagesPerInstance
	s.sendRotation(w, r, c)
}

// handleRotationRemove handles DELETE /api/v1/campaigns/{id}/instances/{instanceID}
func (s *Server) handleRotationRemove(w http.ResponseWriter, r *http.Request) {
	ok, err := s.deps.Bindings.Remove(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "instanceID"))
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	if !ok {
		s.sendError(w, http.StatusNotFound, "instance is not bound to this campaign")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRotationToggle handles POST /api/v1/campaigns/{id}/instances/{instanceID}/toggle
func (s *Server) handleRotationToggle(w http.ResponseWriter, r *http.Request) {
	active, err := s.deps.Bindings.Toggle(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "instanceID"))
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"is_active": active})
}

// handleRotationReset handles POST /api/v1/campaigns/{id}/instances/reset
func (s *Server) handleRotationReset(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	if err := s.deps.Bindings.ResetCounters(r.Context(), c.ID); err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.logger.Info("rotation counters reset", "campaign_id", c.ID)
	s.sendJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// handleLeadReset handles POST /api/v1/leads/{id}/reset
func (s *Server) handleLeadReset(w http.ResponseWriter, r *http.Request) {
	lead, err := s.deps.Engine.ResetLead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, lead)
}

func (s *Server) sendRotation(w http.ResponseWriter, r *http.Request, c *models.Campaign) {
	bindings, err := s.deps.Bindings.ListByCampaign(r.Context(), c.ID)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	if bindings == nil {
		bindings = []models.CampaignInstance{}
	}
	s.sendJSON(w, http.StatusOK, RotationResponse{
		UseRotation:            c.UseRotation,
		Strategy:               c.RotationStrategy,
		MaxMessagesPerInstance: c.MaxMessagesPerInstance,
		Instances:              bindings,
	})
}

// loadCampaign fetches the campaign named by the {id} URL parameter and
// writes a 404 when it does not exist
func (s *Server) loadCampaign(w http.ResponseWriter, r *http.Request) (*models.Campaign, bool) {
	id := chi.URLParam(r, "id")
	c, err := s.deps.Campaigns.GetByID(r.Context(), id)
	if err != nil {
		s.sendEngineError(w, r, err)
		return nil, false
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "campaign not found")
		return nil, false
	}
	return c, true
}
