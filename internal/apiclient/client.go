// Package apiclient is the HTTP client the chatblast CLI uses to drive a
// running server.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/foxzi/chatblast/internal/api"
	"github.com/foxzi/chatblast/internal/models"
	"github.com/foxzi/chatblast/internal/receipts"
)

// Error is a non-2xx response from the server
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Client is a chatblast API client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new chatblast API client
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// request performs an HTTP request to the chatblast API
func (c *Client) request(ctx context.Context, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		var errResp api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
			apiErr.Message = errResp.Error
		}
		return apiErr
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

func campaignPath(id string, suffix string) string {
	return "/api/v1/campaigns/" + url.PathEscape(id) + suffix
}

// Health checks server health
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := c.request(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateCampaign creates a campaign together with its initial leads
func (c *Client) CreateCampaign(ctx context.Context, req *api.CampaignRequest) (*api.CampaignResponse, error) {
	var resp api.CampaignResponse
	if err := c.request(ctx, http.MethodPost, "/api/v1/campaigns", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetCampaign gets a campaign
func (c *Client) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	var resp models.Campaign
	if err := c.request(ctx, http.MethodGet, campaignPath(id, ""), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ImportLeads appends leads to a campaign and returns how many were stored
func (c *Client) ImportLeads(ctx context.Context, id string, leads []models.LeadImport) (int, error) {
	var resp map[string]int
	if err := c.request(ctx, http.MethodPost, campaignPath(id, "/leads"), api.LeadsRequest{Leads: leads}, &resp); err != nil {
		return 0, err
	}
	return resp["imported"], nil
}

// Start starts a campaign
func (c *Client) Start(ctx context.Context, id string) (string, error) {
	return c.control(ctx, id, "/start")
}

// Pause pauses a running campaign
func (c *Client) Pause(ctx context.Context, id string) (string, error) {
	return c.control(ctx, id, "/pause")
}

// Resume resumes a paused campaign
func (c *Client) Resume(ctx context.Context, id string) (string, error) {
	return c.control(ctx, id, "/resume")
}

// Stop stops a running campaign
func (c *Client) Stop(ctx context.Context, id string) (string, error) {
	return c.control(ctx, id, "/stop")
}

func (c *Client) control(ctx context.Context, id, op string) (string, error) {
	var resp api.StatusResponse
	if err := c.request(ctx, http.MethodPost, campaignPath(id, op), nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Progress gets campaign progress and counters
func (c *Client) Progress(ctx context.Context, id string) (*models.CampaignProgress, error) {
	var resp models.CampaignProgress
	if err := c.request(ctx, http.MethodGet, campaignPath(id, "/progress"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Rotation gets the campaign rotation pool
func (c *Client) Rotation(ctx context.Context, id string) (*api.RotationResponse, error) {
	var resp api.RotationResponse
	if err := c.request(ctx, http.MethodGet, campaignPath(id, "/instances"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetRotation replaces the campaign rotation pool
func (c *Client) SetRotation(ctx context.Context, id string, cfg models.RotationConfig) (*api.RotationResponse, error) {
	var resp api.RotationResponse
	if err := c.request(ctx, http.MethodPut, campaignPath(id, "/instances"), cfg, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ToggleBinding flips a pool member between active and inactive
func (c *Client) ToggleBinding(ctx context.Context, campaignID, instanceID string) (bool, error) {
	var resp map[string]bool
	path := campaignPath(campaignID, "/instances/"+url.PathEscape(instanceID)+"/toggle")
	if err := c.request(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return false, err
	}
	return resp["is_active"], nil
}

// RemoveBinding removes an instance from the campaign pool
func (c *Client) RemoveBinding(ctx context.Context, campaignID, instanceID string) error {
	path := campaignPath(campaignID, "/instances/"+url.PathEscape(instanceID))
	return c.request(ctx, http.MethodDelete, path, nil, nil)
}

// ResetCounters zeroes the per-instance sent counters of a campaign
func (c *Client) ResetCounters(ctx context.Context, campaignID string) error {
	return c.request(ctx, http.MethodPost, campaignPath(campaignID, "/instances/reset"), nil, nil)
}

// ResetLead puts a single lead back into the pending state
func (c *Client) ResetLead(ctx context.Context, id string) (*models.Lead, error) {
	var resp models.Lead
	if err := c.request(ctx, http.MethodPost, "/api/v1/leads/"+url.PathEscape(id)+"/reset", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Instances lists registered instances
func (c *Client) Instances(ctx context.Context) ([]models.Instance, error) {
	var resp []models.Instance
	if err := c.request(ctx, http.MethodGet, "/api/v1/instances", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AddInstance registers a gateway instance
func (c *Client) AddInstance(ctx context.Context, name string) (*models.Instance, error) {
	var resp models.Instance
	if err := c.request(ctx, http.MethodPost, "/api/v1/instances", api.InstanceRequest{Name: name}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RemoveInstance deletes a registered instance
func (c *Client) RemoveInstance(ctx context.Context, id string) error {
	return c.request(ctx, http.MethodDelete, "/api/v1/instances/"+url.PathEscape(id), nil, nil)
}

// DeadReceipts lists receipts that could not be recorded after every retry
func (c *Client) DeadReceipts(ctx context.Context, limit int) ([]*receipts.Receipt, error) {
	var resp []*receipts.Receipt
	path := fmt.Sprintf("/api/v1/receipts/dead?limit=%d", limit)
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}
