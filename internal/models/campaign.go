package models

import "time"

// CampaignStatus is the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// RotationStrategy selects the next sending instance of a campaign
type RotationStrategy string

const (
	StrategyRandom       RotationStrategy = "RANDOM"
	StrategySequential   RotationStrategy = "SEQUENTIAL"
	StrategyLoadBalanced RotationStrategy = "LOAD_BALANCED"
)

// Campaign is a bulk-send job with one message template
type Campaign struct {
	ID                     string           `json:"id"`
	UserID                 string           `json:"user_id"`
	Name                   string           `json:"name"`
	Message                string           `json:"message"`
	MediaURL               string           `json:"media_url,omitempty"`
	MediaType              string           `json:"media_type,omitempty"` // image, video, audio, document
	MinDelay               int              `json:"min_delay"`            // seconds
	MaxDelay               int              `json:"max_delay"`            // seconds
	UseRotation            bool             `json:"use_rotation"`
	RotationStrategy       RotationStrategy `json:"rotation_strategy"`
	MaxMessagesPerInstance *int             `json:"max_messages_per_instance,omitempty"`
	InstanceID             string           `json:"instance_id,omitempty"`   // used when rotation is off
	InstanceName           string           `json:"instance_name,omitempty"` // joined field
	Status                 CampaignStatus   `json:"status"`
	Progress               int              `json:"progress"`
	RunID                  string           `json:"run_id,omitempty"` // owner of the active send loop
	StartedAt              *time.Time       `json:"started_at,omitempty"`
	CompletedAt            *time.Time       `json:"completed_at,omitempty"`
	CreatedAt              time.Time        `json:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at"`
}

// HasMedia reports whether the campaign sends a media payload
func (c *Campaign) HasMedia() bool {
	return c.MediaURL != ""
}

// HasText reports whether the campaign sends a text body
func (c *Campaign) HasText() bool {
	return c.Message != ""
}

// CampaignStats holds aggregated per-campaign lead counters.
// SentCount includes every lead that reached SENT or a later success state,
// so Sent+Failed+Pending+Processing always equals TotalLeads.
type CampaignStats struct {
	CampaignID      string    `json:"campaign_id"`
	TotalLeads      int       `json:"total_leads"`
	PendingCount    int       `json:"pending_count"`
	ProcessingCount int       `json:"processing_count"`
	SentCount       int       `json:"sent_count"`
	DeliveredCount  int       `json:"delivered_count"`
	ReadCount       int       `json:"read_count"`
	FailedCount     int       `json:"failed_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Processed returns the number of leads that left the queue
func (s *CampaignStats) Processed() int {
	return s.SentCount + s.FailedCount
}

// Percent returns floor(processed / total * 100)
func (s *CampaignStats) Percent() int {
	if s.TotalLeads == 0 {
		return 0
	}
	return s.Processed() * 100 / s.TotalLeads
}

// CampaignProgress is the operator view of a running campaign
type CampaignProgress struct {
	CampaignID string         `json:"campaign_id"`
	Status     CampaignStatus `json:"status"`
	Progress   int            `json:"progress"`
	Running    bool           `json:"running"`
	Stats      CampaignStats  `json:"stats"`
}
