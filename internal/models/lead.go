package models

import "time"

// LeadStatus is the delivery state of a single recipient
type LeadStatus string

const (
	LeadPending    LeadStatus = "PENDING"
	LeadProcessing LeadStatus = "PROCESSING"
	LeadSent       LeadStatus = "SENT"
	LeadDelivered  LeadStatus = "DELIVERED"
	LeadRead       LeadStatus = "READ"
	LeadFailed     LeadStatus = "FAILED"
)

// IsTerminal reports whether the status carries an immutable timestamp
func (s LeadStatus) IsTerminal() bool {
	switch s {
	case LeadSent, LeadDelivered, LeadRead, LeadFailed:
		return true
	}
	return false
}

// Lead is one recipient of a campaign
type Lead struct {
	ID             string     `json:"id"`
	CampaignID     string     `json:"campaign_id"`
	Phone          string     `json:"phone"`
	Name           string     `json:"name,omitempty"`
	Position       int        `json:"position"`
	Status         LeadStatus `json:"status"`
	MessageID      string     `json:"message_id,omitempty"`
	MediaMessageID string     `json:"media_message_id,omitempty"` // media part of a media+text send
	FailureReason  string     `json:"failure_reason,omitempty"`
	ProcessingAt   *time.Time `json:"processing_at,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	FailedAt       *time.Time `json:"failed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// LeadImport is one row of a recipient import
type LeadImport struct {
	Phone string `json:"phone"`
	Name  string `json:"name,omitempty"`
}
