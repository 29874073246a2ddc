package models

import "time"

// Message types recorded in the log
const (
	MessageTypeText  = "text"
	MessageTypeMedia = "media"
)

// StatusEntry is one element of a message status history
type StatusEntry struct {
	Status    LeadStatus `json:"status"`
	Raw       string     `json:"raw,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// MessageLog is the append-only audit record of a dispatched message
type MessageLog struct {
	ID            string        `json:"id"`
	MessageID     string        `json:"message_id"`
	CampaignID    string        `json:"campaign_id"`
	LeadID        string        `json:"lead_id"`
	InstanceID    string        `json:"instance_id"`
	Phone         string        `json:"phone"`
	MessageType   string        `json:"message_type"`
	Content       string        `json:"content"`
	Status        LeadStatus    `json:"status"`
	StatusHistory []StatusEntry `json:"status_history,omitempty"`
	SentAt        *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt   *time.Time    `json:"delivered_at,omitempty"`
	ReadAt        *time.Time    `json:"read_at,omitempty"`
	FailedAt      *time.Time    `json:"failed_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}
