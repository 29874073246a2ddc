package models

import "time"

// Instance is a sending identity registered on the messaging gateway
type Instance struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"` // gateway instance name
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CampaignInstance binds an instance to a campaign rotation pool
type CampaignInstance struct {
	ID           string     `json:"id"`
	CampaignID   string     `json:"campaign_id"`
	InstanceID   string     `json:"instance_id"`
	InstanceName string     `json:"instance_name,omitempty"` // joined field
	Priority     int        `json:"priority"`
	MessagesSent int        `json:"messages_sent"`
	MaxMessages  *int       `json:"max_messages,omitempty"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	IsActive     bool       `json:"is_active"`
	Connected    bool       `json:"connected"` // filled from the connectivity source, not stored
	CreatedAt    time.Time  `json:"created_at"`
}

// UnderCap reports whether the binding may send another message
func (b *CampaignInstance) UnderCap() bool {
	return b.MaxMessages == nil || b.MessagesSent < *b.MaxMessages
}

// RotationConfig is the operator request that replaces a campaign's pool
type RotationConfig struct {
	UseRotation            bool             `json:"use_rotation"`
	Strategy               RotationStrategy `json:"strategy"`
	MaxMessagesPerInstance *int             `json:"max_messages_per_instance,omitempty"`
	InstanceIDs            []string         `json:"instance_ids"`
}
