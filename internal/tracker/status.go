package tracker

import (
	"strings"

	"github.com/foxzi/chatblast/internal/models"
)

// MapStatus translates a gateway delivery status into a lead status.
// Unrecognized values map to PENDING so they are still recorded.
func MapStatus(raw string) models.LeadStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SERVER_ACK", "2":
		return models.LeadSent
	case "DELIVERY_ACK", "3":
		return models.LeadDelivered
	case "READ", "PLAYED", "4", "5":
		return models.LeadRead
	case "ERROR", "FAILED", "0":
		return models.LeadFailed
	default:
		return models.LeadPending
	}
}

// allowedFrom returns the statuses a record may be in for a receipt of
// status `to` to move it. Status only moves forward: SENT, DELIVERED, READ.
// FAILED from a receipt only overrides a message still in SENT.
func allowedFrom(to models.LeadStatus) []models.LeadStatus {
	switch to {
	case models.LeadSent:
		return []models.LeadStatus{models.LeadSent}
	case models.LeadDelivered:
		return []models.LeadStatus{models.LeadSent, models.LeadDelivered}
	case models.LeadRead:
		return []models.LeadStatus{models.LeadSent, models.LeadDelivered, models.LeadRead}
	case models.LeadFailed:
		return []models.LeadStatus{models.LeadSent, models.LeadFailed}
	}
	return nil
}
