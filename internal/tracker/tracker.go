// Package tracker records asynchronous delivery receipts against leads and
// message logs.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/foxzi/chatblast/internal/metrics"
	"github.com/foxzi/chatblast/internal/models"
)

// ErrLeadNotLinked is returned for a receipt that arrived before the send
// loop recorded the message on its lead. The receipt is retried later.
var ErrLeadNotLinked = errors.New("message not yet recorded on its lead")

// LeadStore is the subset of the lead repository used by the tracker
type LeadStore interface {
	GetByID(ctx context.Context, id string) (*models.Lead, error)
	GetByMessageID(ctx context.Context, messageID string) (*models.Lead, error)
	ApplyStatus(ctx context.Context, id string, to models.LeadStatus, ts time.Time, from []models.LeadStatus) (bool, error)
	ApplyFailure(ctx context.Context, id, reason string, ts time.Time, from []models.LeadStatus) (bool, error)
}

// LogStore is the subset of the message log repository used by the tracker
type LogStore interface {
	GetByMessageID(ctx context.Context, messageID string) (*models.MessageLog, error)
	AppendHistory(ctx context.Context, messageID string, entry models.StatusEntry) error
	ApplyStatus(ctx context.Context, messageID string, to models.LeadStatus, ts time.Time, from []models.LeadStatus) (bool, error)
}

// StatsStore recomputes campaign counters
type StatsStore interface {
	Recompute(ctx context.Context, campaignID string) (*models.CampaignStats, error)
}

// Tracker applies delivery receipts
type Tracker struct {
	leads  LeadStore
	logs   LogStore
	stats  StatsStore
	logger *slog.Logger
}

// New creates a new tracker
func New(leads LeadStore, logs LogStore, stats StatsStore, logger *slog.Logger) *Tracker {
	return &Tracker{
		leads:  leads,
		logs:   logs,
		stats:  stats,
		logger: logger.With("component", "tracker"),
	}
}

// RecordStatus applies one gateway receipt. A message id that is not tracked
// here is logged and ignored. Store failures are returned to the caller.
func (t *Tracker) RecordStatus(ctx context.Context, messageID, raw string, ts time.Time) error {
	if ts.IsZero() {
		ts = time.Now()
	}
	status := MapStatus(raw)

	msgLog, err := t.logs.GetByMessageID(ctx, messageID)
	if err != nil {
		return err
	}
	lead, err := t.leads.GetByMessageID(ctx, messageID)
	if err != nil {
		return err
	}

	if msgLog == nil && lead == nil {
		t.logger.Debug("receipt for unknown message", "message_id", messageID, "status", raw)
		metrics.IncReceiptsUnknown()
		return nil
	}
	if lead == nil {
		if lead, err = t.leadOf(ctx, msgLog); err != nil {
			return err
		}
	}

	if msgLog != nil {
		if err := t.logs.AppendHistory(ctx, messageID, models.StatusEntry{Status: status, Raw: raw, Timestamp: ts}); err != nil {
			return err
		}
		if from := allowedFrom(status); from != nil {
			if _, err := t.logs.ApplyStatus(ctx, messageID, status, ts, from); err != nil {
				return err
			}
		}
	}

	metrics.IncReceiptsProcessed(string(status))

	if lead == nil {
		// Earlier message of a multi-part send; the lead follows its last message
		return nil
	}

	from := allowedFrom(status)
	if from == nil {
		return nil
	}

	var changed bool
	if status == models.LeadFailed {
		changed, err = t.leads.ApplyFailure(ctx, lead.ID, "gateway reported "+raw, ts, from)
	} else {
		changed, err = t.leads.ApplyStatus(ctx, lead.ID, status, ts, from)
	}
	if err != nil {
		return err
	}
	if !changed {
		t.logger.Debug("receipt does not advance lead",
			"lead_id", lead.ID,
			"message_id", messageID,
			"current", lead.Status,
			"received", status)
		return nil
	}

	if _, err := t.stats.Recompute(ctx, lead.CampaignID); err != nil {
		return err
	}

	t.logger.Debug("lead status updated",
		"lead_id", lead.ID,
		"campaign_id", lead.CampaignID,
		"message_id", messageID,
		"status", status)
	return nil
}

// leadOf resolves the lead of a logged message the lead does not point at
func (t *Tracker) leadOf(ctx context.Context, msgLog *models.MessageLog) (*models.Lead, error) {
	lead, err := t.leads.GetByID(ctx, msgLog.LeadID)
	if err != nil || lead == nil {
		return nil, err
	}

	switch {
	case lead.MessageID == msgLog.MessageID:
		// marked sent between the two lookups
		return lead, nil
	case lead.MediaMessageID == msgLog.MessageID:
		return nil, nil
	case lead.MessageID == "" && lead.Status == models.LeadProcessing:
		return nil, ErrLeadNotLinked
	}
	return nil, nil
}
