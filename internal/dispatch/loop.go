package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/foxzi/chatblast/internal/events"
	"github.com/foxzi/chatblast/internal/gateway"
	"github.com/foxzi/chatblast/internal/metrics"
	"github.com/foxzi/chatblast/internal/models"
)

const minExhaustionWait = 60 * time.Second

// target is the identity a single lead is sent from
type target struct {
	instanceID   string
	instanceName string
}

// loop sends to the campaign's PENDING leads one at a time. Sleeps observe
// ctx; store calls and sends do not, so shutdown never cuts an iteration in
// half.
func (e *Engine) loop(ctx context.Context, r *run) {
	opCtx := context.WithoutCancel(ctx)
	log := e.logger.With("campaign_id", r.campaignID)
	var exhaustedSince time.Time

	for {
		if r.cancel.Load() {
			e.park(r, r.cancelReason())
			return
		}

		c, err := e.stores.Campaigns.GetByID(opCtx, r.campaignID)
		if err != nil {
			e.abort(r, "load campaign", err)
			return
		}
		if c == nil || c.Status != models.CampaignActive {
			log.Info("campaign no longer active, send loop exiting")
			return
		}
		if c.RunID != r.id {
			log.Info("campaign claimed by another run, send loop exiting", "run_id", r.id, "owner", c.RunID)
			return
		}

		lead, err := e.stores.Leads.NextPending(opCtx, r.campaignID)
		if err != nil {
			e.abort(r, "next lead", err)
			return
		}
		if lead == nil {
			e.finish(r)
			return
		}

		ok, err := e.stores.Leads.MarkProcessing(opCtx, lead.ID)
		if err != nil {
			e.abort(r, "claim lead", err)
			return
		}
		if !ok {
			continue
		}

		if reason := validateLead(c, lead); reason != "" {
			if err := e.fail(opCtx, lead, "", "invalid_lead", reason); err != nil {
				e.abort(r, "mark failed", err)
				return
			}
			if err := e.updateProgress(opCtx, r.campaignID); err != nil {
				e.abort(r, "update progress", err)
				return
			}
			continue
		}

		t, err := e.acquire(opCtx, c)
		if err != nil {
			e.revert(opCtx, lead)
			e.abort(r, "select instance", err)
			return
		}
		if t == nil {
			metrics.IncRotationExhausted()
			if err := e.stores.Leads.RevertToPending(opCtx, lead.ID); err != nil {
				e.abort(r, "revert lead", err)
				return
			}

			if exhaustedSince.IsZero() {
				exhaustedSince = e.now()
			}
			waited := e.now().Sub(exhaustedSince)
			if waited >= e.maxWait(c) {
				log.Warn("no instance available, pausing campaign", "waited", waited)
				e.park(r, "no instance available")
				return
			}

			log.Debug("no instance available, backing off", "backoff", e.cfg.ExhaustionBackoff)
			_ = e.sleep(ctx, e.cfg.ExhaustionBackoff)
			continue
		}
		exhaustedSince = time.Time{}

		if err := e.deliver(opCtx, c, lead, t); err != nil {
			e.abort(r, "record delivery", err)
			return
		}

		if err := e.updateProgress(opCtx, r.campaignID); err != nil {
			e.abort(r, "update progress", err)
			return
		}

		if r.cancel.Load() {
			continue
		}
		_ = e.sleep(ctx, e.pacingDelay(c))
	}
}

// deliver sends the campaign content to one lead. Gateway failures are
// recorded on the lead; only store failures are returned.
func (e *Engine) deliver(ctx context.Context, c *models.Campaign, lead *models.Lead, t *target) error {
	phone, _ := normalizePhone(lead.Phone)
	var messageID string

	switch {
	case c.HasMedia() && lead.MediaMessageID != "":
		// delivered by an earlier run that failed on the text part
		messageID = lead.MediaMessageID
	case c.HasMedia():
		id, err := e.sender.SendMedia(ctx, t.instanceName, phone, c.MediaURL, c.MediaType, "")
		if err != nil {
			return e.fail(ctx, lead, t.instanceName, failureLabel(err), err.Error())
		}
		if err := e.logMessage(ctx, lead, t, phone, id, models.MessageTypeMedia, c.MediaURL); err != nil {
			return err
		}
		if err := e.stores.Leads.MarkMediaSent(ctx, lead.ID, id); err != nil {
			return err
		}
		messageID = id
	}

	if c.HasText() {
		text := renderTemplate(c.Message, map[string]string{
			"name":  lead.Name,
			"phone": phone,
		})
		id, err := e.sender.SendText(ctx, t.instanceName, phone, text)
		if err != nil {
			return e.fail(ctx, lead, t.instanceName, failureLabel(err), err.Error())
		}
		if err := e.logMessage(ctx, lead, t, phone, id, models.MessageTypeText, text); err != nil {
			return err
		}
		messageID = id
	}

	if err := e.stores.Leads.MarkSent(ctx, lead.ID, messageID); err != nil {
		return err
	}
	e.logger.Debug("lead sent", "campaign_id", lead.CampaignID, "lead_id", lead.ID,
		"instance_id", t.instanceID, "message_id", messageID)
	return nil
}

func (e *Engine) logMessage(ctx context.Context, lead *models.Lead, t *target, phone, messageID, msgType, content string) error {
	err := e.stores.Logs.Create(ctx, &models.MessageLog{
		MessageID:   messageID,
		CampaignID:  lead.CampaignID,
		LeadID:      lead.ID,
		InstanceID:  t.instanceID,
		Phone:       phone,
		MessageType: msgType,
		Content:     content,
		Status:      models.LeadSent,
	})
	if err != nil {
		return err
	}
	metrics.IncMessagesSent(t.instanceName, msgType)
	return nil
}

// fail records a recipient-level failure; the loop moves on to the next lead
func (e *Engine) fail(ctx context.Context, lead *models.Lead, instance, label, reason string) error {
	if err := e.stores.Leads.MarkFailed(ctx, lead.ID, reason); err != nil {
		return err
	}
	metrics.IncMessagesFailed(instance, label)
	e.logger.Warn("lead failed", "campaign_id", lead.CampaignID, "lead_id", lead.ID, "instance", instance, "reason", reason)
	e.publish(events.Event{
		Type:       events.LeadFailed,
		CampaignID: lead.CampaignID,
		LeadID:     lead.ID,
		Data:       map[string]any{"reason": reason},
	})
	return nil
}

func (e *Engine) updateProgress(ctx context.Context, campaignID string) error {
	stats, err := e.stores.Stats.Recompute(ctx, campaignID)
	if err != nil {
		return err
	}
	return e.stores.Campaigns.UpdateProgress(ctx, campaignID, stats.Percent())
}

// acquire returns the identity for the next send, nil when none is available
func (e *Engine) acquire(ctx context.Context, c *models.Campaign) (*target, error) {
	if c.UseRotation {
		b, err := e.selector.SelectNext(ctx, c.ID, c.RotationStrategy)
		if err != nil || b == nil {
			return nil, err
		}
		return &target{instanceID: b.InstanceID, instanceName: b.InstanceName}, nil
	}

	ok, err := e.source.IsConnected(ctx, c.InstanceName)
	if err != nil {
		e.logger.Warn("connectivity lookup failed", "campaign_id", c.ID, "instance", c.InstanceName, "error", err)
		return nil, nil
	}
	if !ok {
		return nil, nil
	}
	return &target{instanceID: c.InstanceID, instanceName: c.InstanceName}, nil
}

func (e *Engine) revert(ctx context.Context, lead *models.Lead) {
	if err := e.stores.Leads.RevertToPending(ctx, lead.ID); err != nil {
		e.logger.Error("failed to revert lead", "campaign_id", lead.CampaignID, "lead_id", lead.ID, "error", err)
	}
}

// finish completes the campaign once no PENDING lead is left
func (e *Engine) finish(r *run) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := e.stores.Stats.Recompute(ctx, r.campaignID)
	if err != nil {
		e.abort(r, "final stats", err)
		return
	}

	ok, err := e.stores.Campaigns.Complete(ctx, r.campaignID, r.id)
	if err != nil {
		e.abort(r, "complete campaign", err)
		return
	}
	if !ok {
		e.logger.Info("campaign left active state before completion", "campaign_id", r.campaignID)
		return
	}

	metrics.IncCampaignTransition(string(models.CampaignCompleted))
	e.logger.Info("campaign completed", "campaign_id", r.campaignID,
		"sent", stats.SentCount, "failed", stats.FailedCount, "total", stats.TotalLeads)
	e.publish(events.Event{
		Type:       events.CampaignCompleted,
		CampaignID: r.campaignID,
		Data: map[string]any{
			"total":  stats.TotalLeads,
			"sent":   stats.SentCount,
			"failed": stats.FailedCount,
		},
	})
}

// park moves the campaign to paused with its partial progress
func (e *Engine) park(r *run, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ok, err := e.stores.Campaigns.EndRun(ctx, r.campaignID, r.id, models.CampaignPaused)
	if err != nil {
		e.logger.Error("failed to pause campaign", "campaign_id", r.campaignID, "error", err)
		metrics.IncStoreErrors("dispatch")
		return
	}
	if err := e.updateProgress(ctx, r.campaignID); err != nil {
		e.logger.Error("failed to update progress", "campaign_id", r.campaignID, "error", err)
		metrics.IncStoreErrors("dispatch")
	}
	if !ok {
		return
	}

	metrics.IncCampaignTransition(string(models.CampaignPaused))
	e.logger.Info("campaign paused", "campaign_id", r.campaignID, "reason", reason)
	e.publish(events.Event{Type: events.CampaignPaused, CampaignID: r.campaignID, Data: map[string]any{"reason": reason}})
}

// abort ends the run after a store failure and leaves the campaign resumable
func (e *Engine) abort(r *run, op string, err error) {
	e.logger.Error("send loop aborted", "campaign_id", r.campaignID, "op", op, "error", err)
	metrics.IncStoreErrors("dispatch")
	e.pauseBestEffort(r)
	e.publish(events.Event{Type: events.CampaignPaused, CampaignID: r.campaignID, Data: map[string]any{"reason": "store error"}})
}

// maxWait bounds the time a run waits for an identity before pausing
func (e *Engine) maxWait(c *models.Campaign) time.Duration {
	if e.cfg.ExhaustionMaxWait > 0 {
		return e.cfg.ExhaustionMaxWait
	}
	w := time.Duration(c.MaxDelay) * time.Second
	if w < minExhaustionWait {
		w = minExhaustionWait
	}
	return w
}

// pacingDelay returns a uniform random delay in [MinDelay, MaxDelay] seconds
// with millisecond resolution
func (e *Engine) pacingDelay(c *models.Campaign) time.Duration {
	lo, hi := c.MinDelay, c.MaxDelay
	if hi < lo {
		lo, hi = hi, lo
	}
	if lo < 0 {
		lo = 0
	}
	if hi <= lo {
		return time.Duration(lo) * time.Second
	}

	loMs, hiMs := int64(lo)*1000, int64(hi)*1000
	e.rngMu.Lock()
	ms := loMs + e.rng.Int63n(hiMs-loMs+1)
	e.rngMu.Unlock()
	return time.Duration(ms) * time.Millisecond
}

func failureLabel(err error) string {
	switch {
	case gateway.IsPermanent(err):
		return "rejected"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "gateway_error"
	}
}
