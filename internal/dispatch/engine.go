// Package dispatch runs the per-campaign send loops.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxzi/chatblast/internal/connectivity"
	"github.com/foxzi/chatblast/internal/events"
	"github.com/foxzi/chatblast/internal/gateway"
	"github.com/foxzi/chatblast/internal/metrics"
	"github.com/foxzi/chatblast/internal/models"
	"github.com/google/uuid"
)

var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrLeadNotFound     = errors.New("lead not found")
	ErrNotConnected     = errors.New("no connected instance")
	ErrNoRecipients     = errors.New("campaign has no recipients")
	ErrAlreadyRunning   = errors.New("campaign is already running")
	ErrNotRunning       = errors.New("campaign is not running")
	ErrNotPaused        = errors.New("campaign is not paused")
)

// ResumeStatuses are the lead statuses a resumed run re-examines
var ResumeStatuses = []models.LeadStatus{
	models.LeadPending,
	models.LeadFailed,
	models.LeadSent,
	models.LeadRead,
}

// CampaignStore is the subset of the campaign repository used by the engine
type CampaignStore interface {
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
	ListByStatus(ctx context.Context, status models.CampaignStatus) ([]models.Campaign, error)
	TransitionStatus(ctx context.Context, id string, to models.CampaignStatus, from ...models.CampaignStatus) (bool, error)
	Claim(ctx context.Context, id, runID string, from ...models.CampaignStatus) (bool, error)
	EndRun(ctx context.Context, id, runID string, to models.CampaignStatus) (bool, error)
	BeginRun(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, progress int) error
	SetProgress(ctx context.Context, id string, progress int) error
	Complete(ctx context.Context, id, runID string) (bool, error)
}

// LeadStore is the subset of the lead repository used by the engine
type LeadStore interface {
	GetByID(ctx context.Context, id string) (*models.Lead, error)
	Count(ctx context.Context, campaignID string) (int, error)
	ListByStatuses(ctx context.Context, campaignID string, statuses ...models.LeadStatus) ([]models.Lead, error)
	NextPending(ctx context.Context, campaignID string) (*models.Lead, error)
	ResetAll(ctx context.Context, campaignID string) error
	Reset(ctx context.Context, id string) (bool, error)
	Requeue(ctx context.Context, id string) (bool, error)
	MarkProcessing(ctx context.Context, id string) (bool, error)
	RevertToPending(ctx context.Context, id string) error
	RevertProcessing(ctx context.Context, campaignID string) (int64, error)
	RevertStale(ctx context.Context, campaignID string, before time.Time) (int64, error)
	MarkMediaSent(ctx context.Context, id, messageID string) error
	MarkSent(ctx context.Context, id, messageID string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// LogStore records dispatched messages
type LogStore interface {
	Create(ctx context.Context, m *models.MessageLog) error
}

// StatsStore maintains the aggregate campaign counters
type StatsStore interface {
	Recompute(ctx context.Context, campaignID string) (*models.CampaignStats, error)
	Get(ctx context.Context, campaignID string) (*models.CampaignStats, error)
}

// Selector picks the sending binding of a rotation campaign
type Selector interface {
	SelectNext(ctx context.Context, campaignID string, strategy models.RotationStrategy) (*models.CampaignInstance, error)
	Available(ctx context.Context, campaignID string) ([]models.CampaignInstance, error)
}

// Stores groups the persistence dependencies of the engine
type Stores struct {
	Campaigns CampaignStore
	Leads     LeadStore
	Logs      LogStore
	Stats     StatsStore
}

// Config holds engine configuration
type Config struct {
	// ExhaustionBackoff is the sleep between selections when no instance is eligible
	ExhaustionBackoff time.Duration
	// ExhaustionMaxWait bounds how long a run waits for an instance before
	// pausing the campaign. Zero means max(campaign max delay, 60s).
	ExhaustionMaxWait time.Duration
	// ProcessingLease is how long a lead may stay PROCESSING before a resume
	// treats its run as gone and queues the lead again
	ProcessingLease time.Duration
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		ExhaustionBackoff: 10 * time.Second,
		ProcessingLease:   10 * time.Minute,
	}
}

type run struct {
	id         string
	campaignID string
	cancel     atomic.Bool
	reason     atomic.Value // string
	done       chan struct{}
}

func (r *run) requestCancel(reason string) {
	r.reason.Store(reason)
	r.cancel.Store(true)
}

func (r *run) cancelReason() string {
	if v, ok := r.reason.Load().(string); ok {
		return v
	}
	return ""
}

// Engine owns the send loops of all campaigns running in this process
type Engine struct {
	cfg       Config
	stores    Stores
	selector  Selector
	source    connectivity.Source
	sender    gateway.Sender
	publisher events.Publisher
	logger    *slog.Logger

	mu   sync.Mutex
	runs map[string]*run

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a new dispatch engine
func New(cfg Config, stores Stores, selector Selector, source connectivity.Source, sender gateway.Sender, publisher events.Publisher, logger *slog.Logger) *Engine {
	if cfg.ExhaustionBackoff <= 0 {
		cfg.ExhaustionBackoff = DefaultConfig().ExhaustionBackoff
	}
	if cfg.ProcessingLease <= 0 {
		cfg.ProcessingLease = DefaultConfig().ProcessingLease
	}
	if publisher == nil {
		publisher = events.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:       cfg,
		stores:    stores,
		selector:  selector,
		source:    source,
		sender:    sender,
		publisher: publisher,
		logger:    logger.With("component", "dispatch"),
		runs:      make(map[string]*run),
		ctx:       ctx,
		cancel:    cancel,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:     sleepContext,
		now:       time.Now,
	}
}

// Start begins a fresh run: every lead goes back to PENDING and the loop
// sends in import order. Start-time failures leave the campaign unchanged.
func (e *Engine) Start(ctx context.Context, campaignID string) error {
	r, err := e.reserve(campaignID)
	if err != nil {
		return err
	}
	launched := false
	defer func() {
		if !launched {
			e.release(r)
		}
	}()

	c, err := e.loadCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status == models.CampaignActive {
		return ErrAlreadyRunning
	}

	total, err := e.stores.Leads.Count(ctx, campaignID)
	if err != nil {
		return err
	}
	if total == 0 {
		return ErrNoRecipients
	}

	if err := e.checkConnected(ctx, c); err != nil {
		return err
	}

	ok, err := e.stores.Campaigns.Claim(ctx, campaignID, r.id,
		models.CampaignDraft, models.CampaignPaused, models.CampaignCompleted)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyRunning
	}
	metrics.IncCampaignTransition(string(models.CampaignActive))

	if err := e.prepareFreshRun(ctx, campaignID); err != nil {
		e.pauseBestEffort(r)
		return err
	}

	e.logger.Info("campaign started", "campaign_id", campaignID, "leads", total, "rotation", c.UseRotation)
	e.publish(events.Event{Type: events.CampaignStarted, CampaignID: campaignID, Data: map[string]any{"leads": total}})

	launched = true
	e.launch(r)
	return nil
}

func (e *Engine) prepareFreshRun(ctx context.Context, campaignID string) error {
	if err := e.stores.Leads.ResetAll(ctx, campaignID); err != nil {
		return err
	}
	if err := e.stores.Campaigns.BeginRun(ctx, campaignID); err != nil {
		return err
	}
	_, err := e.stores.Stats.Recompute(ctx, campaignID)
	return err
}

// Resume restarts the loop of a paused campaign without resetting it under a
// new run id. FAILED leads are queued again; SENT and READ leads that already
// hold a gateway message id are not sent twice. A PROCESSING lead may still
// be in flight in the previous run and is only queued again once its
// processing lease has expired.
func (e *Engine) Resume(ctx context.Context, campaignID string) error {
	r, err := e.reserve(campaignID)
	if err != nil {
		return err
	}
	launched := false
	defer func() {
		if !launched {
			e.release(r)
		}
	}()

	c, err := e.loadCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	switch c.Status {
	case models.CampaignActive:
		return ErrAlreadyRunning
	case models.CampaignPaused:
	default:
		return ErrNotPaused
	}

	if err := e.checkConnected(ctx, c); err != nil {
		return err
	}

	ok, err := e.stores.Campaigns.Claim(ctx, campaignID, r.id, models.CampaignPaused)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyRunning
	}
	metrics.IncCampaignTransition(string(models.CampaignActive))

	requeued, err := e.requeue(ctx, campaignID)
	if err != nil {
		e.pauseBestEffort(r)
		return err
	}

	e.logger.Info("campaign resumed", "campaign_id", campaignID, "requeued", requeued)
	e.publish(events.Event{Type: events.CampaignResumed, CampaignID: campaignID, Data: map[string]any{"requeued": requeued}})

	launched = true
	e.launch(r)
	return nil
}

// requeue puts the leads a resumed run must send back to PENDING and
// recomputes progress from the store counters.
func (e *Engine) requeue(ctx context.Context, campaignID string) (int, error) {
	stale, err := e.stores.Leads.RevertStale(ctx, campaignID, e.now().Add(-e.cfg.ProcessingLease))
	if err != nil {
		return 0, err
	}

	leads, err := e.stores.Leads.ListByStatuses(ctx, campaignID, ResumeStatuses...)
	if err != nil {
		return 0, err
	}

	requeued := int(stale)
	for i := range leads {
		if !needsResend(&leads[i]) {
			continue
		}
		if _, err := e.stores.Leads.Requeue(ctx, leads[i].ID); err != nil {
			return requeued, err
		}
		requeued++
	}

	stats, err := e.stores.Stats.Recompute(ctx, campaignID)
	if err != nil {
		return requeued, err
	}
	if err := e.stores.Campaigns.SetProgress(ctx, campaignID, stats.Percent()); err != nil {
		return requeued, err
	}
	return requeued, nil
}

// needsResend reports whether a lead picked up by the resume filter has to
// be dispatched again. PENDING leads are already queued.
func needsResend(l *models.Lead) bool {
	switch l.Status {
	case models.LeadFailed:
		return true
	case models.LeadSent, models.LeadRead:
		return l.MessageID == ""
	}
	return false
}

// Pause asks the loop to stop after the current lead. The campaign lands in
// paused once the loop observes the flag.
func (e *Engine) Pause(ctx context.Context, campaignID string) error {
	return e.halt(ctx, campaignID, "paused")
}

// Stop behaves like Pause at rest; the campaign stays resumable.
func (e *Engine) Stop(ctx context.Context, campaignID string) error {
	return e.halt(ctx, campaignID, "stopped")
}

func (e *Engine) halt(ctx context.Context, campaignID, reason string) error {
	e.mu.Lock()
	r := e.runs[campaignID]
	e.mu.Unlock()

	if r != nil {
		r.requestCancel(reason)
		e.logger.Info("campaign halt requested", "campaign_id", campaignID, "reason", reason)

		c, err := e.loadCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		if c.Status != models.CampaignActive || c.RunID == r.id {
			return nil
		}
		// The local loop was superseded; the live run is elsewhere
	}

	// The loop may live in another process; it checks the stored status
	// and run id every iteration.
	ok, err := e.stores.Campaigns.TransitionStatus(ctx, campaignID, models.CampaignPaused, models.CampaignActive)
	if err != nil {
		return err
	}
	if !ok {
		if r != nil {
			return nil
		}
		if _, err := e.loadCampaign(ctx, campaignID); err != nil {
			return err
		}
		return ErrNotRunning
	}
	metrics.IncCampaignTransition(string(models.CampaignPaused))
	e.publish(events.Event{Type: events.CampaignPaused, CampaignID: campaignID, Data: map[string]any{"reason": reason}})
	return nil
}

// Progress returns the operator view of a campaign
func (e *Engine) Progress(ctx context.Context, campaignID string) (*models.CampaignProgress, error) {
	c, err := e.loadCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	stats, err := e.stores.Stats.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		if stats, err = e.stores.Stats.Recompute(ctx, campaignID); err != nil {
			return nil, err
		}
	}

	return &models.CampaignProgress{
		CampaignID: c.ID,
		Status:     c.Status,
		Progress:   c.Progress,
		Running:    e.Running(campaignID),
		Stats:      *stats,
	}, nil
}

// ResetLead puts a single lead back to PENDING with no delivery data
func (e *Engine) ResetLead(ctx context.Context, leadID string) (*models.Lead, error) {
	lead, err := e.stores.Leads.GetByID(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if lead == nil {
		return nil, ErrLeadNotFound
	}

	if _, err := e.stores.Leads.Reset(ctx, leadID); err != nil {
		return nil, err
	}
	if _, err := e.stores.Stats.Recompute(ctx, lead.CampaignID); err != nil {
		return nil, err
	}

	e.logger.Info("lead reset", "campaign_id", lead.CampaignID, "lead_id", leadID, "previous_status", lead.Status)
	return e.stores.Leads.GetByID(ctx, leadID)
}

// Recover pauses campaigns left active by a previous process and puts their
// in-flight leads back in the queue. Returns the number of campaigns touched.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	campaigns, err := e.stores.Campaigns.ListByStatus(ctx, models.CampaignActive)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, c := range campaigns {
		if e.Running(c.ID) {
			continue
		}
		ok, err := e.stores.Campaigns.TransitionStatus(ctx, c.ID, models.CampaignPaused, models.CampaignActive)
		if err != nil {
			return recovered, err
		}
		if !ok {
			continue
		}
		reverted, err := e.stores.Leads.RevertProcessing(ctx, c.ID)
		if err != nil {
			return recovered, err
		}
		if _, err := e.stores.Stats.Recompute(ctx, c.ID); err != nil {
			return recovered, err
		}
		recovered++
		metrics.IncCampaignTransition(string(models.CampaignPaused))
		e.logger.Warn("recovered interrupted campaign", "campaign_id", c.ID, "reverted_leads", reverted)
	}
	return recovered, nil
}

// Running reports whether this process runs the campaign's loop
func (e *Engine) Running(campaignID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[campaignID]
	return ok
}

// Wait blocks until the campaign's loop exits or ctx is done
func (e *Engine) Wait(ctx context.Context, campaignID string) error {
	e.mu.Lock()
	r := e.runs[campaignID]
	e.mu.Unlock()
	if r == nil {
		return nil
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown interrupts pacing sleeps and waits for every loop to park its
// campaign. In-flight sends are allowed to finish.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info("stopping dispatch engine...")

	e.mu.Lock()
	for _, r := range e.runs {
		r.requestCancel("shutdown")
	}
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("dispatch engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch shutdown: %w", ctx.Err())
	}
}

func (e *Engine) reserve(campaignID string) (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctx.Err() != nil {
		return nil, fmt.Errorf("dispatch engine is shut down")
	}
	if _, ok := e.runs[campaignID]; ok {
		return nil, ErrAlreadyRunning
	}
	r := &run{id: uuid.New().String(), campaignID: campaignID, done: make(chan struct{})}
	e.runs[campaignID] = r
	metrics.SetCampaignsRunning(len(e.runs))
	return r, nil
}

func (e *Engine) release(r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.runs[r.campaignID] == r {
		delete(e.runs, r.campaignID)
	}
	metrics.SetCampaignsRunning(len(e.runs))
	close(r.done)
}

func (e *Engine) launch(r *run) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(r)
		e.loop(e.ctx, r)
	}()
}

func (e *Engine) loadCampaign(ctx context.Context, campaignID string) (*models.Campaign, error) {
	c, err := e.stores.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrCampaignNotFound
	}
	return c, nil
}

// checkConnected verifies the campaign has at least one identity to send from
func (e *Engine) checkConnected(ctx context.Context, c *models.Campaign) error {
	if c.UseRotation {
		available, err := e.selector.Available(ctx, c.ID)
		if err != nil {
			return err
		}
		if len(available) == 0 {
			return ErrNotConnected
		}
		return nil
	}

	if c.InstanceID == "" || c.InstanceName == "" {
		return ErrNotConnected
	}
	ok, err := e.source.IsConnected(ctx, c.InstanceName)
	if err != nil {
		e.logger.Warn("connectivity lookup failed", "campaign_id", c.ID, "instance", c.InstanceName, "error", err)
		return ErrNotConnected
	}
	if !ok {
		return ErrNotConnected
	}
	return nil
}

// pauseBestEffort parks a campaign owned by r after an infrastructure error
func (e *Engine) pauseBestEffort(r *run) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ok, err := e.stores.Campaigns.EndRun(ctx, r.campaignID, r.id, models.CampaignPaused)
	if err != nil {
		e.logger.Error("failed to pause campaign", "campaign_id", r.campaignID, "error", err)
		return
	}
	if ok {
		metrics.IncCampaignTransition(string(models.CampaignPaused))
	}
}

func (e *Engine) publish(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Warn("failed to publish event", "type", ev.Type, "campaign_id", ev.CampaignID, "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
