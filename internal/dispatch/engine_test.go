package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/chatblast/internal/connectivity"
	"github.com/foxzi/chatblast/internal/db"
	"github.com/foxzi/chatblast/internal/events"
	"github.com/foxzi/chatblast/internal/gateway"
	"github.com/foxzi/chatblast/internal/models"
	"github.com/foxzi/chatblast/internal/repository"
	"github.com/foxzi/chatblast/internal/rotation"
)

// fakeSender is an in-memory gateway. Keys of fail are a phone, which
// rejects every send to it, or "<kind>:<phone>" for one kind only.
type fakeSender struct {
	mu     sync.Mutex
	n      int
	prefix string
	calls  []string // "text:<phone>" or "media:<phone>"
	fail   map[string]error

	// block, when set, holds the first send until release is closed
	block   bool
	started chan struct{}
	release chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		prefix:  "msg",
		fail:    make(map[string]error),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *fakeSender) send(kind, phone string) (string, error) {
	s.mu.Lock()
	first := s.n == 0
	s.n++
	id := fmt.Sprintf("%s-%d", s.prefix, s.n)
	s.calls = append(s.calls, kind+":"+phone)
	err := s.fail[phone]
	if err == nil {
		err = s.fail[kind+":"+phone]
	}
	block := s.block && first
	s.mu.Unlock()

	if block {
		close(s.started)
		<-s.release
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *fakeSender) SendText(_ context.Context, _, phone, _ string) (string, error) {
	return s.send("text", phone)
}

func (s *fakeSender) SendMedia(_ context.Context, _, phone, _, _, _ string) (string, error) {
	return s.send("media", phone)
}

func (s *fakeSender) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, e.Type)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Has(t string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, got := range p.types {
		if got == t {
			return true
		}
	}
	return false
}

// fakeClock advances only when the engine sleeps
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

type fixture struct {
	engine    *Engine
	sender    *fakeSender
	publisher *recordingPublisher
	clock     *fakeClock

	campaigns *repository.CampaignRepository
	leads     *repository.LeadRepository
	logs      *repository.MessageLogRepository
	stats     *repository.StatsRepository
	bindings  *repository.BindingRepository
	instances *repository.InstanceRepository

	instance *models.Instance
}

func setupEngine(t *testing.T, connected ...string) *fixture {
	t.Helper()

	database, err := db.Open(db.DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		sender:    newFakeSender(),
		publisher: &recordingPublisher{},
		clock:     &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		campaigns: repository.NewCampaignRepository(database.DB),
		leads:     repository.NewLeadRepository(database.DB),
		logs:      repository.NewMessageLogRepository(database.DB),
		stats:     repository.NewStatsRepository(database.DB),
		bindings:  repository.NewBindingRepository(database.DB),
		instances: repository.NewInstanceRepository(database.DB),
	}

	f.instance = &models.Instance{Name: "inst-a"}
	if err := f.instances.Create(context.Background(), f.instance); err != nil {
		t.Fatalf("create instance: %v", err)
	}

	source := connectivity.NewStaticSource(connected...)
	selector := rotation.NewSelector(f.bindings, source, logger)
	stores := Stores{Campaigns: f.campaigns, Leads: f.leads, Logs: f.logs, Stats: f.stats}

	f.engine = New(DefaultConfig(), stores, selector, source, f.sender, f.publisher, logger)
	f.engine.sleep = f.clock.Sleep
	f.engine.now = f.clock.Now
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.engine.Shutdown(ctx)
	})
	return f
}

// peer builds a second engine on the same database, standing in for another
// chatblast process
func (f *fixture) peer(t *testing.T, connected ...string) (*Engine, *fakeSender) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	source := connectivity.NewStaticSource(connected...)
	selector := rotation.NewSelector(f.bindings, source, logger)
	stores := Stores{Campaigns: f.campaigns, Leads: f.leads, Logs: f.logs, Stats: f.stats}

	sender := newFakeSender()
	sender.prefix = "peer"
	clock := &fakeClock{now: time.Now()}

	e := New(DefaultConfig(), stores, selector, source, sender, nil, logger)
	e.sleep = clock.Sleep
	e.now = clock.Now
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	return e, sender
}

func (f *fixture) createCampaign(t *testing.T, c *models.Campaign, phones ...string) *models.Campaign {
	t.Helper()
	ctx := context.Background()

	if c.InstanceID == "" && !c.UseRotation {
		c.InstanceID = f.instance.ID
	}
	if err := f.campaigns.Create(ctx, c); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	var leads []models.LeadImport
	for i, p := range phones {
		leads = append(leads, models.LeadImport{Phone: p, Name: fmt.Sprintf("lead %d", i+1)})
	}
	if len(leads) > 0 {
		if _, err := f.leads.Import(ctx, c.ID, leads); err != nil {
			t.Fatalf("import leads: %v", err)
		}
	}
	return c
}

func (f *fixture) wait(t *testing.T, campaignID string) *models.Campaign {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.engine.Wait(ctx, campaignID); err != nil {
		t.Fatalf("send loop did not finish: %v", err)
	}
	c, err := f.campaigns.GetByID(context.Background(), campaignID)
	if err != nil || c == nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	return c
}

func (f *fixture) leadsByPosition(t *testing.T, campaignID string) []models.Lead {
	t.Helper()
	all, err := f.leads.ListByStatuses(context.Background(), campaignID,
		models.LeadPending, models.LeadProcessing, models.LeadSent,
		models.LeadDelivered, models.LeadRead, models.LeadFailed)
	if err != nil {
		t.Fatalf("ListByStatuses failed: %v", err)
	}
	return all
}

var threePhones = []string{"+55 11 90000-0001", "5511900000002", "5511900000003"}

func TestEngineCompletesCampaign(t *testing.T) {
	f := setupEngine(t, "inst-a")
	ctx := context.Background()
	c := f.createCampaign(t, &models.Campaign{Name: "e2e", Message: "hi {{name}}", MinDelay: 1, MaxDelay: 1}, threePhones...)

	if err := f.engine.Start(ctx, c.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	got := f.wait(t, c.ID)

	if got.Status != models.CampaignCompleted {
		t.Errorf("expected status completed, got %s", got.Status)
	}
	if got.Progress != 100 {
		t.Errorf("expected progress 100, got %d", got.Progress)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}

	n, err := f.logs.CountByCampaign(ctx, c.ID)
	if err != nil {
		t.Fatalf("CountByCampaign failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 message logs, got %d", n)
	}

	stats, _ := f.stats.Get(ctx, c.ID)
	if stats == nil || stats.SentCount != 3 || stats.FailedCount != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	for _, l := range f.leadsByPosition(t, c.ID) {
		if l.Status != models.LeadSent || l.MessageID == "" || l.SentAt == nil {
			t.Errorf("lead %s: status=%s message_id=%q sent_at=%v", l.Phone, l.Status, l.MessageID, l.SentAt)
		}
	}

	for _, d := range f.clock.Sleeps() {
		if d != time.Second {
			t.Errorf("expected 1s pacing delay, got %v", d)
		}
	}

	if !f.publisher.Has(events.CampaignStarted) || !f.publisher.Has(events.CampaignCompleted) {
		t.Errorf("expected started and completed events, got %v", f.publisher.types)
	}
}

func TestEngineFailedLeadDoesNotBlock(t *testing.T) {
	f := setupEngine(t, "inst-a")
	ctx := context.Background()
	f.sender.fail["5511900000002"] = &gateway.Error{StatusCode: 400, Message: "number not on network"}
	c := f.createCampaign(t, &models.Campaign{Name: "e2e", Message: "hi", MinDelay: 1, MaxDelay: 1}, threePhones...)

	if err := f.engine.Start(ctx, c.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	got := f.wait(t, c.ID)

	if got.Status != models.CampaignCompleted {
		t.Errorf("expected status completed, got %s", got.Status)
	}

	leads := f.leadsByPosition(t, c.ID)
	if len(leads) != 3 {
		t.Fatalf("expected 3 leads, got %d", len(leads))
	}
	want := []models.LeadStatus{models.LeadSent, models.LeadFailed, models.LeadSent}
	for i, l := range leads {
		if l.Status != want[i] {
			t.Errorf("lead %d: expected %s, got %s", i+1, want[i], l.Status)
		}
	}
	if leads[1].FailureReason == "" || leads[1].FailedAt == nil {
		t.Errorf("expected failure reason and failed_at on lead 2, got %+v", leads[1])
	}

	stats, _ := f.stats.Get(ctx, c.ID)
	if stats.SentCount != 2 || stats.FailedCount != 1 {
		t.Errorf("expected 2 sent / 1 failed, got %+v", stats)
	}
	if !f.publisher.Has(events.LeadFailed) {
		t.Error("expected a lead.failed event")
	}
}

func TestEngineInvalidPhone(t *testing.T) {
	f := setupEngine(t, "inst-a")
	c := f.createCampaign(t, &models.Campaign{Name: "c", Message: "hi"}, "12-34", "5511900000002")

	if err := f.engine.Start(context.Background(), c.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := f.wait(t, c.ID); got.Status != models.CampaignCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}

	leads := f.leadsByPosition(t, c.ID)
	if leads[0].Status != models.LeadFailed || leads[0].FailureReason != "invalid phone number" {
		t.Errorf("unexpected first lead: status=%s reason=%q", leads[0].Status, leads[0].FailureReason)
	}
	if calls := f.sender.Calls(); len(calls) != 1 || calls[0] != "text:5511900000002" {
		t.Errorf("expected a single send to the valid number, got %v", calls)
	}
}

func TestEngineMediaAndText(t *testing.T) {
	f := setupEngine(t, "inst-a")
	ctx := context.Background()
	c := f.createCampaign(t, &models.Campaign{
		Name:      "c",
		Message:   "caption",
		MediaURL:  "https://cdn.example.com/a.png",
		MediaType: "image",
	}, "5511900000001")

	if err := f.engine.Start(ctx, c.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.wait(t, c.ID)

	calls := f.sender.Calls()
	if len(calls) != 2 || calls[0] != "media:5511900000001" || calls[1] != "text:5511900000001" {
		t.Fatalf("expected media then text, got %v", calls)
	}

	lead := f.leadsByPosition(t, c.ID)[0]
	if lead.MessageID != "msg-2" {
		t.Errorf("expected lead to carry the last message id, got %q", lead.MessageID)
	}
	logs, err := f.logs.ListByLead(ctx, lead.ID)
	if err != nil {
		t.Fatalf("ListByLead failed: %v", err)
	}
	if len(logs) != 2 {
		t.Errorf("expected 2 message logs, got %d", len(logs))
	}
}

func TestStartErrors(t *testing.T) {
	tests := []struct {
		name      string
		connected []string
		phones    []string
		missing   bool
		want      error
	}{
		{"unknown campaign", []string{"inst-a"}, threePhones, true, ErrCampaignNotFound},
		{"no recipients", []string{"inst-a"}, nil, false, ErrNoRecipients},
		{"instance disconnected", nil, threePhones, false, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupEngine(t, tt.connected...)
			ctx := context.Background()
			c := f.createCampaign(t, &models.Campaign{Name: "c", Message: "hi"}, tt.phones...)

			id := c.ID
			if tt.missing {
				id = "does-not-exist"
			}

			err := f.engine.Start(ctx, id)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}

			got, _ := f.campaigns.GetByID(ctx, c.ID)
			if got.Status != models.CampaignDraft {
				t.Errorf("expected campaign left in draft, got %s", got.Status)
			}
			if f.engine.Running(id) {
				t.Error("expected no registered run")
			}
			if len(f.sender.Calls()) != 0 {
				t.Error("expected no sends")
			}
		})
	}
}

func TestStartRejectsSecondRun(t *testing.T) {
	f := setupEngine(t, "inst-a")
	ctx := context.Background()
	f.sender.block = true
	c := f.createCampaign(t, &models.Campaign{Name: "c", Message: "hi"}, threePhones...)

	if err := f.engine.Start(ctx, c.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-f.sender.started

	if err := f.engine.Start(ctx, c.ID); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
	if err := f.engine.Resume(ctx, c.ID); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning from Resume, got %v", err)
	}

	close(f.sender.release)
	f.wait(t, c.ID)
}

func TestPauseAndResume(t *testing.T) {
	f := setupEngine(t, "inst-a")
	ctx := context.Background()
	f.sender.block = true
	c := f.createCampaign(t, &models.Campaign{Name: "c", Message: "hi", MinDelay: 1, MaxDelay: 2}, threePhones...)

	if err := f.engine.Start(ctx, c.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-f.sender.started

	if err := f.engine.Pause(ctx, c.ID); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	// The in-flight send completes before the flag is honored
	close(f.sender.release)
	got := f.wait(t, c.ID)

	if got.Status != models.CampaignPaused {
		t.Fatalf("expected paused, got %s", got.Status)
	}
	if got.Progress != 33 {
		t.Errorf("expected progress 33, got %d", got.Progress)
	}
	leads := f.leadsByPosition(t, c.ID)
	if leads[0].Status != models.LeadSent || leads[1].Status != models.LeadPending || leads[2].Status != models.LeadPending {
		t.Errorf("unexpected lead states after pause: %s %s %s", leads[0].Status, leads[1].Status, leads[2].Status)
	}

	if err := f.engine.Pause(ctx, c.ID); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning on second pause, got %v", err)
	}

	if err := f.engine.Resume(ctx, c.ID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	got = f.wait(t, c.ID)

	if got.Status != models.CampaignCompleted || got.Progress != 100 {
		t.Errorf("expected completed/100, got %s/%d", got.Status, got.Progress)
	}
	if calls := f.sender.Calls(); len(calls) != 3 {
		t.Errorf("expected exactly 3 sends across both runs, got %v", calls)
	}
	if !f.publisher.Has(events.CampaignPaused) || !f.publisher.Has(events.CampaignResumed) {
		t.Errorf("expected paused and resumed events, got %v", f.publisher.types)
	}
}

func TestResumeStatuses(t *testing.T) {
	want := map[models.LeadStatus]bool{
		models.LeadPending: true,
		models.LeadFailed:  true,
		models.LeadSent:    true,
		models.LeadRead:    true,
	}
	if len(ResumeStatuses) != len(want) {
		t.Fatalf("expected %d resume statuses, got %v", len(want), ResumeStatuses)
	}
	for _, s := range ResumeStatuses {
		if !want[s] {
			t.Errorf("unexpected resume status %s", s)
		}
	}
}

func TestResumeRequeuesOnlyUnfinishedLeads(t *testing.T) {
	f := setupEngine(t, "inst-a")
	ctx := context.Background()
	phones := []string{"5511900000001", "5511900000002", "5511900000003", "5511900000004", "5511900000005"}
	c := f.createCampaign(t, &models.Campaign{Name: "c", Message: "hi"}, phones...)

	leads := f.leadsByPosition(t, c.ID)
	// 1: SENT with a gateway id, 2: FAILED, 3: PENDING, 4: stale PROCESSING, 5: DELIVERED
	f.leads.MarkProcessing(ctx, leads[0].ID)
	f.leads.MarkSent(ctx, leads[0].ID, "old-1")
	f.leads.MarkProcessing(ctx, leads[1].ID)
	f.leads.MarkFailed(ctx, leads[1].ID, "timeout")
	f.leads.MarkProcessing(ctx, leads[3].ID)
	f.leads.MarkProcessing(ctx, leads[4].ID)
	f.leads.MarkSent(ctx, leads[4].ID, "old-5")
	f.leads.ApplyStatus(ctx, leads[4].ID, models.LeadDelivered, time.Now(), []models.LeadStatus{models.LeadSent})
	f.campaigns.TransitionStatus(ctx, c.ID, models.CampaignPaused, models.CampaignDraft)
	// lead 4 was claimed longer ago than the processing lease
	f.clock.now = time.Now().Add(DefaultConfig().ProcessingLease + time.Minute)

	if err := f.engine.Resume(ctx, c.ID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	got := f.wait(t, c.ID)
	if got.Status != models.CampaignCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}

	sent := make(map[string]bool)
	for _, call := range f.sender.Calls() {
		sent[call] = true
	}
	for _, p := range []string{phones[1], phones[2], phones[3]} {
		if !sent["text:"+p] {
			t.Errorf("expected %s to be sent on resume", p)
		}
	}
	for _, p := range []string{phones[0], phones[4]} {
		if sent["text:"+p] {
			t.Errorf("did not expect %s to be sent again", p)
		}
	}

	after := f.leadsByPosition(t, c.ID)
	if after[0].MessageID != "old-1" {
		t.Errorf("expected SENT lead to keep its message id, got %q", after[0].MessageID)
	}
	if after[4].Status != models.LeadDelivered {
		t.Errorf("expected DELIVERED lead untouched, got %s", after[4].Status)
	}
}

func TestResumeDoesNotResendDeliveredMedia(t *testing.T) {
	f := setupEngine(t, "inst-a")
	ctx := context.Background()
	f.sender.fail["text:5511900000001"] = &gateway.Error{StatusCode: 503, Message: "unavailable"}
	c := f.createCampaign(t, &models.Campaign{
		Name:      "c",
		Message:   "caption",
		MediaURL:  "https://cdn.example.com/a.png",
		MediaType: "image",
	}, "5511900000001")

	if err := f.engine.Start(ctx, c.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.wait(t, c.ID)

	lead := f.leadsByPosition(t, c.ID)[0]
	if lead.Status != models.LeadFailed || lead.MediaMessageID != "msg-1" {
		t.Fatalf("expected FAILED lead holding the media id, got status=%s media=%q", lead.Status, lead.MediaMessageID)
	}

	delete(f.sender.fail, "text:5511900000001")
	// the run ended as completed; park it so it can be resumed
	f.campaigns.TransitionStatus(ctx, c.ID, models.CampaignPaused, models.CampaignCompleted)

	if err := f.engine.Resume(ctx, c.ID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if got := f.wait(t, c.ID); got.Status != models.CampaignCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}

	want := []string{"media:5511900000001", "text:5511900000001", "text:5511900000001"}
	calls := f.sender.Calls()
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, calls[i], want[i])
		}
	}

	lead = f.leadsByPosition(t, c.ID)[0]
	if lead.Status != models.LeadSent || lead.MessageID != "msg-3" || lead.MediaMessageID != "msg-1" {
		t.Errorf("unexpected lead after resume: status=%s message=%q media=%q", lead.Status, lead.MessageID, lead.MediaMessageID)
	}
	logs, _ := f.logs.ListByLead(ctx, lead.ID)
	if len(logs) != 2 {
		t.Errorf("expected one media and one text log, got %d", len(logs))
	}
}

func TestSupersededRunDoesNotDuplicateSends(t *testing.T) {
	f := setupEngine(t, "inst-a")
	ctx := context.Background()
	f.sender.block = true
	c := f.createCampaign(t, &models.Campaign{Name: "c", Message: "hi", MinDelay: 1, MaxDelay: 1}, threePhones...)

	other, otherSender := f.peer(t, "inst-a")
	otherSender.block = true

	if err := f.engine.Start(ctx, c.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-f.sender.started

	// The other engine has no local loop, so both calls go through the store
	if err := other.Pause(ctx, c.ID); err != nil {
		t.Fatalf("Pause from the other engine failed: %v", err)
	}
	if err := other.Resume(ctx, c.ID); err != nil {
		t.Fatalf("Resume from the other engine failed: %v", err)
	}
	<-otherSender.started

	close(f.sender.release)
	got := f.wait(t, c.ID)
	if got.Status != models.CampaignActive {
		t.Errorf("superseded run must leave the campaign to its owner, got %s", got.Status)
	}

	close(otherSender.release)
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := other.Wait(wctx, c.ID); err != nil {
		t.Fatalf("resumed loop did not finish: %v", err)
	}

	final, _ := f.campaigns.GetByID(ctx, c.ID)
	if final.Status != models.CampaignCompleted || final.Progress != 100 {
		t.Errorf("expected completed/100, got %s/%d", final.Status, final.Progress)
	}

	if calls := f.sender.Calls(); len(calls) != 1 || calls[0] != "text:5511900000001" {
		t.Errorf("first engine sends = %v, want only the in-flight lead", calls)
	}
	all := append(f.sender.Calls(), otherSender.Calls()...)
	if len(all) != len(threePhones) {
		t.Errorf("expected %d sends for %d leads, got %v", len(threePhones), len(threePhones), all)
	}
	seen := make(map[string]bool)
	for _, call := range all {
		if seen[call] {
			t.Errorf("duplicate send %s", call)
		}
		seen[call] = true
	}

	for _, l := range f.leadsByPosition(t, c.ID) {
		if l.Status != models.LeadSent || l.MessageID == "" {
			t.Errorf("lead %s: status=%s message_id=%q", l.Phone, l.Status, l.MessageID)
		}
	}
}

func TestResumeRequiresPaused(t *testing.T) {
	f := setupEngine(t, "inst-a")
	c := f.createCampaign(t, &models.Campaign{Name: "c", Message: "hi"}, threePhones...)

	if err := f.engine.Resume(context.Background(), c.ID); !errors.Is(err, ErrNotPaused) {
		t.Errorf("expected ErrNotPaused for a draft campaign, got %v", err)
	}
	if err := f.engine.Resume(context.Background(), "missing"); !errors.Is(err, ErrCampaignNotFound) {
		t.Errorf("expected ErrCampaignNotFound, got %v", err)
	}
}

func TestRotationExhaustionPausesCampaign(t *testing.T) {
	f := setupEngine(t, "inst-a")
	ctx := context.Background()
	c := f.createCampaign(t, &models.Campaign{
		Name:             "c",
		Message:          "hi",
		MinDelay:         1,
		MaxDelay:         1,
		UseRotation:      true,
		RotationStrategy: models.StrategyLoadBalanced,
	}, threePhones...)

	limit := 1
	if err := f.bindings.Replace(ctx, c.ID, []string{f.instance.ID}, &limit); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	if err := f.engine.Start(ctx, c.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	got := f.wait(t, c.ID)

	if got.Status != models.CampaignPaused {
		t.Fatalf("expected paused after exhaustion, got %s", got.Status)
	}

	leads := f.leadsByPosition(t, c.ID)
	if leads[0].Status != models.LeadSent || leads[1].Status != models.LeadPending {
		t.Errorf("unexpected lead states: %s %s", leads[0].Status, leads[1].Status)
	}

	bindings, _ := f.bindings.ListByCampaign(ctx, c.ID)
	if bindings[0].MessagesSent != 1 {
		t.Errorf("expected binding usage 1, got %d", bindings[0].MessagesSent)
	}

	var backoffs int
	for _, d := range f.clock.Sleeps() {
		if d == DefaultConfig().ExhaustionBackoff {
			backoffs++
		}
	}
	if backoffs == 0 || backoffs > 7 {
		t.Errorf("expected a bounded number of backoffs, got %d", backoffs)
	}
}

func TestRecover(t *testing.T) {
	f := setupEngine(t, "inst-a")
	ctx := context.Background()
	c := f.createCampaign(t, &models.Campaign{Name: "c", Message: "hi"}, threePhones...)

	lead, _ := f.leads.NextPending(ctx, c.ID)
	f.leads.MarkProcessing(ctx, lead.ID)
	f.campaigns.TransitionStatus(ctx, c.ID, models.CampaignActive, models.CampaignDraft)

	n, err := f.engine.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 recovered campaign, got %d", n)
	}

	got, _ := f.campaigns.GetByID(ctx, c.ID)
	if got.Status != models.CampaignPaused {
		t.Errorf("expected paused, got %s", got.Status)
	}
	after, _ := f.leads.GetByID(ctx, lead.ID)
	if after.Status != models.LeadPending {
		t.Errorf("expected lead back to PENDING, got %s", after.Status)
	}
}

func TestResetLead(t *testing.T) {
	f := setupEngine(t, "inst-a")
	ctx := context.Background()
	c := f.createCampaign(t, &models.Campaign{Name: "c", Message: "hi"}, threePhones...)

	lead, _ := f.leads.NextPending(ctx, c.ID)
	f.leads.MarkProcessing(ctx, lead.ID)
	f.leads.MarkFailed(ctx, lead.ID, "gateway: HTTP 400")

	got, err := f.engine.ResetLead(ctx, lead.ID)
	if err != nil {
		t.Fatalf("ResetLead failed: %v", err)
	}
	if got.Status != models.LeadPending || got.FailureReason != "" {
		t.Errorf("expected clean PENDING lead, got %+v", got)
	}
	if got.FailedAt != nil || got.SentAt != nil || got.ProcessingAt != nil {
		t.Errorf("expected all timestamps cleared, got %+v", got)
	}

	if _, err := f.engine.ResetLead(ctx, "missing"); !errors.Is(err, ErrLeadNotFound) {
		t.Errorf("expected ErrLeadNotFound, got %v", err)
	}
}

func TestProgress(t *testing.T) {
	f := setupEngine(t, "inst-a")
	ctx := context.Background()
	c := f.createCampaign(t, &models.Campaign{Name: "c", Message: "hi"}, threePhones...)

	p, err := f.engine.Progress(ctx, c.ID)
	if err != nil {
		t.Fatalf("Progress failed: %v", err)
	}
	if p.Stats.TotalLeads != 3 || p.Stats.PendingCount != 3 || p.Running {
		t.Errorf("unexpected progress: %+v", p)
	}

	if _, err := f.engine.Progress(ctx, "missing"); !errors.Is(err, ErrCampaignNotFound) {
		t.Errorf("expected ErrCampaignNotFound, got %v", err)
	}
}

func TestShutdownParksRunningCampaign(t *testing.T) {
	f := setupEngine(t, "inst-a")
	ctx := context.Background()
	f.sender.block = true
	f.engine.sleep = sleepContext
	c := f.createCampaign(t, &models.Campaign{Name: "c", Message: "hi", MinDelay: 3600, MaxDelay: 3600}, threePhones...)

	if err := f.engine.Start(ctx, c.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-f.sender.started
	close(f.sender.release)

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := f.engine.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	got, _ := f.campaigns.GetByID(ctx, c.ID)
	if got.Status != models.CampaignPaused {
		t.Errorf("expected paused after shutdown, got %s", got.Status)
	}
	if err := f.engine.Start(ctx, c.ID); err == nil {
		t.Error("expected Start to fail after shutdown")
	}
}

func TestPacingDelay(t *testing.T) {
	e := &Engine{rng: newTestRand()}

	tests := []struct {
		name     string
		min, max int
		lo, hi   time.Duration
	}{
		{"fixed", 1, 1, time.Second, time.Second},
		{"range", 2, 5, 2 * time.Second, 5 * time.Second},
		{"swapped", 5, 2, 2 * time.Second, 5 * time.Second},
		{"zero", 0, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &models.Campaign{MinDelay: tt.min, MaxDelay: tt.max}
			for i := 0; i < 200; i++ {
				d := e.pacingDelay(c)
				if d < tt.lo || d > tt.hi {
					t.Fatalf("delay %v outside [%v, %v]", d, tt.lo, tt.hi)
				}
			}
		})
	}
}

func TestMaxWait(t *testing.T) {
	e := &Engine{}
	if got := e.maxWait(&models.Campaign{MaxDelay: 5}); got != time.Minute {
		t.Errorf("expected 1m floor, got %v", got)
	}
	if got := e.maxWait(&models.Campaign{MaxDelay: 120}); got != 2*time.Minute {
		t.Errorf("expected max delay, got %v", got)
	}
	e.cfg.ExhaustionMaxWait = 30 * time.Second
	if got := e.maxWait(&models.Campaign{MaxDelay: 120}); got != 30*time.Second {
		t.Errorf("expected configured wait, got %v", got)
	}
}
