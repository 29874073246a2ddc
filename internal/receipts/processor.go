package receipts

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Recorder applies a receipt to the store
type Recorder interface {
	RecordStatus(ctx context.Context, messageID, raw string, ts time.Time) error
}

// ProcessorConfig contains processor configuration
type ProcessorConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	RetryDelay   time.Duration
}

// Processor drains the inbox into the delivery tracker. A single worker keeps
// receipts in arrival order.
type Processor struct {
	inbox    *Inbox
	recorder Recorder
	cfg      ProcessorConfig
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewProcessor creates a new receipt processor
func NewProcessor(inbox *Inbox, recorder Recorder, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}

	return &Processor{
		inbox:    inbox,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger.With("component", "receipts"),
		stopCh:   make(chan struct{}),
	}
}

// Start starts the processor loop
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("starting receipt processor", "poll_interval", p.cfg.PollInterval)

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop stops the processor gracefully
func (p *Processor) Stop() {
	p.logger.Info("stopping receipt processor")
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("receipt processor stopped")
}

func (p *Processor) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch applies one batch of due receipts and returns how many were
// taken from the inbox
func (p *Processor) ProcessBatch(ctx context.Context) int {
	batch, err := p.inbox.Dequeue(ctx, p.cfg.BatchSize)
	if err != nil {
		p.logger.Error("failed to dequeue receipts", "error", err)
		return 0
	}

	for _, r := range batch {
		p.process(ctx, r)
	}
	return len(batch)
}

func (p *Processor) process(ctx context.Context, r *Receipt) {
	logger := p.logger.With("receipt_id", r.ID, "message_id", r.MessageID)

	err := p.recorder.RecordStatus(ctx, r.MessageID, r.Status, r.Timestamp)
	if err == nil {
		if err := p.inbox.Ack(ctx, r.ID); err != nil {
			logger.Error("failed to ack receipt", "error", err)
		}
		return
	}

	if r.Attempts+1 >= p.cfg.MaxAttempts {
		logger.Error("receipt failed permanently", "attempts", r.Attempts+1, "error", err)
		if err := p.inbox.MoveToDLQ(ctx, r, err); err != nil {
			logger.Error("failed to move receipt to DLQ", "error", err)
		}
		return
	}

	delay := p.cfg.RetryDelay * time.Duration(r.Attempts+1)
	logger.Warn("failed to record receipt, will retry", "attempt", r.Attempts+1, "retry_in", delay, "error", err)
	if err := p.inbox.Retry(ctx, r, err, time.Now().Add(delay)); err != nil {
		logger.Error("failed to requeue receipt", "error", err)
	}
}
