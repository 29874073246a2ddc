package gateway

import (
	"context"
	"log/slog"
	"time"
)

// Retrying wraps a Sender with a bounded per-message retry. Gateway
// rejections (4xx) are returned immediately.
type Retrying struct {
	next        Sender
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewRetrying creates a retrying sender
func NewRetrying(next Sender, maxAttempts int, backoff time.Duration, logger *slog.Logger) *Retrying {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Retrying{
		next:        next,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		logger:      logger.With("component", "gateway"),
		sleep:       sleepContext,
	}
}

// SendText sends a text message, retrying transient failures
func (r *Retrying) SendText(ctx context.Context, instance, phone, text string) (string, error) {
	return r.do(ctx, "text", instance, func() (string, error) {
		return r.next.SendText(ctx, instance, phone, text)
	})
}

// SendMedia sends a media message, retrying transient failures
func (r *Retrying) SendMedia(ctx context.Context, instance, phone, mediaURL, mediaType, caption string) (string, error) {
	return r.do(ctx, "media", instance, func() (string, error) {
		return r.next.SendMedia(ctx, instance, phone, mediaURL, mediaType, caption)
	})
}

func (r *Retrying) do(ctx context.Context, kind, instance string, send func() (string, error)) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		id, err := send()
		if err == nil {
			return id, nil
		}
		lastErr = err

		if IsPermanent(err) || attempt == r.maxAttempts {
			break
		}

		r.logger.Warn("send attempt failed, retrying",
			"type", kind,
			"instance", instance,
			"attempt", attempt,
			"error", err)

		if err := r.sleep(ctx, r.backoff); err != nil {
			return "", lastErr
		}
	}
	return "", lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
