package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// InboxSizer reports the number of receipts waiting in the inbox
type InboxSizer interface {
	Len() (int, error)
}

// Collector periodically refreshes gauges that are sampled rather than
// updated inline
type Collector struct {
	metrics   *Metrics
	inbox     InboxSizer
	interval  time.Duration
	startTime time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new gauge collector. inbox may be nil.
func NewCollector(m *Metrics, inbox InboxSizer, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		metrics:   m,
		inbox:     inbox,
		interval:  interval,
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the collector background loop
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) collect() {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.inbox != nil {
		if n, err := c.inbox.Len(); err == nil {
			c.metrics.ReceiptInboxSize.Set(float64(n))
		}
	}
}
