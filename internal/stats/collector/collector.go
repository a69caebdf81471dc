// Package collector publishes periodic process snapshots on the event bus.
package collector

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/csdwd/claude-code-server/internal/common/logger"
	"github.com/csdwd/claude-code-server/internal/events"
	"github.com/csdwd/claude-code-server/internal/events/bus"
)

// Collector emits a stats.snapshot event with process memory and uptime at a
// fixed interval. It is observability plumbing only; request accounting lives
// in the stats store.
type Collector struct {
	bus      bus.EventBus
	logger   *logger.Logger
	interval time.Duration
	started  time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a collector. Start must be called to begin publishing.
func New(eventBus bus.EventBus, interval time.Duration, log *logger.Logger) *Collector {
	return &Collector{
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "stats-collector")),
		interval: interval,
		started:  time.Now(),
	}
}

// Start launches the snapshot loop.
func (c *Collector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.snapshot(ctx)
			}
		}
	}()
	c.logger.Info("stats collector started", zap.Duration("interval", c.interval))
}

// Stop halts the loop and waits for it to exit.
func (c *Collector) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *Collector) snapshot(ctx context.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	data := map[string]any{
		"uptime_seconds": int64(time.Since(c.started).Seconds()),
		"heap_alloc":     mem.HeapAlloc,
		"heap_sys":       mem.HeapSys,
		"num_gc":         mem.NumGC,
		"goroutines":     runtime.NumGoroutine(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	if err := c.bus.Publish(ctx, events.StatsSnapshot, bus.NewEvent(events.StatsSnapshot, data)); err != nil {
		c.logger.Warn("failed to publish stats snapshot", zap.Error(err))
	}
}
