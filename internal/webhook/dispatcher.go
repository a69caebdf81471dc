// Package webhook delivers lifecycle events to HTTP callbacks with bounded
// exponential-backoff retries. Delivery is at-least-once and never blocks
// the publisher.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/csdwd/claude-code-server/internal/common/config"
	"github.com/csdwd/claude-code-server/internal/common/logger"
	"github.com/csdwd/claude-code-server/internal/events"
	"github.com/csdwd/claude-code-server/internal/events/bus"
)

// userAgent identifies deliveries from this server.
const userAgent = "claude-code-server/1.0"

// maxBackoff caps the sleep between attempts.
const maxBackoff = 10 * time.Second

// envelope is the JSON body POSTed to the callback.
type envelope struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// DeliveryResult reports the outcome of one delivery, including skips.
type DeliveryResult struct {
	Success bool   `json:"success"`
	Status  int    `json:"status,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Dispatcher forwards recognized bus events to HTTP callbacks. The event's
// webhook_url data field overrides the configured default URL; with neither,
// the delivery is skipped.
type Dispatcher struct {
	cfg    config.WebhookConfig
	client *http.Client
	logger *logger.Logger

	// sleep is swapped out in tests so retries do not wall-clock wait.
	sleep func(time.Duration)

	subs []bus.Subscription
	wg   sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Subscribe must be called to attach it
// to the event bus.
func NewDispatcher(cfg config.WebhookConfig, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.TimeoutDuration()},
		logger: log.WithFields(zap.String("component", "webhook")),
		sleep:  time.Sleep,
	}
}

// Subscribe attaches the dispatcher to task and session lifecycle subjects.
// Events not recognized for callbacks are dropped.
func (d *Dispatcher) Subscribe(eventBus bus.EventBus) error {
	if !d.cfg.Enabled {
		d.logger.Info("webhook delivery disabled")
		return nil
	}
	for _, subject := range []string{events.TaskWildcard, events.SessionWildcard} {
		sub, err := eventBus.Subscribe(subject, d.handleEvent)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		d.subs = append(d.subs, sub)
	}
	return nil
}

// Close detaches from the bus and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	for _, sub := range d.subs {
		_ = sub.Unsubscribe()
	}
	d.subs = nil
	d.wg.Wait()
}

func (d *Dispatcher) handleEvent(ctx context.Context, event *bus.Event) error {
	if !events.WebhookEvents[event.Type] {
		return nil
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Deliver(context.Background(), event.Type, event.Data)
	}()
	return nil
}

// Deliver sends one event to its resolved URL, retrying per policy. It
// returns the final outcome; callers that do not care may discard it.
func (d *Dispatcher) Deliver(ctx context.Context, eventType string, data map[string]any) *DeliveryResult {
	url := d.resolveURL(data)
	if url == "" {
		d.logger.Debug("webhook skipped",
			zap.String("event", eventType),
			zap.String("reason", "no_url"))
		return &DeliveryResult{Skipped: true, Reason: "no_url"}
	}
	return d.DeliverTo(ctx, url, eventType, data)
}

// DeliverTo sends one event to an explicit URL, retrying per policy.
func (d *Dispatcher) DeliverTo(ctx context.Context, url, eventType string, data map[string]any) *DeliveryResult {
	body, err := json.Marshal(envelope{
		Event:     eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	})
	if err != nil {
		return &DeliveryResult{Success: false, Error: "marshal event: " + err.Error()}
	}

	var lastErr string
	var lastStatus int
	for attempt := 1; attempt <= d.cfg.Retries; attempt++ {
		if attempt > 1 {
			d.sleep(backoff(attempt - 1))
		}

		status, err := d.post(ctx, url, body)
		if err == nil && status >= 200 && status < 300 {
			d.logger.Info("webhook delivered",
				zap.String("event", eventType),
				zap.String("url", url),
				zap.Int("status", status),
				zap.Int("attempt", attempt))
			return &DeliveryResult{Success: true, Status: status, Attempt: attempt}
		}

		lastStatus = status
		if err != nil {
			lastErr = err.Error()
		} else {
			lastErr = fmt.Sprintf("unexpected status %d", status)
		}
		d.logger.Warn("webhook attempt failed",
			zap.String("event", eventType),
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.String("error", lastErr))
	}

	d.logger.Error("webhook delivery failed",
		zap.String("event", eventType),
		zap.String("url", url),
		zap.Int("attempts", d.cfg.Retries),
		zap.String("error", lastErr))
	return &DeliveryResult{
		Success: false,
		Status:  lastStatus,
		Attempt: d.cfg.Retries,
		Error:   lastErr,
	}
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// resolveURL picks the per-delivery override over the configured default.
func (d *Dispatcher) resolveURL(data map[string]any) string {
	if override, ok := data["webhook_url"].(string); ok && override != "" {
		return override
	}
	return d.cfg.DefaultURL
}

// backoff returns the sleep after the nth failed attempt: 1s, 2s, 4s, ...
// capped at 10s.
func backoff(failed int) time.Duration {
	d := time.Second << (failed - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}
