package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fieldline/internal/config"
	"fieldline/internal/domain"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	webhookQueueSize      = 256
)

var errWebhookQueueFull = errors.New("webhook queue full")

type webhook struct {
	cfg    config.WebhookConfig
	filter eventFilter
	client *http.Client
}

// webhookDispatcher forwards telemetry events to configured endpoints from a
// single goroutine. Enqueue never blocks the emitter; a full queue drops the event.
type webhookDispatcher struct {
	hooks  []webhook
	logger *zap.Logger
	queue  chan domain.Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func startWebhookDispatcher(cfgs []config.WebhookConfig, logger *zap.Logger) *webhookDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &webhookDispatcher{
		logger: logger,
		queue:  make(chan domain.Event, webhookQueueSize),
		done:   make(chan struct{}),
	}
	for _, hook := range cfgs {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		timeout := defaultWebhookTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		d.hooks = append(d.hooks, webhook{
			cfg:    hook,
			filter: newEventFilter(hook.Events),
			client: &http.Client{Timeout: timeout},
		})
	}
	go d.run()
	return d
}

// Enqueue is a telemetry callback.
func (d *webhookDispatcher) Enqueue(evt domain.Event) error {
	if !d.wants(evt.Type) {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	select {
	case d.queue <- evt:
		return nil
	default:
		return errWebhookQueueFull
	}
}

func (d *webhookDispatcher) wants(eventType string) bool {
	for _, h := range d.hooks {
		if h.filter.match(eventType) {
			return true
		}
	}
	return false
}

// Close stops accepting events and waits for the queue to drain.
func (d *webhookDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
}

func (d *webhookDispatcher) run() {
	defer close(d.done)
	for evt := range d.queue {
		for _, h := range d.hooks {
			if !h.filter.match(evt.Type) {
				continue
			}
			if err := d.postEvent(context.Background(), h, evt); err != nil {
				d.logger.Warn("webhook delivery failed",
					zap.String("url", h.cfg.URL),
					zap.String("event", evt.Type),
					zap.Int64("delivery", evt.ID),
					zap.Error(err))
			}
		}
	}
}

type webhookEvent struct {
	ID      int64          `json:"id"`
	Version int            `json:"version"`
	Type    string         `json:"type"`
	TS      string         `json:"ts"`
	Payload map[string]any `json:"payload"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, h webhook, evt domain.Event) error {
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(webhookEvent{
		ID:      evt.ID,
		Version: evt.Version,
		Type:    evt.Type,
		TS:      evt.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload: payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fieldline-Event", evt.Type)
	req.Header.Set("X-Fieldline-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(h.cfg.Secret) != "" {
		req.Header.Set("X-Fieldline-Secret", h.cfg.Secret)
	}
	res, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
