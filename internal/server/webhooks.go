package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"keylane/internal/config"
	"keylane/internal/domain"
	"keylane/internal/engine"
)

const (
	webhookPollInterval = 2 * time.Second
	webhookTimeout      = 5 * time.Second
	webhookBatchSize    = 100
)

// webhookDispatcher pushes committed events to configured URLs. Each hook
// tracks its own cursor so a slow or failing endpoint never loses events; the
// cursor only advances past an event once it is delivered or filtered out.
type webhookDispatcher struct {
	engine      engine.Engine
	marketplace string
	hooks       []config.WebhookConfig

	mu      sync.Mutex
	cursors map[int]int64
}

func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	if strings.TrimSpace(e.Config.Marketplace.ID) == "" {
		return
	}
	d := &webhookDispatcher{
		engine:      e,
		marketplace: e.Config.Marketplace.ID,
		hooks:       e.Config.Webhooks,
		cursors:     make(map[int]int64),
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(webhookPollInterval)
	defer ticker.Stop()
	for {
		for i, hook := range d.hooks {
			if hook.Enabled != nil && !*hook.Enabled {
				continue
			}
			if strings.TrimSpace(hook.URL) == "" {
				continue
			}
			d.drain(i, hook)
		}
		<-ticker.C
	}
}

// drain delivers pending events for one hook, stopping at the first failure.
func (d *webhookDispatcher) drain(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	events, err := d.engine.Repo.EventsAfter(ctx, webhookBatchSize, d.cursor(idx), d.marketplace)
	if err != nil {
		log.Printf("webhook: fetch events failed: %v", err)
		return
	}
	wanted := eventSet(hook.Events)
	for _, evt := range events {
		if wanted != nil {
			if _, ok := wanted[evt.Type]; !ok {
				d.advance(idx, evt.ID)
				continue
			}
		}
		if err := d.deliver(ctx, hook, evt); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.advance(idx, evt.ID)
	}
}

// cursor returns the hook's cursor, seeding it at the current log head the
// first time so hooks only see events newer than server start.
func (d *webhookDispatcher) cursor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(context.Background(), d.marketplace)
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) advance(idx int, id int64) {
	d.mu.Lock()
	d.cursors[idx] = id
	d.mu.Unlock()
}

type webhookEvent struct {
	ID            int64           `json:"id"`
	Type          string          `json:"type"`
	MarketplaceID string          `json:"marketplace_id"`
	EntityKind    string          `json:"entity_kind"`
	EntityID      string          `json:"entity_id,omitempty"`
	ActorID       string          `json:"actor_id"`
	TS            string          `json:"ts"`
	Payload       json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) deliver(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:            evt.ID,
		Type:          evt.Type,
		MarketplaceID: evt.MarketplaceID,
		EntityKind:    evt.EntityKind,
		EntityID:      evt.EntityID,
		ActorID:       evt.ActorID,
		TS:            evt.TS,
		Payload:       payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Keylane-Event", evt.Type)
	req.Header.Set("X-Keylane-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Keylane-Marketplace", d.marketplace)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Keylane-Secret", hook.Secret)
	}
	timeout := webhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := &http.Client{Timeout: timeout}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// eventSet builds the hook's type filter; nil means deliver everything.
func eventSet(types []string) map[string]struct{} {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}
