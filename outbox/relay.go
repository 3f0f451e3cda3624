package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"gigvault/audit"
	"gigvault/observability"
	"gigvault/storage"
)

const (
	maxDeliveryAttempts = 5
	relayBatchSize      = 64
)

// Relay polls the outbox and delivers pending envelopes to registered
// webhooks. Delivery is failure-tolerant: a permanently failing envelope is
// marked delivered after the attempt budget so it cannot wedge the queue, and
// every attempt lands in the audit store.
type Relay struct {
	store    *storage.Store
	registry *audit.Store
	client   *http.Client
	log      *slog.Logger
	interval time.Duration
}

// NewRelay builds a relay. interval bounds how often the outbox is polled.
func NewRelay(store *storage.Store, registry *audit.Store, log *slog.Logger, interval time.Duration) *Relay {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{
		store:    store,
		registry: registry,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log,
		interval: interval,
	}
}

// Run polls until the context is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

func (r *Relay) drain(ctx context.Context) {
	pending, err := Pending(r.store, relayBatchSize)
	if err != nil {
		r.log.Error("outbox scan failed", "err", err)
		return
	}
	for _, env := range pending {
		if ctx.Err() != nil {
			return
		}
		r.deliver(ctx, env)
	}
}

func (r *Relay) deliver(ctx context.Context, env Envelope) {
	hooks, err := r.registry.WebhooksForEvent(ctx, env.Type)
	if err != nil {
		r.log.Error("webhook lookup failed", "type", env.Type, "err", err)
		return
	}
	if len(hooks) == 0 {
		// Nobody listening; retire the envelope.
		if err := MarkDelivered(r.store, env.ID, env.Attempts); err != nil {
			r.log.Error("outbox mark failed", "envelope", env.ID, "err", err)
		}
		return
	}

	attempt := env.Attempts + 1
	payload, err := json.Marshal(map[string]any{
		"type":       env.Type,
		"envelopeId": env.ID.String(),
		"attributes": env.Attributes,
		"timestamp":  env.CreatedAt,
	})
	if err != nil {
		r.log.Error("outbox payload marshal failed", "envelope", env.ID, "err", err)
		return
	}

	allOK := true
	for _, hook := range hooks {
		status, errMsg := r.post(ctx, hook.URL, hook.Secret, payload)
		observability.Metrics().RecordDelivery(status)
		_ = r.registry.InsertAttempt(ctx, audit.Attempt{
			WebhookID:  hook.ID,
			EnvelopeID: env.ID.String(),
			Attempt:    attempt,
			Status:     status,
			Error:      errMsg,
		})
		if status != "success" {
			allOK = false
		}
	}

	if allOK || attempt >= maxDeliveryAttempts {
		if !allOK {
			r.log.Warn("outbox envelope dropped after max attempts", "envelope", env.ID, "type", env.Type)
		}
		if err := MarkDelivered(r.store, env.ID, attempt); err != nil {
			r.log.Error("outbox mark failed", "envelope", env.ID, "err", err)
		}
		return
	}
	if err := RecordAttempt(r.store, env.ID, attempt); err != nil {
		r.log.Error("outbox attempt record failed", "envelope", env.ID, "err", err)
	}
}

func (r *Relay) post(ctx context.Context, url, secret string, payload []byte) (status, errMsg string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "error", err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signPayload(secret, payload))
	resp, err := r.client.Do(req)
	if err != nil {
		return "failed", err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "failed", resp.Status
	}
	return "success", ""
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
