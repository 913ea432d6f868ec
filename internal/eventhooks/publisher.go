// Copyright 2025 James Ross
package eventhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flyingrobots/vk-collector/internal/config"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Event names a task lifecycle transition.
type Event string

const (
	EventTaskCreated   Event = "task.created"
	EventTaskStarted   Event = "task.started"
	EventTaskCompleted Event = "task.completed"
	EventTaskFailed    Event = "task.failed"
)

// Envelope is the wire payload delivered to subscribers.
type Envelope struct {
	Event     Event  `json:"event"`
	TaskID    string `json:"taskId"`
	Timestamp string `json:"timestamp"`
}

// Publisher fans lifecycle events out to an HMAC-signed webhook and/or a
// NATS JetStream subject. Either sink may be disabled by leaving its config
// empty; Publish is then a no-op for that sink.
type Publisher struct {
	cfg     config.EventHooksConfig
	client  *http.Client
	limiter *rate.Limiter
	nc      *nats.Conn
	js      nats.JetStreamContext
	log     *zap.Logger
}

func New(cfg config.EventHooksConfig, log *zap.Logger) *Publisher {
	p := &Publisher{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(20), 20),
		log:     log,
	}
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL); err != nil {
			log.Warn("nats connect failed, publisher disabled", zap.Error(err))
		} else if js, err := conn.JetStream(); err != nil {
			log.Warn("nats jetstream context failed, publisher disabled", zap.Error(err))
			conn.Close()
		} else {
			p.nc = conn
			p.js = js
		}
	}
	return p
}

func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// Publish delivers event for taskID to every configured sink. A delivery
// failure on one sink does not block the other.
func (p *Publisher) Publish(ctx context.Context, event Event, taskID string) error {
	env := Envelope{Event: event, TaskID: taskID, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var errs []error
	if p.cfg.WebhookURL != "" {
		if err := p.deliverWebhook(ctx, body); err != nil {
			errs = append(errs, err)
		}
	}
	if p.js != nil && p.cfg.NATSSubject != "" {
		if _, err := p.js.Publish(p.cfg.NATSSubject, body); err != nil {
			errs = append(errs, fmt.Errorf("nats publish: %w", err))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (p *Publisher) deliverWebhook(ctx context.Context, body []byte) error {
	if !p.limiter.Allow() {
		return fmt.Errorf("webhook rate limit exceeded")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.WebhookSecret != "" {
		req.Header.Set("X-Signature-256", signPayload(p.cfg.WebhookSecret, body))
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
