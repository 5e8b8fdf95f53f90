package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventType represents the type of event
type EventType string

const (
	// EventTypeLoginRequired is published when a provider needs a human to
	// complete a login before scraping can proceed.
	EventTypeLoginRequired EventType = "LOGIN_REQUIRED"
)

// LoginRequiredPayload is consumed by the operator UI, which prompts the
// human to log in at LoginURL and then calls the completion endpoint.
type LoginRequiredPayload struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Timestamp  time.Time `json:"timestamp"`
	ClientID   string    `json:"client_id"`
	ProviderID string    `json:"provider_id"`
	LoginURL   string    `json:"login_url"`
	Reason     string    `json:"reason,omitempty"`
}

// Publisher pushes auth events onto a Redis channel.
type Publisher struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

func NewPublisher(client *redis.Client, channel string, logger *slog.Logger) *Publisher {
	return &Publisher{
		client:  client,
		channel: channel,
		logger:  logger.With("component", "event_publisher"),
	}
}

// Publish pushes one event onto the channel. Delivery guarantees live in
// the outbox relay; this is the fire-and-forget last hop.
func (p *Publisher) Publish(ctx context.Context, payload LoginRequiredPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Info("published login-required event",
		"event_id", payload.EventID,
		"client_id", payload.ClientID,
		"provider_id", payload.ProviderID)

	return nil
}
