package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Henryk03/agentic-quotation-system-sub000/internal/events"
)

// Sink delivers one auth event to the broker. Satisfied by *events.Publisher.
type Sink interface {
	Publish(ctx context.Context, payload events.LoginRequiredPayload) error
}

// OutboxSource is the outbox surface the relay needs, split out for tests.
type OutboxSource interface {
	Pending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, err error) error
}

// Relay drains the auth outbox into Redis. It polls instead of listening:
// the volume is a handful of events per day, and polling survives both
// broker and database restarts without coordination.
type Relay struct {
	outbox    OutboxSource
	sink      Sink
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

func NewRelay(outbox OutboxSource, sink Sink, logger *slog.Logger, cfg RelayConfig) *Relay {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}

	return &Relay{
		outbox:    outbox,
		sink:      sink,
		logger:    logger.With("component", "outbox_relay"),
		interval:  cfg.PollInterval,
		batchSize: cfg.BatchSize,
	}
}

// Start runs the delivery loop until the context is cancelled.
func (r *Relay) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		if err := r.processBatch(ctx); err != nil {
			r.logger.Error("outbox drain failed", "error", err)
		}

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("relay stopped")
				return
			case <-ticker.C:
				if err := r.processBatch(ctx); err != nil {
					r.logger.Error("outbox drain failed", "error", err)
				}
			}
		}
	}()
}

func (r *Relay) processBatch(ctx context.Context) error {
	pending, err := r.outbox.Pending(ctx, r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to load pending events: %w", err)
	}

	for _, event := range pending {
		if err := r.deliver(ctx, event); err != nil {
			// One stuck event must not block the batch.
			r.logger.Error("event delivery failed",
				"event_id", event.ID, "provider_id", event.ProviderID, "error", err)
		}
	}

	return nil
}

func (r *Relay) deliver(ctx context.Context, event *OutboxEvent) error {
	var payload events.LoginRequiredPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		// Unparseable payloads can never succeed; dead-letter them directly.
		if markErr := r.outbox.MarkFailed(ctx, event.ID, err); markErr != nil {
			r.logger.Error("failed to record delivery failure", "event_id", event.ID, "error", markErr)
		}
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	if err := r.sink.Publish(ctx, payload); err != nil {
		if markErr := r.outbox.MarkFailed(ctx, event.ID, err); markErr != nil {
			r.logger.Error("failed to record delivery failure", "event_id", event.ID, "error", markErr)
		}
		return err
	}

	if err := r.outbox.MarkProcessed(ctx, event.ID); err != nil {
		return err
	}

	r.logger.Info("event delivered",
		"event_id", event.ID,
		"event_type", event.EventType,
		"provider_id", event.ProviderID,
		"attempts", event.Attempts)

	return nil
}
