package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Henryk03/agentic-quotation-system-sub000/internal/events"
)

const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessed  = "processed"
	OutboxStatusFailed     = "failed"
	OutboxStatusDeadLetter = "dead_letter"

	// MaxPublishAttempts before an event moves to dead letter.
	MaxPublishAttempts = 5
)

// OutboxEvent is one auth event awaiting delivery to Redis. Events are
// written to Postgres first so a broker outage cannot drop a login prompt:
// the operator UI must eventually hear about every blocked provider.
type OutboxEvent struct {
	ID            uuid.UUID
	ClientID      string
	ProviderID    string
	EventType     string
	Payload       json.RawMessage
	Status        string
	Attempts      int
	LastError     *string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	NextAttemptAt time.Time
}

// Outbox persists auth events for the relay to deliver. It implements the
// auth manager's notifier contract, so escalation and durability are the
// same write.
type Outbox struct {
	db  Querier
	now func() time.Time
}

func NewOutbox(db Querier) *Outbox {
	return &Outbox{db: db, now: time.Now}
}

func (o *Outbox) EnsureSchema(ctx context.Context) error {
	_, err := o.db.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS auth_outbox (
			id              UUID PRIMARY KEY,
			client_id       TEXT NOT NULL,
			provider_id     TEXT NOT NULL,
			event_type      TEXT NOT NULL,
			payload         JSONB NOT NULL,
			status          TEXT NOT NULL,
			attempts        INT NOT NULL DEFAULT 0,
			last_error      TEXT,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			processed_at    TIMESTAMPTZ,
			next_attempt_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to ensure outbox schema: %w", err)
	}
	return nil
}

// NotifyLoginRequired enqueues a LOGIN_REQUIRED event for delivery.
func (o *Outbox) NotifyLoginRequired(ctx context.Context, clientID, providerID, loginURL, reason string) error {
	now := o.now()

	payload := events.LoginRequiredPayload{
		EventID:    uuid.New().String(),
		EventType:  string(events.EventTypeLoginRequired),
		Timestamp:  now,
		ClientID:   clientID,
		ProviderID: providerID,
		LoginURL:   loginURL,
		Reason:     reason,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	_, err = o.db.Exec(ctx,
		`INSERT INTO auth_outbox (id, client_id, provider_id, event_type, payload, status, created_at, next_attempt_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.MustParse(payload.EventID), clientID, providerID,
		payload.EventType, data, OutboxStatusPending, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}

	return nil
}

// Pending returns events due for delivery, oldest first. Failed events
// reappear once their backoff window has passed.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	rows, err := o.db.Query(ctx,
		`SELECT id, client_id, provider_id, event_type, payload, status,
		        attempts, last_error, created_at, processed_at, next_attempt_at
		 FROM auth_outbox
		 WHERE status IN ($1, $2) AND next_attempt_at <= $3
		 ORDER BY created_at ASC
		 LIMIT $4`,
		OutboxStatusPending, OutboxStatusFailed, o.now(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending events: %w", err)
	}
	defer rows.Close()

	var pending []*OutboxEvent
	for rows.Next() {
		event := &OutboxEvent{}
		if err := rows.Scan(
			&event.ID, &event.ClientID, &event.ProviderID, &event.EventType,
			&event.Payload, &event.Status, &event.Attempts, &event.LastError,
			&event.CreatedAt, &event.ProcessedAt, &event.NextAttemptAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		pending = append(pending, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	return pending, nil
}

func (o *Outbox) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	tag, err := o.db.Exec(ctx,
		`UPDATE auth_outbox SET status = $1, processed_at = $2 WHERE id = $3`,
		OutboxStatusProcessed, o.now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event not found: %s", id)
	}
	return nil
}

// MarkFailed bumps the attempt counter and schedules the next try with
// exponential backoff. After MaxPublishAttempts the event parks in dead
// letter for a human to inspect.
func (o *Outbox) MarkFailed(ctx context.Context, id uuid.UUID, deliveryErr error) error {
	var attempts int
	if err := o.db.QueryRow(ctx,
		`SELECT attempts FROM auth_outbox WHERE id = $1`, id,
	).Scan(&attempts); err != nil {
		return fmt.Errorf("failed to load attempt count: %w", err)
	}

	attempts++
	status := OutboxStatusFailed
	if attempts >= MaxPublishAttempts {
		status = OutboxStatusDeadLetter
	}

	_, err := o.db.Exec(ctx,
		`UPDATE auth_outbox SET status = $1, attempts = $2, last_error = $3, next_attempt_at = $4 WHERE id = $5`,
		status, attempts, deliveryErr.Error(), o.nextAttempt(attempts), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event failed: %w", err)
	}
	return nil
}

// nextAttempt backs off 1s, 2s, 4s, ... capped at 5 minutes.
func (o *Outbox) nextAttempt(attempts int) time.Time {
	backoff := time.Duration(1<<attempts) * time.Second
	if backoff > 5*time.Minute {
		backoff = 5 * time.Minute
	}
	return o.now().Add(backoff)
}
