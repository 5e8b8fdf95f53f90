package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Henryk03/agentic-quotation-system-sub000/internal/events"
)

type fakeOutbox struct {
	mu        sync.Mutex
	events    []*OutboxEvent
	processed []uuid.UUID
	failed    []uuid.UUID
}

func (f *fakeOutbox) Pending(context.Context, int) ([]*OutboxEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pending := f.events
	f.events = nil
	return pending, nil
}

func (f *fakeOutbox) MarkProcessed(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, id)
	return nil
}

func (f *fakeOutbox) MarkFailed(_ context.Context, id uuid.UUID, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
	return nil
}

type fakeSink struct {
	mu        sync.Mutex
	published []events.LoginRequiredPayload
	err       error
}

func (f *fakeSink) Publish(_ context.Context, payload events.LoginRequiredPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, payload)
	return nil
}

func outboxEvent(t *testing.T, providerID string) *OutboxEvent {
	t.Helper()

	id := uuid.New()
	payload, err := json.Marshal(events.LoginRequiredPayload{
		EventID:    id.String(),
		EventType:  string(events.EventTypeLoginRequired),
		Timestamp:  time.Now(),
		ClientID:   "client1",
		ProviderID: providerID,
		LoginURL:   "https://" + providerID + ".example.com",
	})
	require.NoError(t, err)

	return &OutboxEvent{
		ID:         id,
		ClientID:   "client1",
		ProviderID: providerID,
		EventType:  string(events.EventTypeLoginRequired),
		Payload:    payload,
		Status:     OutboxStatusPending,
	}
}

func TestRelayDeliversAndMarksProcessed(t *testing.T) {
	event := outboxEvent(t, "vendorB")
	outbox := &fakeOutbox{events: []*OutboxEvent{event}}
	sink := &fakeSink{}

	relay := NewRelay(outbox, sink, slog.Default(), RelayConfig{})
	require.NoError(t, relay.processBatch(context.Background()))

	require.Len(t, sink.published, 1)
	assert.Equal(t, "vendorB", sink.published[0].ProviderID)
	assert.Equal(t, []uuid.UUID{event.ID}, outbox.processed)
	assert.Empty(t, outbox.failed)
}

func TestRelayMarksFailedOnSinkError(t *testing.T) {
	event := outboxEvent(t, "vendorB")
	outbox := &fakeOutbox{events: []*OutboxEvent{event}}
	sink := &fakeSink{err: fmt.Errorf("connection refused")}

	relay := NewRelay(outbox, sink, slog.Default(), RelayConfig{})
	require.NoError(t, relay.processBatch(context.Background()))

	assert.Empty(t, outbox.processed)
	assert.Equal(t, []uuid.UUID{event.ID}, outbox.failed)
}

func TestRelayOneBadEventDoesNotBlockBatch(t *testing.T) {
	bad := outboxEvent(t, "vendorB")
	bad.Payload = json.RawMessage(`{broken`)
	good := outboxEvent(t, "vendorC")

	outbox := &fakeOutbox{events: []*OutboxEvent{bad, good}}
	sink := &fakeSink{}

	relay := NewRelay(outbox, sink, slog.Default(), RelayConfig{})
	require.NoError(t, relay.processBatch(context.Background()))

	require.Len(t, sink.published, 1)
	assert.Equal(t, "vendorC", sink.published[0].ProviderID)
	assert.Equal(t, []uuid.UUID{bad.ID}, outbox.failed)
	assert.Equal(t, []uuid.UUID{good.ID}, outbox.processed)
}

func TestRelayDefaults(t *testing.T) {
	relay := NewRelay(&fakeOutbox{}, &fakeSink{}, slog.Default(), RelayConfig{})

	assert.Equal(t, 2*time.Second, relay.interval)
	assert.Equal(t, 50, relay.batchSize)
}
