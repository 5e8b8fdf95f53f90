package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := newQueue()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Push(&Task{JobID: id, CreatedAt: time.Now()}))
	}
	assert.Equal(t, 3, q.Size())

	for _, want := range []string{"a", "b", "c"} {
		task, err := q.Pop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, task.JobID)
	}
	assert.Equal(t, 0, q.Size())
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := newQueue()

	got := make(chan *Task, 1)
	go func() {
		task, err := q.Pop(context.Background())
		if err == nil {
			got <- task
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Push(&Task{JobID: "late"}))

	select {
	case task := <-got:
		assert.Equal(t, "late", task.JobID)
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake up after Push")
	}
}

func TestQueuePopContextCancel(t *testing.T) {
	q := newQueue()

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after cancel")
	}
}

func TestQueuePopCancelledContext(t *testing.T) {
	q := newQueue()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A worker loop keeps calling Pop after its context died; every call
	// must come back with the context error, never crash or hang.
	for i := 0; i < 200; i++ {
		_, err := q.Pop(ctx)
		require.ErrorIs(t, err, context.Canceled)
	}

	require.NoError(t, q.Push(&Task{JobID: "after"}))
	task, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "after", task.JobID)
}

func TestQueueCloseWakesAllWaiters(t *testing.T) {
	q := newQueue()

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := q.Pop(context.Background())
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrQueueClosed)
		case <-time.After(time.Second):
			t.Fatal("waiter did not return after Close")
		}
	}
}

func TestQueueClose(t *testing.T) {
	q := newQueue()

	require.NoError(t, q.Push(&Task{JobID: "pending"}))
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Push(&Task{JobID: "rejected"}), ErrQueueClosed)

	// Queued work drains before the closed error surfaces.
	task, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pending", task.JobID)

	_, err = q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}
