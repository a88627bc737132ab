package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQueueRunsEnqueuedJob(t *testing.T) {
	ran := make(chan uuid.UUID, 1)
	q := newJobQueue(func(id uuid.UUID) { ran <- id }, quietLogger(), 2, 4)
	defer shutdownQueue(t, q)

	id := uuid.New()
	q.Enqueue(id)

	select {
	case got := <-ran:
		assert.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}
}

func TestQueueDeduplicatesInflightID(t *testing.T) {
	var runs atomic.Int32
	release := make(chan struct{})
	q := newJobQueue(func(uuid.UUID) {
		runs.Add(1)
		<-release
	}, quietLogger(), 1, 4)
	defer shutdownQueue(t, q)

	id := uuid.New()
	q.Enqueue(id)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	// Still running: these must all collapse into the existing entry.
	q.Enqueue(id)
	q.Enqueue(id)
	close(release)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestQueueEnqueueAfterShutdownIsNoOp(t *testing.T) {
	q := newJobQueue(func(uuid.UUID) {}, quietLogger(), 1, 1)
	shutdownQueue(t, q)

	// Must neither panic nor block.
	q.Enqueue(uuid.New())
}

func TestQueueShutdownReleasesBlockedEnqueue(t *testing.T) {
	block := make(chan struct{})
	q := newJobQueue(func(uuid.UUID) { <-block }, quietLogger(), 1, 1)

	// Occupy the single worker and fill the single buffer slot so the next
	// Enqueue blocks on the channel send.
	q.Enqueue(uuid.New())
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.inflight) == 1
	}, time.Second, time.Millisecond)
	q.Enqueue(uuid.New())

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		q.Enqueue(uuid.New())
	}()

	// Give the sender time to reach the blocking send, then shut down with
	// the worker still held so only the shutdown signal can release it.
	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	q.Shutdown(ctx)
	cancel()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("blocked enqueue never returned after shutdown")
	}
	close(block)
}

func shutdownQueue(t *testing.T, q *jobQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	q.Shutdown(ctx)
}
