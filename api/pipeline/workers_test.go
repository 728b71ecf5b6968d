package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkersRunTasks(t *testing.T) {
	w := NewWorkers(2, 4)
	w.Start(context.Background())

	var n atomic.Int32
	for range 4 {
		require.NoError(t, w.Enqueue(func(context.Context) { n.Add(1) }))
	}
	require.Eventually(t, func() bool { return n.Load() == 4 }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop(context.Background()))
	assert.ErrorIs(t, w.Enqueue(func(context.Context) {}), ErrQueueFull)
}

func TestWorkersStopCancelsSlowTasks(t *testing.T) {
	w := NewWorkers(1, 1)
	w.Start(context.Background())

	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, w.Enqueue(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Stop(ctx), context.DeadlineExceeded)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task was not cancelled")
	}
}

func TestWorkersQueueCapacity(t *testing.T) {
	w := NewWorkers(1, 1)
	require.NoError(t, w.Enqueue(func(context.Context) {}))
	assert.ErrorIs(t, w.Enqueue(func(context.Context) {}), ErrQueueFull)
}
