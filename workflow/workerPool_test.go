package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsJobs(t *testing.T) {
	pool := NewWorkerPool(3, 10, nil, nil)
	var n int64
	var handles []*Handle
	for i := 0; i < 10; i++ {
		h, err := pool.Submit(func(context.Context) error {
			atomic.AddInt64(&n, 1)
			return nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		require.NoError(t, h.Wait(context.Background()))
	}
	assert.Equal(t, int64(10), atomic.LoadInt64(&n))
	require.NoError(t, pool.Stop(context.Background()))

	_, err := pool.Submit(func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestWorkerPool_QueueFull(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	pool := NewWorkerPool(1, 1, nil, metrics)
	gate := make(chan struct{})
	started := make(chan struct{})
	_, err := pool.Submit(func(context.Context) error { close(started); <-gate; return nil })
	require.NoError(t, err)
	<-started

	_, err = pool.Submit(func(context.Context) error { return nil })
	require.NoError(t, err)
	_, err = pool.Submit(func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.QueueDepth))

	close(gate)
	require.NoError(t, pool.Stop(context.Background()))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.QueueDepth))
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	pool := NewWorkerPool(1, 1, nil, nil)
	defer pool.Stop(context.Background())

	h, err := pool.Submit(func(context.Context) error { panic("boom") })
	require.NoError(t, err)
	assert.Error(t, h.Wait(context.Background()))

	h, err = pool.Submit(func(context.Context) error { return errors.New("plain") })
	require.NoError(t, err)
	assert.EqualError(t, h.Wait(context.Background()), "plain")
}

func TestWorkerPool_StopCancelsRunningJobsOnDeadline(t *testing.T) {
	pool := NewWorkerPool(1, 0, nil, nil)
	started := make(chan struct{})
	var h *Handle
	require.Eventually(t, func() bool {
		var err error
		h, err = pool.Submit(func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
		return err == nil
	}, time.Second, time.Millisecond)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Stop(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, h.Wait(context.Background()), context.Canceled)
}

func TestRegistry_CancelWithCause(t *testing.T) {
	reg := NewRegistry()
	ctx, release := reg.Register(context.Background(), "r1")
	assert.True(t, reg.Running("r1"))
	assert.Equal(t, 1, reg.Len())

	assert.True(t, reg.Cancel("r1", ErrRunCancelled))
	<-ctx.Done()
	assert.ErrorIs(t, context.Cause(ctx), ErrRunCancelled)

	release()
	assert.False(t, reg.Running("r1"))
	assert.False(t, reg.Cancel("r1", ErrRunCancelled))
}
