package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPool(workers, queue int) *WorkerPool {
	return NewWorkerPool(&Config{
		Name:       "test",
		MaxWorkers: workers,
		QueueSize:  queue,
		Logger:     zap.NewNop(),
	})
}

func TestPoolExecutesTasks(t *testing.T) {
	p := newPool(2, 16)
	defer p.Stop()

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(Task{
			ID: "t",
			Fn: func(context.Context) error {
				ran.Add(1)
				return nil
			},
		}))
	}

	assert.Eventually(t, func() bool {
		return ran.Load() == 10
	}, 2*time.Second, time.Millisecond)

	stats := p.StatsSnapshot()
	assert.Equal(t, uint64(10), stats.Submitted)
	assert.Equal(t, uint64(10), stats.Completed)
	assert.Zero(t, stats.Failed)
}

func TestPoolRejectsWhenFull(t *testing.T) {
	p := newPool(1, 1)
	defer p.Stop()

	gate := make(chan struct{})
	block := Task{ID: "block", Fn: func(context.Context) error {
		<-gate
		return nil
	}}

	// First task occupies the worker, second fills the queue.
	require.NoError(t, p.Submit(block))
	assert.Eventually(t, func() bool {
		return p.StatsSnapshot().Active == 1
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, p.Submit(block))

	err := p.Submit(Task{ID: "overflow", Fn: func(context.Context) error { return nil }})
	require.Error(t, err)
	assert.Equal(t, uint64(1), p.StatsSnapshot().Rejected)

	close(gate)
}

func TestPoolRejectsAfterStop(t *testing.T) {
	p := newPool(1, 4)
	p.Stop()

	err := p.Submit(Task{ID: "late", Fn: func(context.Context) error { return nil }})
	assert.Error(t, err)
}

func TestPoolRecoversFromPanic(t *testing.T) {
	p := newPool(1, 4)
	defer p.Stop()

	require.NoError(t, p.Submit(Task{
		ID: "boom",
		Fn: func(context.Context) error { panic("boom") },
	}))
	assert.Eventually(t, func() bool {
		return p.StatsSnapshot().Failed == 1
	}, 2*time.Second, time.Millisecond)

	// The worker survived and keeps taking work.
	var ran atomic.Bool
	require.NoError(t, p.Submit(Task{
		ID: "after",
		Fn: func(context.Context) error {
			ran.Store(true)
			return nil
		},
	}))
	assert.Eventually(t, ran.Load, 2*time.Second, time.Millisecond)
}

func TestSubmitWithContextHonorsCancel(t *testing.T) {
	p := newPool(1, 1)
	defer p.Stop()

	gate := make(chan struct{})
	defer close(gate)
	block := Task{ID: "block", Fn: func(context.Context) error {
		<-gate
		return nil
	}}
	require.NoError(t, p.Submit(block))
	assert.Eventually(t, func() bool {
		return p.StatsSnapshot().Active == 1
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, p.Submit(block))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := p.SubmitWithContext(ctx, block)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
