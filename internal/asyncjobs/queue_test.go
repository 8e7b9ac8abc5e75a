package asyncjobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitAndDrain(t *testing.T) {
	q := NewQueue(8, 2, time.Second)

	var done atomic.Int64
	for i := 0; i < 5; i++ {
		ok := q.Submit(Job{Name: "count", Fn: func(context.Context) error {
			done.Add(1)
			return nil
		}})
		require.True(t, ok)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))
	require.Equal(t, int64(5), done.Load())
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	q := NewQueue(1, 1, time.Second)
	block := make(chan struct{})

	// Occupy the single worker.
	q.Submit(Job{Name: "blocker", Fn: func(context.Context) error {
		<-block
		return nil
	}})
	// Fill the buffer.
	q.Submit(Job{Name: "queued", Fn: func(context.Context) error { return nil }})

	// The queue is full: this must return immediately with false.
	start := time.Now()
	ok := q.Submit(Job{Name: "dropped", Fn: func(context.Context) error { return nil }})
	require.False(t, ok)
	require.Less(t, time.Since(start), 100*time.Millisecond)

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))
}

func TestFailedJobDoesNotStopWorkers(t *testing.T) {
	q := NewQueue(8, 1, time.Second)
	var done atomic.Int64

	q.Submit(Job{Name: "fails", Fn: func(context.Context) error { return errors.New("boom") }})
	q.Submit(Job{Name: "succeeds", Fn: func(context.Context) error {
		done.Add(1)
		return nil
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))
	require.Equal(t, int64(1), done.Load())
}

func TestDrainTimeout(t *testing.T) {
	q := NewQueue(1, 1, 0)
	release := make(chan struct{})
	q.Submit(Job{Name: "slow", Fn: func(context.Context) error {
		<-release
		return nil
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, q.Drain(ctx))
	close(release)
}
