package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T) *CommandQueue {
	t.Helper()
	q := New(Config{Logger: zerolog.Nop()})
	t.Cleanup(q.Close)
	return q
}

func TestCommandQueue_RunsTask(t *testing.T) {
	q := newQueue(t)

	ran := false
	err := q.Enqueue(context.Background(), "conversation-a", func(ctx context.Context) error {
		ran = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, q.Busy("conversation-a"))
}

func TestCommandQueue_ReturnsTaskError(t *testing.T) {
	q := newQueue(t)
	boom := errors.New("boom")

	err := q.Enqueue(context.Background(), "lane", func(ctx context.Context) error { return boom })

	assert.ErrorIs(t, err, boom)
}

func TestCommandQueue_SerializesLane(t *testing.T) {
	q := newQueue(t)

	var (
		active, maxActive atomic.Int32
		order             []int
		mu                sync.Mutex
		wg                sync.WaitGroup
	)

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Enqueue(context.Background(), "same", func(ctx context.Context) error {
				n := active.Add(1)
				if n > maxActive.Load() {
					maxActive.Store(n)
				}
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				active.Add(-1)
				return nil
			})
		}(i)
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	assert.Len(t, order, 5)
}

func TestCommandQueue_LanesRunConcurrently(t *testing.T) {
	q := newQueue(t)

	release := make(chan struct{})
	started := make(chan string, 2)

	var wg sync.WaitGroup
	for _, name := range []string{"a", "b"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_ = q.Enqueue(context.Background(), name, func(ctx context.Context) error {
				started <- name
				<-release
				return nil
			})
		}(name)
	}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case n := <-started:
			got[n] = true
		case <-time.After(time.Second):
			t.Fatal("lanes did not start concurrently")
		}
	}
	close(release)
	wg.Wait()

	assert.True(t, got["a"] && got["b"])
}

func TestCommandQueue_CancelWhileWaiting(t *testing.T) {
	q := newQueue(t)

	hold := make(chan struct{})
	running := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(context.Background(), "lane", func(ctx context.Context) error {
			close(running)
			<-hold
			return nil
		})
	}()
	<-running

	ctx, cancel := context.WithCancel(context.Background())
	waitErr := make(chan error, 1)
	ranSecond := atomic.Bool{}
	go func() {
		waitErr <- q.Enqueue(ctx, "lane", func(ctx context.Context) error {
			ranSecond.Store(true)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return q.QueueSize("lane") == 1 }, time.Second, time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-waitErr, context.Canceled)
	assert.Equal(t, 0, q.QueueSize("lane"))

	close(hold)
	require.NoError(t, <-done)
	assert.False(t, ranSecond.Load())

	// The lane is usable again.
	require.NoError(t, q.Enqueue(context.Background(), "lane", func(ctx context.Context) error { return nil }))
}

func TestCommandQueue_Close(t *testing.T) {
	q := New(Config{Logger: zerolog.Nop()})

	started := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- q.Enqueue(context.Background(), "lane", func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	<-started

	q.Close()

	assert.ErrorIs(t, <-result, context.Canceled)
	assert.ErrorIs(t, q.Enqueue(context.Background(), "lane", func(ctx context.Context) error { return nil }), ErrClosed)
}
