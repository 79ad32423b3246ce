package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *CommandQueue {
	t.Helper()
	cq := New(context.Background(), Config{Name: "test"})
	t.Cleanup(func() { _ = cq.Close() })
	return cq
}

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := newTestQueue(t)

	executed := false
	result, err := cq.Enqueue(context.Background(), "c1", func(ctx context.Context) (interface{}, error) {
		executed = true
		return "result", nil
	}, nil)

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.True(t, executed)
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := newTestQueue(t)

	expectedErr := errors.New("task failed")
	result, err := cq.Enqueue(context.Background(), "c1", func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	}, nil)

	assert.ErrorIs(t, err, expectedErr)
	assert.Nil(t, result)
}

func TestCommandQueue_PanicBecomesError(t *testing.T) {
	cq := newTestQueue(t)

	_, err := cq.Enqueue(context.Background(), "c1", func(ctx context.Context) (interface{}, error) {
		panic("boom")
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// the lane keeps working afterwards
	v, err := cq.Enqueue(context.Background(), "c1", func(ctx context.Context) (interface{}, error) {
		return 1, nil
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestCommandQueue_FIFOWithinLane(t *testing.T) {
	cq := newTestQueue(t)

	var mu sync.Mutex
	var order []int
	var results []<-chan Result

	for i := 0; i < 10; i++ {
		i := i
		done, err := cq.Submit(context.Background(), "c1", func(ctx context.Context) (interface{}, error) {
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		}, nil)
		require.NoError(t, err)
		results = append(results, done)
	}

	for _, done := range results {
		<-done
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestCommandQueue_OneTaskInFlightPerLane(t *testing.T) {
	cq := newTestQueue(t)

	var running, maxRunning int32
	var results []<-chan Result
	for i := 0; i < 5; i++ {
		done, err := cq.Submit(context.Background(), "c1", func(ctx context.Context) (interface{}, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				m := atomic.LoadInt32(&maxRunning)
				if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil, nil
		}, nil)
		require.NoError(t, err)
		results = append(results, done)
	}
	for _, done := range results {
		<-done
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestCommandQueue_LanesRunConcurrently(t *testing.T) {
	cq := newTestQueue(t)

	release := make(chan struct{})
	started := make(chan string, 2)

	for _, lane := range []string{"c1", "c2"} {
		lane := lane
		_, err := cq.Submit(context.Background(), lane, func(ctx context.Context) (interface{}, error) {
			started <- lane
			<-release
			return nil, nil
		}, nil)
		require.NoError(t, err)
	}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case lane := <-started:
			got[lane] = true
		case <-time.After(time.Second):
			t.Fatal("lanes did not start concurrently")
		}
	}
	close(release)

	assert.True(t, got["c1"])
	assert.True(t, got["c2"])
}

func TestCommandQueue_IdleLanesAreForgotten(t *testing.T) {
	cq := newTestQueue(t)

	for i := 0; i < 20; i++ {
		_, err := cq.Enqueue(context.Background(), fmt.Sprintf("c%d", i), func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(cq.Stats()) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, cq.InFlight())
}

func TestCommandQueue_Abort(t *testing.T) {
	cq := New(context.Background(), Config{Name: "abort"})

	started := make(chan struct{})
	running, err := cq.Submit(context.Background(), "c1", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)
	require.NoError(t, err)
	<-started

	queued, err := cq.Submit(context.Background(), "c1", func(ctx context.Context) (interface{}, error) {
		return "never", nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, cq.InFlight())

	var aborted int32
	cq.On("aborted", func(Event) { atomic.AddInt32(&aborted, 1) })

	assert.Equal(t, 1, cq.Abort())
	assert.Equal(t, 0, cq.Abort(), "abort is idempotent")

	res := <-queued
	assert.ErrorIs(t, res.Err, ErrAborted)

	res = <-running
	assert.ErrorIs(t, res.Err, context.Canceled)

	_, err = cq.Submit(context.Background(), "c1", func(ctx context.Context) (interface{}, error) { return nil, nil }, nil)
	assert.ErrorIs(t, err, ErrQueueClosed)

	assert.True(t, cq.Wait(time.Second))
	assert.Equal(t, int32(1), atomic.LoadInt32(&aborted))
	assert.NoError(t, cq.Close())
}

func TestCommandQueue_ParentContextCancelsTasks(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	cq := New(parent, Config{Name: "parent"})
	defer cq.Close()

	done, err := cq.Submit(context.Background(), "c1", func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)
	require.NoError(t, err)

	cancel()
	select {
	case res := <-done:
		assert.ErrorIs(t, res.Err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("task was not cancelled by parent context")
	}
}

func TestCommandQueue_EnqueueHonoursCallerContext(t *testing.T) {
	cq := newTestQueue(t)

	release := make(chan struct{})
	defer close(release)
	_, err := cq.Submit(context.Background(), "c1", func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = cq.Enqueue(ctx, "c1", func(ctx context.Context) (interface{}, error) { return nil, nil }, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommandQueue_DuplicateKeys(t *testing.T) {
	cq := newTestQueue(t)
	noop := func(ctx context.Context) (interface{}, error) { return nil, nil }

	_, err := cq.Enqueue(context.Background(), "c1", noop, &TaskOptions{Key: "msg-1"})
	require.NoError(t, err)

	_, err = cq.Enqueue(context.Background(), "c1", noop, &TaskOptions{Key: "msg-1"})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = cq.Enqueue(context.Background(), "c2", noop, &TaskOptions{Key: "msg-1"})
	assert.NoError(t, err, "keys are scoped per lane")
}

func TestCommandQueue_MaxPendingBlocksSubmit(t *testing.T) {
	cq := New(context.Background(), Config{Name: "bounded", MaxPending: 2})
	defer cq.Close()

	release := make(chan struct{})
	blocking := func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	}

	first, err := cq.Submit(context.Background(), "c1", blocking, nil)
	require.NoError(t, err)
	_, err = cq.Submit(context.Background(), "c2", blocking, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = cq.Submit(ctx, "c3", blocking, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, cq.InFlight())

	waiting := make(chan error, 1)
	go func() {
		_, err := cq.Submit(context.Background(), "c3", func(ctx context.Context) (interface{}, error) { return "late", nil }, nil)
		waiting <- err
	}()

	close(release)
	<-first
	select {
	case err := <-waiting:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("submit did not resume after a slot freed up")
	}
}

func TestCommandQueue_MaxPendingReleasedOnAbort(t *testing.T) {
	cq := New(context.Background(), Config{Name: "bounded-abort", MaxPending: 1})

	started := make(chan struct{})
	_, err := cq.Submit(context.Background(), "c1", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)
	require.NoError(t, err)
	<-started

	blocked := make(chan error, 1)
	go func() {
		_, err := cq.Submit(context.Background(), "c2", func(ctx context.Context) (interface{}, error) { return nil, nil }, nil)
		blocked <- err
	}()

	cq.Abort()
	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("waiting submit was not released by abort")
	}
	assert.NoError(t, cq.Close())
}

func TestCommandQueue_Events(t *testing.T) {
	cq := newTestQueue(t)

	var mu sync.Mutex
	var types []string
	handler := func(e Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	}
	cq.On("enqueued", handler)
	cq.On("completed", handler)

	_, err := cq.Enqueue(context.Background(), "c1", func(ctx context.Context) (interface{}, error) { return nil, nil }, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) == 2
	}, time.Second, 5*time.Millisecond)

	cq.Off("completed")
	cq.Off("enqueued")
}
