package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := New()
	defer cq.Close()

	executed := false
	task := func(ctx context.Context) (interface{}, error) {
		executed = true
		return "result", nil
	}

	result, err := cq.Enqueue("test", task, nil)

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.True(t, executed)
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := New()
	defer cq.Close()

	expectedErr := errors.New("task failed")
	result, err := cq.Enqueue("test", func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	}, nil)

	assert.Equal(t, expectedErr, err)
	assert.Nil(t, result)
}

func TestCommandQueue_TaskPanic(t *testing.T) {
	cq := New()
	defer cq.Close()

	_, err := cq.Enqueue("test", func(ctx context.Context) (interface{}, error) {
		panic("boom")
	}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "task panicked: boom")
	assert.True(t, cq.WaitForActive(time.Second))
}

func TestCommandQueue_SerialExecution(t *testing.T) {
	cq := New()
	defer cq.Close()

	var active, maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue("thread:a", func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt32(&active, 1)
				for {
					old := atomic.LoadInt32(&maxActive)
					if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil, nil
			}, nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestCommandQueue_FIFOOrder(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue("thread:a", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		}, nil)
	}()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue("thread:a", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			}, nil)
		}()
		require.Eventually(t, func() bool { return cq.GetQueueSize("thread:a") == i+1 }, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestCommandQueue_ConcurrentLanes(t *testing.T) {
	cq := New()
	defer cq.Close()

	bothRunning := make(chan struct{})
	var arrived int32
	task := func(ctx context.Context) (interface{}, error) {
		if atomic.AddInt32(&arrived, 1) == 2 {
			close(bothRunning)
		}
		select {
		case <-bothRunning:
			return "ok", nil
		case <-time.After(time.Second):
			return nil, errors.New("lanes did not run concurrently")
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, lane := range []string{"thread:a", "thread:b"} {
		i, lane := i, lane
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = cq.Enqueue(lane, task, nil)
		}()
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
}

func TestCommandQueue_ReleasesIdleLanes(t *testing.T) {
	cq := New()
	defer cq.Close()

	for i := 0; i < 20; i++ {
		_, err := cq.Enqueue("thread:"+string(rune('a'+i)), func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return cq.LaneCount() == 0 }, time.Second, time.Millisecond)
	assert.Empty(t, cq.GetStats())
}

func TestCommandQueue_CallerCancellation(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue("thread:a", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		}, nil)
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	done := make(chan error, 1)
	go func() {
		_, err := cq.EnqueueWithContext(ctx, "thread:a", func(ctx context.Context) (interface{}, error) {
			ran.Store(true)
			return nil, nil
		}, nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return cq.GetQueueSize("thread:a") == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	require.True(t, cq.WaitForActive(time.Second))
	assert.False(t, ran.Load())
}

func TestCommandQueue_GetStats(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue("thread:a", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		}, nil)
	}()
	<-started

	stats := cq.GetStats()
	assert.Equal(t, map[string]int{"queued": 0, "running": 1, "concurrency": 1}, stats["thread:a"])
	assert.Equal(t, 1, cq.GetRunningCount("thread:a"))

	close(release)
	assert.True(t, cq.WaitForActive(time.Second))
	assert.Equal(t, 0, cq.GetRunningCount("thread:a"))
}

func TestCommandQueue_SetConcurrency(t *testing.T) {
	cq := New()
	defer cq.Close()

	cq.SetConcurrency("pool", 2)

	bothRunning := make(chan struct{})
	var arrived int32
	task := func(ctx context.Context) (interface{}, error) {
		if atomic.AddInt32(&arrived, 1) == 2 {
			close(bothRunning)
		}
		select {
		case <-bothRunning:
			return nil, nil
		case <-time.After(time.Second):
			return nil, errors.New("tasks did not overlap")
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = cq.Enqueue("pool", task, nil)
		}()
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
}

func TestCommandQueue_WarnAfter(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue("thread:a", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		}, nil)
	}()
	<-started

	warned := make(chan int, 1)
	go func() {
		_, _ = cq.Enqueue("thread:a", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, &TaskOptions{
			WarnAfter: 10 * time.Millisecond,
			OnWait:    func(wait time.Duration, queuePos int) { warned <- queuePos },
		})
	}()

	select {
	case pos := <-warned:
		assert.Equal(t, 0, pos)
	case <-time.After(time.Second):
		t.Fatal("expected wait warning")
	}
	close(release)
}

func TestCommandQueue_Close(t *testing.T) {
	cq := New()

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue("thread:a", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil)
		done <- err
	}()
	<-started

	require.NoError(t, cq.Close())
	assert.ErrorIs(t, <-done, context.Canceled)

	_, err := cq.Enqueue("thread:a", func(ctx context.Context) (interface{}, error) { return nil, nil }, nil)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestLaneLabel(t *testing.T) {
	assert.Equal(t, "thread", laneLabel("thread:abc"))
	assert.Equal(t, "main", laneLabel("main"))
	assert.Equal(t, ":x", laneLabel(":x"))
}

func TestCommandQueue_CloseFailsWaitingTasks(t *testing.T) {
	cq := New()

	started := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue("thread:a", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil)
	}()
	<-started

	var ran atomic.Bool
	waiting := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue("thread:a", func(ctx context.Context) (interface{}, error) {
			ran.Store(true)
			return nil, nil
		}, nil)
		waiting <- err
	}()
	require.Eventually(t, func() bool { return cq.GetQueueSize("thread:a") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, cq.Close())
	assert.ErrorIs(t, <-waiting, ErrQueueClosed)
	assert.False(t, ran.Load())
	assert.Equal(t, 0, cq.LaneCount())
}
