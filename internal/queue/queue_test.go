package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := New[int]()
	for i := range 5 {
		q.Put(i)
	}
	require.Equal(t, 5, q.Len())

	for i := range 5 {
		got, err := q.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, got)
	}
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 5, q.Unfinished())
}

func TestQueue_GetBlocksUntilPut(t *testing.T) {
	q := New[string]()
	got := make(chan string, 1)

	go func() {
		item, err := q.Get(context.Background())
		if err == nil {
			got <- item
		}
	}()

	select {
	case <-got:
		t.Fatal("Get returned before anything was put")
	case <-time.After(20 * time.Millisecond):
	}

	q.Put("job")
	select {
	case item := <-got:
		assert.Equal(t, "job", item)
	case <-time.After(time.Second):
		t.Fatal("Get did not wake up after Put")
	}
}

func TestQueue_GetHonoursCancellation(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Get(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueue_JoinOnEmptyQueueReturnsImmediately(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, q.Join(ctx))
}

func TestQueue_JoinWaitsForEveryAcknowledgement(t *testing.T) {
	q := New[int]()
	q.Put(1)
	q.Put(2)

	joined := make(chan error, 1)
	go func() { joined <- q.Join(context.Background()) }()

	_, _ = q.Get(context.Background())
	require.NoError(t, q.Done())

	// A late item put while the count is still above zero extends the wait.
	q.Put(3)
	_, _ = q.Get(context.Background())
	require.NoError(t, q.Done())

	select {
	case <-joined:
		t.Fatal("Join returned with an item still outstanding")
	case <-time.After(20 * time.Millisecond):
	}

	_, _ = q.Get(context.Background())
	require.NoError(t, q.Done())

	select {
	case err := <-joined:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Join did not return after the last acknowledgement")
	}
}

func TestQueue_DoneTooManyTimes(t *testing.T) {
	q := New[int]()
	q.Put(1)
	require.NoError(t, q.Done())
	assert.ErrorIs(t, q.Done(), ErrTooManyDone)
}

func TestQueue_ConcurrentConsumersAcknowledgeEachItemOnce(t *testing.T) {
	for _, workers := range []int{1, 2, 7} {
		q := New[int]()
		const n = 500
		seen := make([]int32, n)
		for i := range n {
			q.Put(i)
		}

		ctx, cancel := context.WithCancel(context.Background())
		var wg sync.WaitGroup
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					item, err := q.Get(ctx)
					if err != nil {
						return
					}
					atomic.AddInt32(&seen[item], 1)
					_ = q.Done()
				}
			}()
		}

		joinCtx, joinCancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, q.Join(joinCtx))
		joinCancel()
		cancel()
		wg.Wait()

		for i, c := range seen {
			require.EqualValuesf(t, 1, c, "item %d processed %d times with %d workers", i, c, workers)
		}
		assert.Equal(t, 0, q.Unfinished())
	}
}
