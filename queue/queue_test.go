package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := New[int](8)
	for i := 1; i <= 5; i++ {
		assert.True(t, q.Enqueue(i))
	}
	assert.Equal(t, 5, q.Len())
	for i := 1; i <= 5; i++ {
		v, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestQueueDropsOldest(t *testing.T) {
	q := New[string](3)
	q.Enqueue("a")
	q.Enqueue("b")
	q.Enqueue("c")
	assert.False(t, q.Enqueue("d"))
	assert.False(t, q.Enqueue("e"))

	assert.Equal(t, 3, q.Len())
	assert.Equal(t, uint64(2), q.Dropped())
	var got []string
	for {
		v, ok := q.TryDequeue()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []string{"c", "d", "e"}, got)
}

func TestNewDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New[int](0).Cap())
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New[int](4)
	got := make(chan int, 1)
	go func() {
		v, err := q.Dequeue(context.Background())
		if err == nil {
			got <- v
		}
	}()
	time.Sleep(20 * time.Millisecond)
	q.Enqueue(42)
	select {
	case v := <-got:
		assert.Equal(t, 42, v)
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not wake up")
	}
}

func TestDequeueContextCancel(t *testing.T) {
	q := New[int](4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// Items from one producer must come out in that producer's order even with
// several producers interleaving.
func TestQueueConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	const producers, perProducer = 4, 200
	q := New[[2]int](producers * perProducer)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue([2]int{p, i})
			}
		}(p)
	}
	wg.Wait()

	require.Equal(t, producers*perProducer, q.Len())
	last := map[int]int{}
	for p := 0; p < producers; p++ {
		last[p] = -1
	}
	for {
		v, ok := q.TryDequeue()
		if !ok {
			break
		}
		assert.Greater(t, v[1], last[v[0]])
		last[v[0]] = v[1]
	}
	for p := 0; p < producers; p++ {
		assert.Equal(t, perProducer-1, last[p])
	}
	assert.Zero(t, q.Dropped())
}

func TestConsumeDeliversInOrder(t *testing.T) {
	q := New[int](16)
	for i := 0; i < 10; i++ {
		q.Enqueue(i)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []int
	done := make(chan error, 1)
	go func() {
		done <- Consume(ctx, q, Unbounded, func(_ context.Context, v int) error {
			mu.Lock()
			got = append(got, v)
			n := len(got)
			mu.Unlock()
			if n == 10 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not finish")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestConsumeHandlerErrorDoesNotStop(t *testing.T) {
	q := New[int](4)
	q.Enqueue(1)
	q.Enqueue(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan int, 2)
	go func() {
		_ = Consume(ctx, q, Unbounded, func(_ context.Context, v int) error {
			seen <- v
			return errors.New("boom")
		})
	}()
	for _, want := range []int{1, 2} {
		select {
		case v := <-seen:
			assert.Equal(t, want, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("item %d not handled", want)
		}
	}
}

func TestConsumeRespectsRate(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	const n = 4
	q := New[int](n)
	for i := 0; i < n; i++ {
		q.Enqueue(i)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stamps []time.Time
	finished := make(chan struct{})
	start := time.Now()
	go func() {
		_ = Consume(ctx, q, 2, func(_ context.Context, _ int) error {
			stamps = append(stamps, time.Now())
			if len(stamps) == n {
				close(finished)
			}
			return nil
		})
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer too slow")
	}
	// Burst of one, then one token every 500ms.
	elapsed := stamps[n-1].Sub(start)
	assert.GreaterOrEqual(t, elapsed, time.Duration(n-1)*500*time.Millisecond-50*time.Millisecond)
}
