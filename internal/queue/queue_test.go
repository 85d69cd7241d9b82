package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueue_PreservesFIFOOrder(t *testing.T) {
	q := New(context.Background(), "sess-1")
	defer q.Clear()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Submit(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		time.Sleep(time.Millisecond) // stagger submission so FIFO is observable
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 20)
	for i := 1; i < len(order); i++ {
		require.Less(t, order[i-1], order[i])
	}
}

func TestQueue_IsolationAcrossSessions(t *testing.T) {
	mgr := NewManager(context.Background())
	defer mgr.Remove("a")
	defer mgr.Remove("b")

	qa := mgr.For("a")
	qb := mgr.For("b")
	require.NotSame(t, qa, qb)

	block := make(chan struct{})
	var started int32
	go qa.Submit(context.Background(), func(ctx context.Context) error {
		atomic.StoreInt32(&started, 1)
		<-block
		return nil
	})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&started) == 1 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = qb.Submit(context.Background(), func(ctx context.Context) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session b queue was blocked by session a's in-flight task")
	}
	close(block)
}

func TestQueue_ClearFailsPendingTasks(t *testing.T) {
	q := New(context.Background(), "sess-1")

	block := make(chan struct{})
	go q.Submit(context.Background(), func(ctx context.Context) error { <-block; return nil })
	require.Eventually(t, func() bool { return q.IsProcessing() }, time.Second, time.Millisecond)

	errCh := make(chan error, 1)
	go func() { errCh <- q.Submit(context.Background(), func(ctx context.Context) error { return nil }) }()
	require.Eventually(t, func() bool { return q.Pending() >= 2 }, time.Second, time.Millisecond)

	clearDone := make(chan struct{})
	go func() {
		q.Clear()
		close(clearDone)
	}()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("pending submit was not cancelled by clear")
	}

	close(block)
	<-clearDone
}
