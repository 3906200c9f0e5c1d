package internal

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aleybovich/carrot-lite/brokererror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(body string) *message {
	return newMessage(body, "", "", Publishing{Body: []byte(body)})
}

func TestQueue_FIFO(t *testing.T) {
	q := newQueue("fifo", false)
	for i := 0; i < 5; i++ {
		require.True(t, q.enqueue(testMessage(fmt.Sprintf("m%d", i))))
	}

	for i := 0; i < 5; i++ {
		m, remaining, ok := q.get()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("m%d", i), string(m.Body))
		assert.Equal(t, 4-i, remaining)
	}

	_, _, ok := q.get()
	assert.False(t, ok, "Empty queue should report ok=false, not an error")
}

func TestQueue_RequeueGoesToHead(t *testing.T) {
	q := newQueue("requeue", false)
	q.enqueue(testMessage("a"))
	q.enqueue(testMessage("b"))

	head, _, _ := q.get()
	require.Equal(t, "a", string(head.Body))
	require.True(t, q.requeue(head))

	m, _, _ := q.get()
	assert.Equal(t, "a", string(m.Body), "Requeued message should be first again")
	m, _, _ = q.get()
	assert.Equal(t, "b", string(m.Body))
	_, _, ok := q.get()
	assert.False(t, ok, "Requeue must not duplicate the message")
}

func TestQueue_DequeueTimeout(t *testing.T) {
	q := newQueue("timeout", false)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := q.dequeue(ctx, nil)
	assert.ErrorIs(t, err, brokererror.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Empty(t, q.waiters, "Timed out waiter should be unregistered")
}

func TestQueue_DequeueCancelled(t *testing.T) {
	q := newQueue("cancel", false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.dequeue(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueue_DequeueStop(t *testing.T) {
	q := newQueue("stop", false)
	stop := make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		_, err := q.dequeue(context.Background(), stop)
		errCh <- err
	}()

	waitForWaiters(t, q, 1)
	close(stop)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, errStopped)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not wake on stop")
	}
}

func TestQueue_BlockedDequeueReceivesEnqueue(t *testing.T) {
	q := newQueue("handoff", false)

	got := make(chan *message, 1)
	go func() {
		m, err := q.dequeue(context.Background(), nil)
		if err == nil {
			got <- m
		}
	}()

	waitForWaiters(t, q, 1)
	q.enqueue(testMessage("direct"))

	select {
	case m := <-got:
		assert.Equal(t, "direct", string(m.Body))
	case <-time.After(time.Second):
		t.Fatal("Blocked consumer was not woken by enqueue")
	}
	assert.Empty(t, q.messages, "Handed-off message must not also sit in the ready list")
}

func TestQueue_WaitersServedInOrder(t *testing.T) {
	q := newQueue("fair", false)

	const n = 3
	results := make([]chan string, n)
	for i := 0; i < n; i++ {
		results[i] = make(chan string, 1)
		go func(i int) {
			m, err := q.dequeue(context.Background(), nil)
			if err == nil {
				results[i] <- string(m.Body)
			}
		}(i)
		// Registration order is the order the goroutines park
		waitForWaiters(t, q, i+1)
	}

	for i := 0; i < n; i++ {
		q.enqueue(testMessage(fmt.Sprintf("m%d", i)))
	}

	for i := 0; i < n; i++ {
		select {
		case body := <-results[i]:
			assert.Equal(t, fmt.Sprintf("m%d", i), body, "Waiter %d got the wrong message", i)
		case <-time.After(time.Second):
			t.Fatalf("Waiter %d was never served", i)
		}
	}
}

func TestQueue_CompetingConsumersGetDistinctMessages(t *testing.T) {
	q := newQueue("competing", false)
	const total = 200

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
				m, err := q.dequeue(ctx, nil)
				cancel()
				if err != nil {
					return
				}
				mu.Lock()
				seen[string(m.Body)]++
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < total; i++ {
		q.enqueue(testMessage(fmt.Sprintf("m%d", i)))
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for body, count := range seen {
		assert.Equal(t, 1, count, "Message %s delivered more than once", body)
	}
}

func TestQueue_DeleteDropsMessages(t *testing.T) {
	q := newQueue("deleted", false)
	q.enqueue(testMessage("a"))
	q.enqueue(testMessage("b"))

	dropped, _ := q.markDeleted()
	assert.Len(t, dropped, 2)

	_, err := q.dequeue(context.Background(), nil)
	assert.ErrorIs(t, err, brokererror.ErrNotFound)
	assert.False(t, q.enqueue(testMessage("late")), "Deleted queue must refuse messages")
	assert.False(t, q.requeue(testMessage("late")))
}

func TestQueue_DeleteWakesBlockedDequeue(t *testing.T) {
	q := newQueue("deleted-blocked", false)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.dequeue(context.Background(), nil)
		errCh <- err
	}()
	waitForWaiters(t, q, 1)

	q.markDeleted()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, brokererror.ErrNotFound)
	case <-time.After(time.Second):
		t.Fatal("Blocked dequeue not woken by delete")
	}
}

func TestQueue_Purge(t *testing.T) {
	q := newQueue("purge", false)
	q.enqueue(testMessage("a"))
	q.enqueue(testMessage("b"))

	assert.Len(t, q.purge(), 2)
	assert.Equal(t, 0, q.info().Messages)
}

func waitForWaiters(t *testing.T, q *queue, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.waiters) == n
	}, time.Second, time.Millisecond, "expected %d parked waiters", n)
}
