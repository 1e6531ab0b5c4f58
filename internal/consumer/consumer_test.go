package consumer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgerelay/forgerelay/internal/consumer"
	"github.com/forgerelay/forgerelay/internal/mqs"
)

type countingHandler struct {
	mu      sync.Mutex
	seen    map[string]int
	outcome func(msg *mqs.Message) error
}

func newCountingHandler(outcome func(msg *mqs.Message) error) *countingHandler {
	return &countingHandler{seen: make(map[string]int), outcome: outcome}
}

func (h *countingHandler) Handle(_ context.Context, msg *mqs.Message) error {
	h.mu.Lock()
	h.seen[msg.ID]++
	h.mu.Unlock()
	if h.outcome != nil {
		return h.outcome(msg)
	}
	return nil
}

func (h *countingHandler) count(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seen[id]
}

func newQueue(t *testing.T) mqs.Queue {
	t.Helper()
	q, err := mqs.New(context.Background(), mqs.QueueConfig{
		Kind:              mqs.KindMemory,
		VisibilityTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func send(t *testing.T, q mqs.Queue) string {
	t.Helper()
	id, err := q.Send(context.Background(), &mqs.FanoutJob{EventID: 1, EventType: "push", DeliveryID: "d-1"})
	require.NoError(t, err)
	return id
}

func runConsumer(t *testing.T, c consumer.Consumer) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	return func() {
		cancelCtx()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not stop")
		}
	}
}

func TestConsumerDeletesOnSuccess(t *testing.T) {
	q := newQueue(t)
	handler := newCountingHandler(nil)
	c := consumer.New(q, handler, consumer.WithConcurrency(2), consumer.WithName("test"))

	id := send(t, q)
	stop := runConsumer(t, c)
	defer stop()

	assert.Eventually(t, func() bool { return handler.count(id) == 1 }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background())
		require.NoError(t, err)
		return stats.Approximate == 0 && stats.InFlight == 0
	}, time.Second, 10*time.Millisecond)
}

func TestConsumerRedeliversRetryableFailure(t *testing.T) {
	q := newQueue(t)
	handler := newCountingHandler(func(msg *mqs.Message) error {
		if msg.Attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})
	c := consumer.New(q, handler, consumer.WithMaxAttempts(5))

	id := send(t, q)
	stop := runConsumer(t, c)
	defer stop()

	assert.Eventually(t, func() bool { return handler.count(id) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestConsumerDropsNonRetryableFailure(t *testing.T) {
	q := newQueue(t)
	handler := newCountingHandler(func(*mqs.Message) error { return errors.New("settled elsewhere") })
	c := consumer.New(q, handler, consumer.WithRetryable(func(error) bool { return false }))

	id := send(t, q)
	stop := runConsumer(t, c)
	defer stop()

	assert.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background())
		require.NoError(t, err)
		return stats.Approximate == 0 && stats.InFlight == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, handler.count(id))
}

func TestConsumerDropsPoisonMessage(t *testing.T) {
	q := newQueue(t)
	handler := newCountingHandler(func(*mqs.Message) error { return errors.New("always fails") })
	c := consumer.New(q, handler, consumer.WithMaxAttempts(3))

	id := send(t, q)
	stop := runConsumer(t, c)
	defer stop()

	assert.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background())
		require.NoError(t, err)
		return stats.Approximate == 0 && stats.InFlight == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, handler.count(id))
}

func TestConsumerAbandonsExhaustedMessage(t *testing.T) {
	q := newQueue(t)
	handler := newCountingHandler(func(*mqs.Message) error { return errors.New("always fails") })

	var mu sync.Mutex
	var abandoned []string
	c := consumer.New(q, handler,
		consumer.WithMaxAttempts(2),
		consumer.WithOnAbandon(func(_ context.Context, msg *mqs.Message) error {
			mu.Lock()
			abandoned = append(abandoned, msg.ID)
			mu.Unlock()
			return nil
		}),
	)

	id := send(t, q)
	stop := runConsumer(t, c)
	defer stop()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(abandoned) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{id}, abandoned)
	mu.Unlock()

	assert.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background())
		require.NoError(t, err)
		return stats.Approximate == 0 && stats.InFlight == 0
	}, time.Second, 10*time.Millisecond)
}
