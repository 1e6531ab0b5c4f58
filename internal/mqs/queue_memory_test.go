package mqs_test

import (
	"context"
	"testing"
	"time"

	"github.com/forgerelay/forgerelay/internal/mqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memQueue(t *testing.T, visibility time.Duration) *mqs.MemoryQueue {
	t.Helper()
	q := mqs.NewMemoryQueue(mqs.QueueConfig{
		VisibilityTimeout: visibility,
		MaxAttempts:       3,
	})
	t.Cleanup(func() { q.Close() })
	return q
}

func TestMemoryQueue_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := memQueue(t, time.Minute)

	job := &mqs.FanoutJob{EventID: 42, EventType: "push", DeliveryID: "D1"}
	id, err := q.Send(ctx, job)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs, err := q.Receive(ctx, mqs.ReceiveOptions{MaxMessages: 1})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	got := &mqs.FanoutJob{}
	require.NoError(t, got.FromPayload(msgs[0].Data))
	assert.Equal(t, job, got)
	assert.Equal(t, 1, msgs[0].Attempts)
	assert.Equal(t, 3, msgs[0].MaxAttempts)

	require.NoError(t, q.Delete(ctx, msgs[0].ID))

	msgs, err = q.Receive(ctx, mqs.ReceiveOptions{MaxMessages: 1})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMemoryQueue_LeaseExpiryRedelivers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := memQueue(t, 50*time.Millisecond)

	_, err := q.Send(ctx, &mqs.FanoutJob{EventID: 1, EventType: "push"})
	require.NoError(t, err)

	first, err := q.Receive(ctx, mqs.ReceiveOptions{MaxMessages: 1})
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Within the lease the message is invisible.
	hidden, err := q.Receive(ctx, mqs.ReceiveOptions{MaxMessages: 1})
	require.NoError(t, err)
	assert.Empty(t, hidden)

	// After lease expiry it comes back with an incremented attempt count.
	redelivered, err := q.Receive(ctx, mqs.ReceiveOptions{MaxMessages: 1, WaitTime: time.Second})
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, first[0].ID, redelivered[0].ID)
	assert.Equal(t, 2, redelivered[0].Attempts)
}

func TestMemoryQueue_DelayedMessageHidden(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := memQueue(t, time.Minute)

	_, err := q.Send(ctx, &mqs.FanoutJob{EventID: 1}, mqs.WithDelay(80*time.Millisecond))
	require.NoError(t, err)

	msgs, err := q.Receive(ctx, mqs.ReceiveOptions{MaxMessages: 1})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delayed)

	msgs, err = q.Receive(ctx, mqs.ReceiveOptions{MaxMessages: 1, WaitTime: time.Second})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].DelayUntil)
}

func TestMemoryQueue_ChangeVisibilityZeroReleases(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := memQueue(t, time.Minute)

	_, err := q.Send(ctx, &mqs.FanoutJob{EventID: 1})
	require.NoError(t, err)

	msgs, err := q.Receive(ctx, mqs.ReceiveOptions{MaxMessages: 1})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, q.ChangeVisibility(ctx, msgs[0].ID, 0))

	again, err := q.Receive(ctx, mqs.ReceiveOptions{MaxMessages: 1})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, msgs[0].ID, again[0].ID)
}

func TestMemoryQueue_Stats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := memQueue(t, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := q.Send(ctx, &mqs.FanoutJob{EventID: int64(i)})
		require.NoError(t, err)
	}
	_, err := q.Receive(ctx, mqs.ReceiveOptions{MaxMessages: 1})
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Approximate)
	assert.Equal(t, 1, stats.InFlight)
}

func TestMemoryQueue_RetentionExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := mqs.NewMemoryQueue(mqs.QueueConfig{
		VisibilityTimeout: time.Minute,
		RetentionPeriod:   30 * time.Millisecond,
	})
	t.Cleanup(func() { q.Close() })

	_, err := q.Send(ctx, &mqs.FanoutJob{EventID: 1})
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)

	msgs, err := q.Receive(ctx, mqs.ReceiveOptions{MaxMessages: 1})
	require.NoError(t, err)
	assert.Empty(t, msgs, "messages past retention are dropped, not delivered")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Approximate)
}

func TestMemoryQueue_Purge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := memQueue(t, time.Minute)

	_, err := q.Send(ctx, &mqs.FanoutJob{EventID: 1})
	require.NoError(t, err)
	require.NoError(t, q.Purge(ctx))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, mqs.Stats{}, stats)
}

func TestMemoryQueue_SendAfterClose(t *testing.T) {
	t.Parallel()
	q := mqs.NewMemoryQueue(mqs.QueueConfig{})
	require.NoError(t, q.Close())
	_, err := q.Send(context.Background(), &mqs.FanoutJob{EventID: 1})
	assert.ErrorIs(t, err, mqs.ErrQueueClosed)
	assert.False(t, q.IsConnected())
}

func TestQueueFactory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	q, err := mqs.New(ctx, mqs.QueueConfig{Kind: mqs.KindMemory})
	require.NoError(t, err)
	assert.Equal(t, mqs.KindMemory, q.Kind())

	_, err = mqs.New(ctx, mqs.QueueConfig{Kind: "bogus"})
	assert.Error(t, err)
}
