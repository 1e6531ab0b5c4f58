package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgerelay/forgerelay/internal/logging"
	"github.com/forgerelay/forgerelay/internal/models"
	"github.com/forgerelay/forgerelay/internal/store/memstore"
)

type recordingExecutor struct {
	mu    sync.Mutex
	tasks []*models.RetryTask
}

func (r *recordingExecutor) ProcessRetry(_ context.Context, task *models.RetryTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return nil
}

func (r *recordingExecutor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func seedDueRetry(t *testing.T, s *memstore.Store) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := s.StoreEvent(ctx, &models.Event{
		DeliveryID: "d-1",
		Type:       "push",
		Payload:    []byte(`{}`),
	})
	require.NoError(t, err)
	sub := &models.Subscriber{Name: "ci", EventTypes: []string{"push"}}
	require.NoError(t, s.CreateSubscriber(ctx, sub, &models.Transport{
		Kind: models.TransportKindWebhook, Config: "{}",
	}))
	code := 503
	_, err = s.RecordAttempt(ctx, &models.DeliveryAttempt{
		EventID: id, SubscriberID: sub.ID, AttemptNumber: 1, StatusCode: &code,
	})
	require.NoError(t, err)
	require.NoError(t, s.ScheduleRetry(ctx, id, sub.ID, 1, time.Now().Add(-time.Second)))
	return id
}

func TestTickExecutesDueRetries(t *testing.T) {
	logger, err := logging.NewLogger()
	require.NoError(t, err)
	s := memstore.New()
	executor := &recordingExecutor{}
	sched := New(logger, s, executor, WithBatchSize(10))

	id := seedDueRetry(t, s)

	require.NoError(t, sched.Tick(context.Background()))
	require.Equal(t, 1, executor.count())
	assert.Equal(t, id, executor.tasks[0].EventID)
	assert.Equal(t, 2, executor.tasks[0].NextAttempt)

	// Claimed rows do not come back.
	require.NoError(t, sched.Tick(context.Background()))
	assert.Equal(t, 1, executor.count())
}

func TestTickNoDueRetries(t *testing.T) {
	logger, err := logging.NewLogger()
	require.NoError(t, err)
	sched := New(logger, memstore.New(), &recordingExecutor{})
	assert.NoError(t, sched.Tick(context.Background()))
}

func TestRunStopsOnCancel(t *testing.T) {
	logger, err := logging.NewLogger()
	require.NoError(t, err)
	s := memstore.New()
	executor := &recordingExecutor{}
	sched := New(logger, s, executor, WithPollInterval(10*time.Millisecond))

	seedDueRetry(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	assert.Eventually(t, func() bool { return executor.count() == 1 }, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
