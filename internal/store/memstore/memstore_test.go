package memstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgerelay/forgerelay/internal/models"
	"github.com/forgerelay/forgerelay/internal/store/driver"
	"github.com/forgerelay/forgerelay/internal/store/drivertest"
	"github.com/forgerelay/forgerelay/internal/store/memstore"
	"github.com/forgerelay/forgerelay/internal/util/testutil"
)

type harness struct{}

func (harness) MakeStore(t *testing.T) driver.Store {
	return memstore.New()
}

func TestConformance(t *testing.T) {
	drivertest.RunConformanceTests(t, harness{})
}

func TestEventStatsOverManyEvents(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	const total = 50
	var ids []int64
	for i := 0; i < total; i++ {
		id, err := s.StoreEvent(ctx, testutil.RandomEvent())
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids[:20] {
		require.NoError(t, s.SetEventStatus(ctx, id, models.EventStatusProcessing))
		require.NoError(t, s.SetEventStatus(ctx, id, models.EventStatusCompleted))
	}
	for _, id := range ids[20:30] {
		require.NoError(t, s.SetEventStatus(ctx, id, models.EventStatusProcessing))
		require.NoError(t, s.SetEventStatus(ctx, id, models.EventStatusFailed))
	}

	stats, err := s.EventStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(total), stats.Total)
	assert.Equal(t, int64(20), stats.Completed)
	assert.Equal(t, int64(10), stats.Failed)
	assert.Equal(t, int64(20), stats.Pending)
}
