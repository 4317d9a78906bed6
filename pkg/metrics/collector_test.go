package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/forge/pkg/queue"
	"github.com/cuemby/forge/pkg/ratelimit"
	"github.com/cuemby/forge/pkg/storage/storagetest"
	"github.com/cuemby/forge/pkg/types"
)

func TestAggregatorFactoryMetricsFillsDailyBudget(t *testing.T) {
	ctx := context.Background()
	gw := storagetest.New()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := ratelimit.NewLimiter(gw, rdb, ratelimit.Config{MaxWorkers: 5, DailyBudget: 500})

	q := queue.NewManager(gw)
	_, err := q.Add(ctx, queue.AddRequest{Repo: "o/r", Spec: "do X", Priority: types.PriorityHigh})
	require.NoError(t, err)

	agg := NewAggregator(gw, limiter, 500)
	fm, err := agg.FactoryMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500), fm.DailyBudget)
	assert.Equal(t, 1, fm.QueuedItems)
}

func TestCollectorCollectSetsGauges(t *testing.T) {
	gw := storagetest.New()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := ratelimit.NewLimiter(gw, rdb, ratelimit.Config{MaxWorkers: 5, DailyBudget: 500})
	agg := NewAggregator(gw, limiter, 500)

	c := NewCollector(agg, time.Hour)
	c.collect()

	assert.Equal(t, float64(1), testutil.ToFloat64(FleetHealthy))
}
