package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/forge/pkg/log"
	"github.com/cuemby/forge/pkg/ratelimit"
	"github.com/cuemby/forge/pkg/storage"
	"github.com/cuemby/forge/pkg/types"
)

// Aggregator is the read model behind GET /api/metrics: it aggregates
// FactoryMetrics over the relational store with no cache, and fills in
// iterationsToday from the rate limiter's daily counter and dailyBudget
// from the configured budget, since neither figure lives in the store.
type Aggregator struct {
	gw      storage.Gateway
	limiter *ratelimit.Limiter
	budget  int64
}

// NewAggregator builds an Aggregator bound to gw and the configured daily
// iteration budget.
func NewAggregator(gw storage.Gateway, limiter *ratelimit.Limiter, dailyBudget int64) *Aggregator {
	return &Aggregator{gw: gw, limiter: limiter, budget: dailyBudget}
}

// FactoryMetrics computes the current read model.
func (a *Aggregator) FactoryMetrics(ctx context.Context) (*types.FactoryMetrics, error) {
	fm, err := a.gw.AggregateFactoryMetrics(ctx)
	if err != nil {
		return nil, err
	}
	status, err := a.limiter.GetStatus(ctx)
	if err != nil {
		return nil, err
	}
	fm.IterationsToday = status.IterationsToday
	fm.DailyBudget = a.budget
	return fm, nil
}

// Collector periodically refreshes the Prometheus gauges from the
// aggregator on a fixed ticker.
type Collector struct {
	agg      *Aggregator
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewCollector builds a collector that refreshes every interval.
func NewCollector(agg *Aggregator, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		agg:      agg,
		interval: interval,
		logger:   log.WithComponent("metrics"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics in the background.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fm, err := c.agg.FactoryMetrics(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("collect factory metrics failed")
		return
	}

	ActiveWorkers.Set(float64(fm.ActiveWorkers))
	QueuedItems.Set(float64(fm.QueuedItems))
	CompletedToday.Set(float64(fm.CompletedToday))
	FailedToday.Set(float64(fm.FailedToday))
	IterationsToday.Set(float64(fm.IterationsToday))
	DailyBudget.Set(float64(fm.DailyBudget))
	AvgCompletionSeconds.Set(fm.AvgCompletionTime)
	SuccessRate.Set(fm.SuccessRate)

	canSpawn, err := c.agg.limiter.CanSpawnWorker(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("collect spawn gate failed")
		return
	}
	if canSpawn {
		FleetHealthy.Set(1)
	} else {
		FleetHealthy.Set(0)
	}
}
