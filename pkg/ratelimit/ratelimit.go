package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cuemby/forge/pkg/log"
	"github.com/cuemby/forge/pkg/storage"
)

const dateLayout = "2006-01-02"

// Config tunes the three independent spawn gates.
type Config struct {
	MaxWorkers      int
	CooldownSeconds int
	DailyBudget     int64
	KeyPrefix       string
}

// Status is the snapshot served by the status endpoint.
type Status struct {
	ActiveWorkers   int
	MaxWorkers      int
	CooldownSeconds int
	LastSpawnAt     time.Time
	IterationsToday int64
	DailyBudget     int64
	CanSpawn        bool
}

// Limiter enforces fleet capacity, spawn cooldown, and a daily iteration
// budget. Capacity is always read from the persistence gateway's worker
// table; cooldown and the iteration counter live in Redis.
type Limiter struct {
	gw     storage.Gateway
	rdb    *redis.Client
	cfg    Config
	logger zerolog.Logger
}

// NewLimiter builds a rate limiter bound to gw (for capacity) and rdb (for
// cooldown/budget state).
func NewLimiter(gw storage.Gateway, rdb *redis.Client, cfg Config) *Limiter {
	return &Limiter{gw: gw, rdb: rdb, cfg: cfg, logger: log.WithComponent("ratelimit")}
}

func (l *Limiter) key(name string) string {
	if l.cfg.KeyPrefix == "" {
		return "rate:" + name
	}
	return l.cfg.KeyPrefix + ":rate:" + name
}

// CanSpawnWorker applies all three gates: fleet capacity, cooldown, and
// daily iteration budget.
func (l *Limiter) CanSpawnWorker(ctx context.Context) (bool, error) {
	active, err := l.gw.CountActiveWorkers(ctx)
	if err != nil {
		return false, fmt.Errorf("count active workers: %w", err)
	}
	if active >= l.cfg.MaxWorkers {
		return false, nil
	}

	lastSpawnMs, err := l.lastSpawnMs(ctx)
	if err != nil {
		return false, err
	}
	if lastSpawnMs > 0 {
		elapsed := time.Since(time.UnixMilli(lastSpawnMs))
		if elapsed < time.Duration(l.cfg.CooldownSeconds)*time.Second {
			return false, nil
		}
	}

	iterationsToday, err := l.iterationsToday(ctx)
	if err != nil {
		return false, err
	}
	if iterationsToday >= l.cfg.DailyBudget {
		return false, nil
	}
	return true, nil
}

// RecordSpawn stamps lastSpawnAt with the current time.
func (l *Limiter) RecordSpawn(ctx context.Context) error {
	return l.rdb.Set(ctx, l.key("last_spawn"), time.Now().UnixMilli(), 0).Err()
}

// RecordIteration increments iterationsToday after checking the daily
// reset, toward the budget tracked for the status endpoint.
func (l *Limiter) RecordIteration(ctx context.Context) error {
	if err := l.resetIfNewDay(ctx); err != nil {
		return err
	}
	return l.rdb.Incr(ctx, l.key("daily_iterations")).Err()
}

// RecordWorkerDone is a stable no-op: capacity is derived from the store on
// every check, so there is nothing to decrement here.
func (l *Limiter) RecordWorkerDone(ctx context.Context) error {
	return nil
}

// GetStatus returns a snapshot for the status endpoint.
func (l *Limiter) GetStatus(ctx context.Context) (*Status, error) {
	active, err := l.gw.CountActiveWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("count active workers: %w", err)
	}
	lastSpawnMs, err := l.lastSpawnMs(ctx)
	if err != nil {
		return nil, err
	}
	iterationsToday, err := l.iterationsToday(ctx)
	if err != nil {
		return nil, err
	}
	canSpawn, err := l.CanSpawnWorker(ctx)
	if err != nil {
		return nil, err
	}

	status := &Status{
		ActiveWorkers:   active,
		MaxWorkers:      l.cfg.MaxWorkers,
		CooldownSeconds: l.cfg.CooldownSeconds,
		IterationsToday: iterationsToday,
		DailyBudget:     l.cfg.DailyBudget,
		CanSpawn:        canSpawn,
	}
	if lastSpawnMs > 0 {
		status.LastSpawnAt = time.UnixMilli(lastSpawnMs)
	}
	return status, nil
}

func (l *Limiter) lastSpawnMs(ctx context.Context) (int64, error) {
	v, err := l.rdb.Get(ctx, l.key("last_spawn")).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read last spawn: %w", err)
	}
	return v, nil
}

// resetIfNewDay zeroes the iteration counter the first time it is touched
// after the stored reset date no longer matches today (UTC).
func (l *Limiter) resetIfNewDay(ctx context.Context) error {
	today := time.Now().UTC().Format(dateLayout)
	stored, err := l.rdb.Get(ctx, l.key("daily_reset_date")).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read daily reset date: %w", err)
	}
	if stored == today {
		return nil
	}
	pipe := l.rdb.TxPipeline()
	pipe.Set(ctx, l.key("daily_iterations"), 0, 0)
	pipe.Set(ctx, l.key("daily_reset_date"), today, 0)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("reset daily counters: %w", err)
	}
	return nil
}

func (l *Limiter) iterationsToday(ctx context.Context) (int64, error) {
	if err := l.resetIfNewDay(ctx); err != nil {
		return 0, err
	}
	v, err := l.rdb.Get(ctx, l.key("daily_iterations")).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read iterations today: %w", err)
	}
	return v, nil
}
