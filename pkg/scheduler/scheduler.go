package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/forge/pkg/log"
	"github.com/cuemby/forge/pkg/queue"
	"github.com/cuemby/forge/pkg/worker"
)

// DefaultLoopInterval is used when Config.LoopInterval is zero.
const DefaultLoopInterval = 5 * time.Second

// Config tunes the loop cadence.
type Config struct {
	LoopInterval time.Duration
}

// Loop is the supervisory loop: every interval it reaps workers with a
// stale heartbeat, then dispatches queued work items while capacity
// allows. Each step (reap one worker, spawn one worker) is individually
// atomic at the persistence layer, so the loop itself needs no locking
// beyond its own start/stop.
type Loop struct {
	queue   *queue.Manager
	workers *worker.Manager
	cfg     Config
	logger  zerolog.Logger
	stopCh  chan struct{}
}

// NewLoop builds a supervisory loop over the queue and worker managers.
func NewLoop(queueMgr *queue.Manager, workerMgr *worker.Manager, cfg Config) *Loop {
	if cfg.LoopInterval == 0 {
		cfg.LoopInterval = DefaultLoopInterval
	}
	return &Loop{
		queue:   queueMgr,
		workers: workerMgr,
		cfg:     cfg,
		logger:  log.WithComponent("scheduler"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the loop in its own goroutine.
func (l *Loop) Start() {
	go l.run()
}

// Stop signals the loop to exit after its current iteration.
func (l *Loop) Stop() {
	close(l.stopCh)
}

func (l *Loop) run() {
	ticker := time.NewTicker(l.cfg.LoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.tick(context.Background()); err != nil {
				l.logger.Error().Err(err).Msg("supervisory loop iteration failed")
			}
		case <-l.stopCh:
			return
		}
	}
}

// tick performs one reap-then-dispatch cycle.
func (l *Loop) tick(ctx context.Context) error {
	if err := l.reap(ctx); err != nil {
		return err
	}
	return l.dispatch(ctx)
}

func (l *Loop) reap(ctx context.Context) error {
	stale, err := l.workers.HealthCheck(ctx)
	if err != nil {
		return err
	}
	for _, w := range stale {
		if err := l.workers.Kill(ctx, w.ID, "heartbeat timeout"); err != nil {
			l.logger.Error().Err(err).Str("worker_id", w.ID).Msg("reap kill failed")
		}
	}
	return nil
}

func (l *Loop) dispatch(ctx context.Context) error {
	for {
		ok, err := l.workers.HasCapacity(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		item, err := l.queue.GetNext(ctx)
		if err != nil {
			return err
		}
		if item == nil {
			return nil
		}

		if _, err := l.workers.Spawn(ctx, item); err != nil {
			l.logger.Error().Err(err).Str("work_item_id", item.ID).Msg("spawn failed")
			return nil
		}
	}
}
