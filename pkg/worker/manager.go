package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/forge/pkg/apierr"
	"github.com/cuemby/forge/pkg/locks"
	"github.com/cuemby/forge/pkg/log"
	"github.com/cuemby/forge/pkg/queue"
	"github.com/cuemby/forge/pkg/ratelimit"
	"github.com/cuemby/forge/pkg/sandbox"
	"github.com/cuemby/forge/pkg/storage"
	"github.com/cuemby/forge/pkg/types"
)

// Config configures the sandbox images and liveness threshold the worker
// manager uses.
type Config struct {
	ExecutionImage        string
	VerificationImage     string
	OrchestratorURL       string
	StaleThresholdSeconds int
	CPULimit              float64
	MemoryLimitBytes      int64
	WorkspaceBaseDir      string
}

// CompletePayload is the optional trailing data a worker reports alongside
// completion. Verdict is only meaningful for verification-mode work items:
// it is stored as the work item's metadata in place of a PR URL.
type CompletePayload struct {
	PRUrl     *string
	Verdict   json.RawMessage
	Metrics   *types.WorkerMetric
	Learnings []string
}

// RegisterResult is returned by Register.
type RegisterResult struct {
	WorkerID string
	WorkItem *types.WorkItem
}

// Manager is the worker manager: it owns worker rows, sandbox container
// lifecycle, and the terminal transitions that release locks and notify
// the rate limiter.
type Manager struct {
	gw       storage.Gateway
	runtime  *sandbox.Runtime
	locks    *locks.Service
	limiter  *ratelimit.Limiter
	queue    *queue.Manager
	cfg      Config
	logger   zerolog.Logger
}

// NewManager builds a worker manager wiring the persistence gateway,
// sandbox runtime, file-lock service, rate limiter, and queue manager.
func NewManager(gw storage.Gateway, runtime *sandbox.Runtime, lockSvc *locks.Service, limiter *ratelimit.Limiter, queueMgr *queue.Manager, cfg Config) *Manager {
	return &Manager{
		gw:      gw,
		runtime: runtime,
		locks:   lockSvc,
		limiter: limiter,
		queue:   queueMgr,
		cfg:     cfg,
		logger:  log.WithComponent("worker"),
	}
}

// HasCapacity delegates to the rate limiter.
func (m *Manager) HasCapacity(ctx context.Context) (bool, error) {
	return m.limiter.CanSpawnWorker(ctx)
}

func (m *Manager) imageFor(mode types.WorkItemType) string {
	if mode == types.WorkItemVerification {
		return m.cfg.VerificationImage
	}
	return m.cfg.ExecutionImage
}

// Spawn inserts a worker row, records the spawn with the rate limiter,
// creates a sandbox container, and writes back the container id. If
// marshalling the work item, pulling the image, or creating or starting the
// container fails, the row is deleted and the work item is requeued so it
// does not leak. A failure to write back the container id is returned
// without that rollback.
func (m *Manager) Spawn(ctx context.Context, item *types.WorkItem) (*types.Worker, error) {
	w := &types.Worker{
		ID:            uuid.NewString(),
		WorkItemID:    item.ID,
		Status:        types.WorkerStarting,
		Iteration:     0,
		LastHeartbeat: time.Now().UTC(),
		StartedAt:     time.Now().UTC(),
	}
	if err := m.gw.CreateWorker(ctx, w); err != nil {
		return nil, fmt.Errorf("create worker row: %w", err)
	}

	if err := m.limiter.RecordSpawn(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("record spawn failed")
	}

	workItemJSON, err := json.Marshal(item)
	if err != nil {
		m.rollbackSpawn(ctx, w.ID, item.ID, item.RetryCount)
		return nil, fmt.Errorf("marshal work item: %w", err)
	}

	spec := sandbox.Spec{
		ID:    "forge-worker-" + w.ID,
		Image: m.imageFor(item.Type),
		Env: []string{
			"ORCHESTRATOR_URL=" + m.cfg.OrchestratorURL,
			"WORKER_ID=" + w.ID,
			"WORK_ITEM=" + string(workItemJSON),
		},
		Resources: sandbox.Resources{
			CPULimit:    m.cfg.CPULimit,
			MemoryLimit: m.cfg.MemoryLimitBytes,
		},
	}
	if m.cfg.WorkspaceBaseDir != "" {
		spec.WorkspaceMount = m.cfg.WorkspaceBaseDir + "/" + w.ID
	}

	if err := m.runtime.PullImage(ctx, spec.Image); err != nil {
		m.rollbackSpawn(ctx, w.ID, item.ID, item.RetryCount)
		return nil, fmt.Errorf("pull sandbox image: %w", err)
	}
	containerID, err := m.runtime.CreateContainer(ctx, spec)
	if err != nil {
		m.rollbackSpawn(ctx, w.ID, item.ID, item.RetryCount)
		return nil, fmt.Errorf("create sandbox container: %w", err)
	}
	if err := m.runtime.StartContainer(ctx, containerID); err != nil {
		m.rollbackSpawn(ctx, w.ID, item.ID, item.RetryCount)
		return nil, fmt.Errorf("start sandbox container: %w", err)
	}

	if err := m.gw.SetWorkerContainerID(ctx, w.ID, containerID); err != nil {
		return nil, fmt.Errorf("persist container id: %w", err)
	}
	w.ContainerID = &containerID
	m.logger.Info().Str("worker_id", w.ID).Str("work_item_id", item.ID).Str("container_id", containerID).Msg("worker spawned")
	return w, nil
}

func (m *Manager) rollbackSpawn(ctx context.Context, workerID, workItemID string, retryCount int) {
	if err := m.gw.DeleteWorker(ctx, workerID); err != nil {
		m.logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to roll back worker row")
	}
	if err := m.queue.Requeue(ctx, workItemID, retryCount); err != nil {
		m.logger.Error().Err(err).Str("work_item_id", workItemID).Msg("failed to requeue after spawn failure")
	}
}

// Register is called by the container once alive. An existing active
// worker for the item is reused and bumped to running; otherwise this is a
// not-found error, since spawn always creates the row first.
func (m *Manager) Register(ctx context.Context, workItemID string) (*RegisterResult, error) {
	item, err := m.gw.GetWorkItem(ctx, workItemID)
	if err != nil {
		return nil, err
	}

	active, err := m.gw.GetActiveWorkerForWorkItem(ctx, workItemID)
	if err != nil {
		return nil, fmt.Errorf("lookup active worker: %w", err)
	}
	if active == nil {
		return nil, apierr.NotFound("active worker for work item")
	}
	if err := m.gw.UpdateWorkerStatus(ctx, active.ID, types.WorkerRunning); err != nil {
		return nil, err
	}
	return &RegisterResult{WorkerID: active.ID, WorkItem: item}, nil
}

// Heartbeat bumps lastHeartbeat, marks the worker running, and records the
// iteration toward the daily budget.
func (m *Manager) Heartbeat(ctx context.Context, workerID string, iteration int) error {
	if err := m.gw.UpdateWorkerHeartbeat(ctx, workerID, iteration); err != nil {
		return err
	}
	if err := m.limiter.RecordIteration(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("record iteration failed")
	}
	return nil
}

// LockFiles delegates to the file-lock service.
func (m *Manager) LockFiles(ctx context.Context, workerID string, paths []string) (*locks.AcquireResult, error) {
	return m.locks.Acquire(ctx, workerID, paths)
}

// UnlockFiles delegates to the file-lock service.
func (m *Manager) UnlockFiles(ctx context.Context, workerID string, paths []string) error {
	return m.locks.Release(ctx, workerID, paths)
}

// Complete transitions a worker and its work item to completed, releases
// all locks, and appends any reported metrics/learnings. Idempotent: a
// repeated complete on an already-completed worker is a no-op.
func (m *Manager) Complete(ctx context.Context, workerID string, payload CompletePayload) error {
	w, err := m.gw.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if err := m.gw.CompleteWorker(ctx, workerID); err != nil {
		return err
	}
	if w.Status.Terminal() {
		return nil
	}

	item, err := m.gw.GetWorkItem(ctx, w.WorkItemID)
	if err != nil {
		return err
	}
	prURL := payload.PRUrl
	var metadata json.RawMessage
	if item.Type == types.WorkItemVerification {
		prURL = nil
		metadata = payload.Verdict
	}
	if err := m.gw.CompleteWorkItem(ctx, w.WorkItemID, prURL, metadata); err != nil {
		return err
	}
	if err := m.locks.ReleaseAll(ctx, workerID); err != nil {
		m.logger.Error().Err(err).Str("worker_id", workerID).Msg("release locks on complete failed")
	}
	if payload.Metrics != nil {
		payload.Metrics.ID = uuid.NewString()
		payload.Metrics.WorkerID = workerID
		payload.Metrics.WorkItemID = w.WorkItemID
		if err := m.gw.AppendWorkerMetric(ctx, payload.Metrics); err != nil {
			m.logger.Error().Err(err).Msg("append worker metric failed")
		}
	}
	for _, content := range payload.Learnings {
		learning := &types.Learning{
			ID:         uuid.NewString(),
			WorkerID:   workerID,
			WorkItemID: w.WorkItemID,
			Repo:       item.Repo,
			Spec:       item.Spec,
			Content:    content,
		}
		if err := m.gw.AppendLearning(ctx, learning); err != nil {
			m.logger.Error().Err(err).Msg("append learning failed")
		}
	}
	return m.limiter.RecordWorkerDone(ctx)
}

// Fail transitions a worker to failed; the work item is requeued if
// attempts remain, else failed.
func (m *Manager) Fail(ctx context.Context, workerID, cause string, iteration int) error {
	return m.terminalFailure(ctx, workerID, cause, iteration, func(w *types.Worker) error {
		return m.gw.FailWorker(ctx, workerID, cause)
	})
}

// Stuck transitions a worker to stuck; the work item is requeued if
// retries remain, since the worker is considered abandoned, not failed by
// its own report.
func (m *Manager) Stuck(ctx context.Context, workerID, reason string, attempts int) error {
	return m.terminalFailure(ctx, workerID, reason, attempts, func(w *types.Worker) error {
		if w.Status.Terminal() {
			return nil
		}
		return m.gw.UpdateWorkerStatus(ctx, workerID, types.WorkerStuck)
	})
}

// Kill stops the sandbox container (best-effort) and performs the same
// terminal transitions as Fail/Stuck, recording the worker as killed.
func (m *Manager) Kill(ctx context.Context, workerID, reason string) error {
	w, err := m.gw.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if w.ContainerID != nil {
		if err := m.runtime.StopContainer(ctx, *w.ContainerID, 10*time.Second); err != nil {
			m.logger.Warn().Err(err).Str("container_id", *w.ContainerID).Msg("stop sandbox container failed")
		}
		if err := m.runtime.DeleteContainer(ctx, *w.ContainerID); err != nil {
			m.logger.Warn().Err(err).Str("container_id", *w.ContainerID).Msg("delete sandbox container failed")
		}
	}
	return m.terminalFailure(ctx, workerID, reason, w.Iteration, func(w *types.Worker) error {
		if w.Status.Terminal() {
			return nil
		}
		return m.gw.UpdateWorkerStatus(ctx, workerID, types.WorkerKilled)
	})
}

// terminalFailure is the shared requeue-or-fail path for fail/stuck/kill:
// it fetches the worker, applies the caller's worker-status transition,
// requeues or fails the owning work item, releases locks, and notifies the
// rate limiter. Idempotent under retry. iteration is the caller-reported
// attempt count, compared against the work item's maxIterations.
func (m *Manager) terminalFailure(ctx context.Context, workerID, cause string, iteration int, transition func(*types.Worker) error) error {
	w, err := m.gw.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	alreadyTerminal := w.Status.Terminal()

	if err := transition(w); err != nil {
		return err
	}
	if alreadyTerminal {
		return nil
	}

	item, err := m.gw.GetWorkItem(ctx, w.WorkItemID)
	if err != nil {
		return err
	}
	if iteration < item.MaxIterations && item.RetryCount < item.MaxRetries {
		if err := m.queue.Requeue(ctx, item.ID, item.RetryCount); err != nil {
			m.logger.Error().Err(err).Str("work_item_id", item.ID).Msg("requeue failed")
		}
	} else {
		if err := m.gw.FailWorkItem(ctx, item.ID, cause); err != nil {
			m.logger.Error().Err(err).Str("work_item_id", item.ID).Msg("fail work item failed")
		}
	}
	if err := m.locks.ReleaseAll(ctx, workerID); err != nil {
		m.logger.Error().Err(err).Str("worker_id", workerID).Msg("release locks on terminal transition failed")
	}
	return m.limiter.RecordWorkerDone(ctx)
}

// HealthCheck returns every active worker whose heartbeat is stale.
func (m *Manager) HealthCheck(ctx context.Context) ([]*types.Worker, error) {
	return m.gw.ListStaleWorkers(ctx, m.cfg.StaleThresholdSeconds)
}

// List returns every worker row.
func (m *Manager) List(ctx context.Context) ([]*types.Worker, error) {
	return m.gw.ListWorkers(ctx)
}

// Stats is the worker manager's own read-only rollup, distinct from the
// metrics aggregator's FactoryMetrics.
type Stats struct {
	Active int
	Total  int
}

// GetStats returns a read-only rollup over worker rows.
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	all, err := m.gw.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{Total: len(all)}
	for _, w := range all {
		if w.Status.Active() {
			stats.Active++
		}
	}
	return stats, nil
}
