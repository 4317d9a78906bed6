// Package storagetest provides an in-memory storage.Gateway for exercising
// the queue, lock, worker, and rate-limit packages without a live Postgres.
package storagetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/forge/pkg/apierr"
	"github.com/cuemby/forge/pkg/storage"
	"github.com/cuemby/forge/pkg/types"
)

var _ storage.Gateway = (*Fake)(nil)

// Fake is a goroutine-safe, in-memory storage.Gateway.
type Fake struct {
	mu        sync.Mutex
	workItems map[string]*types.WorkItem
	workers   map[string]*types.Worker
	locks     map[string]*types.FileLock // keyed by file path
	metrics   []*types.WorkerMetric
	learnings []*types.Learning
}

// New returns an empty Fake gateway.
func New() *Fake {
	return &Fake{
		workItems: make(map[string]*types.WorkItem),
		workers:   make(map[string]*types.Worker),
		locks:     make(map[string]*types.FileLock),
	}
}

func (f *Fake) CreateWorkItem(ctx context.Context, item *types.WorkItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.CreatedAt = time.Now().UTC()
	item.UpdatedAt = item.CreatedAt
	cp := *item
	f.workItems[item.ID] = &cp
	return nil
}

func (f *Fake) GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.workItems[id]
	if !ok {
		return nil, apierr.NotFound("work item")
	}
	cp := *item
	return &cp, nil
}

func (f *Fake) ListWorkItems(ctx context.Context, statusFilter string) ([]*types.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := []*types.WorkItem{}
	for _, item := range f.workItems {
		if statusFilter != "" && string(item.Status) != statusFilter {
			continue
		}
		cp := *item
		items = append(items, &cp)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority.Rank() != items[j].Priority.Rank() {
			return items[i].Priority.Rank() > items[j].Priority.Rank()
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (f *Fake) UpdateWorkItemSpec(ctx context.Context, id, spec, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.workItems[id]
	if !ok || item.Status != types.WorkItemPendingGeneration {
		return apierr.InvalidState("work item is not pending generation")
	}
	item.Spec, item.Branch, item.Status = spec, branch, types.WorkItemQueued
	return nil
}

func (f *Fake) CancelWorkItem(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.workItems[id]
	if !ok || item.Status != types.WorkItemQueued {
		return false, nil
	}
	item.Status = types.WorkItemCancelled
	now := time.Now().UTC()
	item.CompletedAt = &now
	return true, nil
}

func (f *Fake) DispatchNextWorkItem(ctx context.Context) (*types.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *types.WorkItem
	for _, item := range f.workItems {
		if item.Status != types.WorkItemQueued {
			continue
		}
		if item.NextRetryAt != nil && item.NextRetryAt.After(time.Now().UTC()) {
			continue
		}
		if best == nil {
			best = item
			continue
		}
		if item.Priority.Rank() > best.Priority.Rank() {
			best = item
			continue
		}
		if item.Priority.Rank() == best.Priority.Rank() && item.CreatedAt.Before(best.CreatedAt) {
			best = item
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = types.WorkItemAssigned
	best.WorkerID = nil
	cp := *best
	return &cp, nil
}

func (f *Fake) RequeueWorkItem(ctx context.Context, id string, nextRetryAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.workItems[id]
	if !ok || (item.Status != types.WorkItemAssigned && item.Status != types.WorkItemInProgress) {
		return apierr.InvalidState("work item is not assigned or in progress")
	}
	item.Status = types.WorkItemQueued
	item.WorkerID = nil
	item.RetryCount++
	item.NextRetryAt = nextRetryAt
	return nil
}

func (f *Fake) CompleteWorkItem(ctx context.Context, id string, prURL *string, metadata []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.workItems[id]
	if !ok || (item.Status != types.WorkItemAssigned && item.Status != types.WorkItemInProgress) {
		return apierr.InvalidState("work item is not assigned or in progress")
	}
	item.Status = types.WorkItemCompleted
	item.PRUrl = prURL
	item.Metadata = metadata
	now := time.Now().UTC()
	item.CompletedAt = &now
	return nil
}

func (f *Fake) FailWorkItem(ctx context.Context, id string, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.workItems[id]
	if !ok || (item.Status != types.WorkItemAssigned && item.Status != types.WorkItemInProgress) {
		return apierr.InvalidState("work item is not assigned or in progress")
	}
	item.Status = types.WorkItemFailed
	item.Error = &errMsg
	now := time.Now().UTC()
	item.CompletedAt = &now
	return nil
}

func (f *Fake) CountWorkItemsByStatus(ctx context.Context, status string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, item := range f.workItems {
		if string(item.Status) == status {
			n++
		}
	}
	return n, nil
}

func (f *Fake) CreateWorker(ctx context.Context, w *types.Worker) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *w
	f.workers[w.ID] = &cp
	return nil
}

func (f *Fake) GetWorker(ctx context.Context, id string) (*types.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[id]
	if !ok {
		return nil, apierr.NotFound("worker")
	}
	cp := *w
	return &cp, nil
}

func (f *Fake) GetActiveWorkerForWorkItem(ctx context.Context, workItemID string) (*types.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.workers {
		if w.WorkItemID == workItemID && w.Status.Active() {
			cp := *w
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *Fake) UpdateWorkerStatus(ctx context.Context, id string, status types.WorkerStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[id]
	if !ok || !w.Status.Active() {
		return apierr.InvalidState("worker is not active")
	}
	w.Status = status
	return nil
}

func (f *Fake) UpdateWorkerHeartbeat(ctx context.Context, id string, iteration int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[id]
	if !ok || !w.Status.Active() {
		return apierr.InvalidState("worker is not active")
	}
	w.LastHeartbeat = time.Now().UTC()
	w.Status = types.WorkerRunning
	w.Iteration = iteration
	return nil
}

func (f *Fake) SetWorkerContainerID(ctx context.Context, id, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[id]
	if !ok {
		return apierr.NotFound("worker")
	}
	w.ContainerID = &containerID
	return nil
}

func (f *Fake) CompleteWorker(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[id]
	if !ok {
		return apierr.NotFound("worker")
	}
	if w.Status.Terminal() {
		return nil
	}
	w.Status = types.WorkerCompleted
	now := time.Now().UTC()
	w.CompletedAt = &now
	return nil
}

func (f *Fake) FailWorker(ctx context.Context, id, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[id]
	if !ok {
		return apierr.NotFound("worker")
	}
	if w.Status.Terminal() {
		return nil
	}
	w.Status = types.WorkerFailed
	w.Error = &errMsg
	now := time.Now().UTC()
	w.CompletedAt = &now
	return nil
}

func (f *Fake) DeleteWorker(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.workers, id)
	return nil
}

func (f *Fake) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	workers := []*types.Worker{}
	for _, w := range f.workers {
		cp := *w
		workers = append(workers, &cp)
	}
	return workers, nil
}

func (f *Fake) ListStaleWorkers(ctx context.Context, staleThresholdSeconds int) ([]*types.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().UTC().Add(-time.Duration(staleThresholdSeconds) * time.Second)
	stale := []*types.Worker{}
	for _, w := range f.workers {
		if w.Status.Active() && w.LastHeartbeat.Before(cutoff) {
			cp := *w
			stale = append(stale, &cp)
		}
	}
	return stale, nil
}

func (f *Fake) CountActiveWorkers(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.workers {
		if w.Status.Active() {
			n++
		}
	}
	return n, nil
}

func (f *Fake) AcquireLock(ctx context.Context, workerID, filePath string) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.locks[filePath]; ok {
		if existing.WorkerID == workerID {
			return true, workerID, nil
		}
		return false, existing.WorkerID, nil
	}
	f.locks[filePath] = &types.FileLock{
		ID:         filePath,
		WorkerID:   workerID,
		FilePath:   filePath,
		AcquiredAt: time.Now().UTC(),
	}
	return true, workerID, nil
}

func (f *Fake) ReleaseLocks(ctx context.Context, workerID string, paths []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range paths {
		if lock, ok := f.locks[p]; ok && lock.WorkerID == workerID {
			delete(f.locks, p)
		}
	}
	return nil
}

func (f *Fake) ReleaseAllLocks(ctx context.Context, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for p, lock := range f.locks {
		if lock.WorkerID == workerID {
			delete(f.locks, p)
		}
	}
	return nil
}

func (f *Fake) GetLocksForWorker(ctx context.Context, workerID string) ([]*types.FileLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	locks := []*types.FileLock{}
	for _, lock := range f.locks {
		if lock.WorkerID == workerID {
			cp := *lock
			locks = append(locks, &cp)
		}
	}
	return locks, nil
}

func (f *Fake) GetLockHolder(ctx context.Context, path string) (*types.FileLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lock, ok := f.locks[path]
	if !ok {
		return nil, nil
	}
	cp := *lock
	return &cp, nil
}

func (f *Fake) AppendWorkerMetric(ctx context.Context, m *types.WorkerMetric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	f.metrics = append(f.metrics, &cp)
	return nil
}

func (f *Fake) AppendLearning(ctx context.Context, l *types.Learning) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *l
	f.learnings = append(f.learnings, &cp)
	return nil
}

func (f *Fake) ListLearnings(ctx context.Context, repo string) ([]*types.Learning, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*types.Learning{}
	for _, l := range f.learnings {
		if repo != "" && l.Repo != repo {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	return out, nil
}

func (f *Fake) AggregateFactoryMetrics(ctx context.Context) (*types.FactoryMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fm := &types.FactoryMetrics{}
	for _, w := range f.workers {
		if w.Status.Active() {
			fm.ActiveWorkers++
		}
	}
	for _, item := range f.workItems {
		switch item.Status {
		case types.WorkItemQueued:
			fm.QueuedItems++
		case types.WorkItemCompleted:
			fm.CompletedToday++
		case types.WorkItemFailed:
			fm.FailedToday++
		}
	}
	return fm, nil
}

func (f *Fake) Close() error { return nil }
