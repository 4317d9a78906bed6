package storage

import (
	"context"
	"time"

	"github.com/cuemby/forge/pkg/types"
)

// Gateway is the typed persistence interface every other component builds
// on. Implementations run a single statement per atomic step; the interface
// exposes no multi-statement transaction.
type Gateway interface {
	// Work items
	CreateWorkItem(ctx context.Context, item *types.WorkItem) error
	GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error)
	ListWorkItems(ctx context.Context, statusFilter string) ([]*types.WorkItem, error)
	UpdateWorkItemSpec(ctx context.Context, id, spec, branch string) error
	CancelWorkItem(ctx context.Context, id string) (bool, error)
	DispatchNextWorkItem(ctx context.Context) (*types.WorkItem, error)
	RequeueWorkItem(ctx context.Context, id string, nextRetryAt *time.Time) error
	CompleteWorkItem(ctx context.Context, id string, prURL *string, metadata []byte) error
	FailWorkItem(ctx context.Context, id string, errMsg string) error
	CountWorkItemsByStatus(ctx context.Context, status string) (int, error)

	// Workers
	CreateWorker(ctx context.Context, w *types.Worker) error
	GetWorker(ctx context.Context, id string) (*types.Worker, error)
	GetActiveWorkerForWorkItem(ctx context.Context, workItemID string) (*types.Worker, error)
	UpdateWorkerStatus(ctx context.Context, id string, status types.WorkerStatus) error
	UpdateWorkerHeartbeat(ctx context.Context, id string, iteration int) error
	SetWorkerContainerID(ctx context.Context, id, containerID string) error
	CompleteWorker(ctx context.Context, id string) error
	FailWorker(ctx context.Context, id, errMsg string) error
	DeleteWorker(ctx context.Context, id string) error
	ListWorkers(ctx context.Context) ([]*types.Worker, error)
	ListStaleWorkers(ctx context.Context, staleThresholdSeconds int) ([]*types.Worker, error)
	CountActiveWorkers(ctx context.Context) (int, error)

	// File locks
	AcquireLock(ctx context.Context, workerID, filePath string) (acquired bool, holderWorkerID string, err error)
	ReleaseLocks(ctx context.Context, workerID string, paths []string) error
	ReleaseAllLocks(ctx context.Context, workerID string) error
	GetLocksForWorker(ctx context.Context, workerID string) ([]*types.FileLock, error)
	GetLockHolder(ctx context.Context, path string) (*types.FileLock, error)

	// Worker metrics and learnings
	AppendWorkerMetric(ctx context.Context, m *types.WorkerMetric) error
	AppendLearning(ctx context.Context, l *types.Learning) error
	ListLearnings(ctx context.Context, repo string) ([]*types.Learning, error)

	// Metrics aggregation
	AggregateFactoryMetrics(ctx context.Context) (*types.FactoryMetrics, error)

	Close() error
}
