package locks

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/forge/pkg/log"
	"github.com/cuemby/forge/pkg/storage"
	"github.com/cuemby/forge/pkg/types"
)

// AcquireResult reports which paths a worker obtained and which are held
// elsewhere.
type AcquireResult struct {
	Acquired []string
	Blocked  []string
}

// Service is the file-lock service: it serializes file writes across
// concurrent workers. The relational store's uniqueness constraint on
// file_path is the single source of truth; this package adds no in-memory
// state.
type Service struct {
	gw     storage.Gateway
	logger zerolog.Logger
}

// NewService builds a file-lock service bound to gw.
func NewService(gw storage.Gateway) *Service {
	return &Service{gw: gw, logger: log.WithComponent("locks")}
}

// Acquire attempts one path at a time; paths already held by workerID count
// as acquired (idempotent re-acquisition); there is no partial rollback on
// mixed results.
func (s *Service) Acquire(ctx context.Context, workerID string, paths []string) (*AcquireResult, error) {
	result := &AcquireResult{Acquired: []string{}, Blocked: []string{}}
	for _, path := range paths {
		ok, holder, err := s.gw.AcquireLock(ctx, workerID, path)
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", path, err)
		}
		if ok {
			result.Acquired = append(result.Acquired, path)
			continue
		}
		s.logger.Debug().Str("path", path).Str("worker_id", workerID).Str("holder", holder).Msg("lock contended")
		result.Blocked = append(result.Blocked, path)
	}
	return result, nil
}

// Release deletes only the rows owned by workerID among paths; other
// workers' rows are untouched and releasing a path the worker does not own
// is a no-op.
func (s *Service) Release(ctx context.Context, workerID string, paths []string) error {
	return s.gw.ReleaseLocks(ctx, workerID, paths)
}

// ReleaseAll deletes every lock row owned by workerID. Called on every
// terminal worker transition.
func (s *Service) ReleaseAll(ctx context.Context, workerID string) error {
	return s.gw.ReleaseAllLocks(ctx, workerID)
}

// ForWorker lists the locks currently held by a worker.
func (s *Service) ForWorker(ctx context.Context, workerID string) ([]*types.FileLock, error) {
	return s.gw.GetLocksForWorker(ctx, workerID)
}

// Holder returns the lock row for path, or nil if unheld.
func (s *Service) Holder(ctx context.Context, path string) (*types.FileLock, error) {
	return s.gw.GetLockHolder(ctx, path)
}
