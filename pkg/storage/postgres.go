package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/cuemby/forge/pkg/apierr"
	"github.com/cuemby/forge/pkg/types"
)

var _ Gateway = (*PostgresGateway)(nil)

// pgUniqueViolation is the Postgres error code for a unique-constraint
// conflict (23505).
const pgUniqueViolation = "23505"

// PostgresGateway is the Gateway implementation backed by a single Postgres
// database, accessed through the pgx stdlib driver and sqlx struct scanning.
type PostgresGateway struct {
	db *sqlx.DB
}

// NewPostgresGateway opens a pooled connection to dsn and verifies it with a
// ping before returning.
func NewPostgresGateway(ctx context.Context, dsn string) (*PostgresGateway, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresGateway{db: db}, nil
}

func (g *PostgresGateway) Close() error { return g.db.Close() }

// translateErr maps driver-level failures onto the apierr sentinels the rest
// of the system branches on.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgUniqueViolation {
			return apierr.ErrLockConflict
		}
		return fmt.Errorf("%w: %s", apierr.ErrTransient, pgErr.Message)
	}
	return fmt.Errorf("%w: %s", apierr.ErrTransient, err.Error())
}

// transaction wraps sqlx.DB.BeginTxx; a panic inside fn rolls back and
// re-panics, an error return rolls back, otherwise the transaction commits.
func (g *PostgresGateway) transaction(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return translateErr(err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return translateErr(err)
	}
	return nil
}

const workItemColumns = `id, repo, branch, spec, description, priority, status, worker_id,
	iteration, max_iterations, retry_count, max_retries, next_retry_at,
	created_at, updated_at, completed_at, error, pr_url, metadata, type`

func (g *PostgresGateway) CreateWorkItem(ctx context.Context, item *types.WorkItem) error {
	if item.Metadata == nil {
		item.Metadata = json.RawMessage(`{}`)
	}
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO work_items (id, repo, branch, spec, description, priority, status,
			iteration, max_iterations, retry_count, max_retries, metadata, type)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		item.ID, item.Repo, item.Branch, item.Spec, item.Description, item.Priority, item.Status,
		item.Iteration, item.MaxIterations, item.RetryCount, item.MaxRetries, item.Metadata, item.Type)
	return translateErr(err)
}

func (g *PostgresGateway) GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error) {
	var item types.WorkItem
	err := g.db.GetContext(ctx, &item, `SELECT `+workItemColumns+` FROM work_items WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("work item")
	}
	if err != nil {
		return nil, translateErr(err)
	}
	return &item, nil
}

func (g *PostgresGateway) ListWorkItems(ctx context.Context, statusFilter string) ([]*types.WorkItem, error) {
	items := []*types.WorkItem{}
	var err error
	if statusFilter == "" {
		err = g.db.SelectContext(ctx, &items, `SELECT `+workItemColumns+`
			FROM work_items ORDER BY priority_rank DESC, created_at ASC`)
	} else {
		err = g.db.SelectContext(ctx, &items, `SELECT `+workItemColumns+`
			FROM work_items WHERE status=$1 ORDER BY priority_rank DESC, created_at ASC`, statusFilter)
	}
	if err != nil {
		return nil, translateErr(err)
	}
	return items, nil
}

func (g *PostgresGateway) UpdateWorkItemSpec(ctx context.Context, id, spec, branch string) error {
	res, err := g.db.ExecContext(ctx, `
		UPDATE work_items SET spec=$2, branch=$3, status='queued', updated_at=now()
		WHERE id=$1 AND status='pending_generation'`, id, spec, branch)
	if err != nil {
		return translateErr(err)
	}
	return noRowsToInvalidState(res, "work item is not pending generation")
}

func (g *PostgresGateway) CancelWorkItem(ctx context.Context, id string) (bool, error) {
	res, err := g.db.ExecContext(ctx, `
		UPDATE work_items SET status='cancelled', updated_at=now(), completed_at=now()
		WHERE id=$1 AND status='queued'`, id)
	if err != nil {
		return false, translateErr(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DispatchNextWorkItem implements getNext with a single select-and-update
// statement guarded by SKIP LOCKED, so concurrent supervisory loops never
// double-dispatch the same row.
func (g *PostgresGateway) DispatchNextWorkItem(ctx context.Context) (*types.WorkItem, error) {
	var item types.WorkItem
	err := g.db.GetContext(ctx, &item, `
		UPDATE work_items SET status='assigned', worker_id=NULL, updated_at=now()
		WHERE id = (
			SELECT id FROM work_items
			WHERE status='queued' AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY priority_rank DESC, created_at ASC, id ASC
			FOR UPDATE SKIP LOCKED LIMIT 1
		)
		RETURNING `+workItemColumns)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translateErr(err)
	}
	return &item, nil
}

func backoffDuration(retryCount int) time.Duration {
	base := 60 * time.Second
	ceiling := 30 * time.Minute
	d := base << retryCount
	if d <= 0 || d > ceiling {
		d = ceiling
	}
	return d
}

func (g *PostgresGateway) RequeueWorkItem(ctx context.Context, id string, nextRetryAt *time.Time) error {
	res, err := g.db.ExecContext(ctx, `
		UPDATE work_items
		SET status='queued', worker_id=NULL, retry_count=retry_count+1,
			next_retry_at=$2, updated_at=now()
		WHERE id=$1 AND status IN ('assigned','in_progress')`, id, nextRetryAt)
	if err != nil {
		return translateErr(err)
	}
	return noRowsToInvalidState(res, "work item is not assigned or in progress")
}

func (g *PostgresGateway) CompleteWorkItem(ctx context.Context, id string, prURL *string, metadata []byte) error {
	if metadata == nil {
		metadata = []byte(`{}`)
	}
	res, err := g.db.ExecContext(ctx, `
		UPDATE work_items SET status='completed', pr_url=$2, metadata=$3,
			updated_at=now(), completed_at=now()
		WHERE id=$1 AND status IN ('assigned','in_progress')`, id, prURL, metadata)
	if err != nil {
		return translateErr(err)
	}
	return noRowsToInvalidState(res, "work item is not assigned or in progress")
}

func (g *PostgresGateway) FailWorkItem(ctx context.Context, id string, errMsg string) error {
	res, err := g.db.ExecContext(ctx, `
		UPDATE work_items SET status='failed', error=$2, updated_at=now(), completed_at=now()
		WHERE id=$1 AND status IN ('assigned','in_progress')`, id, errMsg)
	if err != nil {
		return translateErr(err)
	}
	return noRowsToInvalidState(res, "work item is not assigned or in progress")
}

func (g *PostgresGateway) CountWorkItemsByStatus(ctx context.Context, status string) (int, error) {
	var n int
	err := g.db.GetContext(ctx, &n, `SELECT count(*) FROM work_items WHERE status=$1`, status)
	if err != nil {
		return 0, translateErr(err)
	}
	return n, nil
}

const workerColumns = `id, work_item_id, status, iteration, last_heartbeat, started_at,
	completed_at, container_id, error`

func (g *PostgresGateway) CreateWorker(ctx context.Context, w *types.Worker) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO workers (id, work_item_id, status, iteration, last_heartbeat, started_at)
		VALUES ($1,$2,$3,$4,now(),now())`, w.ID, w.WorkItemID, w.Status, w.Iteration)
	return translateErr(err)
}

func (g *PostgresGateway) GetWorker(ctx context.Context, id string) (*types.Worker, error) {
	var w types.Worker
	err := g.db.GetContext(ctx, &w, `SELECT `+workerColumns+` FROM workers WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("worker")
	}
	if err != nil {
		return nil, translateErr(err)
	}
	return &w, nil
}

func (g *PostgresGateway) GetActiveWorkerForWorkItem(ctx context.Context, workItemID string) (*types.Worker, error) {
	var w types.Worker
	err := g.db.GetContext(ctx, &w, `SELECT `+workerColumns+`
		FROM workers WHERE work_item_id=$1 AND status IN ('starting','running')
		ORDER BY started_at DESC LIMIT 1`, workItemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translateErr(err)
	}
	return &w, nil
}

func (g *PostgresGateway) UpdateWorkerStatus(ctx context.Context, id string, status types.WorkerStatus) error {
	res, err := g.db.ExecContext(ctx, `
		UPDATE workers SET status=$2 WHERE id=$1 AND status IN ('starting','running')`, id, status)
	if err != nil {
		return translateErr(err)
	}
	return noRowsToInvalidState(res, "worker is not active")
}

func (g *PostgresGateway) UpdateWorkerHeartbeat(ctx context.Context, id string, iteration int) error {
	res, err := g.db.ExecContext(ctx, `
		UPDATE workers SET last_heartbeat=now(), status='running', iteration=$2
		WHERE id=$1 AND status IN ('starting','running')`, id, iteration)
	if err != nil {
		return translateErr(err)
	}
	return noRowsToInvalidState(res, "worker is not active")
}

func (g *PostgresGateway) SetWorkerContainerID(ctx context.Context, id, containerID string) error {
	_, err := g.db.ExecContext(ctx, `UPDATE workers SET container_id=$2 WHERE id=$1`, id, containerID)
	return translateErr(err)
}

func (g *PostgresGateway) CompleteWorker(ctx context.Context, id string) error {
	res, err := g.db.ExecContext(ctx, `
		UPDATE workers SET status='completed', completed_at=now()
		WHERE id=$1 AND status IN ('starting','running')`, id)
	if err != nil {
		return translateErr(err)
	}
	return ignoreAlreadyTerminal(res)
}

func (g *PostgresGateway) FailWorker(ctx context.Context, id, errMsg string) error {
	res, err := g.db.ExecContext(ctx, `
		UPDATE workers SET status='failed', error=$2, completed_at=now()
		WHERE id=$1 AND status IN ('starting','running')`, id, errMsg)
	if err != nil {
		return translateErr(err)
	}
	return ignoreAlreadyTerminal(res)
}

func (g *PostgresGateway) DeleteWorker(ctx context.Context, id string) error {
	_, err := g.db.ExecContext(ctx, `DELETE FROM workers WHERE id=$1`, id)
	return translateErr(err)
}

func (g *PostgresGateway) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	workers := []*types.Worker{}
	err := g.db.SelectContext(ctx, &workers, `SELECT `+workerColumns+` FROM workers ORDER BY started_at DESC`)
	if err != nil {
		return nil, translateErr(err)
	}
	return workers, nil
}

func (g *PostgresGateway) ListStaleWorkers(ctx context.Context, staleThresholdSeconds int) ([]*types.Worker, error) {
	workers := []*types.Worker{}
	err := g.db.SelectContext(ctx, &workers, `SELECT `+workerColumns+`
		FROM workers WHERE status IN ('starting','running')
		AND last_heartbeat < now() - ($1 || ' seconds')::interval`, staleThresholdSeconds)
	if err != nil {
		return nil, translateErr(err)
	}
	return workers, nil
}

func (g *PostgresGateway) CountActiveWorkers(ctx context.Context) (int, error) {
	var n int
	err := g.db.GetContext(ctx, &n, `SELECT count(*) FROM workers WHERE status IN ('starting','running')`)
	if err != nil {
		return 0, translateErr(err)
	}
	return n, nil
}

// AcquireLock attempts a single insert that does nothing on conflict; the
// uniqueness constraint on file_path is the sole arbiter.
func (g *PostgresGateway) AcquireLock(ctx context.Context, workerID, filePath string) (bool, string, error) {
	var insertedID string
	err := g.db.GetContext(ctx, &insertedID, `
		INSERT INTO file_locks (id, worker_id, file_path)
		VALUES ($1,$2,$3)
		ON CONFLICT (file_path) DO NOTHING
		RETURNING id`, uuid.NewString(), workerID, filePath)
	if err == nil {
		return true, workerID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, "", translateErr(err)
	}
	var holder string
	err = g.db.GetContext(ctx, &holder, `SELECT worker_id FROM file_locks WHERE file_path=$1`, filePath)
	if err != nil {
		return false, "", translateErr(err)
	}
	if holder == workerID {
		return true, holder, nil
	}
	return false, holder, nil
}

func (g *PostgresGateway) ReleaseLocks(ctx context.Context, workerID string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	_, err := g.db.ExecContext(ctx, `
		DELETE FROM file_locks WHERE worker_id=$1 AND file_path = ANY($2)`, workerID, paths)
	return translateErr(err)
}

func (g *PostgresGateway) ReleaseAllLocks(ctx context.Context, workerID string) error {
	_, err := g.db.ExecContext(ctx, `DELETE FROM file_locks WHERE worker_id=$1`, workerID)
	return translateErr(err)
}

func (g *PostgresGateway) GetLocksForWorker(ctx context.Context, workerID string) ([]*types.FileLock, error) {
	locks := []*types.FileLock{}
	err := g.db.SelectContext(ctx, &locks, `
		SELECT id, worker_id, file_path, acquired_at FROM file_locks WHERE worker_id=$1`, workerID)
	if err != nil {
		return nil, translateErr(err)
	}
	return locks, nil
}

func (g *PostgresGateway) GetLockHolder(ctx context.Context, path string) (*types.FileLock, error) {
	var lock types.FileLock
	err := g.db.GetContext(ctx, &lock, `
		SELECT id, worker_id, file_path, acquired_at FROM file_locks WHERE file_path=$1`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translateErr(err)
	}
	return &lock, nil
}

func (g *PostgresGateway) AppendWorkerMetric(ctx context.Context, m *types.WorkerMetric) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO worker_metrics (id, worker_id, work_item_id, iteration, tokens_in, tokens_out,
			duration_seconds, files_modified, tests_run, tests_passed, tests_failed, test_status, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now())`,
		m.ID, m.WorkerID, m.WorkItemID, m.Iteration, m.TokensIn, m.TokensOut,
		m.Duration, m.FilesModified, m.TestsRun, m.TestsPassed, m.TestsFailed, m.TestStatus)
	return translateErr(err)
}

func (g *PostgresGateway) AppendLearning(ctx context.Context, l *types.Learning) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO learnings (id, worker_id, work_item_id, repo, spec, content, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())`,
		l.ID, l.WorkerID, l.WorkItemID, l.Repo, l.Spec, l.Content)
	return translateErr(err)
}

func (g *PostgresGateway) ListLearnings(ctx context.Context, repo string) ([]*types.Learning, error) {
	learnings := []*types.Learning{}
	var err error
	if repo == "" {
		err = g.db.SelectContext(ctx, &learnings, `
			SELECT id, worker_id, work_item_id, repo, spec, content, created_at
			FROM learnings ORDER BY created_at DESC`)
	} else {
		err = g.db.SelectContext(ctx, &learnings, `
			SELECT id, worker_id, work_item_id, repo, spec, content, created_at
			FROM learnings WHERE repo=$1 ORDER BY created_at DESC`, repo)
	}
	if err != nil {
		return nil, translateErr(err)
	}
	return learnings, nil
}

func (g *PostgresGateway) AggregateFactoryMetrics(ctx context.Context) (*types.FactoryMetrics, error) {
	fm := &types.FactoryMetrics{}
	err := g.db.GetContext(ctx, fm, `
		SELECT
			(SELECT count(*) FROM workers WHERE status IN ('starting','running'))       AS active_workers,
			(SELECT count(*) FROM work_items WHERE status='queued')                     AS queued_items,
			(SELECT count(*) FROM work_items WHERE status='completed'
				AND completed_at >= date_trunc('day', now()))                           AS completed_today,
			(SELECT count(*) FROM work_items WHERE status='failed'
				AND completed_at >= date_trunc('day', now()))                           AS failed_today,
			(SELECT coalesce(sum(iteration),0) FROM worker_metrics
				WHERE timestamp >= date_trunc('day', now()))                            AS iterations_today,
			(SELECT coalesce(avg(extract(epoch FROM (completed_at - created_at))),0)
				FROM work_items WHERE status='completed')                               AS avg_completion_time,
			(SELECT CASE WHEN count(*) = 0 THEN 0
				ELSE count(*) FILTER (WHERE status='completed')::float8 / count(*) END
				FROM work_items WHERE status IN ('completed','failed'))                 AS success_rate
	`)
	if err != nil {
		return nil, translateErr(err)
	}
	return fm, nil
}

func noRowsToInvalidState(res sql.Result, msg string) error {
	n, _ := res.RowsAffected()
	if n == 0 {
		return apierr.InvalidState(msg)
	}
	return nil
}

// ignoreAlreadyTerminal makes terminal transitions idempotent under retry: a
// second complete/fail call on an already-terminal worker is a silent no-op.
func ignoreAlreadyTerminal(res sql.Result) error {
	_, _ = res.RowsAffected()
	return nil
}

