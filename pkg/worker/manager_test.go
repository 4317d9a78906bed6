package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/forge/pkg/locks"
	"github.com/cuemby/forge/pkg/queue"
	"github.com/cuemby/forge/pkg/storage/storagetest"
	"github.com/cuemby/forge/pkg/types"
)

// newTestManagerDeps wires a worker manager over the fake gateway with a
// nil sandbox runtime; tests that don't reach Spawn/Kill never dereference it.
func newTestManagerDeps(t *testing.T) (*Manager, *storagetest.Fake, *queue.Manager) {
	t.Helper()
	gw := storagetest.New()
	lockSvc := locks.NewService(gw)
	q := queue.NewManager(gw)
	mgr := NewManager(gw, nil, lockSvc, nil, q, Config{StaleThresholdSeconds: 60})
	return mgr, gw, q
}

func TestRegisterReusesActiveWorker(t *testing.T) {
	ctx := context.Background()
	mgr, gw, q := newTestManagerDeps(t)

	item, err := q.Add(ctx, queue.AddRequest{Repo: "o/r", Spec: "do X"})
	require.NoError(t, err)
	dispatched, err := q.GetNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, dispatched)

	require.NoError(t, gw.CreateWorker(ctx, &types.Worker{
		ID: "w1", WorkItemID: item.ID, Status: types.WorkerStarting,
	}))

	result, err := mgr.Register(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "w1", result.WorkerID)

	w, err := gw.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerRunning, w.Status)
}

func TestRegisterNotFoundWithoutActiveWorker(t *testing.T) {
	ctx := context.Background()
	mgr, _, q := newTestManagerDeps(t)
	item, err := q.Add(ctx, queue.AddRequest{Repo: "o/r", Spec: "do X"})
	require.NoError(t, err)

	_, err = mgr.Register(ctx, item.ID)
	assert.Error(t, err)
}

func TestCompleteReleasesLocksAndClosesWorkItem(t *testing.T) {
	ctx := context.Background()
	mgr, gw, q := newTestManagerDeps(t)

	item, err := q.Add(ctx, queue.AddRequest{Repo: "o/r", Spec: "do X"})
	require.NoError(t, err)
	_, err = q.GetNext(ctx)
	require.NoError(t, err)
	require.NoError(t, gw.CreateWorker(ctx, &types.Worker{ID: "w1", WorkItemID: item.ID, Status: types.WorkerRunning}))

	_, err = mgr.LockFiles(ctx, "w1", []string{"a.go"})
	require.NoError(t, err)

	prURL := "https://example.com/pr/1"
	require.NoError(t, mgr.Complete(ctx, "w1", CompletePayload{PRUrl: &prURL}))

	w, err := gw.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerCompleted, w.Status)

	gotItem, err := gw.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemCompleted, gotItem.Status)
	assert.Equal(t, &prURL, gotItem.PRUrl)

	remaining, err := gw.GetLocksForWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestCompleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mgr, gw, q := newTestManagerDeps(t)
	item, err := q.Add(ctx, queue.AddRequest{Repo: "o/r", Spec: "do X"})
	require.NoError(t, err)
	_, err = q.GetNext(ctx)
	require.NoError(t, err)
	require.NoError(t, gw.CreateWorker(ctx, &types.Worker{ID: "w1", WorkItemID: item.ID, Status: types.WorkerRunning}))

	require.NoError(t, mgr.Complete(ctx, "w1", CompletePayload{}))
	require.NoError(t, mgr.Complete(ctx, "w1", CompletePayload{}))

	gotItem, err := gw.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemCompleted, gotItem.Status)
}

func TestCompleteStoresVerdictInMetadataForVerificationMode(t *testing.T) {
	ctx := context.Background()
	mgr, gw, q := newTestManagerDeps(t)

	item, err := q.Add(ctx, queue.AddRequest{Repo: "o/r", Spec: "verify X", Type: types.WorkItemVerification})
	require.NoError(t, err)
	_, err = q.GetNext(ctx)
	require.NoError(t, err)
	require.NoError(t, gw.CreateWorker(ctx, &types.Worker{ID: "w1", WorkItemID: item.ID, Status: types.WorkerRunning}))

	prURL := "https://example.com/pr/1"
	verdict := json.RawMessage(`{"passed":true}`)
	require.NoError(t, mgr.Complete(ctx, "w1", CompletePayload{PRUrl: &prURL, Verdict: verdict}))

	gotItem, err := gw.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemCompleted, gotItem.Status)
	assert.Nil(t, gotItem.PRUrl)
	assert.JSONEq(t, string(verdict), string(gotItem.Metadata))
}

func TestFailRequeuesWhenRetriesRemain(t *testing.T) {
	ctx := context.Background()
	mgr, gw, q := newTestManagerDeps(t)
	item, err := q.Add(ctx, queue.AddRequest{Repo: "o/r", Spec: "do X"})
	require.NoError(t, err)
	_, err = q.GetNext(ctx)
	require.NoError(t, err)
	require.NoError(t, gw.CreateWorker(ctx, &types.Worker{ID: "w1", WorkItemID: item.ID, Status: types.WorkerRunning}))

	require.NoError(t, mgr.Fail(ctx, "w1", "boom", 1))

	gotItem, err := gw.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemQueued, gotItem.Status)
	assert.Equal(t, 1, gotItem.RetryCount)
}

func TestFailGivesUpWhenRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	mgr, gw, q := newTestManagerDeps(t)
	item, err := q.Add(ctx, queue.AddRequest{Repo: "o/r", Spec: "do X"})
	require.NoError(t, err)

	// maxRetries defaults to 3: fail three times to exhaust retries, each
	// time re-dispatching and re-registering a fresh worker as the
	// supervisory loop would.
	for i := 0; i < 3; i++ {
		dispatched, err := q.GetNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, dispatched)
		workerID := "w" + string(rune('1'+i))
		require.NoError(t, gw.CreateWorker(ctx, &types.Worker{ID: workerID, WorkItemID: item.ID, Status: types.WorkerRunning}))
		require.NoError(t, mgr.Fail(ctx, workerID, "boom", 1))

		gotItem, err := gw.GetWorkItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, types.WorkItemQueued, gotItem.Status, "attempt %d should still have retries left", i)

		// Let the retry backoff elapse so the next GetNext can dispatch it.
		past := time.Now().UTC().Add(-time.Second)
		gotItem.NextRetryAt = &past
		require.NoError(t, gw.CreateWorkItem(ctx, gotItem))
	}

	_, err = q.GetNext(ctx)
	require.NoError(t, err)
	require.NoError(t, gw.CreateWorker(ctx, &types.Worker{ID: "w4", WorkItemID: item.ID, Status: types.WorkerRunning}))
	require.NoError(t, mgr.Fail(ctx, "w4", "boom", 1))

	gotItem, err := gw.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemFailed, gotItem.Status)
}
