package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/forge/pkg/locks"
	"github.com/cuemby/forge/pkg/metrics"
	"github.com/cuemby/forge/pkg/queue"
	"github.com/cuemby/forge/pkg/ratelimit"
	"github.com/cuemby/forge/pkg/storage/storagetest"
	"github.com/cuemby/forge/pkg/types"
	"github.com/cuemby/forge/pkg/worker"
)

func newTestServer(t *testing.T) (*Server, *storagetest.Fake, *queue.Manager, *worker.Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	gw := storagetest.New()
	q := queue.NewManager(gw)
	lockSvc := locks.NewService(gw)
	limiter := ratelimit.NewLimiter(gw, rdb, ratelimit.Config{MaxWorkers: 5, DailyBudget: 1000})
	workerMgr := worker.NewManager(gw, nil, lockSvc, limiter, q, worker.Config{StaleThresholdSeconds: 60})
	agg := metrics.NewAggregator(gw, limiter, 1000)

	s := NewServer(Deps{
		Queue:   q,
		Workers: workerMgr,
		Locks:   lockSvc,
		Limiter: limiter,
		Metrics: agg,
		Gateway: gw,
	})
	return s, gw, q, workerMgr
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestAddWorkCreatesQueuedItem(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/work", addWorkRequest{
		Repo: "o/r",
		Spec: "do the thing",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var item types.WorkItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(t, types.WorkItemQueued, item.Status)
	assert.Equal(t, "o/r", item.Repo)
}

func TestAddWorkRejectsMissingRepo(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/work", addWorkRequest{Spec: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "VALIDATION_ERROR", string(env.Code))
}

func TestGetWorkNotFound(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/work/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelWorkItem(t *testing.T) {
	s, _, q, _ := newTestServer(t)
	ctx := context.Background()
	item, err := q.Add(ctx, queue.AddRequest{Repo: "o/r", Spec: "x"})
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodPost, "/api/work/"+item.ID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	got, err := q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemCancelled, got.Status)
}

func TestWorkerLifecycleThroughAPI(t *testing.T) {
	s, gw, q, _ := newTestServer(t)
	ctx := context.Background()

	item, err := q.Add(ctx, queue.AddRequest{Repo: "o/r", Spec: "x"})
	require.NoError(t, err)
	_, err = q.GetNext(ctx)
	require.NoError(t, err)

	require.NoError(t, gw.CreateWorker(ctx, &types.Worker{
		ID:         "w-1",
		WorkItemID: item.ID,
		Status:     types.WorkerStarting,
	}))

	rec := doRequest(t, s, http.MethodPost, "/api/worker/register", registerWorkerRequest{WorkItemID: item.ID})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/worker/w-1/heartbeat", heartbeatRequest{Iteration: 1})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/worker/w-1/lock", lockRequest{Files: []string{"a.go"}})
	require.Equal(t, http.StatusOK, rec.Code)
	var lockResp map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lockResp))
	assert.Equal(t, []string{"a.go"}, lockResp["acquired"])

	rec = doRequest(t, s, http.MethodPost, "/api/worker/w-1/complete", completeRequest{})
	assert.Equal(t, http.StatusOK, rec.Code)

	got, err := gw.GetWorker(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerCompleted, got.Status)
}

func TestWorkerFailRequeuesWhenRetriesRemain(t *testing.T) {
	s, gw, q, _ := newTestServer(t)
	ctx := context.Background()

	item, err := q.Add(ctx, queue.AddRequest{Repo: "o/r", Spec: "x", MaxIterations: 5})
	require.NoError(t, err)
	_, err = q.GetNext(ctx)
	require.NoError(t, err)

	require.NoError(t, gw.CreateWorker(ctx, &types.Worker{
		ID:         "w-2",
		WorkItemID: item.ID,
		Status:     types.WorkerRunning,
	}))

	rec := doRequest(t, s, http.MethodPost, "/api/worker/w-2/fail", failRequest{Error: "boom", Iteration: 1})
	assert.Equal(t, http.StatusOK, rec.Code)

	got, err := q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemQueued, got.Status)
}

func TestListWorkersAndQueue(t *testing.T) {
	s, gw, q, _ := newTestServer(t)
	ctx := context.Background()
	item, err := q.Add(ctx, queue.AddRequest{Repo: "o/r", Spec: "x"})
	require.NoError(t, err)
	require.NoError(t, gw.CreateWorker(ctx, &types.Worker{ID: "w-3", WorkItemID: item.ID, Status: types.WorkerRunning}))

	rec := doRequest(t, s, http.MethodGet, "/api/workers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var workers []types.Worker
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &workers))
	assert.Len(t, workers, 1)

	rec = doRequest(t, s, http.MethodGet, "/api/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusEndpointReturnsFleetHealth(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	metrics.RegisterComponent("postgres", true, "")
	metrics.RegisterComponent("redis", true, "")

	rec := doRequest(t, s, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var status metrics.FleetStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
}

func TestMetricsEndpointReturnsFactoryMetrics(t *testing.T) {
	s, _, q, _ := newTestServer(t)
	ctx := context.Background()
	_, err := q.Add(ctx, queue.AddRequest{Repo: "o/r", Spec: "x"})
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var fm types.FactoryMetrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fm))
	assert.Equal(t, 1, fm.QueuedItems)
	assert.Equal(t, int64(1000), fm.DailyBudget)
}

func TestListLearningsRequiresRepo(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/learnings", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
