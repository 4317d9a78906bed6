package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/forge/pkg/storage/storagetest"
	"github.com/cuemby/forge/pkg/types"
)

func TestAddDefaultsAndPendingGeneration(t *testing.T) {
	ctx := context.Background()
	m := NewManager(storagetest.New())

	t.Run("spec present goes straight to queued", func(t *testing.T) {
		item, err := m.Add(ctx, AddRequest{Repo: "o/r", Spec: "do X"})
		require.NoError(t, err)
		assert.Equal(t, types.WorkItemQueued, item.Status)
		assert.Equal(t, types.PriorityMedium, item.Priority)
		assert.Equal(t, 10, item.MaxIterations)
	})

	t.Run("description only defers to pending_generation", func(t *testing.T) {
		item, err := m.Add(ctx, AddRequest{Repo: "o/r", Description: "add a feature"})
		require.NoError(t, err)
		assert.Equal(t, types.WorkItemPendingGeneration, item.Status)
	})

	t.Run("missing repo is a validation error", func(t *testing.T) {
		_, err := m.Add(ctx, AddRequest{Spec: "do X"})
		assert.Error(t, err)
	})
}

func TestUpdateSpecHandoff(t *testing.T) {
	ctx := context.Background()
	m := NewManager(storagetest.New())
	item, err := m.Add(ctx, AddRequest{Repo: "o/r", Description: "add a feature"})
	require.NoError(t, err)

	require.NoError(t, m.UpdateSpec(ctx, item.ID, "generated spec", "feature-branch"))

	got, err := m.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemQueued, got.Status)
	assert.Equal(t, "generated spec", got.Spec)
	assert.Equal(t, "feature-branch", got.Branch)
}

func TestCancelOnlyFromQueued(t *testing.T) {
	ctx := context.Background()
	m := NewManager(storagetest.New())
	item, err := m.Add(ctx, AddRequest{Repo: "o/r", Spec: "do X"})
	require.NoError(t, err)

	ok, err := m.Cancel(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, _ := m.Get(ctx, item.ID)
	assert.Equal(t, types.WorkItemCancelled, got.Status)

	_, err = m.Cancel(ctx, item.ID)
	assert.Error(t, err)
}

func TestGetNextOrdersByPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	m := NewManager(storagetest.New())

	low, err := m.Add(ctx, AddRequest{Repo: "o/r", Spec: "low", Priority: types.PriorityLow})
	require.NoError(t, err)
	critical, err := m.Add(ctx, AddRequest{Repo: "o/r", Spec: "critical", Priority: types.PriorityCritical})
	require.NoError(t, err)

	next, err := m.GetNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, critical.ID, next.ID)
	assert.Equal(t, types.WorkItemAssigned, next.Status)

	next2, err := m.GetNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, next2)
	assert.Equal(t, low.ID, next2.ID)

	next3, err := m.GetNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, next3)
}

func TestRequeueSetsBackoff(t *testing.T) {
	ctx := context.Background()
	m := NewManager(storagetest.New())
	item, err := m.Add(ctx, AddRequest{Repo: "o/r", Spec: "do X"})
	require.NoError(t, err)
	_, err = m.GetNext(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Requeue(ctx, item.ID, 0))

	got, err := m.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.NotNil(t, got.NextRetryAt)
}

func TestBackoffCapsAtThirtyMinutes(t *testing.T) {
	assert.Equal(t, 60*time.Second, backoff(0))
	assert.Equal(t, 30*time.Minute, backoff(20))
	assert.Equal(t, 30*time.Minute, backoff(63))
}
