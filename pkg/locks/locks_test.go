package locks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/forge/pkg/storage/storagetest"
)

func TestAcquireContentionSplitsAcquiredAndBlocked(t *testing.T) {
	ctx := context.Background()
	svc := NewService(storagetest.New())

	r1, err := svc.Acquire(ctx, "w1", []string{"a", "b"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, r1.Acquired)
	assert.Empty(t, r1.Blocked)

	r2, err := svc.Acquire(ctx, "w2", []string{"b", "c"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c"}, r2.Acquired)
	assert.ElementsMatch(t, []string{"b"}, r2.Blocked)
}

func TestReacquisitionBySameWorkerIsNoop(t *testing.T) {
	ctx := context.Background()
	svc := NewService(storagetest.New())

	first, err := svc.Acquire(ctx, "w1", []string{"a"})
	require.NoError(t, err)
	second, err := svc.Acquire(ctx, "w1", []string{"a"})
	require.NoError(t, err)

	assert.Equal(t, first.Acquired, second.Acquired)
	assert.Empty(t, second.Blocked)
}

func TestReleaseIsNoopForPathsNotOwned(t *testing.T) {
	ctx := context.Background()
	gw := storagetest.New()
	svc := NewService(gw)

	_, err := svc.Acquire(ctx, "w1", []string{"a"})
	require.NoError(t, err)

	require.NoError(t, svc.Release(ctx, "w2", []string{"a"}))

	holder, err := svc.Holder(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "w1", holder.WorkerID)
}

func TestReleaseAllClearsOnlyThatWorker(t *testing.T) {
	ctx := context.Background()
	svc := NewService(storagetest.New())

	_, err := svc.Acquire(ctx, "w1", []string{"a", "b"})
	require.NoError(t, err)
	_, err = svc.Acquire(ctx, "w2", []string{"c"})
	require.NoError(t, err)

	require.NoError(t, svc.ReleaseAll(ctx, "w1"))

	locksW1, err := svc.ForWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, locksW1)

	locksW2, err := svc.ForWorker(ctx, "w2")
	require.NoError(t, err)
	assert.Len(t, locksW2, 1)
}
