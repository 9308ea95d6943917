package resource

import (
	"testing"

	"github.com/ValentinKolb/dPrim/lib/replica"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	cl := newCluster(t, replica.Config{Partitions: 1, Replicas: 3})
	c := newCoordinator(t, cl)
	ctx := testContext(t)

	s, err := GetSet[int](c, "s", Options{})
	require.NoError(t, err)

	for _, v := range []int{3, 1, 2} {
		added, err := s.Add(ctx, v).Await(ctx)
		require.NoError(t, err)
		assert.True(t, added)
	}
	added, err := s.Add(ctx, 1).Await(ctx)
	require.NoError(t, err)
	assert.False(t, added)

	ok, err := s.Contains(ctx, 2).Await(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	items, err := s.Items(ctx).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, items)

	removed, err := s.Remove(ctx, 2).Await(ctx)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.Remove(ctx, 2).Await(ctx)
	require.NoError(t, err)
	assert.False(t, removed)

	size, err := s.Size(ctx).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	changed, err := s.Clear(ctx).Await(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	empty, err := s.IsEmpty(ctx).Await(ctx)
	require.NoError(t, err)
	assert.True(t, empty)
}
