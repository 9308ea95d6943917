package resource

import (
	"context"
	"testing"
	"time"

	"github.com/ValentinKolb/dPrim/lib/coordinator"
	"github.com/ValentinKolb/dPrim/lib/partition"
	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/ValentinKolb/dPrim/lib/replica"
	"github.com/ValentinKolb/dPrim/lib/rsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var counterKind = rsm.Definition[int, int, int]{
	Name: "counter",
	Apply: func(s, delta int, _ rsm.Meta) (int, int, error) {
		return s + delta, s + delta, nil
	},
	Query: func(s, _ int, _ rsm.Meta) (int, error) {
		return s, nil
	},
}

// shared lets several coordinators use one cluster; only the test stops it
type shared struct {
	*replica.Cluster
}

func (shared) Stop() error { return nil }

func newCluster(t *testing.T, cfg replica.Config) *replica.Cluster {
	t.Helper()
	cfg.Registry = Kinds(counterKind.Kind())
	c := replica.NewCluster(cfg)
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func newCoordinator(t *testing.T, backend coordinator.IBackend) *coordinator.Coordinator {
	t.Helper()
	c, err := coordinator.New(coordinator.Config{
		Backend: backend,
		Client: partition.ClientConfig{
			MaxAttempts: 200,
			BaseBackoff: 2 * time.Millisecond,
			MaxBackoff:  20 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	_, err = c.Open().Await(testContext(t))
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = c.Close().Get() })
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestOperationsAfterClose(t *testing.T) {
	cl := newCluster(t, replica.Config{Partitions: 2, Replicas: 3})
	c := newCoordinator(t, shared{cl})
	ctx := testContext(t)

	m, err := GetMap[string, int](c, "m", Options{})
	require.NoError(t, err)
	_, err = m.Put(ctx, "a", 1).Await(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	_, err = m.Get(ctx, "a").Await(ctx)
	assert.ErrorIs(t, err, primitive.ErrClosed)

	// a new instance sees the committed state
	m2, err := GetMap[string, int](c, "m", Options{})
	require.NoError(t, err)
	assert.NotSame(t, m, m2)
	v, err := m2.Get(ctx, "a").Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, Optional[int]{Value: 1, Present: true}, v)

	_, err = c.Close().Await(ctx)
	require.NoError(t, err)
	_, err = m2.Put(ctx, "b", 2).Await(ctx)
	assert.ErrorIs(t, err, primitive.ErrCoordinatorClosed)

	_, err = GetMap[string, int](c, "other", Options{})
	assert.ErrorIs(t, err, primitive.ErrCoordinatorClosed)
}

func TestResourceKindMismatch(t *testing.T) {
	cl := newCluster(t, replica.Config{Partitions: 1, Replicas: 1})
	c := newCoordinator(t, cl)

	_, err := GetMap[string, int](c, "x", Options{})
	require.NoError(t, err)
	_, err = GetSet[string](c, "x", Options{})
	assert.ErrorIs(t, err, primitive.ErrInvalidOperation)
}

func TestResourcesAreSpreadOverPartitions(t *testing.T) {
	cl := newCluster(t, replica.Config{Partitions: 4, Replicas: 3})
	c := newCoordinator(t, cl)
	ctx := testContext(t)

	seen := make(map[primitive.PartitionID]bool)
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		l, err := GetList[string](c, name, Options{})
		require.NoError(t, err)
		assert.Equal(t, c.Partition(name), l.Partition())
		seen[l.Partition()] = true

		idx, err := l.Add(ctx, name).Await(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, idx)
	}
	assert.Greater(t, len(seen), 1)
}

func TestStateMachine(t *testing.T) {
	cl := newCluster(t, replica.Config{Partitions: 1, Replicas: 3})
	c := newCoordinator(t, cl)
	ctx := testContext(t)

	sm, err := GetStateMachine(c, "hits", counterKind, Options{PipelineDepth: 4})
	require.NoError(t, err)
	assert.Equal(t, "counter", sm.Kind())

	var last int
	for i := 1; i <= 20; i++ {
		last, err = sm.Submit(ctx, 1).Await(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 20, last)

	n, err := sm.Query(ctx, 0).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	seq, err := GetStateMachine(c, "hits-seq", counterKind, Options{Consistency: primitive.Sequential})
	require.NoError(t, err)
	_, err = seq.Submit(ctx, 5).Await(ctx)
	require.NoError(t, err)
	// backups catch up asynchronously
	assert.Eventually(t, func() bool {
		n, err := seq.Query(ctx, 0).Await(ctx)
		return err == nil && n == 5
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGobCodec(t *testing.T) {
	cl := newCluster(t, replica.Config{Partitions: 1, Replicas: 1})
	c := newCoordinator(t, cl)
	ctx := testContext(t)

	type point struct{ X, Y int }
	m, err := GetMap[string, point](c, "points", Options{Codec: rsm.CodecGob})
	require.NoError(t, err)
	_, err = m.Put(ctx, "p", point{1, 2}).Await(ctx)
	require.NoError(t, err)
	v, err := m.Get(ctx, "p").Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, point{1, 2}, v.Value)
}
