package resource

import (
	"testing"

	"github.com/ValentinKolb/dPrim/lib/replica"
	"github.com/ValentinKolb/dPrim/lib/rsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyEventLogTrim(t *testing.T) {
	var s eventLogState
	for _, v := range []string{"a", "b", "c", "d"} {
		var err error
		s, _, err = applyEventLog(s, eventLogCommand{Op: eventLogAppend, Value: []byte(v)}, rsm.Meta{})
		require.NoError(t, err)
	}

	s, r, err := applyEventLog(s, eventLogCommand{Op: eventLogTrim, Offset: 2}, rsm.Meta{})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Size)
	assert.EqualValues(t, 2, s.First)

	// trimming below the first offset is a no-op
	s, r, err = applyEventLog(s, eventLogCommand{Op: eventLogTrim, Offset: 1}, rsm.Meta{})
	require.NoError(t, err)
	assert.Zero(t, r.Size)

	// trimming past the end drops everything but keeps the offsets
	s, r, err = applyEventLog(s, eventLogCommand{Op: eventLogTrim, Offset: 10}, rsm.Meta{})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Size)
	assert.EqualValues(t, 4, s.next())

	_, r, err = applyEventLog(s, eventLogCommand{Op: eventLogAppend, Value: []byte("e")}, rsm.Meta{})
	require.NoError(t, err)
	assert.EqualValues(t, 4, r.Offset)
}

func TestEventLog(t *testing.T) {
	cl := newCluster(t, replica.Config{Partitions: 1, Replicas: 3})
	c := newCoordinator(t, cl)
	ctx := testContext(t)

	l, err := GetEventLog[string](c, "events", Options{PipelineDepth: 8})
	require.NoError(t, err)

	for i, e := range []string{"created", "paid", "shipped"} {
		off, err := l.Append(ctx, e).Await(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, i, off)
	}

	recs, err := l.Range(ctx, 1, 0).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Record[string]{{1, "paid"}, {2, "shipped"}}, recs)

	recs, err = l.Range(ctx, 0, 1).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Record[string]{{0, "created"}}, recs)

	n, err := l.Trim(ctx, 1).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	first, err := l.Get(ctx, 0).Await(ctx)
	require.NoError(t, err)
	assert.False(t, first.Present)
	second, err := l.Get(ctx, 1).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, Optional[string]{Value: "paid", Present: true}, second)

	size, err := l.Len(ctx).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	recs, err = l.Range(ctx, 0, 0).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Record[string]{{1, "paid"}, {2, "shipped"}}, recs)

	recs, err = l.Range(ctx, 5, 0).Await(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
