package resource

import (
	"context"
	"testing"
	"time"

	"github.com/ValentinKolb/dPrim/lib/replica"
	"github.com/ValentinKolb/dPrim/lib/rsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyElection(t *testing.T) {
	var s electionState
	at := func(ms int64) rsm.Meta { return rsm.Meta{Time: time.UnixMilli(ms)} }

	s, r, err := applyElection(s, electionCommand{Op: electionJoin, Candidate: "a", Lease: 100}, at(1000))
	require.NoError(t, err)
	assert.Equal(t, electionResult{Leader: "a", Epoch: 1, Expires: 1100}, r)

	s, r, err = applyElection(s, electionCommand{Op: electionJoin, Candidate: "b", Lease: 100}, at(1050))
	require.NoError(t, err)
	assert.Equal(t, "a", r.Leader)

	// renewal keeps the epoch
	s, r, err = applyElection(s, electionCommand{Op: electionJoin, Candidate: "a", Lease: 100}, at(1080))
	require.NoError(t, err)
	assert.Equal(t, electionResult{Leader: "a", Epoch: 1, Expires: 1180}, r)

	r, err = queryElection(s, electionCommand{Op: electionLeader}, at(1180))
	require.NoError(t, err)
	assert.Empty(t, r.Leader)

	s, r, err = applyElection(s, electionCommand{Op: electionJoin, Candidate: "b", Lease: 100}, at(1200))
	require.NoError(t, err)
	assert.Equal(t, electionResult{Leader: "b", Epoch: 2, Expires: 1300}, r)

	s, r, err = applyElection(s, electionCommand{Op: electionResign, Candidate: "a"}, at(1210))
	require.NoError(t, err)
	assert.False(t, r.Resigned)
	_, r, err = applyElection(s, electionCommand{Op: electionResign, Candidate: "b"}, at(1220))
	require.NoError(t, err)
	assert.True(t, r.Resigned)
	assert.Empty(t, r.Leader)

	_, _, err = applyElection(s, electionCommand{Op: electionJoin, Candidate: "c"}, at(1230))
	assert.Error(t, err)
}

func TestLeaderElection(t *testing.T) {
	cl := newCluster(t, replica.Config{Partitions: 1, Replicas: 3})
	c1 := newCoordinator(t, shared{cl})
	c2 := newCoordinator(t, shared{cl})
	ctx := testContext(t)

	opts := Options{Lease: 300 * time.Millisecond}
	e1, err := GetLeaderElection(c1, "leader", opts)
	require.NoError(t, err)
	e2, err := GetLeaderElection(c2, "leader", opts)
	require.NoError(t, err)

	lost := make(chan Leadership, 1)
	e1.OnLoss(func(l Leadership) { lost <- l })

	elected, err := e1.Run(ctx).Await(ctx)
	require.NoError(t, err)
	assert.True(t, elected)
	assert.True(t, e1.IsLeader())
	assert.Same(t, e1.Run(ctx), e1.Run(ctx))

	second := e2.Run(ctx)
	// longer than the lease, e1 keeps renewing
	time.Sleep(500 * time.Millisecond)
	assert.False(t, second.IsDone())
	assert.False(t, e2.IsLeader())

	leader, err := e2.Leader(ctx).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, Leadership{ID: e1.ID(), Epoch: 1}, leader)

	resigned, err := e1.Resign(ctx).Await(ctx)
	require.NoError(t, err)
	assert.True(t, resigned)

	select {
	case l := <-lost:
		assert.Equal(t, Leadership{ID: e1.ID(), Epoch: 1}, l)
	case <-ctx.Done():
		t.Fatal("loss callback did not run")
	}

	elected, err = second.Await(ctx)
	require.NoError(t, err)
	assert.True(t, elected)

	leader, err = e1.Leader(ctx).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, Leadership{ID: e2.ID(), Epoch: 2}, leader)
	assert.False(t, e1.IsLeader())
}

func TestLeaderElectionCloseHandsOver(t *testing.T) {
	cl := newCluster(t, replica.Config{Partitions: 1, Replicas: 1})
	c1 := newCoordinator(t, shared{cl})
	c2 := newCoordinator(t, shared{cl})
	ctx := testContext(t)

	opts := Options{Lease: 150 * time.Millisecond}
	e1, err := GetLeaderElection(c1, "leader", opts)
	require.NoError(t, err)
	e2, err := GetLeaderElection(c2, "leader", opts)
	require.NoError(t, err)

	_, err = e1.Run(ctx).Await(ctx)
	require.NoError(t, err)
	second := e2.Run(ctx)

	// without resigning the lease runs out
	require.NoError(t, e1.Close())
	elected, err := second.Await(ctx)
	require.NoError(t, err)
	assert.True(t, elected)
}

func TestLeaderElectionRunTimeout(t *testing.T) {
	cl := newCluster(t, replica.Config{Partitions: 1, Replicas: 1})
	c1 := newCoordinator(t, shared{cl})
	c2 := newCoordinator(t, shared{cl})
	ctx := testContext(t)

	e1, err := GetLeaderElection(c1, "leader", Options{})
	require.NoError(t, err)
	e2, err := GetLeaderElection(c2, "leader", Options{})
	require.NoError(t, err)

	_, err = e1.Run(ctx).Await(ctx)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = e2.Run(short).Get()
	assert.Error(t, err)

	// the abandoned campaign does not take over later
	_, err = e1.Resign(ctx).Await(ctx)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	leader, err := e2.Leader(ctx).Await(ctx)
	require.NoError(t, err)
	assert.Empty(t, leader.ID)
}
