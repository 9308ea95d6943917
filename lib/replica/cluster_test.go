package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dPrim/lib/exec"
	"github.com/ValentinKolb/dPrim/lib/partition"
	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/ValentinKolb/dPrim/lib/rsm"
	"github.com/ValentinKolb/dPrim/lib/statelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type registerCmd struct {
	Set   bool
	Value string
}

var registerKind = rsm.Definition[string, registerCmd, string]{
	Name: "register",
	Apply: func(s string, cmd registerCmd, _ rsm.Meta) (string, string, error) {
		return cmd.Value, s, nil
	},
	Query: func(s string, _ registerCmd, _ rsm.Meta) (string, error) {
		return s, nil
	},
}.Kind()

var counterKind = rsm.Definition[int, int, int]{
	Name: "counter",
	Apply: func(s int, delta int, _ rsm.Meta) (int, int, error) {
		return s + delta, s + delta, nil
	},
	Query: func(s int, _ int, _ rsm.Meta) (int, error) {
		return s, nil
	},
}.Kind()

func startCluster(t *testing.T, cfg Config) *Cluster {
	t.Helper()
	cfg.Registry = rsm.NewRegistry(registerKind, counterKind)
	c := NewCluster(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() { _ = c.Stop() })

	// every replica learned the first term
	for pid := 1; pid <= c.Partitions(); pid++ {
		require.NoError(t, c.WaitApplied(ctx, primitive.PartitionID(pid), 1))
	}
	return c
}

func newClient(c *Cluster) *partition.Client {
	return partition.NewClient(c.Transport(), c.Metadata(), partition.ClientConfig{
		MaxAttempts: 200,
		BaseBackoff: 2 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
	})
}

func jsonOf(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// TestPutPutGet is the three node, one partition scenario: two writes and a
// linearizable read that observes the second write.
func TestPutPutGet(t *testing.T) {
	c := startCluster(t, Config{Partitions: 1, Replicas: 3})
	ex := exec.New("client")
	defer ex.Close()

	sl := statelog.New("x", "register", 1, newClient(c), ex, statelog.Config{})
	ctx := context.Background()

	_, err := sl.Commit(ctx, jsonOf(t, registerCmd{Set: true, Value: "1"})).Get()
	require.NoError(t, err)
	_, err = sl.Commit(ctx, jsonOf(t, registerCmd{Set: true, Value: "2"})).Get()
	require.NoError(t, err)

	data, err := sl.Query(ctx, jsonOf(t, registerCmd{}), primitive.Linearizable).Get()
	require.NoError(t, err)
	var got string
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "2", got)

	// the backups converge to the same state
	primary := c.Group(1).Primary()
	require.NotNil(t, primary)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitApplied(waitCtx, 1, primary.Host().Applied()))
	assertConverged(t, c, 1)
}

// TestKillPrimaryMidCommit kills the primary while commands are in flight.
// Every command must be applied exactly once.
func TestKillPrimaryMidCommit(t *testing.T) {
	c := startCluster(t, Config{Partitions: 1, Replicas: 3, AutoFailover: true, Heartbeat: 5 * time.Millisecond})
	client := newClient(c)

	const writers = 4
	const perWriter = 25
	const killAfter = 20

	var (
		wg        sync.WaitGroup
		committed atomic.Int64
		halfway   = make(chan struct{})
		once      sync.Once
		killed    = make(chan struct{})
	)
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ex := exec.New("writer")
			defer ex.Close()
			sl := statelog.New("hits", "counter", 1, client, ex, statelog.Config{Timeout: 10 * time.Second})
			for i := 0; i < perWriter; i++ {
				if _, err := sl.Commit(context.Background(), jsonOf(t, 1)).Get(); err != nil {
					errs <- err
				}
				if committed.Add(1) == killAfter {
					once.Do(func() { close(halfway) })
				}
				// the remaining commands go out after the kill
				if i == killAfter/writers {
					<-killed
				}
			}
		}()
	}

	<-halfway
	old := c.Group(1).Primary()
	require.NotNil(t, old)
	require.NoError(t, c.Kill(old.Node()))
	close(killed)

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("commit failed: %v", err)
	}

	require.Eventually(t, func() bool {
		p, ok := c.Table().Get(1)
		return ok && p.HasPrimary() && p.Primary != old.Node() && p.Term > 1
	}, 5*time.Second, 5*time.Millisecond, "a new primary is elected")

	ex := exec.New("reader")
	defer ex.Close()
	sl := statelog.New("hits", "counter", 1, client, ex, statelog.Config{})
	data, err := sl.Query(context.Background(), jsonOf(t, 0), primitive.Linearizable).Get()
	require.NoError(t, err)
	var total int
	require.NoError(t, json.Unmarshal(data, &total))
	assert.Equal(t, writers*perWriter, total, "every command applied exactly once")

	// the old primary rejoins and catches up
	require.NoError(t, c.Revive(old.Node()))
	primary := c.Group(1).Primary()
	require.NotNil(t, primary)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitApplied(ctx, 1, primary.Host().Applied()))
	assertConverged(t, c, 1)
}

func TestElectionRequiresUpToDateCandidate(t *testing.T) {
	c := startCluster(t, Config{Partitions: 1, Replicas: 3})
	client := newClient(c)
	ctx := context.Background()

	// node 3 misses the write
	require.NoError(t, c.Kill(3))
	_, err := client.Submit(ctx, &partition.Request{
		Partition: 1,
		Op:        partition.OpCommand,
		Data:      (&rsm.Envelope{Op: rsm.OpCommand, Kind: "counter", Resource: "c", Payload: jsonOf(t, 1)}).Serialize(),
	})
	require.NoError(t, err)
	require.NoError(t, c.Kill(1))
	require.NoError(t, c.Revive(3))

	// node 3 is behind node 2 and does not get its vote
	_, err = c.Elect(ctx, 1, 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, primitive.ErrPartitionUnavailable))

	// failover picks node 2, the only up to date live replica
	node, term, err := c.Failover(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, primitive.NodeID(2), node)

	p, _ := c.Table().Get(1)
	assert.Equal(t, term, p.Term)
	assert.Equal(t, primitive.NodeID(2), p.Primary)
}

func TestStaleReplicaRedirects(t *testing.T) {
	c := startCluster(t, Config{Partitions: 1, Replicas: 3})
	ctx := context.Background()

	_, err := c.Elect(ctx, 1, 2)
	require.NoError(t, err)

	// the deposed primary answers with a redirect to the new one
	old := c.Group(1).Replica(1)
	resp := old.Handle(ctx, &partition.Request{Partition: 1, Op: partition.OpCommand, Data: rsm.NoopEntry()})
	assert.Equal(t, primitive.RetCNotLeader, resp.Code)
	assert.Equal(t, primitive.NodeID(2), resp.Leader)
	assert.Equal(t, primitive.Term(2), resp.Term)
}

func TestPartitionsAreSpreadOverNodes(t *testing.T) {
	c := startCluster(t, Config{Partitions: 4, Replicas: 3, Nodes: 5})

	primaries := make(map[primitive.NodeID]bool)
	for pid := primitive.PartitionID(1); pid <= 4; pid++ {
		p, ok := c.Table().Get(pid)
		require.True(t, ok)
		assert.Len(t, p.Backups, 2)
		primaries[p.Primary] = true
	}
	assert.Len(t, primaries, 4)
}

func assertConverged(t *testing.T, c *Cluster, pid primitive.PartitionID) {
	t.Helper()
	var want []byte
	for _, n := range c.Group(pid).Members() {
		if !c.Alive(n) {
			continue
		}
		var buf bytes.Buffer
		require.NoError(t, c.Group(pid).Replica(n).Host().Save(&buf))
		if want == nil {
			want = buf.Bytes()
			continue
		}
		assert.Equal(t, want, buf.Bytes(), "replica on %s diverged", n)
	}
}
