package raftengine

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ValentinKolb/dPrim/lib/exec"
	"github.com/ValentinKolb/dPrim/lib/future"
	"github.com/ValentinKolb/dPrim/lib/partition"
	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/ValentinKolb/dPrim/lib/rsm"
	"github.com/ValentinKolb/dPrim/lib/statelog"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var counterKind = rsm.Definition[int, int, int]{
	Name: "counter",
	Apply: func(s int, delta int, _ rsm.Meta) (int, int, error) {
		return s + delta, s + delta, nil
	},
	Query: func(s int, _ int, _ rsm.Meta) (int, error) {
		return s, nil
	},
}.Kind()

func envelope(t *testing.T, op rsm.Op, delta int) []byte {
	t.Helper()
	payload, err := json.Marshal(delta)
	require.NoError(t, err)
	return (&rsm.Envelope{Op: op, Kind: "counter", Resource: "c", Payload: payload}).Serialize()
}

func newTestStateMachine(hosts *hostSet) sm.IConcurrentStateMachine {
	return newStateMachineFactory(rsm.NewRegistry(counterKind), rsm.HostConfig{}, hosts)(1, 1)
}

func TestResultEncoding(t *testing.T) {
	code, idx := decodeResult(encodeResult(primitive.RetCInvalidOperation, 1<<40))
	assert.Equal(t, primitive.RetCInvalidOperation, code)
	assert.Equal(t, primitive.Index(1<<40), idx)
}

func TestStateMachineUpdateAndLookup(t *testing.T) {
	hosts := xsync.NewMapOf[uint64, *rsm.Host]()
	fsm := newTestStateMachine(hosts)

	// index 2 is a raft internal entry that never reaches the state machine
	out, err := fsm.Update([]sm.Entry{
		{Index: 1, Cmd: rsm.NoopEntry()},
		{Index: 3, Cmd: envelope(t, rsm.OpCommand, 2)},
		{Index: 4, Cmd: envelope(t, rsm.OpCommand, 3)},
	})
	require.NoError(t, err)
	require.Len(t, out, 3)

	code, idx := decodeResult(out[2].Result.Value)
	assert.Equal(t, primitive.RetCSuccess, code)
	assert.Equal(t, primitive.Index(4), idx)
	assert.JSONEq(t, "5", string(out[2].Result.Data))

	v, err := fsm.Lookup(envelope(t, rsm.OpQuery, 0))
	require.NoError(t, err)
	res, ok := v.(rsm.Result)
	require.True(t, ok)
	assert.Equal(t, primitive.RetCSuccess, res.Code)
	assert.JSONEq(t, "5", string(res.Data))

	_, err = fsm.Lookup("not an envelope")
	assert.Error(t, err)

	host, ok := hosts.Load(1)
	require.True(t, ok)
	assert.Equal(t, primitive.Index(4), host.Applied())
}

func TestStateMachineRegressionDiverges(t *testing.T) {
	fsm := newTestStateMachine(nil)

	_, err := fsm.Update([]sm.Entry{{Index: 5, Cmd: envelope(t, rsm.OpCommand, 1)}})
	require.NoError(t, err)

	out, err := fsm.Update([]sm.Entry{{Index: 5, Cmd: envelope(t, rsm.OpCommand, 1)}})
	require.NoError(t, err)
	code, _ := decodeResult(out[0].Result.Value)
	assert.Equal(t, primitive.RetCApplyError, code)

	v, err := fsm.Lookup(envelope(t, rsm.OpQuery, 0))
	require.NoError(t, err)
	assert.Equal(t, primitive.RetCApplyError, v.(rsm.Result).Code)
}

func TestStateMachineSnapshot(t *testing.T) {
	src := newTestStateMachine(nil)
	_, err := src.Update([]sm.Entry{
		{Index: 1, Cmd: envelope(t, rsm.OpCommand, 7)},
		{Index: 2, Cmd: envelope(t, rsm.OpCommand, -2)},
	})
	require.NoError(t, err)

	snap, err := src.PrepareSnapshot()
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, src.SaveSnapshot(snap, &buf, nil, nil))

	dst := newTestStateMachine(nil)
	require.NoError(t, dst.RecoverFromSnapshot(&buf, nil, nil))

	v, err := dst.Lookup(envelope(t, rsm.OpQuery, 0))
	require.NoError(t, err)
	assert.JSONEq(t, "5", string(v.(rsm.Result).Data))

	// the recovered replica continues after the snapshot index
	out, err := dst.Update([]sm.Entry{{Index: 3, Cmd: envelope(t, rsm.OpCommand, 1)}})
	require.NoError(t, err)
	assert.JSONEq(t, "6", string(out[0].Result.Data))
}

func TestSingleNodeEngine(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a dragonboat node host")
	}

	e := New(Config{
		ReplicaID:      1,
		Members:        map[uint64]string{1: "localhost:26301"},
		Partitions:     2,
		DataDir:        t.TempDir(),
		RTTMillisecond: 5,
		Registry:       rsm.NewRegistry(counterKind),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer func() { _ = e.Stop() }()

	for _, pid := range []primitive.PartitionID{1, 2} {
		p, ok := e.Table().Get(pid)
		require.True(t, ok)
		assert.Equal(t, primitive.NodeID(1), p.Primary)
	}

	client := partition.NewClient(e.Transport(), e.Metadata(), partition.ClientConfig{})
	ex := exec.New("test")
	defer ex.Close()
	sl := statelog.New("c", "counter", 2, client, ex, statelog.Config{})

	futures := make([]*future.Future[[]byte], 0, 10)
	for i := 0; i < 10; i++ {
		futures = append(futures, sl.Commit(ctx, []byte("1")))
	}
	for i, f := range futures {
		data, err := f.Get()
		require.NoError(t, err)
		assert.JSONEq(t, jsonInt(i+1), string(data))
	}

	data, err := sl.Query(ctx, []byte("0"), primitive.Linearizable).Get()
	require.NoError(t, err)
	assert.JSONEq(t, "10", string(data))

	data, err = sl.Query(ctx, []byte("0"), primitive.Sequential).Get()
	require.NoError(t, err)
	assert.JSONEq(t, "10", string(data))

	host, ok := e.Host(2)
	require.True(t, ok)
	assert.Equal(t, []string{"c"}, host.Resources())
}

func jsonInt(v int) string {
	data, _ := json.Marshal(v)
	return string(data)
}
