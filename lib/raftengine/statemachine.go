package raftengine

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/ValentinKolb/dPrim/lib/rsm"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// partitionStateMachine adapts an rsm.Host to dragonboat's concurrent state
// machine interface. Updates are applied in raft log order, lookups serve
// sequential reads from the applied state.
type partitionStateMachine struct {
	replicaID uint64
	shardID   uint64
	host      *rsm.Host
}

// hostSet tracks the hosts created by a factory, keyed by shard id
type hostSet = xsync.MapOf[uint64, *rsm.Host]

// newStateMachineFactory returns the function dragonboat uses to create the
// state machine of a shard. Every created host is recorded in hosts.
func newStateMachineFactory(registry *rsm.Registry, cfg rsm.HostConfig, hosts *hostSet) sm.CreateConcurrentStateMachineFunc {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		host := rsm.NewHost(registry, cfg)
		if hosts != nil {
			hosts.Store(shardID, host)
		}
		return &partitionStateMachine{
			replicaID: replicaID,
			shardID:   shardID,
			host:      host,
		}
	}
}

// encodeResult packs the return code and the log index into the value of a
// dragonboat result. The code takes the lowest byte.
func encodeResult(code primitive.RetCode, index uint64) uint64 {
	return index<<8 | uint64(code)
}

// decodeResult is the inverse of encodeResult
func decodeResult(v uint64) (primitive.RetCode, primitive.Index) {
	return primitive.RetCode(v & 0xff), primitive.Index(v >> 8)
}

// Update applies committed entries to the host. A divergent host keeps
// answering with ApplyError results so the replica stops serving writes.
func (fsm *partitionStateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {
	if len(entries) == 0 {
		return entries, nil
	}
	start := time.Now()

	for idx, e := range entries {
		res, err := fsm.host.Apply(primitive.Index(e.Index), e.Cmd)
		if err != nil {
			log.Errorf("shard %d replica %d: %v", fsm.shardID, fsm.replicaID, err)
		}
		entries[idx].Result = sm.Result{
			Value: encodeResult(res.Code, e.Index),
			Data:  res.Data,
		}
	}

	if elapsed := time.Since(start); elapsed > time.Millisecond {
		log.Infof("shard %d: applying %d entries took %.2fms", fsm.shardID, len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

// Lookup evaluates a serialized query envelope against the applied state.
func (fsm *partitionStateMachine) Lookup(q interface{}) (interface{}, error) {
	data, ok := q.([]byte)
	if !ok {
		return nil, primitive.Errorf(primitive.RetCInternalError, "invalid query type: %T", q)
	}
	return fsm.host.Read(data), nil
}

// PrepareSnapshot captures the host state while no update runs.
func (fsm *partitionStateMachine) PrepareSnapshot() (interface{}, error) {
	var buf bytes.Buffer
	if err := fsm.host.Save(&buf); err != nil {
		return nil, fmt.Errorf("capture snapshot of shard %d: %w", fsm.shardID, err)
	}
	return buf.Bytes(), nil
}

// SaveSnapshot writes the state captured by PrepareSnapshot.
func (fsm *partitionStateMachine) SaveSnapshot(ctx interface{}, w io.Writer, _ sm.ISnapshotFileCollection, _ <-chan struct{}) error {
	data, ok := ctx.([]byte)
	if !ok {
		return fmt.Errorf("unexpected snapshot context %T", ctx)
	}
	_, err := w.Write(data)
	return err
}

// RecoverFromSnapshot replaces the host state.
func (fsm *partitionStateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, _ <-chan struct{}) error {
	return fsm.host.Load(r)
}

func (fsm *partitionStateMachine) Close() error {
	return nil
}
