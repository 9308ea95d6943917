package raftengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dPrim/lib/partition"
	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/ValentinKolb/dPrim/lib/rsm"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/lni/dragonboat/v4/raftio"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("raftengine")

var (
	proposals   = metrics.NewCounter(`dprim_raft_proposals_total`)
	busyRetries = metrics.NewCounter(`dprim_raft_busy_retries_total`)
	staleReads  = metrics.NewCounter(`dprim_raft_stale_reads_total`)
)

// Engine replicates the partitions hosted on this node with dragonboat. Every
// partition is a raft shard with the same id; the raft leader of a shard is
// the primary of the partition.
//
// Leader changes reported by dragonboat are published to the partition table,
// which serves as the metadata source of clients.
type Engine struct {
	cfg      Config
	nh       *dragonboat.NodeHost
	table    *partition.Table
	hosts    *hostSet
	sessions *xsync.MapOf[uint64, *client.Session]

	startOnce sync.Once
	startErr  error
	stopOnce  sync.Once
}

// New creates an engine. Call Start to start the node host and the shards.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:      cfg.WithDefaults(),
		table:    partition.NewTable(),
		hosts:    xsync.NewMapOf[uint64, *rsm.Host](),
		sessions: xsync.NewMapOf[uint64, *client.Session](),
	}
}

// Start creates the node host, starts a replica of every partition and waits
// until every partition elected a leader.
func (e *Engine) Start(ctx context.Context) error {
	e.startOnce.Do(func() {
		e.startErr = e.start(ctx)
	})
	return e.startErr
}

func (e *Engine) start(ctx context.Context) error {
	if err := e.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid raft config: %w", err)
	}
	log.Infof("starting raft engine:%s", e.cfg.String())

	nh, err := dragonboat.NewNodeHost(e.cfg.ToNodeHostConfig(e))
	if err != nil {
		return fmt.Errorf("failed to create node host: %w", err)
	}
	e.nh = nh

	factory := newStateMachineFactory(e.cfg.Registry, e.cfg.Host, e.hosts)
	for _, pid := range e.shards() {
		shardID := uint64(pid)
		if err := nh.StartConcurrentReplica(e.cfg.initialMembers(), e.cfg.Join, factory, e.cfg.ToRaftConfig(shardID)); err != nil {
			return fmt.Errorf("failed to start shard %d: %w", shardID, err)
		}
		// known members without a primary until the first leader is reported
		_ = e.table.Observe(pid, 0, primitive.NoNode, e.cfg.nodes())
	}
	return e.awaitLeaders(ctx)
}

// awaitLeaders polls until every shard has a leader
func (e *Engine) awaitLeaders(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(e.cfg.RTTMillisecond) * time.Millisecond)
	defer ticker.Stop()
	for {
		missing := 0
		for _, pid := range e.shards() {
			leader, term, valid, err := e.nh.GetLeaderID(uint64(pid))
			if err != nil || !valid || leader == 0 {
				missing++
				continue
			}
			e.observe(pid, term, leader)
		}
		if missing == 0 {
			log.Infof("raft engine with %d partitions started", e.cfg.Partitions)
			return nil
		}
		select {
		case <-ctx.Done():
			return primitive.Errorf(primitive.RetCPartitionUnavailable, "%d partitions without leader: %v", missing, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop closes the node host. It is idempotent.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		if e.nh != nil {
			e.nh.Close()
		}
	})
	return nil
}

// Transport returns a transport that serves requests for this node locally
// and forwards the rest to Config.Remote.
func (e *Engine) Transport() partition.ITransport {
	return engineTransport{e}
}

// Metadata returns the partition table fed by leader notifications.
func (e *Engine) Metadata() partition.IMetadataSource {
	return e.table
}

// Table returns the partition table of the engine.
func (e *Engine) Table() *partition.Table {
	return e.table
}

// Partitions returns the number of partitions.
func (e *Engine) Partitions() int {
	return e.cfg.Partitions
}

// NodeID returns the id of this node.
func (e *Engine) NodeID() primitive.NodeID {
	return primitive.NodeID(e.cfg.ReplicaID)
}

// Host returns the state machine host of a partition on this node.
func (e *Engine) Host(pid primitive.PartitionID) (*rsm.Host, bool) {
	return e.hosts.Load(uint64(pid))
}

func (e *Engine) shards() []primitive.PartitionID {
	return partition.NewRouter(e.cfg.Partitions).IDs()
}

// --------------------------------------------------------------------------
// Leader notifications (implements raftio.IRaftEventListener)
// --------------------------------------------------------------------------

// LeaderUpdated publishes the leader of a shard to the partition table. It
// is called by dragonboat and must not block.
func (e *Engine) LeaderUpdated(info raftio.LeaderInfo) {
	e.observe(primitive.PartitionID(info.ShardID), info.Term, info.LeaderID)
}

func (e *Engine) observe(pid primitive.PartitionID, term uint64, leader uint64) {
	primary := primitive.NodeID(leader)
	backups := make([]primitive.NodeID, 0, len(e.cfg.Members))
	for _, n := range e.cfg.nodes() {
		if n != primary {
			backups = append(backups, n)
		}
	}
	if err := e.table.Observe(pid, primitive.Term(term), primary, backups); err != nil {
		// notifications of different shards and the poller may overtake each other
		log.Debugf("ignoring leader notification of %s: %v", pid, err)
	}
}

// --------------------------------------------------------------------------
// Requests (implements partition.IHandler)
// --------------------------------------------------------------------------

// Handle serves a request for a partition replicated on this node. Commands
// and linearizable queries are proposed to the raft log, sequential queries
// read the local state.
func (e *Engine) Handle(ctx context.Context, req *partition.Request) *partition.Response {
	if e.nh == nil {
		return partition.ErrorResponse(primitive.NewError(primitive.RetCPartitionUnavailable, "raft engine not started"), 0)
	}
	shardID := uint64(req.Partition)

	if req.Op == partition.OpQuery && req.Consistency == primitive.Sequential {
		return e.staleRead(shardID, req.Data)
	}

	leader, term, valid, err := e.nh.GetLeaderID(shardID)
	if err != nil {
		return partition.ErrorResponse(mapError(err), 0)
	}
	if !valid || leader != e.cfg.ReplicaID {
		return &partition.Response{
			Code:   primitive.RetCNotLeader,
			Msg:    fmt.Sprintf("replica %d is not the leader of shard %d", e.cfg.ReplicaID, shardID),
			Term:   primitive.Term(term),
			Leader: primitive.NodeID(leader),
		}
	}
	if req.Term > primitive.Term(term) {
		return &partition.Response{
			Code: primitive.RetCTermMismatch,
			Msg:  fmt.Sprintf("request for term %d, shard is in term %d", req.Term, term),
			Term: primitive.Term(term),
		}
	}
	return e.propose(ctx, shardID, primitive.Term(term), req.Data)
}

// propose commits data through the raft log, retrying while the system is busy
func (e *Engine) propose(ctx context.Context, shardID uint64, term primitive.Term, data []byte) *partition.Response {
	cs, _ := e.sessions.LoadOrCompute(shardID, func() *client.Session {
		return e.nh.GetNoOPSession(shardID)
	})

	for i := 0; i < e.cfg.Retries; i++ {
		pctx, cancel := ctx, context.CancelFunc(func() {})
		if _, ok := ctx.Deadline(); !ok {
			pctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		}
		res, err := e.nh.SyncPropose(pctx, cs, data)
		cancel()
		proposals.Inc()

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			busyRetries.Inc()
			log.Infof("SyncPropose: system busy, retrying (%d/%d)...", i+1, e.cfg.Retries)
			time.Sleep(e.cfg.Timeout / 100)
			continue
		}
		if err != nil {
			return partition.ErrorResponse(mapError(err), term)
		}

		code, index := decodeResult(res.Value)
		if code != primitive.RetCSuccess {
			return &partition.Response{Code: code, Msg: string(res.Data), Term: term, Index: index}
		}
		return &partition.Response{Code: code, Data: res.Data, Term: term, Index: index}
	}
	return partition.ErrorResponse(primitive.NewError(primitive.RetCTimeout, "system busy"), term)
}

// staleRead reads the applied state of the local replica
func (e *Engine) staleRead(shardID uint64, data []byte) *partition.Response {
	staleReads.Inc()
	v, err := e.nh.StaleRead(shardID, data)
	if err != nil {
		return partition.ErrorResponse(mapError(err), 0)
	}
	res, ok := v.(rsm.Result)
	if !ok {
		return partition.ErrorResponse(primitive.Errorf(primitive.RetCInternalError, "unexpected type: received %T, expected rsm.Result", v), 0)
	}
	if res.Code != primitive.RetCSuccess {
		return &partition.Response{Code: res.Code, Msg: string(res.Data)}
	}
	return &partition.Response{Code: res.Code, Data: res.Data}
}

// mapError converts dragonboat errors into return codes clients understand
func mapError(err error) error {
	switch {
	case errors.Is(err, dragonboat.ErrTimeout):
		return primitive.Errorf(primitive.RetCTimeout, "%v", err)
	case errors.Is(err, dragonboat.ErrShardNotFound),
		errors.Is(err, dragonboat.ErrShardNotReady),
		errors.Is(err, dragonboat.ErrShardClosed),
		errors.Is(err, dragonboat.ErrClosed):
		return primitive.Errorf(primitive.RetCPartitionUnavailable, "%v", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return primitive.Wrap(err)
	default:
		return primitive.Errorf(primitive.RetCInternalError, "%v", err)
	}
}

// --------------------------------------------------------------------------
// Transport
// --------------------------------------------------------------------------

type engineTransport struct {
	e *Engine
}

func (t engineTransport) Invoke(ctx context.Context, node primitive.NodeID, req *partition.Request) (*partition.Response, error) {
	if node == t.e.NodeID() {
		return t.e.Handle(ctx, req), nil
	}
	if t.e.cfg.Remote == nil {
		return nil, fmt.Errorf("%s unreachable: no remote transport configured", node)
	}
	return t.e.cfg.Remote.Invoke(ctx, node, req)
}
