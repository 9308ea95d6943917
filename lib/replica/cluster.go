package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dPrim/lib/partition"
	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/ValentinKolb/dPrim/lib/rsm"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

var log = logger.GetLogger("replica")

// Config configures an in-process cluster.
type Config struct {
	Partitions int // number of partitions (default 1)
	Replicas   int // replicas per partition (default 3)
	Nodes      int // number of nodes, at least Replicas (default Replicas)

	Registry *rsm.Registry  // resource kinds, must be equal on every replica
	Host     rsm.HostConfig // state machine settings

	Heartbeat  time.Duration // replication heartbeat (default 20ms)
	RPCTimeout time.Duration // timeout of a single replication call (default 500ms)
	MaxBatch   int           // max entries per replication call (default 64)

	// AutoFailover elects a new primary for every partition whose primary
	// node was killed, after FailoverDelay (default 5 heartbeats).
	AutoFailover  bool
	FailoverDelay time.Duration
}

// WithDefaults returns a copy of the config with unset fields filled in.
func (c Config) WithDefaults() Config {
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.Replicas <= 0 {
		c.Replicas = 3
	}
	if c.Nodes < c.Replicas {
		c.Nodes = c.Replicas
	}
	if c.Registry == nil {
		c.Registry = rsm.NewRegistry()
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 20 * time.Millisecond
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 500 * time.Millisecond
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 64
	}
	if c.FailoverDelay <= 0 {
		c.FailoverDelay = 5 * c.Heartbeat
	}
	return c
}

// Cluster runs every replica of every partition in one process. Nodes are
// simulated: killing a node makes its replicas unreachable and drops their
// volatile state, but keeps their logs and applied state, as a restarted
// process with durable storage would.
//
// Primaries are established through the explicit election hook (Elect,
// Failover) and published to the partition table, which serves as the
// metadata source of clients.
type Cluster struct {
	cfg    Config
	table  *partition.Table
	router partition.Router
	nodes  *xsync.MapOf[primitive.NodeID, *atomic.Bool]
	groups map[primitive.PartitionID]*Group

	startOnce sync.Once
	startErr  error
	stopOnce  sync.Once
}

// NewCluster creates the replicas of a cluster. Call Start to elect the
// initial primaries.
func NewCluster(cfg Config) *Cluster {
	cfg = cfg.WithDefaults()
	c := &Cluster{
		cfg:    cfg,
		table:  partition.NewTable(),
		router: partition.NewRouter(cfg.Partitions),
		nodes:  xsync.NewMapOf[primitive.NodeID, *atomic.Bool](),
		groups: make(map[primitive.PartitionID]*Group, cfg.Partitions),
	}
	for i := 1; i <= cfg.Nodes; i++ {
		alive := &atomic.Bool{}
		alive.Store(true)
		c.nodes.Store(primitive.NodeID(i), alive)
	}
	for _, pid := range c.router.IDs() {
		// spread the replicas of consecutive partitions over the nodes
		members := make([]primitive.NodeID, cfg.Replicas)
		for i := range members {
			members[i] = primitive.NodeID((int(pid)-1+i)%cfg.Nodes + 1)
		}
		c.groups[pid] = newGroup(c, pid, members)
	}
	return c
}

// Start elects the first member of every partition as primary.
func (c *Cluster) Start(ctx context.Context) error {
	c.startOnce.Do(func() {
		eg, ctx := errgroup.WithContext(ctx)
		for _, g := range c.groups {
			eg.Go(func() error {
				if _, err := g.Elect(ctx, g.members[0]); err != nil {
					return fmt.Errorf("elect primary of %s: %w", g.pid, err)
				}
				return nil
			})
		}
		c.startErr = eg.Wait()
		if c.startErr == nil {
			log.Infof("in-process cluster with %d partitions on %d nodes started", c.cfg.Partitions, c.cfg.Nodes)
		}
	})
	return c.startErr
}

// Stop stops every replica. It is idempotent.
func (c *Cluster) Stop() error {
	c.stopOnce.Do(func() {
		for _, g := range c.groups {
			g.stop()
		}
	})
	return nil
}

// Transport returns a transport delivering requests to the replicas.
func (c *Cluster) Transport() partition.ITransport {
	return localTransport{c}
}

// Metadata returns the partition table of the cluster.
func (c *Cluster) Metadata() partition.IMetadataSource {
	return c.table
}

// Partitions returns the number of partitions.
func (c *Cluster) Partitions() int {
	return c.cfg.Partitions
}

// Table returns the partition table of the cluster.
func (c *Cluster) Table() *partition.Table {
	return c.table
}

// Group returns the replicas of a partition, or nil.
func (c *Cluster) Group(pid primitive.PartitionID) *Group {
	return c.groups[pid]
}

// Alive reports whether node is up.
func (c *Cluster) Alive(node primitive.NodeID) bool {
	alive, ok := c.nodes.Load(node)
	return ok && alive.Load()
}

// Kill simulates the failure of a node.
func (c *Cluster) Kill(node primitive.NodeID) error {
	alive, ok := c.nodes.Load(node)
	if !ok {
		return fmt.Errorf("unknown node %s", node)
	}
	if !alive.Swap(false) {
		return nil
	}
	log.Warningf("%s killed", node)

	var orphaned []*Group
	for _, g := range c.groups {
		r := g.byNode[node]
		if r == nil {
			continue
		}
		r.ex.Execute(r.crash)
		if p, ok := c.table.Get(g.pid); ok && p.Primary == node {
			orphaned = append(orphaned, g)
		}
	}

	if c.cfg.AutoFailover && len(orphaned) > 0 {
		go func() {
			time.Sleep(c.cfg.FailoverDelay)
			for _, g := range orphaned {
				ctx, cancel := context.WithTimeout(context.Background(), 10*c.cfg.RPCTimeout)
				if n, term, err := g.Failover(ctx); err != nil {
					log.Errorf("failover of %s failed: %v", g.pid, err)
				} else {
					log.Infof("failover of %s: %s is primary in term %d", g.pid, n, term)
				}
				cancel()
			}
		}()
	}
	return nil
}

// Revive restarts a killed node. Its replicas rejoin as backups and are
// caught up by their primaries.
func (c *Cluster) Revive(node primitive.NodeID) error {
	alive, ok := c.nodes.Load(node)
	if !ok {
		return fmt.Errorf("unknown node %s", node)
	}
	for _, g := range c.groups {
		if r := g.byNode[node]; r != nil {
			r.ex.Execute(r.revive)
		}
	}
	alive.Store(true)
	log.Infof("%s revived", node)
	return nil
}

// Elect makes node the primary of partition pid.
func (c *Cluster) Elect(ctx context.Context, pid primitive.PartitionID, node primitive.NodeID) (primitive.Term, error) {
	g := c.groups[pid]
	if g == nil {
		return 0, primitive.NewError(primitive.RetCInvalidOperation, "unknown partition").At(pid, 0)
	}
	return g.Elect(ctx, node)
}

// Failover elects the most up to date live replica of partition pid.
func (c *Cluster) Failover(ctx context.Context, pid primitive.PartitionID) (primitive.NodeID, primitive.Term, error) {
	g := c.groups[pid]
	if g == nil {
		return primitive.NoNode, 0, primitive.NewError(primitive.RetCInvalidOperation, "unknown partition").At(pid, 0)
	}
	return g.Failover(ctx)
}

// WaitApplied blocks until every live replica of pid applied at least idx.
func (c *Cluster) WaitApplied(ctx context.Context, pid primitive.PartitionID, idx primitive.Index) error {
	g := c.groups[pid]
	if g == nil {
		return errors.New("unknown partition")
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		done := true
		for _, n := range g.members {
			if c.Alive(n) && g.byNode[n].host.Applied() < idx {
				done = false
			}
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// --------------------------------------------------------------------------
// Transport
// --------------------------------------------------------------------------

// localTransport delivers requests to the replicas of a cluster in-process
type localTransport struct {
	c *Cluster
}

func (t localTransport) Invoke(ctx context.Context, node primitive.NodeID, req *partition.Request) (*partition.Response, error) {
	if !t.c.Alive(node) {
		return nil, fmt.Errorf("%s unreachable", node)
	}
	g := t.c.groups[req.Partition]
	if g == nil {
		return partition.ErrorResponse(primitive.NewError(primitive.RetCInvalidOperation, "unknown partition"), 0), nil
	}
	r := g.byNode[node]
	if r == nil {
		return &partition.Response{Code: primitive.RetCNotLeader, Msg: "no replica on this node"}, nil
	}
	return r.Handle(ctx, req), nil
}
