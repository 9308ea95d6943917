package replica

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/VictoriaMetrics/metrics"
)

// Group is the set of replicas of one partition.
type Group struct {
	pid     primitive.PartitionID
	cluster *Cluster
	cfg     Config
	members []primitive.NodeID
	byNode  map[primitive.NodeID]*Replica

	mu   sync.Mutex // serializes elections
	term primitive.Term
}

func newGroup(c *Cluster, pid primitive.PartitionID, members []primitive.NodeID) *Group {
	g := &Group{
		pid:     pid,
		cluster: c,
		cfg:     c.cfg,
		members: members,
		byNode:  make(map[primitive.NodeID]*Replica, len(members)),
	}
	for _, n := range members {
		g.byNode[n] = newReplica(g, n)
	}
	return g
}

// Partition returns the id of the partition.
func (g *Group) Partition() primitive.PartitionID { return g.pid }

// Members returns the nodes hosting a replica of the partition.
func (g *Group) Members() []primitive.NodeID { return slices.Clone(g.members) }

// Replica returns the replica on node, or nil.
func (g *Group) Replica(node primitive.NodeID) *Replica { return g.byNode[node] }

// peers returns every member except node
func (g *Group) peers(node primitive.NodeID) []primitive.NodeID {
	out := make([]primitive.NodeID, 0, len(g.members)-1)
	for _, n := range g.members {
		if n != node {
			out = append(out, n)
		}
	}
	return out
}

// Elect makes candidate the primary of a new term. The candidate needs the
// votes of a majority of the group, and a replica only votes for a candidate
// whose log is at least as up to date as its own. On success the new
// primary is published to the partition table.
func (g *Group) Elect(ctx context.Context, candidate primitive.NodeID) (primitive.Term, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c := g.byNode[candidate]
	if c == nil {
		return 0, primitive.Errorf(primitive.RetCInvalidOperation, "%s has no replica on %s", g.pid, candidate).At(g.pid, g.term)
	}
	if !g.cluster.Alive(candidate) {
		return 0, primitive.Errorf(primitive.RetCPartitionUnavailable, "candidate %s is down", candidate).At(g.pid, g.term)
	}

	g.term++
	term := g.term
	lastIndex, lastTerm := c.log.LastIndexTerm()

	votes := 0
	for _, n := range g.members {
		if !g.cluster.Alive(n) {
			continue
		}
		r := g.byNode[n]
		var resp voteResponse
		err := r.call(ctx, func() {
			resp = r.onVote(voteRequest{Term: term, Candidate: candidate, LastIndex: lastIndex, LastTerm: lastTerm})
		})
		if err != nil {
			log.Warningf("%s: vote of %s failed: %v", g.pid, n, err)
			continue
		}
		if resp.Granted {
			votes++
		}
	}

	quorum := len(g.members)/2 + 1
	if votes < quorum {
		metrics.GetOrCreateCounter(`dprim_replica_failed_elections_total`).Inc()
		return 0, primitive.Errorf(primitive.RetCPartitionUnavailable,
			"%s got %d of %d required votes in term %d", candidate, votes, quorum, term).At(g.pid, term)
	}

	var err error
	if cerr := c.call(ctx, func() { err = c.becomePrimary(term) }); cerr != nil {
		return 0, primitive.Wrap(cerr).At(g.pid, term)
	}
	if err != nil {
		return 0, primitive.Wrap(err).At(g.pid, term)
	}

	metrics.GetOrCreateCounter(`dprim_replica_elections_total`).Inc()
	if err := g.cluster.table.Observe(g.pid, term, candidate, g.peers(candidate)); err != nil {
		return 0, fmt.Errorf("publish primary: %w", err)
	}
	return term, nil
}

// Failover elects the most up to date live replica, preferring replicas other
// than the current primary.
func (g *Group) Failover(ctx context.Context) (primitive.NodeID, primitive.Term, error) {
	current, _ := g.cluster.table.Get(g.pid)

	best := primitive.NoNode
	var bestIndex primitive.Index
	var bestTerm primitive.Term
	for _, n := range g.members {
		if !g.cluster.Alive(n) {
			continue
		}
		idx, term := g.byNode[n].log.LastIndexTerm()
		better := best == primitive.NoNode ||
			term > bestTerm ||
			(term == bestTerm && idx > bestIndex) ||
			(term == bestTerm && idx == bestIndex && best == current.Primary)
		if better {
			best, bestIndex, bestTerm = n, idx, term
		}
	}
	if best == primitive.NoNode {
		return primitive.NoNode, 0, primitive.NewError(primitive.RetCPartitionUnavailable, "no live replica").At(g.pid, current.Term)
	}

	term, err := g.Elect(ctx, best)
	return best, term, err
}

// Primary returns the replica currently acting as primary, or nil.
func (g *Group) Primary() *Replica {
	p, ok := g.cluster.table.Get(g.pid)
	if !ok || !p.HasPrimary() || !g.cluster.Alive(p.Primary) {
		return nil
	}
	r := g.byNode[p.Primary]
	if r == nil || !r.IsPrimary() {
		return nil
	}
	return r
}

// sendAppend delivers an append request from one replica to the replica on
// node. Both nodes must be up.
func (g *Group) sendAppend(ctx context.Context, from, node primitive.NodeID, req appendRequest) (appendResponse, error) {
	r := g.byNode[node]
	if r == nil || !g.cluster.Alive(from) || !g.cluster.Alive(node) {
		return appendResponse{}, fmt.Errorf("node %s unreachable", node)
	}
	var resp appendResponse
	if err := r.call(ctx, func() { resp = r.onAppend(req) }); err != nil {
		return appendResponse{}, err
	}
	return resp, nil
}

func (g *Group) stop() {
	for _, r := range g.byNode {
		r.stop()
	}
}
