package replica

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ValentinKolb/dPrim/lib/exec"
	"github.com/ValentinKolb/dPrim/lib/partition"
	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/ValentinKolb/dPrim/lib/rsm"
	"github.com/ValentinKolb/dPrim/lib/statelog"
	"github.com/VictoriaMetrics/metrics"
)

type role uint8

const (
	roleBackup role = iota
	rolePrimary
)

func (r role) String() string {
	if r == rolePrimary {
		return "primary"
	}
	return "backup"
}

// Replica is the replica of one partition on one node. It owns the log and
// the state machine host of the partition on that node.
//
// All replica state is owned by the replica's execution context: requests,
// replication callbacks, votes and applying entries run as tasks on it. The
// primary applies committed entries before it answers a request; backups
// apply asynchronously after they learned the commit index, in the same
// order.
type Replica struct {
	node  primitive.NodeID
	pid   primitive.PartitionID
	group *Group
	log   *statelog.Log
	host  *rsm.Host
	ex    *exec.Context

	// owned by ex
	role        role
	primary     primitive.NodeID
	match       map[primitive.NodeID]primitive.Index
	waiters     map[primitive.Index]chan *partition.Response
	replicators map[primitive.NodeID]*replicator
	crashed     bool
}

func newReplica(g *Group, node primitive.NodeID) *Replica {
	return &Replica{
		node:    node,
		pid:     g.pid,
		group:   g,
		log:     statelog.NewLog(),
		host:    rsm.NewHost(g.cfg.Registry, g.cfg.Host),
		ex:      exec.New(fmt.Sprintf("%s/%s", g.pid, node)),
		match:   make(map[primitive.NodeID]primitive.Index),
		waiters: make(map[primitive.Index]chan *partition.Response),
	}
}

// Node returns the node the replica runs on.
func (r *Replica) Node() primitive.NodeID { return r.node }

// Host returns the state machine host of the replica.
func (r *Replica) Host() *rsm.Host { return r.host }

// Log returns the log of the replica.
func (r *Replica) Log() *statelog.Log { return r.log }

// IsPrimary reports whether the replica currently acts as primary.
func (r *Replica) IsPrimary() bool {
	var primary bool
	if !exec.Call(r.ex, func() { primary = r.role == rolePrimary && !r.crashed }) {
		return false
	}
	return primary
}

// call runs fn on the replica's context and waits for it, bounded by ctx
func (r *Replica) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !r.ex.Execute(func() {
		defer close(done)
		fn()
	}) {
		return primitive.Errorf(primitive.RetCClosed, "replica %s/%s stopped", r.pid, r.node)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --------------------------------------------------------------------------
// Client requests
// --------------------------------------------------------------------------

// Handle implements partition.IHandler.
func (r *Replica) Handle(ctx context.Context, req *partition.Request) *partition.Response {
	if req.Op == partition.OpQuery && req.Consistency == primitive.Sequential {
		res := r.host.Read(req.Data)
		return toResponse(res, 0, r.log.Term())
	}

	ch := make(chan *partition.Response, 1)
	if !r.ex.Execute(func() { r.propose(req, ch) }) {
		return partition.ErrorResponse(primitive.Errorf(primitive.RetCNotLeader, "replica stopped"), r.log.Term())
	}
	select {
	case resp := <-ch:
		return resp
	case <-ctx.Done():
		return partition.ErrorResponse(ctx.Err(), r.log.Term())
	}
}

// propose appends the request to the log if this replica is the primary (runs on ex)
func (r *Replica) propose(req *partition.Request, ch chan *partition.Response) {
	term := r.log.Term()
	switch {
	case r.crashed || r.role != rolePrimary:
		ch <- &partition.Response{Code: primitive.RetCNotLeader, Msg: "not the primary", Term: term, Leader: r.primary}
		return
	case req.Term > term:
		ch <- &partition.Response{Code: primitive.RetCTermMismatch, Msg: fmt.Sprintf("request for term %d, replica is in term %d", req.Term, term), Term: term}
		return
	}

	e, err := r.log.Append(term, req.Data)
	if err != nil {
		ch <- partition.ErrorResponse(err, term)
		return
	}
	r.waiters[e.Index] = ch
	metrics.GetOrCreateCounter(`dprim_replica_appended_entries_total`).Inc()
	r.signalReplicators()
	r.advanceCommit()
}

// --------------------------------------------------------------------------
// Commit and apply
// --------------------------------------------------------------------------

// onMatch records the replication progress of a backup (runs on ex)
func (r *Replica) onMatch(term primitive.Term, peer primitive.NodeID, idx primitive.Index) {
	if r.crashed || r.role != rolePrimary || r.log.Term() != term {
		return
	}
	if idx > r.match[peer] {
		r.match[peer] = idx
		r.advanceCommit()
	}
}

// advanceCommit commits the highest index replicated on a majority, if it
// belongs to the current term (runs on ex)
func (r *Replica) advanceCommit() {
	last, _ := r.log.LastIndexTerm()
	matches := []primitive.Index{last}
	for _, peer := range r.group.peers(r.node) {
		matches = append(matches, r.match[peer])
	}
	slices.Sort(matches)
	slices.Reverse(matches)
	quorum := len(matches)/2 + 1
	candidate := matches[quorum-1]

	if candidate <= r.log.Committed() || r.log.TermAt(candidate) != r.log.Term() {
		return
	}
	r.log.CommitTo(candidate)
	r.applyCommitted()
	r.signalReplicators()
}

// applyCommitted applies every committed entry not yet applied and answers
// the waiting requests (runs on ex)
func (r *Replica) applyCommitted() {
	applied := r.host.Applied()
	commit := r.log.Committed()
	if applied >= commit {
		return
	}
	for _, e := range r.log.Entries(applied+1, int(commit-applied)) {
		res, err := r.host.Apply(e.Index, e.Data)
		if err != nil {
			log.Errorf("%s/%s: %v", r.pid, r.node, err)
		}
		if ch, ok := r.waiters[e.Index]; ok {
			delete(r.waiters, e.Index)
			ch <- toResponse(res, e.Index, r.log.Term())
		}
	}
}

// failWaiters answers every waiting request with a redirect (runs on ex)
func (r *Replica) failWaiters(msg string) {
	for idx, ch := range r.waiters {
		ch <- &partition.Response{Code: primitive.RetCNotLeader, Msg: msg, Term: r.log.Term(), Leader: r.primary}
		delete(r.waiters, idx)
	}
}

func toResponse(res rsm.Result, idx primitive.Index, term primitive.Term) *partition.Response {
	if res.Code != primitive.RetCSuccess {
		return &partition.Response{Code: res.Code, Msg: string(res.Data), Term: term, Index: idx}
	}
	return &partition.Response{Code: res.Code, Data: res.Data, Term: term, Index: idx}
}

// --------------------------------------------------------------------------
// Backup side
// --------------------------------------------------------------------------

// onAppend handles entries sent by the primary (runs on ex)
func (r *Replica) onAppend(req appendRequest) appendResponse {
	if r.crashed {
		return appendResponse{Code: primitive.RetCPartitionUnavailable, Term: r.log.Term()}
	}
	if req.Term < r.log.Term() {
		return appendResponse{Code: primitive.RetCTermMismatch, Term: r.log.Term()}
	}
	if req.Term > r.log.Term() || r.role == rolePrimary {
		r.stepDown(req.Term, req.Leader)
	}
	r.primary = req.Leader

	last, err := r.log.AppendFrom(req.PrevIndex, req.PrevTerm, req.Entries, req.Term)
	var conflict *statelog.ConflictError
	switch {
	case errors.As(err, &conflict):
		return appendResponse{Code: primitive.RetCSuccess, Term: r.log.Term(), Next: conflict.Next}
	case err != nil:
		log.Errorf("%s/%s: rejecting entries from %s: %v", r.pid, r.node, req.Leader, err)
		return appendResponse{Code: primitive.CodeOf(err), Term: r.log.Term()}
	}

	if commit := min(req.Commit, last); commit > r.log.Committed() {
		r.log.CommitTo(commit)
		r.ex.Execute(r.applyCommitted)
	}
	return appendResponse{Code: primitive.RetCSuccess, Term: r.log.Term(), Success: true, Match: last}
}

// onVote handles a vote request of an election (runs on ex)
func (r *Replica) onVote(req voteRequest) voteResponse {
	if req.Term <= r.log.Term() {
		return voteResponse{Term: r.log.Term()}
	}
	r.stepDown(req.Term, primitive.NoNode)
	if !r.log.UpToDate(req.LastIndex, req.LastTerm) {
		return voteResponse{Term: r.log.Term()}
	}
	r.primary = req.Candidate
	return voteResponse{Term: r.log.Term(), Granted: true}
}

// --------------------------------------------------------------------------
// Role changes
// --------------------------------------------------------------------------

// becomePrimary makes the replica the primary of term and commits a no-op
// entry to establish the term (runs on ex)
func (r *Replica) becomePrimary(term primitive.Term) error {
	if r.crashed {
		return primitive.Errorf(primitive.RetCPartitionUnavailable, "node %s is down", r.node)
	}
	if err := r.log.AdvanceTerm(term); err != nil {
		return err
	}
	r.role = rolePrimary
	r.primary = r.node
	clear(r.match)

	last, _ := r.log.LastIndexTerm()
	r.stopReplicators()
	r.replicators = make(map[primitive.NodeID]*replicator)
	for _, peer := range r.group.peers(r.node) {
		rep := newReplicator(peer, last+1)
		r.replicators[peer] = rep
		go r.runReplicator(rep, term)
	}

	if _, err := r.log.Append(term, rsm.NoopEntry()); err != nil {
		return err
	}
	log.Infof("%s/%s: primary in term %d", r.pid, r.node, term)
	r.signalReplicators()
	r.advanceCommit()
	return nil
}

// stepDown turns the replica into a backup of term (runs on ex)
func (r *Replica) stepDown(term primitive.Term, leader primitive.NodeID) {
	if err := r.log.AdvanceTerm(term); err != nil {
		return
	}
	if r.role == rolePrimary {
		log.Infof("%s/%s: stepping down in term %d", r.pid, r.node, term)
	}
	r.role = roleBackup
	r.primary = leader
	r.stopReplicators()
	r.failWaiters("primary stepped down")
}

// crash simulates a node failure: the role and all volatile state is lost,
// the log and the applied state survive (runs on ex)
func (r *Replica) crash() {
	r.crashed = true
	r.role = roleBackup
	r.primary = primitive.NoNode
	r.stopReplicators()
	r.failWaiters("node failed")
}

// revive restarts the replica as a backup (runs on ex)
func (r *Replica) revive() {
	r.crashed = false
}

func (r *Replica) stop() {
	exec.Call(r.ex, func() {
		r.crash()
	})
	r.ex.Close()
}
