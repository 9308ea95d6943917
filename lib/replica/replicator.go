package replica

import (
	"context"
	"time"

	"github.com/ValentinKolb/dPrim/lib/primitive"
)

// replicator ships the log of a primary to one backup. It runs on its own
// goroutine and reports progress to the primary's execution context.
type replicator struct {
	peer   primitive.NodeID
	next   primitive.Index
	signal chan struct{}
	stop   chan struct{}
}

func newReplicator(peer primitive.NodeID, next primitive.Index) *replicator {
	return &replicator{
		peer:   peer,
		next:   next,
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

// notify wakes the replicator up without blocking
func (rep *replicator) notify() {
	select {
	case rep.signal <- struct{}{}:
	default:
	}
}

// signalReplicators wakes up every replicator (runs on ex)
func (r *Replica) signalReplicators() {
	for _, rep := range r.replicators {
		rep.notify()
	}
}

// stopReplicators stops every replicator (runs on ex)
func (r *Replica) stopReplicators() {
	for peer, rep := range r.replicators {
		close(rep.stop)
		delete(r.replicators, peer)
	}
}

// runReplicator sends entries to rep.peer until it is stopped. Heartbeats
// (empty appends) carry the commit index when there is nothing to send.
func (r *Replica) runReplicator(rep *replicator, term primitive.Term) {
	cfg := r.group.cfg
	ticker := time.NewTicker(cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-rep.stop:
			return
		case <-rep.signal:
		case <-ticker.C:
		}

		for {
			select {
			case <-rep.stop:
				return
			default:
			}

			prevIndex := rep.next - 1
			req := appendRequest{
				Term:      term,
				Leader:    r.node,
				PrevIndex: prevIndex,
				PrevTerm:  r.log.TermAt(prevIndex),
				Entries:   r.log.Entries(rep.next, cfg.MaxBatch),
				Commit:    r.log.Committed(),
			}

			ctx, cancel := context.WithTimeout(context.Background(), cfg.RPCTimeout)
			resp, err := r.group.sendAppend(ctx, r.node, rep.peer, req)
			cancel()
			if err != nil {
				// peer unreachable, retry on the next tick
				break
			}

			if resp.Code == primitive.RetCTermMismatch {
				r.ex.Execute(func() {
					if resp.Term > r.log.Term() {
						r.stepDown(resp.Term, primitive.NoNode)
					}
				})
				return
			}
			if resp.Code != primitive.RetCSuccess {
				log.Warningf("%s/%s: %s rejected entries: %s", r.pid, r.node, rep.peer, resp.Code)
				break
			}
			if !resp.Success {
				rep.next = max(1, resp.Next)
				continue
			}

			rep.next = resp.Match + 1
			match := resp.Match
			r.ex.Execute(func() { r.onMatch(term, rep.peer, match) })

			if len(req.Entries) < cfg.MaxBatch {
				break
			}
		}
	}
}
