package resource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dPrim/lib/coordinator"
	"github.com/ValentinKolb/dPrim/lib/exec"
	"github.com/ValentinKolb/dPrim/lib/future"
	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/ValentinKolb/dPrim/lib/rsm"
)

// DefaultLeaderLease is the lease of leader elections without Options.Lease.
const DefaultLeaderLease = 3 * time.Second

type electionOp uint8

const (
	electionJoin electionOp = iota + 1
	electionResign
	electionLeader
)

func (o electionOp) String() string {
	switch o {
	case electionJoin:
		return "Join"
	case electionResign:
		return "Resign"
	case electionLeader:
		return "Leader"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(o))
	}
}

// electionState is the replicated state of an election. Epoch grows with
// every change of leadership.
type electionState struct {
	Clock   int64
	Leader  string
	Epoch   uint64
	Expires int64
}

type electionCommand struct {
	Op        electionOp
	Candidate string
	Lease     int64
}

type electionResult struct {
	Leader   string
	Epoch    uint64
	Expires  int64
	Resigned bool
}

var electionKind = rsm.Definition[electionState, electionCommand, electionResult]{
	Name:  "election",
	Apply: applyElection,
	Query: queryElection,
}.Kind()

// current drops a leader whose lease ended by now
func (s electionState) current(now int64) electionState {
	s.Clock = max(s.Clock, now)
	if s.Leader != "" && s.Expires <= s.Clock {
		s.Leader = ""
	}
	return s
}

func (s electionState) result() electionResult {
	return electionResult{Leader: s.Leader, Epoch: s.Epoch, Expires: s.Expires}
}

func applyElection(s electionState, cmd electionCommand, meta rsm.Meta) (electionState, electionResult, error) {
	switch cmd.Op {
	case electionJoin:
		if cmd.Candidate == "" || cmd.Lease <= 0 {
			return s, electionResult{}, fmt.Errorf("join needs a candidate and a lease")
		}
		s = s.current(meta.Time.UnixMilli())
		switch s.Leader {
		case "":
			s.Leader = cmd.Candidate
			s.Epoch++
			s.Expires = s.Clock + cmd.Lease
		case cmd.Candidate:
			s.Expires = s.Clock + cmd.Lease
		}
		return s, s.result(), nil
	case electionResign:
		s = s.current(meta.Time.UnixMilli())
		resigned := s.Leader == cmd.Candidate && cmd.Candidate != ""
		if resigned {
			s.Leader = ""
			s.Expires = 0
		}
		r := s.result()
		r.Resigned = resigned
		return s, r, nil
	default:
		res, err := queryElection(s, cmd, meta)
		return s, res, err
	}
}

func queryElection(s electionState, cmd electionCommand, meta rsm.Meta) (electionResult, error) {
	if cmd.Op != electionLeader {
		return electionResult{}, fmt.Errorf("unknown election operation %s", cmd.Op)
	}
	return s.current(meta.Time.UnixMilli()).result(), nil
}

// Leadership identifies a term of a leader. ID is empty if there is no
// leader.
type Leadership struct {
	ID    string
	Epoch uint64
}

// LeaderElection elects one leader among its instances, usually one per
// coordinator. A leader keeps its lease by renewing it every third of the
// lease; a leader that fails to renew in time loses leadership.
type LeaderElection struct {
	*base
	id    string
	lease time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc // stops the campaign
	term    Leadership         // held leadership, ID is empty if not leader
	onLoss  []func(Leadership)
	elected *future.Future[bool]
}

// NewLeaderElection creates the client of a leader election resource.
func NewLeaderElection(ctl coordinator.Control, ex *exec.Context, opts Options) (*LeaderElection, error) {
	b, err := newBase(ctl, ex, electionKind.Name(), opts)
	if err != nil {
		return nil, err
	}
	lease := opts.Lease
	if lease <= 0 {
		lease = DefaultLeaderLease
	}
	return &LeaderElection{base: b, id: b.opts.Owner, lease: lease}, nil
}

// GetLeaderElection returns the election named name of the coordinator,
// creating it if needed.
func GetLeaderElection(c *coordinator.Coordinator, name string, opts Options) (*LeaderElection, error) {
	return coordinator.CreateResource(c, name, func(ctl coordinator.Control, ex *exec.Context) (*LeaderElection, error) {
		return NewLeaderElection(ctl, ex, opts)
	})
}

// ID returns the candidate id of this instance.
func (e *LeaderElection) ID() string { return e.id }

// Run joins the election. The returned future resolves with true once this
// instance is elected, or fails if ctx ends first. Once elected, the lease
// is renewed in the background until Resign or Close; if leadership is lost
// the OnLoss callbacks run and the instance campaigns again. Calling Run
// while a campaign is active returns the future of that campaign.
func (e *LeaderElection) Run(ctx context.Context) *future.Future[bool] {
	if err := e.err(); err != nil {
		return future.Failed[bool](e.ex, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return e.elected
	}

	campaign, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.elected = future.New[bool](e.ex)
	elected := e.elected

	// the caller's context only bounds the wait for the first election
	go func() {
		select {
		case <-ctx.Done():
			if elected.Fail(primitive.Wrap(ctx.Err()).At(e.Partition(), 0)) {
				e.abandon(elected)
			}
		case <-elected.Done():
		case <-campaign.Done():
		}
	}()
	go e.campaign(campaign, elected)
	return elected
}

// abandon stops the campaign of elected if it is still running
func (e *LeaderElection) abandon(elected *future.Future[bool]) {
	e.mu.Lock()
	var cancel context.CancelFunc
	if e.elected == elected {
		cancel, e.cancel = e.cancel, nil
	}
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *LeaderElection) campaign(ctx context.Context, elected *future.Future[bool]) {
	interval := e.lease / 3
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.lost()
			elected.Fail(primitive.NewError(primitive.RetCClosed, "campaign stopped").At(e.Partition(), 0))
			return
		case <-e.ctl.Done():
			e.lost()
			elected.Fail(primitive.NewError(primitive.RetCCoordinatorClosed, "coordinator closed").At(e.Partition(), 0))
			return
		case <-timer.C:
		}

		rctx, cancel := context.WithTimeout(ctx, interval)
		r, err := commit[electionResult](rctx, e.base, electionCommand{
			Op:        electionJoin,
			Candidate: e.id,
			Lease:     e.lease.Milliseconds(),
		}).Get()
		cancel()

		switch {
		case err != nil:
			log.Debugf("election %q: heartbeat failed: %v", e.Name(), err)
			// the lease may run out before the next heartbeat succeeds
			e.lost()
		case r.Leader == e.id:
			e.mu.Lock()
			e.term = Leadership{ID: e.id, Epoch: r.Epoch}
			e.mu.Unlock()
			elected.Complete(true)
		default:
			e.lost()
		}
		timer.Reset(interval)
	}
}

// lost clears the held leadership and runs the loss callbacks
func (e *LeaderElection) lost() {
	e.mu.Lock()
	term := e.term
	e.term = Leadership{}
	callbacks := append([]func(Leadership){}, e.onLoss...)
	e.mu.Unlock()
	if term.ID == "" {
		return
	}
	log.Infof("election %q: lost leadership of epoch %d", e.Name(), term.Epoch)
	for _, cb := range callbacks {
		e.ex.Execute(func() { cb(term) })
	}
}

// OnLoss registers a callback that runs on the context of the election
// whenever this instance loses leadership.
func (e *LeaderElection) OnLoss(cb func(Leadership)) {
	e.mu.Lock()
	e.onLoss = append(e.onLoss, cb)
	e.mu.Unlock()
}

// IsLeader reports whether this instance held leadership at its last
// renewal.
func (e *LeaderElection) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term.ID != ""
}

// Leader returns the current leader of the election.
func (e *LeaderElection) Leader(ctx context.Context) *future.Future[Leadership] {
	return future.Then(query[electionResult](ctx, e.base, electionCommand{Op: electionLeader}), func(r electionResult) (Leadership, error) {
		return Leadership{ID: r.Leader, Epoch: r.Epoch}, nil
	})
}

// Resign stops the campaign and gives up leadership. It reports whether this
// instance was the leader.
func (e *LeaderElection) Resign(ctx context.Context) *future.Future[bool] {
	e.stop()
	return future.Then(commit[electionResult](ctx, e.base, electionCommand{Op: electionResign, Candidate: e.id}), func(r electionResult) (bool, error) {
		return r.Resigned, nil
	})
}

// Close stops the campaign without resigning and unregisters the election.
// The lease of a leader runs out.
func (e *LeaderElection) Close() error {
	e.stop()
	return e.close(e)
}

func (e *LeaderElection) stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
