package resource

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dPrim/lib/coordinator"
	"github.com/ValentinKolb/dPrim/lib/exec"
	"github.com/ValentinKolb/dPrim/lib/future"
	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/ValentinKolb/dPrim/lib/rsm"
)

type lockOp uint8

const (
	lockAcquire lockOp = iota + 1
	lockTry
	lockPoll
	lockRelease
	lockCancel
	lockStatus
)

func (o lockOp) String() string {
	switch o {
	case lockAcquire:
		return "Acquire"
	case lockTry:
		return "Try"
	case lockPoll:
		return "Poll"
	case lockRelease:
		return "Release"
	case lockCancel:
		return "Cancel"
	case lockStatus:
		return "Status"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(o))
	}
}

// lockState is the replicated state of a lock. Times are unix milliseconds
// taken from the log entries; Clock is the latest one seen so lease expiry
// never goes backwards when submitter clocks disagree.
type lockState struct {
	Clock  int64
	Holder *lockHolder
	Queue  []lockWaiter
}

type lockHolder struct {
	Owner   string
	Fence   uint64 // log index of the entry that granted the lock
	Expires int64  // 0 holds until released
}

type lockWaiter struct {
	Owner    string
	Lease    int64
	Deadline int64 // 0 waits forever
}

type lockCommand struct {
	Op       lockOp
	Owner    string
	Lease    int64 // milliseconds
	Deadline int64 // unix milliseconds
}

type lockResult struct {
	Held     bool // the owner of the command holds the lock
	Locked   bool
	Fence    uint64
	Released bool
	Waiting  int
}

var lockKind = rsm.Definition[lockState, lockCommand, lockResult]{
	Name:  "lock",
	Apply: applyLock,
	Query: queryLock,
}.Kind()

// advance moves the clock, expires the holder and hands the lock to the first
// waiter that still waits
func (s lockState) advance(now int64, index primitive.Index) lockState {
	s.Clock = max(s.Clock, now)
	if s.Holder != nil && s.Holder.Expires > 0 && s.Holder.Expires <= s.Clock {
		log.Debugf("lock held by %s expired", s.Holder.Owner)
		s.Holder = nil
	}
	for s.Holder == nil && len(s.Queue) > 0 {
		w := s.Queue[0]
		s.Queue = s.Queue[1:]
		if w.Deadline > 0 && w.Deadline <= s.Clock {
			continue
		}
		s.Holder = s.grant(w.Owner, w.Lease, index)
	}
	return s
}

func (s lockState) grant(owner string, lease int64, index primitive.Index) *lockHolder {
	h := &lockHolder{Owner: owner, Fence: uint64(index)}
	if lease > 0 {
		h.Expires = s.Clock + lease
	}
	return h
}

func (s lockState) queued(owner string) bool {
	for _, w := range s.Queue {
		if w.Owner == owner {
			return true
		}
	}
	return false
}

func (s lockState) without(owner string) []lockWaiter {
	queue := make([]lockWaiter, 0, len(s.Queue))
	for _, w := range s.Queue {
		if w.Owner != owner {
			queue = append(queue, w)
		}
	}
	return queue
}

func (s lockState) result(owner string) lockResult {
	r := lockResult{Locked: s.Holder != nil, Waiting: len(s.Queue)}
	if s.Holder != nil && s.Holder.Owner == owner {
		r.Held = true
		r.Fence = s.Holder.Fence
	}
	return r
}

func applyLock(s lockState, cmd lockCommand, meta rsm.Meta) (lockState, lockResult, error) {
	if cmd.Op < lockAcquire || cmd.Op > lockStatus {
		return s, lockResult{}, fmt.Errorf("unknown lock operation %s", cmd.Op)
	}
	if cmd.Op != lockStatus && cmd.Owner == "" {
		return s, lockResult{}, fmt.Errorf("%s without owner", cmd.Op)
	}
	s = s.advance(meta.Time.UnixMilli(), meta.Index)

	switch cmd.Op {
	case lockAcquire, lockTry:
		switch {
		case s.Holder == nil:
			s.Holder = s.grant(cmd.Owner, cmd.Lease, meta.Index)
		case s.Holder.Owner == cmd.Owner:
		case cmd.Op == lockAcquire && !s.queued(cmd.Owner):
			s.Queue = append(s.without(cmd.Owner), lockWaiter{Owner: cmd.Owner, Lease: cmd.Lease, Deadline: cmd.Deadline})
		}
		return s, s.result(cmd.Owner), nil
	case lockRelease, lockCancel:
		released := false
		if s.Holder != nil && s.Holder.Owner == cmd.Owner {
			s.Holder = nil
			released = true
		}
		s.Queue = s.without(cmd.Owner)
		s = s.advance(s.Clock, meta.Index)
		r := s.result(cmd.Owner)
		r.Released = released
		return s, r, nil
	default:
		return s, s.result(cmd.Owner), nil
	}
}

// queryLock reports the lock as of the query without promoting waiters
func queryLock(s lockState, cmd lockCommand, meta rsm.Meta) (lockResult, error) {
	if cmd.Op != lockStatus {
		return lockResult{}, fmt.Errorf("lock operation %s is not a query", cmd.Op)
	}
	now := max(s.Clock, meta.Time.UnixMilli())
	if s.Holder != nil && s.Holder.Expires > 0 && s.Holder.Expires <= now {
		s.Holder = nil
	}
	return s.result(cmd.Owner), nil
}

// Lock is a replicated FIFO lock. Every Lock instance is one owner: it is
// reentrant for its own goroutines and excludes every other instance,
// usually the ones of other coordinators.
//
// Successful acquisitions return a fencing token, the log index of the
// entry that granted the lock. Tokens grow with every grant.
type Lock struct {
	*base
	owner string
}

// NewLock creates the client of a lock resource.
func NewLock(ctl coordinator.Control, ex *exec.Context, opts Options) (*Lock, error) {
	b, err := newBase(ctl, ex, lockKind.Name(), opts)
	if err != nil {
		return nil, err
	}
	return &Lock{base: b, owner: b.opts.Owner}, nil
}

// GetLock returns the lock named name of the coordinator, creating it if
// needed.
func GetLock(c *coordinator.Coordinator, name string, opts Options) (*Lock, error) {
	return coordinator.CreateResource(c, name, func(ctl coordinator.Control, ex *exec.Context) (*Lock, error) {
		return NewLock(ctl, ex, opts)
	})
}

// Close fails pending operations with Closed and unregisters the lock. A
// held lock is not released.
func (l *Lock) Close() error { return l.close(l) }

// Owner returns the owner id of this instance.
func (l *Lock) Owner() string { return l.owner }

// Lock acquires the lock and resolves with the fencing token. Waiters are
// served in the order their first request was committed. If ctx ends first
// the request is withdrawn and the future fails with Timeout.
func (l *Lock) Lock(ctx context.Context) *future.Future[uint64] {
	if err := l.err(); err != nil {
		return future.Failed[uint64](l.ex, err)
	}
	cmd := l.command(lockAcquire)
	if deadline, ok := ctx.Deadline(); ok {
		cmd.Deadline = deadline.UnixMilli()
	}

	return future.Go(l.ex, func() (uint64, error) {
		r, err := commit[lockResult](ctx, l.base, cmd).Get()
		if err != nil {
			l.withdraw()
			return 0, err
		}

		ticker := time.NewTicker(l.opts.PollInterval)
		defer ticker.Stop()
		for !r.Held {
			select {
			case <-ctx.Done():
				l.withdraw()
				return 0, primitive.Errorf(primitive.RetCTimeout, "lock %q: %v", l.Name(), ctx.Err()).At(l.Partition(), 0)
			case <-l.ctl.Done():
				return 0, primitive.NewError(primitive.RetCCoordinatorClosed, "coordinator closed").At(l.Partition(), 0)
			case <-ticker.C:
			}
			if r, err = commit[lockResult](ctx, l.base, l.command(lockPoll)).Get(); err != nil {
				l.withdraw()
				if ctx.Err() != nil {
					return 0, primitive.Errorf(primitive.RetCTimeout, "lock %q: %v", l.Name(), ctx.Err()).At(l.Partition(), 0)
				}
				return 0, err
			}
		}
		return r.Fence, nil
	})
}

// TryLock acquires the lock if it is free and resolves with the fencing
// token, or with nothing if another owner holds it.
func (l *Lock) TryLock(ctx context.Context) *future.Future[Optional[uint64]] {
	return future.Then(commit[lockResult](ctx, l.base, l.command(lockTry)), func(r lockResult) (Optional[uint64], error) {
		return Optional[uint64]{Value: r.Fence, Present: r.Held}, nil
	})
}

// Unlock releases the lock and reports whether this instance held it. The
// next waiter becomes the holder in the same step.
func (l *Lock) Unlock(ctx context.Context) *future.Future[bool] {
	return future.Then(commit[lockResult](ctx, l.base, l.command(lockRelease)), func(r lockResult) (bool, error) {
		return r.Released, nil
	})
}

// IsLocked reports whether any owner holds the lock.
func (l *Lock) IsLocked(ctx context.Context) *future.Future[bool] {
	return future.Then(query[lockResult](ctx, l.base, l.command(lockStatus)), func(r lockResult) (bool, error) {
		return r.Locked, nil
	})
}

// IsHeld reports whether this instance holds the lock.
func (l *Lock) IsHeld(ctx context.Context) *future.Future[bool] {
	return future.Then(query[lockResult](ctx, l.base, l.command(lockStatus)), func(r lockResult) (bool, error) {
		return r.Held, nil
	})
}

func (l *Lock) command(op lockOp) lockCommand {
	return lockCommand{Op: op, Owner: l.owner, Lease: l.opts.Lease.Milliseconds()}
}

// withdraw leaves the queue, releasing the lock if it was granted meanwhile
func (l *Lock) withdraw() {
	if l.err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.Timeout)
	commit[lockResult](ctx, l.base, l.command(lockCancel)).OnComplete(func(_ lockResult, err error) {
		cancel()
		if err != nil {
			log.Warningf("lock %q: withdraw failed: %v", l.Name(), err)
		}
	})
}
