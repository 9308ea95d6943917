package resource

import (
	"context"

	"github.com/ValentinKolb/dPrim/lib/coordinator"
	"github.com/ValentinKolb/dPrim/lib/exec"
	"github.com/ValentinKolb/dPrim/lib/future"
	"github.com/ValentinKolb/dPrim/lib/rsm"
)

// StateMachine is a resource of a user defined kind. The kind must be
// registered on every replica, see Kinds.
//
//	var counter = rsm.Definition[int, int, int]{
//		Name:  "counter",
//		Apply: func(s, delta int, _ rsm.Meta) (int, int, error) { return s + delta, s + delta, nil },
//		Query: func(s, _ int, _ rsm.Meta) (int, error) { return s, nil },
//	}
//
//	sm, _ := resource.GetStateMachine(c, "hits", counter, resource.Options{})
//	n, err := sm.Submit(ctx, 1).Get()
type StateMachine[S, C, R any] struct {
	*base
	def rsm.Definition[S, C, R]
}

// NewStateMachine creates the client of a state machine resource of the kind
// defined by def.
func NewStateMachine[S, C, R any](ctl coordinator.Control, ex *exec.Context, def rsm.Definition[S, C, R], opts Options) (*StateMachine[S, C, R], error) {
	b, err := newBase(ctl, ex, def.Name, opts)
	if err != nil {
		return nil, err
	}
	return &StateMachine[S, C, R]{base: b, def: def}, nil
}

// GetStateMachine returns the state machine named name of the coordinator,
// creating it if needed.
func GetStateMachine[S, C, R any](c *coordinator.Coordinator, name string, def rsm.Definition[S, C, R], opts Options) (*StateMachine[S, C, R], error) {
	return coordinator.CreateResource(c, name, func(ctl coordinator.Control, ex *exec.Context) (*StateMachine[S, C, R], error) {
		return NewStateMachine(ctl, ex, def, opts)
	})
}

// Close fails pending operations with Closed and unregisters the state
// machine.
func (m *StateMachine[S, C, R]) Close() error { return m.close(m) }

// Kind returns the kind name of the state machine.
func (m *StateMachine[S, C, R]) Kind() string { return m.def.Name }

// Submit commits cmd and resolves with the result of Apply.
func (m *StateMachine[S, C, R]) Submit(ctx context.Context, cmd C) *future.Future[R] {
	return commit[R](ctx, m.base, cmd)
}

// Query resolves with the result of Query, read with the configured
// consistency.
func (m *StateMachine[S, C, R]) Query(ctx context.Context, cmd C) *future.Future[R] {
	return query[R](ctx, m.base, cmd)
}
