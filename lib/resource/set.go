package resource

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/ValentinKolb/dPrim/lib/coordinator"
	"github.com/ValentinKolb/dPrim/lib/exec"
	"github.com/ValentinKolb/dPrim/lib/future"
	"github.com/ValentinKolb/dPrim/lib/rsm"
)

type setOp uint8

const (
	setAdd setOp = iota + 1
	setRemove
	setClear
	setContains
	setSize
	setItems
)

func (o setOp) String() string {
	switch o {
	case setAdd:
		return "Add"
	case setRemove:
		return "Remove"
	case setClear:
		return "Clear"
	case setContains:
		return "Contains"
	case setSize:
		return "Size"
	case setItems:
		return "Items"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(o))
	}
}

// setState holds the hex encoded items
type setState map[string]bool

type setCommand struct {
	Op   setOp
	Item []byte
}

type setResult struct {
	Changed bool
	Size    int
	Items   [][]byte
}

var setKind = rsm.Definition[setState, setCommand, setResult]{
	Name:  "set",
	Init:  func() setState { return setState{} },
	Apply: applySet,
	Query: querySet,
}.Kind()

func applySet(s setState, cmd setCommand, meta rsm.Meta) (setState, setResult, error) {
	item := hex.EncodeToString(cmd.Item)
	switch cmd.Op {
	case setAdd:
		if s[item] {
			return s, setResult{Size: len(s)}, nil
		}
		s[item] = true
		return s, setResult{Changed: true, Size: len(s)}, nil
	case setRemove:
		if !s[item] {
			return s, setResult{Size: len(s)}, nil
		}
		delete(s, item)
		return s, setResult{Changed: true, Size: len(s)}, nil
	case setClear:
		return setState{}, setResult{Changed: len(s) > 0, Size: len(s)}, nil
	default:
		res, err := querySet(s, cmd, meta)
		return s, res, err
	}
}

func querySet(s setState, cmd setCommand, _ rsm.Meta) (setResult, error) {
	switch cmd.Op {
	case setContains:
		return setResult{Changed: s[hex.EncodeToString(cmd.Item)], Size: len(s)}, nil
	case setSize:
		return setResult{Size: len(s)}, nil
	case setItems:
		keys := make([]string, 0, len(s))
		for k := range s {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		items := make([][]byte, len(keys))
		for i, k := range keys {
			items[i], _ = hex.DecodeString(k)
		}
		return setResult{Items: items, Size: len(items)}, nil
	default:
		return setResult{}, fmt.Errorf("unknown set operation %s", cmd.Op)
	}
}

// Set is a replicated set. Items are compared by their encoding.
type Set[T any] struct {
	*base
}

// NewSet creates the client of a set resource.
func NewSet[T any](ctl coordinator.Control, ex *exec.Context, opts Options) (*Set[T], error) {
	b, err := newBase(ctl, ex, setKind.Name(), opts)
	if err != nil {
		return nil, err
	}
	return &Set[T]{base: b}, nil
}

// GetSet returns the set named name of the coordinator, creating it if
// needed.
func GetSet[T any](c *coordinator.Coordinator, name string, opts Options) (*Set[T], error) {
	return coordinator.CreateResource(c, name, func(ctl coordinator.Control, ex *exec.Context) (*Set[T], error) {
		return NewSet[T](ctl, ex, opts)
	})
}

// Close fails pending operations with Closed and unregisters the set.
func (s *Set[T]) Close() error { return s.close(s) }

// Add adds item and reports whether it was missing.
func (s *Set[T]) Add(ctx context.Context, item T) *future.Future[bool] {
	return s.changed(ctx, setAdd, item, true)
}

// Remove removes item and reports whether it was present.
func (s *Set[T]) Remove(ctx context.Context, item T) *future.Future[bool] {
	return s.changed(ctx, setRemove, item, true)
}

// Contains reports whether item is present.
func (s *Set[T]) Contains(ctx context.Context, item T) *future.Future[bool] {
	return s.changed(ctx, setContains, item, false)
}

// Size returns the number of items.
func (s *Set[T]) Size(ctx context.Context) *future.Future[int] {
	return future.Then(query[setResult](ctx, s.base, setCommand{Op: setSize}), func(r setResult) (int, error) {
		return r.Size, nil
	})
}

// IsEmpty reports whether the set has no items.
func (s *Set[T]) IsEmpty(ctx context.Context) *future.Future[bool] {
	return future.Then(s.Size(ctx), func(n int) (bool, error) { return n == 0, nil })
}

// Clear removes every item and reports whether the set changed.
func (s *Set[T]) Clear(ctx context.Context) *future.Future[bool] {
	return future.Then(commit[setResult](ctx, s.base, setCommand{Op: setClear}), func(r setResult) (bool, error) {
		return r.Changed, nil
	})
}

// Items returns every item, ordered by encoding.
func (s *Set[T]) Items(ctx context.Context) *future.Future[[]T] {
	return future.Then(query[setResult](ctx, s.base, setCommand{Op: setItems}), func(r setResult) ([]T, error) {
		return values[T](s.base, r.Items)
	})
}

func (s *Set[T]) changed(ctx context.Context, op setOp, item T, write bool) *future.Future[bool] {
	data, err := s.encode(item)
	if err != nil {
		return future.Failed[bool](s.ex, err)
	}
	cmd := setCommand{Op: op, Item: data}
	var f *future.Future[setResult]
	if write {
		f = commit[setResult](ctx, s.base, cmd)
	} else {
		f = query[setResult](ctx, s.base, cmd)
	}
	return future.Then(f, func(r setResult) (bool, error) { return r.Changed, nil })
}
