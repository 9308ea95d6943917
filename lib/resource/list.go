package resource

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dPrim/lib/coordinator"
	"github.com/ValentinKolb/dPrim/lib/exec"
	"github.com/ValentinKolb/dPrim/lib/future"
	"github.com/ValentinKolb/dPrim/lib/rsm"
)

type listOp uint8

const (
	listAdd listOp = iota + 1
	listSet
	listRemove
	listClear
	listGet
	listSize
)

func (o listOp) String() string {
	switch o {
	case listAdd:
		return "Add"
	case listSet:
		return "Set"
	case listRemove:
		return "Remove"
	case listClear:
		return "Clear"
	case listGet:
		return "Get"
	case listSize:
		return "Size"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(o))
	}
}

type listCommand struct {
	Op    listOp
	Index int
	Value []byte
}

type listResult struct {
	Index int
	Value []byte
	Size  int
}

var listKind = rsm.Definition[[][]byte, listCommand, listResult]{
	Name:  "list",
	Apply: applyList,
	Query: queryList,
}.Kind()

func checkIndex(s [][]byte, i int) error {
	if i < 0 || i >= len(s) {
		return fmt.Errorf("index %d out of range [0,%d)", i, len(s))
	}
	return nil
}

func applyList(s [][]byte, cmd listCommand, meta rsm.Meta) ([][]byte, listResult, error) {
	switch cmd.Op {
	case listAdd:
		s = append(s, cmd.Value)
		return s, listResult{Index: len(s) - 1, Size: len(s)}, nil
	case listSet:
		if err := checkIndex(s, cmd.Index); err != nil {
			return s, listResult{}, err
		}
		prev := s[cmd.Index]
		s[cmd.Index] = cmd.Value
		return s, listResult{Index: cmd.Index, Value: prev, Size: len(s)}, nil
	case listRemove:
		if err := checkIndex(s, cmd.Index); err != nil {
			return s, listResult{}, err
		}
		prev := s[cmd.Index]
		s = append(s[:cmd.Index], s[cmd.Index+1:]...)
		return s, listResult{Index: cmd.Index, Value: prev, Size: len(s)}, nil
	case listClear:
		return nil, listResult{Size: len(s)}, nil
	default:
		res, err := queryList(s, cmd, meta)
		return s, res, err
	}
}

func queryList(s [][]byte, cmd listCommand, _ rsm.Meta) (listResult, error) {
	switch cmd.Op {
	case listGet:
		if err := checkIndex(s, cmd.Index); err != nil {
			return listResult{}, err
		}
		return listResult{Index: cmd.Index, Value: s[cmd.Index], Size: len(s)}, nil
	case listSize:
		return listResult{Size: len(s)}, nil
	default:
		return listResult{}, fmt.Errorf("unknown list operation %s", cmd.Op)
	}
}

// List is a replicated list. Index based operations fail with
// InvalidOperation if the index is out of range when they are applied.
type List[T any] struct {
	*base
}

// NewList creates the client of a list resource.
func NewList[T any](ctl coordinator.Control, ex *exec.Context, opts Options) (*List[T], error) {
	b, err := newBase(ctl, ex, listKind.Name(), opts)
	if err != nil {
		return nil, err
	}
	return &List[T]{base: b}, nil
}

// GetList returns the list named name of the coordinator, creating it if
// needed.
func GetList[T any](c *coordinator.Coordinator, name string, opts Options) (*List[T], error) {
	return coordinator.CreateResource(c, name, func(ctl coordinator.Control, ex *exec.Context) (*List[T], error) {
		return NewList[T](ctl, ex, opts)
	})
}

// Close fails pending operations with Closed and unregisters the list.
func (l *List[T]) Close() error { return l.close(l) }

// Add appends value and returns its index.
func (l *List[T]) Add(ctx context.Context, value T) *future.Future[int] {
	data, err := l.encode(value)
	if err != nil {
		return future.Failed[int](l.ex, err)
	}
	return future.Then(commit[listResult](ctx, l.base, listCommand{Op: listAdd, Value: data}), func(r listResult) (int, error) {
		return r.Index, nil
	})
}

// Get returns the value at index.
func (l *List[T]) Get(ctx context.Context, index int) *future.Future[T] {
	return future.Then(query[listResult](ctx, l.base, listCommand{Op: listGet, Index: index}), l.value)
}

// Set replaces the value at index and returns the previous one.
func (l *List[T]) Set(ctx context.Context, index int, value T) *future.Future[T] {
	data, err := l.encode(value)
	if err != nil {
		return future.Failed[T](l.ex, err)
	}
	return future.Then(commit[listResult](ctx, l.base, listCommand{Op: listSet, Index: index, Value: data}), l.value)
}

// Remove removes the value at index and returns it.
func (l *List[T]) Remove(ctx context.Context, index int) *future.Future[T] {
	return future.Then(commit[listResult](ctx, l.base, listCommand{Op: listRemove, Index: index}), l.value)
}

// Size returns the number of values.
func (l *List[T]) Size(ctx context.Context) *future.Future[int] {
	return future.Then(query[listResult](ctx, l.base, listCommand{Op: listSize}), func(r listResult) (int, error) {
		return r.Size, nil
	})
}

// Clear removes every value and returns how many there were.
func (l *List[T]) Clear(ctx context.Context) *future.Future[int] {
	return future.Then(commit[listResult](ctx, l.base, listCommand{Op: listClear}), func(r listResult) (int, error) {
		return r.Size, nil
	})
}

func (l *List[T]) value(r listResult) (T, error) {
	return value[T](l.base, r.Value)
}
