package future

import (
	"context"
	"sync"

	"github.com/ValentinKolb/dPrim/lib/exec"
	"github.com/ValentinKolb/dPrim/lib/primitive"
)

// Future is the result of an asynchronous operation. It is resolved exactly
// once, either with a value or with an error.
//
// A Future is bound to an execution context: the resolution itself (the
// moment Done is closed) and every callback registered with OnComplete run
// as tasks on that context. Futures resolved one after another from the same
// goroutine therefore become visible on the context in that same order. A nil
// context resolves inline on the resolving goroutine.
type Future[T any] struct {
	ex *exec.Context

	mu        sync.Mutex
	resolved  bool // resolve was called (the value may not be visible yet)
	done      chan struct{}
	value     T
	err       error
	callbacks []func(T, error)
}

// New creates an unresolved future bound to ex.
func New[T any](ex *exec.Context) *Future[T] {
	return &Future[T]{
		ex:   ex,
		done: make(chan struct{}),
	}
}

// Completed returns a future that resolves with v.
func Completed[T any](ex *exec.Context, v T) *Future[T] {
	f := New[T](ex)
	f.Complete(v)
	return f
}

// Failed returns a future that fails with err.
func Failed[T any](ex *exec.Context, err error) *Future[T] {
	f := New[T](ex)
	f.Fail(err)
	return f
}

// Go runs fn on a new goroutine and resolves the returned future with its result.
func Go[T any](ex *exec.Context, fn func() (T, error)) *Future[T] {
	f := New[T](ex)
	go func() {
		v, err := fn()
		f.Resolve(v, err)
	}()
	return f
}

// Context returns the execution context the future is bound to.
func (f *Future[T]) Context() *exec.Context {
	return f.ex
}

// Complete resolves the future with a value. It returns false if the future
// was already resolved.
func (f *Future[T]) Complete(v T) bool {
	return f.Resolve(v, nil)
}

// Fail resolves the future with an error. It returns false if the future was
// already resolved.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	if err == nil {
		err = primitive.NewError(primitive.RetCInternalError, "future failed without error")
	}
	return f.Resolve(zero, err)
}

// Resolve resolves the future with a value or, if err is not nil, an error.
func (f *Future[T]) Resolve(v T, err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.resolved = true
	f.mu.Unlock()

	finish := func() {
		f.mu.Lock()
		f.value, f.err = v, err
		callbacks := f.callbacks
		f.callbacks = nil
		close(f.done)
		f.mu.Unlock()

		for _, cb := range callbacks {
			cb(v, err)
		}
	}

	if f.ex == nil || !f.ex.Execute(finish) {
		finish()
	}
	return true
}

// OnComplete registers a callback that runs on the future's context once the
// future is resolved. Callbacks registered after resolution are scheduled
// immediately.
func (f *Future[T]) OnComplete(cb func(v T, err error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		v, err := f.value, f.err
		f.mu.Unlock()
		f.dispatch(func() { cb(v, err) })
		return
	default:
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}

// dispatch runs fn on the context, inline if the context is gone
func (f *Future[T]) dispatch(fn func()) {
	if f.ex == nil || !f.ex.Execute(fn) {
		fn()
	}
}

// Done returns a channel that is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future is resolved.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until the future is resolved or ctx is done. A context that
// ends first does not resolve the future, it only stops waiting.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, primitive.Wrap(ctx.Err())
	}
}

// Get blocks until the future is resolved.
func (f *Future[T]) Get() (T, error) {
	return f.Await(context.Background())
}

// Then returns a future that resolves with fn applied to the value of f. fn
// runs on the context of f. Errors of f are propagated unchanged.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	next := New[U](f.ex)
	f.OnComplete(func(v T, err error) {
		if err != nil {
			next.Fail(err)
			return
		}
		next.Resolve(fn(v))
	})
	return next
}

// Discard maps any future to a future without value.
func Discard[T any](f *Future[T]) *Future[struct{}] {
	return Then(f, func(T) (struct{}, error) { return struct{}{}, nil })
}
