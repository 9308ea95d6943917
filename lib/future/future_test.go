package future

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ValentinKolb/dPrim/lib/exec"
	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteOnce(t *testing.T) {
	ex := exec.New("test")
	defer ex.Close()

	f := New[int](ex)
	require.True(t, f.Complete(1))
	require.False(t, f.Complete(2))
	require.False(t, f.Fail(errors.New("late")))

	v, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.True(t, f.IsDone())
}

func TestCallbacksRunOnContextInResolutionOrder(t *testing.T) {
	ex := exec.New("test")
	defer ex.Close()

	var order []int
	futures := make([]*Future[int], 10)
	for i := range futures {
		futures[i] = New[int](ex)
		futures[i].OnComplete(func(v int, err error) {
			order = append(order, v)
		})
	}

	// resolve in reverse order from a single goroutine
	for i := len(futures) - 1; i >= 0; i-- {
		futures[i].Complete(i)
	}

	exec.Call(ex, func() {})
	require.Len(t, order, 10)
	for i, v := range order {
		assert.Equal(t, 9-i, v)
	}
}

func TestOnCompleteAfterResolution(t *testing.T) {
	ex := exec.New("test")
	defer ex.Close()

	f := Completed(ex, "x")
	_, _ = f.Get()

	got := make(chan string, 1)
	f.OnComplete(func(v string, err error) { got <- v })

	select {
	case v := <-got:
		assert.Equal(t, "x", v)
	case <-time.After(time.Second):
		t.Fatal("callback not called")
	}
}

func TestAwaitTimeout(t *testing.T) {
	f := New[int](nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Await(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, primitive.ErrTimeout))
	assert.False(t, f.IsDone(), "awaiting must not resolve the future")
}

func TestThenAndFailurePropagation(t *testing.T) {
	ex := exec.New("test")
	defer ex.Close()

	src := New[int](ex)
	doubled := Then(src, func(v int) (int, error) { return v * 2, nil })
	src.Complete(21)

	v, err := doubled.Get()
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	failing := Failed[int](ex, primitive.ErrClosed)
	mapped := Then(failing, func(v int) (string, error) { return "never", nil })
	_, err = mapped.Get()
	assert.True(t, errors.Is(err, primitive.ErrClosed))
}

func TestResolveOnClosedContext(t *testing.T) {
	ex := exec.New("test")
	ex.Close()
	<-ex.Done()

	f := New[int](ex)
	f.Complete(5)

	v, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}
