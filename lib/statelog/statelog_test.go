package statelog

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dPrim/lib/exec"
	"github.com/ValentinKolb/dPrim/lib/partition"
	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/ValentinKolb/dPrim/lib/rsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var appendKind = rsm.Definition[[]int, int, int]{
	Name: "append",
	Apply: func(s []int, v int, _ rsm.Meta) ([]int, int, error) {
		return append(s, v), len(s) + 1, nil
	},
	Query: func(s []int, _ int, _ rsm.Meta) (int, error) {
		return len(s), nil
	},
}.Kind()

// hostSubmitter applies requests to a single host, with random delays
// between commit and response to shuffle the response order
type hostSubmitter struct {
	mu    sync.Mutex
	host  *rsm.Host
	index primitive.Index
	block bool
}

func (h *hostSubmitter) Submit(ctx context.Context, req *partition.Request) (*partition.Response, error) {
	if h.block {
		<-ctx.Done()
		return nil, primitive.Errorf(primitive.CodeOf(ctx.Err()), "%v", ctx.Err())
	}
	if req.Op == partition.OpQuery && req.Consistency == primitive.Sequential {
		res := h.host.Read(req.Data)
		return &partition.Response{Code: res.Code, Data: res.Data}, res.Err()
	}

	h.mu.Lock()
	h.index++
	idx := h.index
	res, err := h.host.Apply(idx, req.Data)
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}

	time.Sleep(time.Duration(rand.IntN(500)) * time.Microsecond)
	return &partition.Response{Code: res.Code, Data: res.Data, Index: idx}, res.Err()
}

func newSubmitter() *hostSubmitter {
	return &hostSubmitter{host: rsm.NewHost(rsm.NewRegistry(appendKind), rsm.HostConfig{})}
}

func encode(t *testing.T, v int) []byte {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestCommitResolvesInCommitOrder(t *testing.T) {
	for _, depth := range []int{1, 4, 16} {
		ex := exec.New("test")
		sl := New("list", "append", 1, newSubmitter(), ex, Config{PipelineDepth: depth})

		const n = 100
		var order []int // result of each resolved future, in resolution order
		var wg sync.WaitGroup
		wg.Add(n)
		for i := 0; i < n; i++ {
			f := sl.Commit(context.Background(), encode(t, i))
			f.OnComplete(func(data []byte, err error) {
				defer wg.Done()
				var pos int
				if assert.NoError(t, err) && assert.NoError(t, json.Unmarshal(data, &pos)) {
					order = append(order, pos)
				}
			})
		}
		wg.Wait()

		// results are the list length after the append, which equals the
		// commit position of the command
		exec.Call(ex, func() {
			require.Len(t, order, n)
			for i, pos := range order {
				assert.Equal(t, i+1, pos, "depth %d: future %d resolved out of commit order", depth, i)
			}
		})
		ex.Close()
	}
}

func TestLinearizableQueryObservesPriorCommits(t *testing.T) {
	ex := exec.New("test")
	defer ex.Close()
	sl := New("list", "append", 1, newSubmitter(), ex, Config{PipelineDepth: 8})

	for i := 0; i < 10; i++ {
		sl.Commit(context.Background(), encode(t, i))
	}
	data, err := sl.Query(context.Background(), encode(t, 0), primitive.Linearizable).Get()
	require.NoError(t, err)

	var size int
	require.NoError(t, json.Unmarshal(data, &size))
	assert.GreaterOrEqual(t, size, 8, "query must not overtake earlier windows")

	// a second query after all commits resolved sees everything
	data, err = sl.Query(context.Background(), encode(t, 0), primitive.Sequential).Get()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &size))
	assert.Equal(t, 10, size)
}

func TestCommitTimeout(t *testing.T) {
	ex := exec.New("test")
	defer ex.Close()
	sub := newSubmitter()
	sub.block = true
	sl := New("list", "append", 3, sub, ex, Config{Timeout: 20 * time.Millisecond})

	_, err := sl.Commit(context.Background(), encode(t, 1)).Get()
	require.Error(t, err)
	assert.True(t, errors.Is(err, primitive.ErrTimeout))

	var perr *primitive.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, primitive.PartitionID(3), perr.Partition)
}

func TestCloseFailsPending(t *testing.T) {
	ex := exec.New("test")
	defer ex.Close()
	sub := newSubmitter()
	sub.block = true
	sl := New("list", "append", 1, sub, ex, Config{Timeout: 2 * time.Second})

	first := sl.Commit(context.Background(), encode(t, 1))
	second := sl.Commit(context.Background(), encode(t, 2))
	sl.Close()

	for _, f := range []interface {
		Await(context.Context) ([]byte, error)
	}{first, second} {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := f.Await(ctx)
		cancel()
		assert.True(t, errors.Is(err, primitive.ErrClosed), "got %v", err)
	}

	_, err := sl.Commit(context.Background(), encode(t, 3)).Get()
	assert.True(t, errors.Is(err, primitive.ErrClosed))
}
