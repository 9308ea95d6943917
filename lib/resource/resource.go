package resource

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dPrim/lib/coordinator"
	"github.com/ValentinKolb/dPrim/lib/exec"
	"github.com/ValentinKolb/dPrim/lib/future"
	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/ValentinKolb/dPrim/lib/rsm"
	"github.com/ValentinKolb/dPrim/lib/statelog"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("resource")

// Options configures a resource.
type Options struct {
	// Codec encodes commands, results and user values (default json).
	Codec rsm.CodecID
	// Consistency of queries (default Linearizable).
	Consistency primitive.Consistency
	// Timeout of operations whose context has no deadline (default 10s).
	Timeout time.Duration
	// PipelineDepth is the number of commands in flight (default 1).
	PipelineDepth int

	// Lease bounds how long a lock is held or a leader stays elected
	// without renewal. Zero means locks are held until released; leader
	// elections default to 3s.
	Lease time.Duration
	// PollInterval is used by locks waiting in the queue (default 10ms).
	PollInterval time.Duration
	// Owner identifies a lock or election candidate across processes
	// (default a random uuid).
	Owner string
}

// WithDefaults returns a copy of the options with unset fields filled in.
func (o Options) WithDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.PipelineDepth <= 0 {
		o.PipelineDepth = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Millisecond
	}
	if o.Owner == "" {
		o.Owner = uuid.NewString()
	}
	return o
}

// Optional is the result of a lookup that may find nothing.
type Optional[T any] struct {
	Value   T
	Present bool
}

// base is embedded by every resource. It owns the StateLog of the resource
// and encodes commands with the resource's codec.
type base struct {
	ctl    coordinator.Control
	ex     *exec.Context
	log    *statelog.StateLog
	codec  rsm.Codec
	opts   Options
	closed atomic.Bool
}

func newBase(ctl coordinator.Control, ex *exec.Context, kind string, opts Options) (*base, error) {
	opts = opts.WithDefaults()
	codec, err := rsm.CodecFor(opts.Codec)
	if err != nil {
		return nil, primitive.Wrap(err)
	}
	return &base{
		ctl:   ctl,
		ex:    ex,
		codec: codec,
		opts:  opts,
		log: ctl.StateLog(kind, ex, statelog.Config{
			Codec:         opts.Codec,
			Timeout:       opts.Timeout,
			PipelineDepth: opts.PipelineDepth,
		}),
	}, nil
}

// Name returns the name of the resource.
func (b *base) Name() string { return b.ctl.Name() }

// Partition returns the partition the resource lives in.
func (b *base) Partition() primitive.PartitionID { return b.ctl.Partition() }

// Context returns the execution context futures of the resource resolve on.
func (b *base) Context() *exec.Context { return b.ex }

// close fails pending operations with Closed and unregisters r
func (b *base) close(r coordinator.IResource) error {
	if b.closed.Swap(true) {
		return nil
	}
	b.log.Close()
	b.ctl.Release(r)
	log.Debugf("resource %q closed", b.Name())
	return nil
}

// err returns the error every new operation fails with, if any
func (b *base) err() error {
	if err := b.ctl.Err(); err != nil {
		return primitive.NewError(primitive.RetCCoordinatorClosed, "coordinator closed").At(b.Partition(), 0)
	}
	if b.closed.Load() {
		return primitive.Errorf(primitive.RetCClosed, "resource %q is closed", b.Name()).At(b.Partition(), 0)
	}
	return nil
}

func (b *base) encode(v any) ([]byte, error) {
	data, err := b.codec.Marshal(v)
	if err != nil {
		return nil, primitive.Errorf(primitive.RetCSerializationError, "encode: %v", err).At(b.Partition(), 0)
	}
	return data, nil
}

func (b *base) decode(data []byte, v any) error {
	if err := b.codec.Unmarshal(data, v); err != nil {
		return primitive.Errorf(primitive.RetCSerializationError, "decode: %v", err).At(b.Partition(), 0)
	}
	return nil
}

// commit sends a command and decodes its result as R
func commit[R any](ctx context.Context, b *base, cmd any) *future.Future[R] {
	return send[R](b, cmd, func(payload []byte) *future.Future[[]byte] {
		return b.log.Commit(ctx, payload)
	})
}

// query reads the resource with the configured consistency
func query[R any](ctx context.Context, b *base, cmd any) *future.Future[R] {
	return send[R](b, cmd, func(payload []byte) *future.Future[[]byte] {
		return b.log.Query(ctx, payload, b.opts.Consistency)
	})
}

func send[R any](b *base, cmd any, fn func([]byte) *future.Future[[]byte]) *future.Future[R] {
	if err := b.err(); err != nil {
		return future.Failed[R](b.ex, err)
	}
	payload, err := b.encode(cmd)
	if err != nil {
		return future.Failed[R](b.ex, err)
	}
	return future.Then(fn(payload), func(data []byte) (R, error) {
		var r R
		err := b.decode(data, &r)
		return r, err
	})
}

// value decodes a user value of a result
func value[T any](b *base, data []byte) (T, error) {
	var v T
	err := b.decode(data, &v)
	return v, err
}

// optional decodes a user value that may be absent
func optional[T any](b *base, data []byte, present bool) (Optional[T], error) {
	if !present {
		return Optional[T]{}, nil
	}
	v, err := value[T](b, data)
	return Optional[T]{Value: v, Present: err == nil}, err
}

// values decodes a list of user values
func values[T any](b *base, items [][]byte) ([]T, error) {
	out := make([]T, 0, len(items))
	for _, item := range items {
		v, err := value[T](b, item)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Kinds returns a registry with every built-in resource kind and the given
// user kinds. Every replica of a cluster must use the same registry.
func Kinds(extra ...rsm.Kind) *rsm.Registry {
	kinds := []rsm.Kind{mapKind, setKind, listKind, lockKind, electionKind, eventLogKind}
	return rsm.NewRegistry(append(kinds, extra...)...)
}
