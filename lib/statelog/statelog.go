package statelog

import (
	"context"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dPrim/lib/exec"
	"github.com/ValentinKolb/dPrim/lib/future"
	"github.com/ValentinKolb/dPrim/lib/partition"
	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/ValentinKolb/dPrim/lib/rsm"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("statelog")

var (
	commitDuration = metrics.NewHistogram(`dprim_statelog_commit_duration_seconds`)
	commitsTotal   = metrics.NewCounter(`dprim_statelog_commits_total`)
	commitFailures = metrics.NewCounter(`dprim_statelog_commit_failures_total`)
)

// ISubmitter sends requests to the primary of a partition. It is implemented
// by partition.Client.
type ISubmitter interface {
	Submit(ctx context.Context, req *partition.Request) (*partition.Response, error)
}

// Config configures a StateLog.
type Config struct {
	Codec         rsm.CodecID   // codec of payloads and results (recorded in every entry)
	Timeout       time.Duration // used when the caller's context has no deadline (default 10s)
	PipelineDepth int           // commands dispatched concurrently per window (default 1)
}

// WithDefaults returns a copy of the config with unset fields filled in.
func (c Config) WithDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.PipelineDepth <= 0 {
		c.PipelineDepth = 1
	}
	return c
}

// StateLog is the commit client of a single resource. It turns commands into
// log entries of the resource's partition and resolves a future once the
// entry is committed and applied on the primary.
//
// Commands are dispatched in windows of at most PipelineDepth commands. The
// next window starts after every command of the current one finished, and a
// finished window is resolved in log index order. Futures of one StateLog
// therefore resolve in commit order, on the StateLog's execution context.
//
// Thread-safety: All methods are thread-safe.
type StateLog struct {
	name      string
	kind      string
	partition primitive.PartitionID
	client    ISubmitter
	ex        *exec.Context
	cfg       Config
	closed    atomic.Bool

	// owned by ex
	queue    []*pending
	inflight []*pending
}

type pending struct {
	ctx    context.Context
	req    *partition.Request
	future *future.Future[[]byte]
	start  time.Time
	resp   *partition.Response
	err    error
}

// New creates the StateLog of the resource name of the given kind, living in
// partition pid. Futures are resolved on ex.
func New(name, kind string, pid primitive.PartitionID, client ISubmitter, ex *exec.Context, cfg Config) *StateLog {
	return &StateLog{
		name:      name,
		kind:      kind,
		partition: pid,
		client:    client,
		ex:        ex,
		cfg:       cfg.WithDefaults(),
	}
}

// Name returns the name of the resource.
func (s *StateLog) Name() string { return s.name }

// Partition returns the partition the resource lives in.
func (s *StateLog) Partition() primitive.PartitionID { return s.partition }

// Context returns the execution context futures are resolved on.
func (s *StateLog) Context() *exec.Context { return s.ex }

// Codec returns the codec of the resource.
func (s *StateLog) Codec() rsm.CodecID { return s.cfg.Codec }

// Commit appends a command to the log. The future resolves with the encoded
// result after the command was committed and applied on the primary. A
// Timeout failure is ambiguous: the command may still commit.
func (s *StateLog) Commit(ctx context.Context, payload []byte) *future.Future[[]byte] {
	token := uuid.New()
	return s.enqueue(ctx, &partition.Request{
		Partition:   s.partition,
		Op:          partition.OpCommand,
		Consistency: primitive.Linearizable,
		Data:        s.envelope(rsm.OpCommand, rsm.Token(token), payload),
	})
}

// Query reads the resource. Linearizable queries are ordered with the
// commands of this StateLog and observe every write committed before they
// were submitted. Sequential queries may be served by any replica and are
// not ordered with other operations.
func (s *StateLog) Query(ctx context.Context, payload []byte, consistency primitive.Consistency) *future.Future[[]byte] {
	req := &partition.Request{
		Partition:   s.partition,
		Op:          partition.OpQuery,
		Consistency: consistency,
		Data:        s.envelope(rsm.OpQuery, rsm.Token{}, payload),
	}
	if consistency == primitive.Linearizable {
		return s.enqueue(ctx, req)
	}

	f := future.New[[]byte](s.ex)
	if s.closed.Load() {
		f.Fail(s.closedErr())
		return f
	}
	go func() {
		p := &pending{ctx: ctx, req: req, future: f, start: time.Now()}
		s.submit(p)
		s.resolve(p)
	}()
	return f
}

// Close fails every pending future with Closed. Entries that were already
// submitted are not retracted and may still commit.
func (s *StateLog) Close() {
	if s.closed.Swap(true) {
		return
	}
	if !s.ex.Execute(s.failPending) {
		log.Debugf("%s: context already closed", s.name)
	}
}

func (s *StateLog) envelope(op rsm.Op, token rsm.Token, payload []byte) []byte {
	e := rsm.Envelope{
		Op:        op,
		Codec:     s.cfg.Codec,
		Timestamp: time.Now().UnixMilli(),
		Token:     token,
		Kind:      s.kind,
		Resource:  s.name,
		Payload:   payload,
	}
	return e.Serialize()
}

func (s *StateLog) enqueue(ctx context.Context, req *partition.Request) *future.Future[[]byte] {
	f := future.New[[]byte](s.ex)
	if s.closed.Load() {
		f.Fail(s.closedErr())
		return f
	}
	p := &pending{ctx: ctx, req: req, future: f, start: time.Now()}
	if !s.ex.Execute(func() {
		if s.closed.Load() {
			p.future.Fail(s.closedErr())
			return
		}
		s.queue = append(s.queue, p)
		s.pump()
	}) {
		f.Fail(s.closedErr())
	}
	return f
}

// pump dispatches the next window if none is in flight (runs on ex)
func (s *StateLog) pump() {
	if len(s.inflight) > 0 || len(s.queue) == 0 {
		return
	}
	n := min(s.cfg.PipelineDepth, len(s.queue))
	window := make([]*pending, n)
	copy(window, s.queue[:n])
	s.queue = s.queue[n:]
	s.inflight = window

	var remaining atomic.Int32
	remaining.Store(int32(n))
	for _, p := range window {
		go func(p *pending) {
			s.submit(p)
			if remaining.Add(-1) == 0 {
				if !s.ex.Execute(func() { s.finish(window) }) {
					// the context is gone, nothing else runs on it anymore
					s.finish(window)
				}
			}
		}(p)
	}
}

// finish resolves a window in commit order and dispatches the next (runs on ex)
func (s *StateLog) finish(window []*pending) {
	s.inflight = nil
	sort.SliceStable(window, func(i, j int) bool {
		return commitIndex(window[i]) < commitIndex(window[j])
	})
	for _, p := range window {
		s.resolve(p)
	}
	if s.closed.Load() {
		s.failPending()
		return
	}
	s.pump()
}

func (s *StateLog) submit(p *pending) {
	ctx := p.ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	p.resp, p.err = s.client.Submit(ctx, p.req)
}

func (s *StateLog) resolve(p *pending) {
	commitDuration.UpdateDuration(p.start)
	if p.err != nil {
		commitFailures.Inc()
		e := primitive.Wrap(p.err)
		if e.Partition == 0 {
			e = e.At(s.partition, 0)
		}
		p.future.Fail(e)
		return
	}
	commitsTotal.Inc()
	p.future.Complete(p.resp.Data)
}

// failPending fails everything queued or in flight (runs on ex)
func (s *StateLog) failPending() {
	err := s.closedErr()
	for _, p := range s.queue {
		p.future.Fail(err)
	}
	for _, p := range s.inflight {
		p.future.Fail(err)
	}
	s.queue = nil
}

func (s *StateLog) closedErr() error {
	return primitive.Errorf(primitive.RetCClosed, "resource %q is closed", s.name).At(s.partition, 0)
}

// commitIndex orders failed commands after committed ones
func commitIndex(p *pending) primitive.Index {
	if p.err != nil || p.resp == nil {
		return math.MaxUint64
	}
	return p.resp.Index
}
