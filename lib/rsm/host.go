package rsm

import (
	"encoding/gob"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("rsm")

var (
	appliedEntries = metrics.NewCounter(`dprim_rsm_applied_entries_total`)
	dedupHits      = metrics.NewCounter(`dprim_rsm_dedup_hits_total`)
	divergences    = metrics.NewCounter(`dprim_rsm_divergent_total`)
)

// --------------------------------------------------------------------------
// Results
// --------------------------------------------------------------------------

// Result is the outcome of applying one entry. On success Data holds the
// encoded result of the resource, otherwise the error message.
type Result struct {
	Code primitive.RetCode
	Data []byte
}

// Err converts a failed result into an error.
func (r Result) Err() error {
	if r.Code == primitive.RetCSuccess {
		return nil
	}
	return primitive.NewError(r.Code, string(r.Data))
}

func failure(code primitive.RetCode, format string, args ...any) Result {
	return Result{Code: code, Data: []byte(fmt.Sprintf(format, args...))}
}

// rejection maps an error returned by a kind to a result. Plain errors are
// domain rejections.
func rejection(err error) Result {
	code := primitive.CodeOf(err)
	if code == primitive.RetCInternalError {
		code = primitive.RetCInvalidOperation
	}
	return Result{Code: code, Data: []byte(primitive.Wrap(err).Msg)}
}

// --------------------------------------------------------------------------
// Host
// --------------------------------------------------------------------------

// HostConfig configures a Host.
type HostConfig struct {
	// DedupWindow is the number of log indices an idempotency token is
	// remembered for (default 100000). Eviction depends on log indices only,
	// so every replica evicts the same tokens.
	DedupWindow primitive.Index
}

func (c HostConfig) withDefaults() HostConfig {
	if c.DedupWindow == 0 {
		c.DedupWindow = 100_000
	}
	return c
}

type hosted struct {
	kind  Kind
	state any
}

type dedupEntry struct {
	index  primitive.Index
	result Result
}

type dedupRecord struct {
	token Token
	index primitive.Index
}

// Host is the state machine of one partition replica. It hosts every
// resource of the partition and applies log entries to them in strictly
// increasing index order.
//
// Resources are created on the first entry that names them, with the initial
// state of their kind. Commands carrying a token are applied at most once:
// a repeated token within the dedup window returns the cached result without
// applying again.
//
// Thread-safety: All methods are thread-safe. Apply is expected to be called
// by one goroutine (the apply loop of the replica), Read may be called
// concurrently.
type Host struct {
	mu        sync.RWMutex
	registry  *Registry
	cfg       HostConfig
	resources map[string]*hosted
	applied   primitive.Index
	dedup     map[Token]dedupEntry
	order     []dedupRecord // tokens in apply order
	divergent error
}

// NewHost creates an empty host for the kinds of the registry.
func NewHost(registry *Registry, cfg HostConfig) *Host {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Host{
		registry:  registry,
		cfg:       cfg.withDefaults(),
		resources: make(map[string]*hosted),
		dedup:     make(map[Token]dedupEntry),
	}
}

// Apply applies the entry at index. The returned error is non nil only if
// the host is divergent, in that case the replica must stop serving. Domain
// failures are reported through the result.
func (h *Host) Apply(index primitive.Index, data []byte) (Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.divergent != nil {
		return failure(primitive.RetCApplyError, "%v", h.divergent), h.divergent
	}
	// indices may jump (raft no-op and membership entries), never go back
	if index <= h.applied {
		err := primitive.Errorf(primitive.RetCApplyError, "entry %d applied after entry %d", index, h.applied)
		h.diverge(err)
		return failure(primitive.RetCApplyError, "%v", err), err
	}
	h.applied = index
	h.evict(index)
	appliedEntries.Inc()

	var env Envelope
	if err := env.Deserialize(data); err != nil {
		return failure(primitive.RetCSerializationError, "malformed entry %d: %v", index, err), nil
	}

	switch env.Op {
	case OpNoop:
		return Result{Code: primitive.RetCSuccess}, nil
	case OpQuery:
		return h.query(&env, index), nil
	case OpCommand:
		if !env.Token.IsZero() {
			if d, ok := h.dedup[env.Token]; ok {
				dedupHits.Inc()
				log.Debugf("entry %d: duplicate of entry %d for %q", index, d.index, env.Resource)
				return d.result, nil
			}
		}
		res, err := h.command(&env, index)
		if err != nil {
			return res, err
		}
		if !env.Token.IsZero() {
			h.dedup[env.Token] = dedupEntry{index: index, result: res}
			h.order = append(h.order, dedupRecord{token: env.Token, index: index})
		}
		return res, nil
	default:
		return failure(primitive.RetCSerializationError, "unknown op %s", env.Op), nil
	}
}

// Read evaluates a query envelope against the applied state without going
// through the log. It serves sequential reads.
func (h *Host) Read(data []byte) Result {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.divergent != nil {
		return failure(primitive.RetCApplyError, "%v", h.divergent)
	}
	var env Envelope
	if err := env.Deserialize(data); err != nil {
		return failure(primitive.RetCSerializationError, "malformed query: %v", err)
	}
	if env.Op != OpQuery {
		return failure(primitive.RetCInvalidOperation, "%s is not a query", env.Op)
	}
	return h.query(&env, 0)
}

// Applied returns the index of the last applied entry.
func (h *Host) Applied() primitive.Index {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.applied
}

// Divergent returns the error that made the host divergent, or nil.
func (h *Host) Divergent() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.divergent
}

// Resources returns the names of the hosted resources in ascending order.
func (h *Host) Resources() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.resources))
	for n := range h.resources {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// resolve returns the resource named by the envelope. With create set, a
// missing resource is created, otherwise a detached initial state is used.
func (h *Host) resolve(env *Envelope, create bool) (*hosted, Codec, *Result) {
	kind, ok := h.registry.Lookup(env.Kind)
	if !ok {
		r := failure(primitive.RetCInvalidOperation, "unknown resource kind %q", env.Kind)
		return nil, nil, &r
	}
	codec, err := CodecFor(env.Codec)
	if err != nil {
		r := failure(primitive.RetCSerializationError, "%v", err)
		return nil, nil, &r
	}

	res, ok := h.resources[env.Resource]
	if ok && res.kind.Name() != kind.Name() {
		r := failure(primitive.RetCInvalidOperation, "resource %q is a %s, not a %s", env.Resource, res.kind.Name(), kind.Name())
		return nil, nil, &r
	}
	if !ok {
		res = &hosted{kind: kind, state: kind.New()}
		if create {
			h.resources[env.Resource] = res
		}
	}
	return res, codec, nil
}

func (h *Host) command(env *Envelope, index primitive.Index) (res Result, err error) {
	r, codec, fail := h.resolve(env, true)
	if fail != nil {
		return *fail, nil
	}

	defer func() {
		if p := recover(); p != nil {
			err = primitive.Errorf(primitive.RetCApplyError, "transition of %q panicked at entry %d: %v", env.Resource, index, p)
			h.diverge(err)
			res = failure(primitive.RetCApplyError, "%v", err)
		}
	}()

	next, data, aerr := r.kind.Apply(r.state, Input{
		Meta:    Meta{Index: index, Time: env.Time(), Token: env.Token, Resource: env.Resource},
		Codec:   codec,
		Payload: env.Payload,
	})
	if aerr != nil {
		return rejection(aerr), nil
	}
	r.state = next
	return Result{Code: primitive.RetCSuccess, Data: data}, nil
}

func (h *Host) query(env *Envelope, index primitive.Index) (res Result) {
	r, codec, fail := h.resolve(env, false)
	if fail != nil {
		return *fail
	}

	defer func() {
		if p := recover(); p != nil {
			log.Errorf("query of %q panicked: %v", env.Resource, p)
			res = failure(primitive.RetCApplyError, "query of %q panicked: %v", env.Resource, p)
		}
	}()

	data, err := r.kind.Query(r.state, Input{
		Meta:    Meta{Index: index, Time: env.Time(), Token: env.Token, Resource: env.Resource},
		Codec:   codec,
		Payload: env.Payload,
	})
	if err != nil {
		return rejection(err)
	}
	return Result{Code: primitive.RetCSuccess, Data: data}
}

// diverge marks the host as divergent, it will reject every further entry
func (h *Host) diverge(err error) {
	if h.divergent == nil {
		h.divergent = err
		divergences.Inc()
		log.Errorf("state machine is divergent: %v", err)
	}
}

// evict forgets tokens that fell out of the dedup window
func (h *Host) evict(index primitive.Index) {
	if index <= h.cfg.DedupWindow {
		return
	}
	limit := index - h.cfg.DedupWindow
	n := 0
	for n < len(h.order) && h.order[n].index <= limit {
		rec := h.order[n]
		if d, ok := h.dedup[rec.token]; ok && d.index == rec.index {
			delete(h.dedup, rec.token)
		}
		n++
	}
	if n > 0 {
		h.order = h.order[n:]
	}
}

// --------------------------------------------------------------------------
// Snapshots
// --------------------------------------------------------------------------

type hostSnapshot struct {
	Applied   primitive.Index
	Resources []resourceSnapshot
	Dedup     []dedupSnapshot
}

type resourceSnapshot struct {
	Name  string
	Kind  string
	State []byte
}

type dedupSnapshot struct {
	Token Token
	Index primitive.Index
	Code  primitive.RetCode
	Data  []byte
}

// Save writes the applied state to w. Resources are written in name order
// and tokens in apply order, so replicas with equal state write equal bytes.
func (h *Host) Save(w io.Writer) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	snap := hostSnapshot{Applied: h.applied}
	names := make([]string, 0, len(h.resources))
	for n := range h.resources {
		names = append(names, n)
	}
	slices.Sort(names)
	for _, n := range names {
		r := h.resources[n]
		state, err := r.kind.MarshalState(r.state)
		if err != nil {
			return fmt.Errorf("save %q: %w", n, err)
		}
		snap.Resources = append(snap.Resources, resourceSnapshot{Name: n, Kind: r.kind.Name(), State: state})
	}
	for _, rec := range h.order {
		d, ok := h.dedup[rec.token]
		if !ok || d.index != rec.index {
			continue
		}
		snap.Dedup = append(snap.Dedup, dedupSnapshot{Token: rec.token, Index: rec.index, Code: d.result.Code, Data: d.result.Data})
	}
	return gob.NewEncoder(w).Encode(snap)
}

// Load replaces the state of the host with a snapshot written by Save.
func (h *Host) Load(r io.Reader) error {
	var snap hostSnapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	resources := make(map[string]*hosted, len(snap.Resources))
	for _, rs := range snap.Resources {
		kind, ok := h.registry.Lookup(rs.Kind)
		if !ok {
			return fmt.Errorf("snapshot contains unknown kind %q", rs.Kind)
		}
		state, err := kind.UnmarshalState(rs.State)
		if err != nil {
			return fmt.Errorf("load %q: %w", rs.Name, err)
		}
		resources[rs.Name] = &hosted{kind: kind, state: state}
	}
	dedup := make(map[Token]dedupEntry, len(snap.Dedup))
	order := make([]dedupRecord, 0, len(snap.Dedup))
	for _, d := range snap.Dedup {
		dedup[d.Token] = dedupEntry{index: d.Index, result: Result{Code: d.Code, Data: d.Data}}
		order = append(order, dedupRecord{token: d.Token, index: d.Index})
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.resources = resources
	h.dedup = dedup
	h.order = order
	h.applied = snap.Applied
	h.divergent = nil
	return nil
}
