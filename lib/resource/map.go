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

// --------------------------------------------------------------------------
// Replicated state
// --------------------------------------------------------------------------

type mapOp uint8

const (
	mapPut mapOp = iota + 1
	mapPutIfAbsent
	mapRemove
	mapClear
	mapGet
	mapContainsKey
	mapSize
	mapKeys
)

func (o mapOp) String() string {
	switch o {
	case mapPut:
		return "Put"
	case mapPutIfAbsent:
		return "PutIfAbsent"
	case mapRemove:
		return "Remove"
	case mapClear:
		return "Clear"
	case mapGet:
		return "Get"
	case mapContainsKey:
		return "ContainsKey"
	case mapSize:
		return "Size"
	case mapKeys:
		return "Keys"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(o))
	}
}

// mapState maps hex encoded keys to encoded values. Hex keeps the byte order
// of the encoded keys and survives the json snapshot unchanged.
type mapState map[string][]byte

type mapCommand struct {
	Op    mapOp
	Key   []byte
	Value []byte
}

type mapResult struct {
	Value []byte
	Found bool
	Size  int
	Keys  [][]byte
}

var mapKind = rsm.Definition[mapState, mapCommand, mapResult]{
	Name:  "map",
	Init:  func() mapState { return mapState{} },
	Apply: applyMap,
	Query: queryMap,
}.Kind()

func applyMap(s mapState, cmd mapCommand, meta rsm.Meta) (mapState, mapResult, error) {
	key := hex.EncodeToString(cmd.Key)
	prev, found := s[key]

	switch cmd.Op {
	case mapPut:
		s[key] = cmd.Value
		return s, mapResult{Value: prev, Found: found}, nil
	case mapPutIfAbsent:
		if !found {
			s[key] = cmd.Value
		}
		return s, mapResult{Value: prev, Found: found}, nil
	case mapRemove:
		delete(s, key)
		return s, mapResult{Value: prev, Found: found}, nil
	case mapClear:
		return mapState{}, mapResult{Size: len(s)}, nil
	default:
		res, err := queryMap(s, cmd, meta)
		return s, res, err
	}
}

func queryMap(s mapState, cmd mapCommand, _ rsm.Meta) (mapResult, error) {
	switch cmd.Op {
	case mapGet, mapContainsKey:
		v, found := s[hex.EncodeToString(cmd.Key)]
		return mapResult{Value: v, Found: found}, nil
	case mapSize:
		return mapResult{Size: len(s)}, nil
	case mapKeys:
		hexKeys := make([]string, 0, len(s))
		for k := range s {
			hexKeys = append(hexKeys, k)
		}
		slices.Sort(hexKeys)
		keys := make([][]byte, len(hexKeys))
		for i, k := range hexKeys {
			keys[i], _ = hex.DecodeString(k)
		}
		return mapResult{Keys: keys, Size: len(keys)}, nil
	default:
		return mapResult{}, fmt.Errorf("unknown map operation %s", cmd.Op)
	}
}

// --------------------------------------------------------------------------
// Client
// --------------------------------------------------------------------------

// Map is a replicated map. Keys and values are encoded with the codec of the
// resource; keys are compared by their encoding.
type Map[K, V any] struct {
	*base
}

// NewMap creates the client of the map resource. It is meant to be passed to
// coordinator.CreateResource, see GetMap.
func NewMap[K, V any](ctl coordinator.Control, ex *exec.Context, opts Options) (*Map[K, V], error) {
	b, err := newBase(ctl, ex, mapKind.Name(), opts)
	if err != nil {
		return nil, err
	}
	return &Map[K, V]{base: b}, nil
}

// GetMap returns the map named name of the coordinator, creating it if
// needed.
func GetMap[K, V any](c *coordinator.Coordinator, name string, opts Options) (*Map[K, V], error) {
	return coordinator.CreateResource(c, name, func(ctl coordinator.Control, ex *exec.Context) (*Map[K, V], error) {
		return NewMap[K, V](ctl, ex, opts)
	})
}

// Close fails pending operations with Closed and unregisters the map.
func (m *Map[K, V]) Close() error { return m.close(m) }

// Put sets key to value and returns the previous value.
func (m *Map[K, V]) Put(ctx context.Context, key K, value V) *future.Future[Optional[V]] {
	return m.update(ctx, mapPut, key, &value)
}

// PutIfAbsent sets key to value if the key is not present. It returns the
// present value, or nothing if value was stored.
func (m *Map[K, V]) PutIfAbsent(ctx context.Context, key K, value V) *future.Future[Optional[V]] {
	return m.update(ctx, mapPutIfAbsent, key, &value)
}

// Remove removes key and returns its value.
func (m *Map[K, V]) Remove(ctx context.Context, key K) *future.Future[Optional[V]] {
	return m.update(ctx, mapRemove, key, nil)
}

// Get returns the value of key.
func (m *Map[K, V]) Get(ctx context.Context, key K) *future.Future[Optional[V]] {
	cmd, err := m.command(mapGet, key, nil)
	if err != nil {
		return future.Failed[Optional[V]](m.ex, err)
	}
	return future.Then(query[mapResult](ctx, m.base, cmd), m.optional)
}

// ContainsKey reports whether key is present.
func (m *Map[K, V]) ContainsKey(ctx context.Context, key K) *future.Future[bool] {
	cmd, err := m.command(mapContainsKey, key, nil)
	if err != nil {
		return future.Failed[bool](m.ex, err)
	}
	return future.Then(query[mapResult](ctx, m.base, cmd), func(r mapResult) (bool, error) {
		return r.Found, nil
	})
}

// Size returns the number of entries.
func (m *Map[K, V]) Size(ctx context.Context) *future.Future[int] {
	return future.Then(query[mapResult](ctx, m.base, mapCommand{Op: mapSize}), func(r mapResult) (int, error) {
		return r.Size, nil
	})
}

// IsEmpty reports whether the map has no entries.
func (m *Map[K, V]) IsEmpty(ctx context.Context) *future.Future[bool] {
	return future.Then(m.Size(ctx), func(n int) (bool, error) { return n == 0, nil })
}

// Keys returns every key, ordered by encoding.
func (m *Map[K, V]) Keys(ctx context.Context) *future.Future[[]K] {
	return future.Then(query[mapResult](ctx, m.base, mapCommand{Op: mapKeys}), func(r mapResult) ([]K, error) {
		return values[K](m.base, r.Keys)
	})
}

// Clear removes every entry and returns how many there were.
func (m *Map[K, V]) Clear(ctx context.Context) *future.Future[int] {
	return future.Then(commit[mapResult](ctx, m.base, mapCommand{Op: mapClear}), func(r mapResult) (int, error) {
		return r.Size, nil
	})
}

func (m *Map[K, V]) update(ctx context.Context, op mapOp, key K, value *V) *future.Future[Optional[V]] {
	cmd, err := m.command(op, key, value)
	if err != nil {
		return future.Failed[Optional[V]](m.ex, err)
	}
	return future.Then(commit[mapResult](ctx, m.base, cmd), m.optional)
}

func (m *Map[K, V]) command(op mapOp, key K, value *V) (mapCommand, error) {
	cmd := mapCommand{Op: op}
	var err error
	if cmd.Key, err = m.encode(key); err != nil {
		return cmd, err
	}
	if value != nil {
		if cmd.Value, err = m.encode(*value); err != nil {
			return cmd, err
		}
	}
	return cmd, nil
}

func (m *Map[K, V]) optional(r mapResult) (Optional[V], error) {
	return optional[V](m.base, r.Value, r.Found)
}
