package rsm

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ValentinKolb/dPrim/lib/primitive"
)

// Meta is the deterministic context of a transition. Every replica sees the
// same values for the same log entry.
type Meta struct {
	Index    primitive.Index // log index of the entry (0 for local reads)
	Time     time.Time       // submitter timestamp recorded in the entry
	Token    Token
	Resource string
}

// Input is a decoded log entry addressed to one resource.
type Input struct {
	Meta
	Codec   Codec
	Payload []byte
}

// Kind is the type-erased description of a resource kind. Use Definition to
// build a Kind from typed transition functions.
//
// Apply and Query must be deterministic: given equal state and input they
// return equal results on every replica. Apply may return a new state value
// or mutate and return the given one.
type Kind interface {
	Name() string
	New() any
	Apply(state any, in Input) (next any, result []byte, err error)
	Query(state any, in Input) (result []byte, err error)
	MarshalState(state any) ([]byte, error)
	UnmarshalState(data []byte) (any, error)
}

// Registry maps kind names to kinds. Every replica of a partition must use a
// registry with the same kinds. Registries are passed explicitly, there is no
// global registry.
//
// Thread-safety: All methods are thread-safe.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewRegistry creates a registry with the given kinds. It panics on duplicate
// names.
func NewRegistry(kinds ...Kind) *Registry {
	r := &Registry{kinds: make(map[string]Kind)}
	for _, k := range kinds {
		if err := r.Register(k); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a kind. It fails if a kind with the same name exists.
func (r *Registry) Register(k Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[k.Name()]; ok {
		return fmt.Errorf("kind %q already registered", k.Name())
	}
	r.kinds[k.Name()] = k
	return nil
}

// Lookup returns the kind with the given name.
func (r *Registry) Lookup(name string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	return k, ok
}

// Names returns the registered kind names in ascending order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for n := range r.kinds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
