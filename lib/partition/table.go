package partition

import (
	"context"
	"slices"
	"sync"

	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("partition")

// Table holds the latest known metadata of every partition. It is mutated only
// through Observe, which is the hook an election (or a replication engine's
// leader notification) calls when a new primary is established.
//
// Thread-safety: All methods are thread-safe.
type Table struct {
	mu         sync.RWMutex
	partitions map[primitive.PartitionID]Partition
	listeners  []func(Partition)
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		partitions: make(map[primitive.PartitionID]Partition),
	}
}

// Observe records that the partition has the given primary in the given term.
//
// Observations with a term lower than the highest observed term are rejected
// with TermMismatch. Within the same term the primary can only be set once:
// a different primary for an already known term is rejected as well. Backups
// may change freely within a term.
func (t *Table) Observe(id primitive.PartitionID, term primitive.Term, primary primitive.NodeID, backups []primitive.NodeID) error {
	t.mu.Lock()

	cur, known := t.partitions[id]
	if known {
		if term < cur.Term {
			t.mu.Unlock()
			return primitive.Errorf(primitive.RetCTermMismatch,
				"observed term %d is lower than known term %d", term, cur.Term).At(id, cur.Term)
		}
		if term == cur.Term && cur.HasPrimary() && primary != primitive.NoNode && primary != cur.Primary {
			t.mu.Unlock()
			return primitive.Errorf(primitive.RetCTermMismatch,
				"term %d already has primary %s, got %s", term, cur.Primary, primary).At(id, cur.Term)
		}
		if term == cur.Term && primary == primitive.NoNode {
			primary = cur.Primary
		}
	}

	p := Partition{
		ID:      id,
		Term:    term,
		Primary: primary,
		Backups: slices.Clone(backups),
	}
	t.partitions[id] = p
	listeners := slices.Clone(t.listeners)
	t.mu.Unlock()

	if !known || cur.Term != term || cur.Primary != primary {
		log.Infof("%s: primary %s in term %d", id, primary, term)
		metrics.GetOrCreateCounter(`dprim_partition_primary_changes_total`).Inc()
	}

	for _, l := range listeners {
		l(p.Clone())
	}
	return nil
}

// Get returns the metadata of one partition.
func (t *Table) Get(id primitive.PartitionID) (Partition, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.partitions[id]
	if !ok {
		return Partition{}, false
	}
	return p.Clone(), true
}

// Snapshot returns an immutable view of the whole table.
func (t *Table) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	parts := make(map[primitive.PartitionID]Partition, len(t.partitions))
	for id, p := range t.partitions {
		parts[id] = p.Clone()
	}
	return Snapshot{partitions: parts}
}

// Subscribe registers a listener that is called after every accepted
// observation. Listeners run on the goroutine that called Observe.
func (t *Table) Subscribe(fn func(Partition)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Lookup implements IMetadataSource.
func (t *Table) Lookup(_ context.Context, id primitive.PartitionID) (Partition, error) {
	p, ok := t.Get(id)
	if !ok {
		return Partition{}, primitive.Errorf(primitive.RetCPartitionUnavailable, "unknown partition").At(id, 0)
	}
	return p, nil
}
