package partition

import (
	"fmt"
	"slices"

	"github.com/ValentinKolb/dPrim/lib/primitive"
)

// Partition is the metadata of one partition as known at some point in time.
// Values of this type are never mutated after they were published, copies are
// handed out to readers.
type Partition struct {
	ID      primitive.PartitionID
	Term    primitive.Term
	Primary primitive.NodeID // NoNode while no primary is established
	Backups []primitive.NodeID
}

// HasPrimary reports whether a primary is established for the partition.
func (p Partition) HasPrimary() bool {
	return p.Primary != primitive.NoNode
}

// Members returns the primary (if any) followed by the backups.
func (p Partition) Members() []primitive.NodeID {
	members := make([]primitive.NodeID, 0, len(p.Backups)+1)
	if p.HasPrimary() {
		members = append(members, p.Primary)
	}
	return append(members, p.Backups...)
}

// Clone returns a deep copy of the partition.
func (p Partition) Clone() Partition {
	p.Backups = slices.Clone(p.Backups)
	return p
}

func (p Partition) String() string {
	return fmt.Sprintf("%s{term=%d primary=%s backups=%v}", p.ID, p.Term, p.Primary, p.Backups)
}

// Snapshot is an immutable view of the partition table.
type Snapshot struct {
	partitions map[primitive.PartitionID]Partition
}

// Get returns the metadata of a partition.
func (s Snapshot) Get(id primitive.PartitionID) (Partition, bool) {
	p, ok := s.partitions[id]
	if !ok {
		return Partition{}, false
	}
	return p.Clone(), true
}

// IDs returns the ids of all partitions in ascending order.
func (s Snapshot) IDs() []primitive.PartitionID {
	ids := make([]primitive.PartitionID, 0, len(s.partitions))
	for id := range s.partitions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of partitions in the snapshot.
func (s Snapshot) Len() int {
	return len(s.partitions)
}
