package partition

import (
	"github.com/ValentinKolb/dPrim/lib/primitive"
)

// HashString generates a hash value for a string with a seed.
// This function uses the FNV-1a hash algorithm, which is fast and has good distribution
func HashString(s string, seed uint64) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	hash := uint64(offset64) ^ seed
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}
	return hash
}

// Router maps resource names to partitions. Partition ids are 1..Count, the
// zero id is never used (dragonboat rejects shard id 0).
type Router struct {
	count uint64
}

// NewRouter creates a router for count partitions. A count of zero is treated
// as one.
func NewRouter(count int) Router {
	if count < 1 {
		count = 1
	}
	return Router{count: uint64(count)}
}

// Route returns the partition owning the resource name.
func (r Router) Route(name string) primitive.PartitionID {
	return primitive.PartitionID(HashString(name, 0)%r.count + 1)
}

// Count returns the number of partitions.
func (r Router) Count() int {
	return int(r.count)
}

// IDs returns all partition ids in ascending order.
func (r Router) IDs() []primitive.PartitionID {
	ids := make([]primitive.PartitionID, r.count)
	for i := range ids {
		ids[i] = primitive.PartitionID(i + 1)
	}
	return ids
}
