package primitive

import (
	"strconv"
)

// NodeID identifies a node (replica host) in the cluster. The zero value
// means "no node", e.g. a partition without a primary during an election.
type NodeID uint64

// NoNode is the NodeID used when no node is known.
const NoNode NodeID = 0

func (n NodeID) String() string {
	if n == NoNode {
		return "none"
	}
	return "node-" + strconv.FormatUint(uint64(n), 10)
}

// PartitionID identifies a shard of the resource keyspace. It is stable for
// the lifetime of the partition and unique within a cluster.
type PartitionID uint64

func (p PartitionID) String() string {
	return "partition-" + strconv.FormatUint(uint64(p), 10)
}

// Term is the fencing counter of a partition. It increases exactly when a new
// primary is established and never decreases.
type Term uint64

// Index is the position of an entry in a partition log. Indices are dense and
// start at 1, zero means "no entry".
type Index uint64

// Consistency selects how a read is served.
type Consistency uint8

const (
	// Linearizable reads go through the primary and the log and observe all
	// writes committed before they were submitted.
	Linearizable Consistency = iota
	// Sequential reads may be served from the applied state of any replica,
	// including backups, and may return stale data.
	Sequential
)

func (c Consistency) String() string {
	switch c {
	case Linearizable:
		return "linearizable"
	case Sequential:
		return "sequential"
	default:
		return "unknown(" + strconv.Itoa(int(c)) + ")"
	}
}
