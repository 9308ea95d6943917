// Package replica implements primary/backup replication of partitions inside
// one process.
//
// Every partition is served by a Group of replicas placed on different
// nodes. The primary appends requests to its log, ships them to the backups
// and applies an entry once a majority stored it. Primaries are chosen
// through Elect and Failover, never by timeouts: a replica only votes for a
// candidate whose log is at least as up to date as its own, so committed
// entries survive every failover.
//
// Cluster wires the groups to a partition.Table and an in-process transport,
// so the same partition.Client used against remote nodes can drive it.
package replica
