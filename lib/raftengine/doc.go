// Package raftengine replicates partitions with dragonboat multi-raft.
//
// Every partition is a raft shard hosting an rsm.Host. Commands and
// linearizable queries are proposed to the shard's log, sequential queries are
// answered from the local replica with StaleRead. The raft leader of a shard
// is the primary of the partition: requests reaching another replica are
// answered with NotLeader and a hint, and leader changes are published to a
// partition.Table.
//
// Usage:
//
//	e := raftengine.New(raftengine.Config{
//		ReplicaID:  1,
//		Members:    map[uint64]string{1: "localhost:63001"},
//		Partitions: 4,
//		DataDir:    "/tmp/dprim",
//		Registry:   resource.Kinds(),
//	})
//	if err := e.Start(ctx); err != nil {
//		panic(err)
//	}
//	defer e.Stop()
package raftengine
