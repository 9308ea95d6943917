// Package server implements the rpc server of a dPrim node. A node hosts
// one raft replica of every partition (see lib/raftengine) and exposes them
// over a pluggable transport and serializer.
//
// The server answers four kinds of requests, addressed to a partition by the
// partition id of the transport frame:
//
//   - Command and Query: handed to the engine. A node that is not the
//     primary of the partition answers NotLeader with a hint to the primary,
//     clients follow it.
//
//   - Metadata: the replicas of the partition as seen by this node, used by
//     clients to find the primary.
//
//   - Info: the id of the node and the number of partitions.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  Partitions:     8,
//	  RTTMillisecond: 100,
//	  DataDir:        "/tmp/dprim",
//	  ReplicaID:      1,
//	  ClusterMembers: map[uint64]string{1: "localhost:63001"},
//	  TimeoutSecond:  5,
//	  Transport:      common.ServerTransportConfig{Endpoint: "localhost:8080"},
//	  MetricsEndpoint: "localhost:9090",
//	}
//
//	engine := raftengine.New(config.ToEngineConfig(resource.Kinds(), nil))
//	s := server.NewRPCServer(config, tcp.NewTCPDefaultServerTransport(), serializer.NewBinarySerializer(), engine)
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// Requests received before every partition elected a leader are answered
// with PartitionUnavailable. When MetricsEndpoint is set the server exposes
// /metrics in the Prometheus text format and the pprof handlers.
//
// Thread Safety:
//
//	Handle is safe for concurrent use. Serve must be called only once.
package server
