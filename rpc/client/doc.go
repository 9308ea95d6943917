// Package client implements the client side of the dPrim rpc layer.
//
// Client implements partition.ITransport and partition.IMetadataSource over
// any rpc transport: every node of the cluster (replica id -> endpoint) gets
// its own client transport, connected on first use. Backend wraps a Client
// as a coordinator.IBackend, so a coordinator can run in a process that is
// not part of the cluster.
//
// Usage Example:
//
//	config := common.ClientConfig{
//	  Nodes:         map[uint64]string{1: "localhost:8080", 2: "localhost:8081", 3: "localhost:8082"},
//	  TimeoutSecond: 5,
//	  Transport:     common.ClientTransportConfig{RetryCount: 3, ConnectionsPerEndpoint: 1},
//	}
//
//	c, _ := client.NewClient(config, tcp.NewTCPClientTransport, serializer.NewBinarySerializer())
//	backend := client.NewBackend(c, 0)
//	if err := backend.Start(ctx); err != nil { ... }
//
//	coord, _ := coordinator.New(coordinator.Config{Backend: backend})
//	coord.Open().Await(ctx)
//
// Transport errors are returned as errors: the request may or may not have
// reached the node. Every answer of a node, including error answers, is
// returned as a partition.Response.
//
// Thread Safety:
//
//	Client and Backend are safe for concurrent use.
package client
