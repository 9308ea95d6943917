// Package rpc connects dPrim clients to the nodes of a cluster. It is the
// network layer below partition.Client: requests for a partition are sent
// to a node, which hands them to its raft replica of that partition.
//
// The package is organized into several subpackages:
//
//   - common: The Message protocol, configuration structures and logging.
//
//   - transport: Network communication abstractions with pluggable
//     implementations (TCP, Unix sockets, HTTP, gRPC).
//
//   - serializer: Message serialization (Binary, JSON, GOB).
//
//   - client: partition.ITransport and partition.IMetadataSource over the
//     transports, plus a coordinator backend for remote clusters.
//
//   - server: The node server hosting the raft engine.
package rpc
