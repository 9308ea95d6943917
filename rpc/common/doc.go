// Package common provides the data structures shared by the rpc client and
// server.
//
// Key Components:
//
//   - Message: The single wire structure for requests and responses. Command
//     and Query carry partition requests, Success and Error their responses,
//     Metadata and Info serve primary discovery. Conversion helpers map
//     between messages and partition.Request / partition.Response.
//
//   - ServerConfig: Configuration of a node: raft parameters, storage,
//     transport settings and the metrics endpoint. ToEngineConfig converts it
//     to the config of the raft engine.
//
//   - ClientConfig: The nodes of a cluster and the connection parameters of
//     the client transports.
//
//   - Logger: Custom logger factory for dragonboat's logger, so dPrim and
//     dragonboat log in the same format.
package common
