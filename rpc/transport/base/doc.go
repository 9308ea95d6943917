// Package base implements a framed request/response transport over any
// stream connection. The tcp and unix packages only supply the dial and
// listen functions (IClientConnector, IServerConnector).
//
// Every frame is
//
//	partition id (8 bytes) | request id (8 bytes) | length (4 bytes) | payload
//
// in big endian. The partition id tells the server handler which partition
// the request is for, the request id correlates responses with pending
// requests, so a single connection carries many requests at once.
//
// The client keeps ConnectionsPerEndpoint connections per endpoint and
// picks them round robin. A broken connection fails its pending requests,
// and the request is retried on the next connection up to RetryCount times
// while the broken one reconnects in the background.
//
// The server handles up to maxWorkersPerConn requests of one connection
// concurrently and reuses its read buffers through a sync.Pool.
package base
