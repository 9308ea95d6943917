// Package grpc implements a gRPC transport for the RPC system of dPrim.
//
// The service "dprim.Transport" has a single unary method Send. Requests and
// responses are serialized rpc messages wrapped in a protobuf BytesValue, so
// the transport works with every serializer. The partition id is sent in the
// "x-dprim-partition" request metadata.
//
// Only requests failing with codes.Unavailable are retried; those never
// reached the server.
package grpc
