// Package http carries dPrim rpc requests as HTTP POST bodies.
//
// The server registers POST /{partition}; the body is the serialized
// request and the response body the serialized reply. The client posts to
// <endpoint>/<partition> and balances between its endpoints round robin,
// retrying on another endpoint when a request fails. The rpc client of
// dPrim connects one transport per node, so in practice every client
// transport has a single endpoint.
//
// Requests are logged at debug level with their status and duration.
package http
