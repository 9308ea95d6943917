// Package unix plugs Unix domain sockets into the framed transport of the
// base package. It suits a client and a node on the same host, e.g. a
// sidecar talking to a local dPrim node.
package unix
