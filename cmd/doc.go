// Package cmd implements the command-line interface of dPrim. It provides a
// hierarchical command structure for running a node and for using the
// primitives of a cluster as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Start and configure a dPrim node
//   - kv: Replicated map operations (put, get, remove, size, ...)
//   - lock: Lock operations (acquire, release, status)
//   - eventlog: Event log operations (append, get, range, len)
//   - bench: Latency and throughput benchmark against a cluster
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Client commands bind the root persistent flags (serializer, transport) and
// their own flags to viper, so every flag can be set as DPRIM_<FLAG>.
//
// See dprim -help for a list of all commands.
package cmd
