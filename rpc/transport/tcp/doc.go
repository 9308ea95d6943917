// Package tcp plugs TCP connections into the framed transport of the base
// package. The client applies the socket options of common.TCPConf
// (nodelay, keepalive, linger) and the buffer sizes of common.SocketConf to
// every connection it dials.
package tcp
