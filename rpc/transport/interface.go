package transport

import (
	"context"

	"github.com/ValentinKolb/dPrim/rpc/common"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc is a function type that handles incoming requests
// This function is called by a server transport layer when a request is received
// It takes the id of the addressed partition and a request as
// parameters and returns a response
type ServerHandleFunc func(ctx context.Context, partitionID uint64, req []byte) (resp []byte)

// IRPCServerTransport is the interface for the RPC transport layer
type IRPCServerTransport interface {
	// RegisterHandler registers a handler for the transport layer
	// This handler should be called when a request is received
	RegisterHandler(handler ServerHandleFunc)
	// Listen starts the transport layer and blocks serving incoming requests
	// until Close is called. It returns nil after Close.
	Listen(config common.ServerConfig) error
	// Close stops listening and closes open connections
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// Send sends a request to the server and returns the response. The
	// request is abandoned when ctx is done.
	Send(ctx context.Context, partitionID uint64, req []byte) (resp []byte, err error)
	// Close closes the transport connection
	Close() error
}
