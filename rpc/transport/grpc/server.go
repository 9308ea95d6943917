package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/ValentinKolb/dPrim/rpc/common"
	"github.com/ValentinKolb/dPrim/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var Logger = logger.GetLogger("transport/rpc")

// NewGRPCServerTransport creates a new gRPC server transport
func NewGRPCServerTransport() transport.IRPCServerTransport {
	return &grpcServerTransport{}
}

type grpcServerTransport struct {
	handler transport.ServerHandleFunc
	config  common.ServerConfig

	mu     sync.Mutex
	server *grpc.Server
	closed bool
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *grpcServerTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *grpcServerTransport) Listen(config common.ServerConfig) error {
	t.config = config

	l, err := net.Listen("tcp", config.Transport.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to create listener: %v", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return l.Close()
	}
	t.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	t.server.RegisterService(&serviceDesc, t)
	server := t.server
	t.mu.Unlock()

	Logger.Infof("Starting gRPC server on %s", l.Addr())
	if err := server.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (t *grpcServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.server != nil {
		t.server.GracefulStop()
	}
	return nil
}

// Send implements sendServer
func (t *grpcServerTransport) Send(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(partitionKey)
	if len(values) != 1 {
		return nil, status.Errorf(codes.InvalidArgument, "missing %s", partitionKey)
	}
	partitionID, err := strconv.ParseUint(values[0], 10, 64)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", partitionKey, err)
	}

	if timeout := t.config.Timeout(); timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}
	return wrapperspb.Bytes(t.handler(ctx, partitionID, req.GetValue())), nil
}
