package grpc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dPrim/rpc/common"
	"github.com/ValentinKolb/dPrim/rpc/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// NewGRPCClientTransport creates a new gRPC client transport
func NewGRPCClientTransport() transport.IRPCClientTransport {
	return &grpcClientTransport{}
}

type grpcClientTransport struct {
	conns      []*grpc.ClientConn
	counter    atomic.Uint32
	retryCount int
	timeout    time.Duration
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *grpcClientTransport) Connect(config common.ClientConfig) error {
	if len(config.Transport.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	conns := make([]*grpc.ClientConn, 0, len(config.Transport.Endpoints))
	for _, endpoint := range config.Transport.Endpoints {
		conn, err := grpc.NewClient(endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(maxMsgSize),
				grpc.MaxCallSendMsgSize(maxMsgSize),
			),
		)
		if err != nil {
			for _, c := range conns {
				err = errors.Join(err, c.Close())
			}
			return err
		}
		conns = append(conns, conn)
	}

	t.conns = conns
	t.retryCount = max(1, config.Transport.RetryCount)
	t.timeout = config.Timeout()
	return nil
}

func (t *grpcClientTransport) Send(ctx context.Context, partitionID uint64, req []byte) (resp []byte, err error) {
	if len(t.conns) == 0 {
		return nil, fmt.Errorf("grpc transport not initialized")
	}
	if _, ok := ctx.Deadline(); !ok && t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	ctx = metadata.AppendToOutgoingContext(ctx, partitionKey, strconv.FormatUint(partitionID, 10))

	for i := 0; i < t.retryCount; i++ {
		conn := t.conns[t.counter.Add(1)%uint32(len(t.conns))]
		out := new(wrapperspb.BytesValue)
		err = conn.Invoke(ctx, sendMethod, wrapperspb.Bytes(req), out)
		if err == nil {
			return out.GetValue(), nil
		}
		// only retry when the request surely did not reach the server
		if status.Code(err) != codes.Unavailable || ctx.Err() != nil {
			break
		}
	}
	return nil, err
}

func (t *grpcClientTransport) Close() error {
	var err error
	for _, conn := range t.conns {
		err = errors.Join(err, conn.Close())
	}
	t.conns = nil
	return err
}
