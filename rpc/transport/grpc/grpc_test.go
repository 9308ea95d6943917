package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dPrim/rpc/common"
	"github.com/ValentinKolb/dPrim/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func newEchoServer() *grpcServerTransport {
	srv := NewGRPCServerTransport().(*grpcServerTransport)
	srv.RegisterHandler(func(_ context.Context, partitionID uint64, req []byte) []byte {
		return append([]byte(fmt.Sprintf("%d:", partitionID)), req...)
	})
	return srv
}

func startEchoServer(t *testing.T) string {
	t.Helper()
	addr := freeAddr(t)
	srv := newEchoServer()

	done := make(chan error, 1)
	go func() {
		done <- srv.Listen(common.ServerConfig{
			TimeoutSecond: 1,
			Transport:     common.ServerTransportConfig{Endpoint: addr},
		})
	}()
	t.Cleanup(func() {
		require.NoError(t, srv.Close())
		require.NoError(t, <-done)
	})
	return addr
}

func connect(t *testing.T, addr string) transport.IRPCClientTransport {
	t.Helper()
	c := NewGRPCClientTransport()
	require.NoError(t, c.Connect(common.ClientConfig{
		TimeoutSecond: 1,
		Transport: common.ClientTransportConfig{
			Endpoints:  []string{addr},
			RetryCount: 3,
		},
	}))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func await(t *testing.T, c transport.IRPCClientTransport) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := c.Send(context.Background(), 0, nil)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestGRPCRoundTrip(t *testing.T) {
	addr := startEchoServer(t)
	c := connect(t, addr)
	await(t, c)

	resp, err := c.Send(context.Background(), 42, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("42:hello"), resp)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := c.Send(context.Background(), uint64(i), []byte("x"))
			if err != nil {
				errs <- err
				return
			}
			if want := fmt.Sprintf("%d:x", i); string(resp) != want {
				errs <- fmt.Errorf("request %d: got %q", i, resp)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestGRPCRequiresPartition(t *testing.T) {
	srv := newEchoServer()
	_, err := srv.Send(context.Background(), wrapperspb.Bytes([]byte("x")))
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPCNotConnected(t *testing.T) {
	c := NewGRPCClientTransport()
	_, err := c.Send(context.Background(), 1, nil)
	assert.Error(t, err)
	assert.Error(t, c.Connect(common.ClientConfig{}))
}
