package http

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/dPrim/rpc/common"
	"github.com/ValentinKolb/dPrim/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func startEchoServer(t *testing.T, logLevel string) string {
	t.Helper()
	addr := freeAddr(t)

	srv := NewHttpServerTransport()
	srv.RegisterHandler(func(_ context.Context, partitionID uint64, req []byte) []byte {
		return append([]byte(fmt.Sprintf("%d:", partitionID)), req...)
	})

	done := make(chan error, 1)
	go func() {
		done <- srv.Listen(common.ServerConfig{
			TimeoutSecond: 1,
			LogLevel:      logLevel,
			Transport:     common.ServerTransportConfig{Endpoint: addr},
		})
	}()
	t.Cleanup(func() {
		require.NoError(t, srv.Close())
		require.NoError(t, <-done)
	})
	return addr
}

func connect(t *testing.T, endpoint string) transport.IRPCClientTransport {
	t.Helper()
	c := NewHttpClientTransport()
	require.NoError(t, c.Connect(common.ClientConfig{
		TimeoutSecond: 1,
		Transport: common.ClientTransportConfig{
			Endpoints:  []string{endpoint},
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

func TestHTTPRoundTrip(t *testing.T) {
	for _, level := range []string{"info", "debug"} {
		t.Run(level, func(t *testing.T) {
			addr := startEchoServer(t, level)
			// with and without scheme
			for _, endpoint := range []string{addr, "http://" + addr + "/"} {
				c := connect(t, endpoint)
				await(t, c)

				resp, err := c.Send(context.Background(), 5, []byte("hello"))
				require.NoError(t, err)
				assert.Equal(t, []byte("5:hello"), resp)
			}
		})
	}
}

func TestHTTPNotConnected(t *testing.T) {
	c := NewHttpClientTransport()
	_, err := c.Send(context.Background(), 1, nil)
	assert.Error(t, err)
	assert.Error(t, c.Connect(common.ClientConfig{}))
}

func TestHTTPSendToMissingServer(t *testing.T) {
	c := connect(t, freeAddr(t))
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := c.Send(ctx, 1, []byte("x"))
	assert.Error(t, err)
}
