package tcp

import (
	"bytes"
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
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func startEchoServer(t *testing.T) string {
	t.Helper()
	addr := freeAddr(t)

	srv := NewTCPDefaultServerTransport()
	srv.RegisterHandler(func(_ context.Context, partitionID uint64, req []byte) []byte {
		return append([]byte(fmt.Sprintf("%d:", partitionID)), req...)
	})

	done := make(chan error, 1)
	go func() {
		done <- srv.Listen(common.ServerConfig{
			TimeoutSecond: 1,
			Transport: common.ServerTransportConfig{
				Endpoint: addr,
				TCPConf:  common.TCPConf{TCPNoDelay: true, TCPLingerSec: -1},
			},
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
	c := NewTCPClientTransport()
	require.NoError(t, c.Connect(common.ClientConfig{
		TimeoutSecond: 1,
		Transport: common.ClientTransportConfig{
			Endpoints:              []string{addr},
			RetryCount:             3,
			ConnectionsPerEndpoint: 2,
			SocketConf:             common.SocketConf{WriteBufferSize: 64 * 1024, ReadBufferSize: 64 * 1024},
			TCPConf:                common.TCPConf{TCPNoDelay: true, TCPKeepAliveSec: 30, TCPLingerSec: -1},
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

func TestTCPRoundTrip(t *testing.T) {
	addr := startEchoServer(t)
	c := connect(t, addr)
	await(t, c)

	resp, err := c.Send(context.Background(), 3, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("3:ping"), resp)

	// larger than the socket buffers
	payload := bytes.Repeat([]byte("x"), 256*1024)
	resp, err = c.Send(context.Background(), 12, payload)
	require.NoError(t, err)
	assert.Equal(t, append([]byte("12:"), payload...), resp)
}

func TestTCPConcurrentRequests(t *testing.T) {
	addr := startEchoServer(t)
	c := connect(t, addr)
	await(t, c)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := []byte(fmt.Sprintf("req-%d", i))
			resp, err := c.Send(context.Background(), uint64(i), payload)
			if err != nil {
				errs <- err
				return
			}
			if want := fmt.Sprintf("%d:req-%d", i, i); string(resp) != want {
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
