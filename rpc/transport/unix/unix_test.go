package unix

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dPrim/rpc/common"
	"github.com/ValentinKolb/dPrim/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEchoServer(t *testing.T) string {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "dprim.sock")

	srv := NewUnixServerTransport(1024, 4)
	srv.RegisterHandler(func(_ context.Context, partitionID uint64, req []byte) []byte {
		return append([]byte(fmt.Sprintf("%d:", partitionID)), req...)
	})

	done := make(chan error, 1)
	go func() {
		done <- srv.Listen(common.ServerConfig{
			TimeoutSecond: 1,
			Transport:     common.ServerTransportConfig{Endpoint: socket},
		})
	}()
	t.Cleanup(func() {
		require.NoError(t, srv.Close())
		require.NoError(t, <-done)
	})
	return socket
}

func connect(t *testing.T, socket string) transport.IRPCClientTransport {
	t.Helper()
	c := NewUnixClientTransport()
	require.NoError(t, c.Connect(common.ClientConfig{
		TimeoutSecond: 1,
		Transport: common.ClientTransportConfig{
			Endpoints:              []string{socket},
			RetryCount:             3,
			ConnectionsPerEndpoint: 2,
		},
	}))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// await retries until the server accepted the first connection
func await(t *testing.T, c transport.IRPCClientTransport) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := c.Send(context.Background(), 0, nil)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestUnixRoundTrip(t *testing.T) {
	socket := startEchoServer(t)
	c := connect(t, socket)
	await(t, c)

	resp, err := c.Send(context.Background(), 7, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("7:hello"), resp)

	resp, err = c.Send(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("1:"), resp)
}

func TestUnixConcurrentRequests(t *testing.T) {
	socket := startEchoServer(t)
	c := connect(t, socket)
	await(t, c)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte(i)}, 100+i*50)
			resp, err := c.Send(context.Background(), uint64(i), payload)
			if err != nil {
				errs <- err
				return
			}
			want := append([]byte(fmt.Sprintf("%d:", i)), payload...)
			if !bytes.Equal(want, resp) {
				errs <- fmt.Errorf("request %d: response mismatch", i)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestUnixSendHonoursContext(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "missing.sock")
	c := connect(t, socket)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.Send(ctx, 1, []byte("x"))
	require.Error(t, err)
}
