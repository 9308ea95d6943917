package client

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dPrim/lib/partition"
)

// Backend lets a coordinator run against a remote dPrim cluster. It
// implements coordinator.IBackend on top of a Client.
type Backend struct {
	client     *Client
	partitions int
}

// NewBackend creates a backend for the cluster behind client. If partitions
// is zero the count is asked from the cluster. Since a coordinator sizes its
// router when it is created, call Start (or pass the count) before handing
// the backend to coordinator.New.
func NewBackend(client *Client, partitions int) *Backend {
	return &Backend{client: client, partitions: partitions}
}

// Start learns the number of partitions from the cluster if it is not known
// yet. The cluster itself is not started.
func (b *Backend) Start(ctx context.Context) error {
	if b.partitions > 0 {
		return nil
	}
	n, err := b.client.Info(ctx)
	if err != nil {
		return err
	}
	if n <= 0 {
		return fmt.Errorf("cluster reports %d partitions", n)
	}
	b.partitions = n
	return nil
}

// Stop closes the connections to the cluster
func (b *Backend) Stop() error {
	return b.client.Close()
}

func (b *Backend) Transport() partition.ITransport {
	return b.client
}

func (b *Backend) Metadata() partition.IMetadataSource {
	return b.client
}

func (b *Backend) Partitions() int {
	return b.partitions
}
