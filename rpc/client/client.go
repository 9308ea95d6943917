package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/ValentinKolb/dPrim/lib/partition"
	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/ValentinKolb/dPrim/rpc/common"
	"github.com/ValentinKolb/dPrim/rpc/serializer"
	"github.com/ValentinKolb/dPrim/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	Logger = logger.GetLogger("rpc/client")
)

var (
	invokeErrors = metrics.NewCounter(`dprim_rpc_client_errors_total`)
	lookups      = metrics.NewCounter(`dprim_rpc_client_lookups_total`)
)

// ErrClosed is returned by a client after Close
var ErrClosed = errors.New("rpc client closed")

// TransportFactory creates a fresh, unconnected client transport
type TransportFactory func() transport.IRPCClientTransport

// Client talks to the nodes of a dPrim cluster. Every node gets its own
// client transport, created on first use. Client implements
// partition.ITransport and partition.IMetadataSource.
//
// Thread-safety: All methods are thread-safe.
type Client struct {
	config     common.ClientConfig
	factory    TransportFactory
	serializer serializer.IRPCSerializer
	nodes      []primitive.NodeID // sorted, fixed after creation
	conns      *xsync.MapOf[primitive.NodeID, transport.IRPCClientTransport]
	next       atomic.Uint64
	closed     atomic.Bool
}

// NewClient creates a client for the nodes in config.Nodes. Connections are
// opened lazily.
func NewClient(config common.ClientConfig, factory TransportFactory, s serializer.IRPCSerializer) (*Client, error) {
	if len(config.Nodes) == 0 {
		return nil, fmt.Errorf("no nodes configured")
	}
	if factory == nil || s == nil {
		return nil, fmt.Errorf("transport factory and serializer are required")
	}
	nodes := make([]primitive.NodeID, 0, len(config.Nodes))
	for id := range config.Nodes {
		nodes = append(nodes, primitive.NodeID(id))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	return &Client{
		config:     config,
		factory:    factory,
		serializer: s,
		nodes:      nodes,
		conns:      xsync.NewMapOf[primitive.NodeID, transport.IRPCClientTransport](),
	}, nil
}

// Nodes returns the ids of all known nodes
func (c *Client) Nodes() []primitive.NodeID {
	return append([]primitive.NodeID(nil), c.nodes...)
}

// --------------------------------------------------------------------------
// partition.ITransport
// --------------------------------------------------------------------------

// Invoke sends req to node. An error means the request may or may not have
// reached the node, a response from the node is always returned as such.
func (c *Client) Invoke(ctx context.Context, node primitive.NodeID, req *partition.Request) (*partition.Response, error) {
	resp, err := c.call(ctx, node, req.Partition, common.NewRequest(req))
	if err != nil {
		invokeErrors.Inc()
		return nil, err
	}
	out, err := resp.ToResponse()
	if err != nil {
		// the node answered with something else, treat it like a broken reply
		return partition.ErrorResponse(primitive.Errorf(primitive.RetCSerializationError, "%s: %v", node, err), 0), nil
	}
	return out, nil
}

// --------------------------------------------------------------------------
// partition.IMetadataSource
// --------------------------------------------------------------------------

// Lookup asks the nodes for the replicas of a partition. The nodes are tried
// in turn, the first answer naming a primary wins.
func (c *Client) Lookup(ctx context.Context, id primitive.PartitionID) (partition.Partition, error) {
	lookups.Inc()
	var (
		best    partition.Partition
		found   bool
		lastErr error
	)
	start := c.next.Add(1)
	for i := range c.nodes {
		node := c.nodes[(start+uint64(i))%uint64(len(c.nodes))]
		resp, err := c.call(ctx, node, id, common.NewMetadataRequest())
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if resp.MsgType == common.MsgTError {
			lastErr = resp.Error(id)
			continue
		}
		p, err := resp.ToPartition(id)
		if err != nil {
			lastErr = err
			continue
		}
		if p.HasPrimary() {
			return p, nil
		}
		if !found || p.Term > best.Term {
			best, found = p, true
		}
	}
	if found {
		return best, nil
	}
	if lastErr == nil {
		lastErr = primitive.NewError(primitive.RetCPartitionUnavailable, "no node answered")
	}
	e := primitive.Wrap(lastErr)
	if e.Code == primitive.RetCInternalError {
		// unreachable nodes
		e = primitive.Errorf(primitive.RetCPartitionUnavailable, "%v", lastErr)
	}
	return partition.Partition{}, e.At(id, 0)
}

// --------------------------------------------------------------------------
// Cluster info
// --------------------------------------------------------------------------

// Info asks any reachable node for the number of partitions of the cluster
func (c *Client) Info(ctx context.Context) (int, error) {
	var lastErr error
	for _, node := range c.nodes {
		resp, err := c.call(ctx, node, 0, common.NewInfoRequest())
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if resp.MsgType != common.MsgTInfo {
			lastErr = fmt.Errorf("%s answered info with %s: %v", node, resp.MsgType, resp.Error(0))
			continue
		}
		Logger.Debugf("%s reports %d partitions", node, resp.Count)
		return int(resp.Count), nil
	}
	return 0, fmt.Errorf("no node answered the info request: %w", lastErr)
}

// Close closes all open connections
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	var errs []error
	c.conns.Range(func(node primitive.NodeID, t transport.IRPCClientTransport) bool {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", node, err))
		}
		c.conns.Delete(node)
		return true
	})
	return errors.Join(errs...)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// call sends one message to node and decodes the answer
func (c *Client) call(ctx context.Context, node primitive.NodeID, id primitive.PartitionID, req *common.Message) (*common.Message, error) {
	t, err := c.transport(node)
	if err != nil {
		return nil, err
	}

	reqBytes, err := c.serializer.Serialize(*req)
	if err != nil {
		return nil, primitive.Errorf(primitive.RetCSerializationError, "serialize %s: %v", req.MsgType, err)
	}

	respBytes, err := t.Send(ctx, uint64(id), reqBytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", node, err)
	}

	resp := &common.Message{}
	if err := c.serializer.Deserialize(respBytes, resp); err != nil {
		return nil, fmt.Errorf("%s: malformed response: %w", node, err)
	}
	return resp, nil
}

// transport returns the connected transport of node, creating it on first use
func (c *Client) transport(node primitive.NodeID) (transport.IRPCClientTransport, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	endpoint, ok := c.config.Nodes[uint64(node)]
	if !ok {
		return nil, fmt.Errorf("unknown node %s", node)
	}

	var connectErr error
	t, _ := c.conns.Compute(node, func(old transport.IRPCClientTransport, loaded bool) (transport.IRPCClientTransport, bool) {
		if loaded {
			return old, false
		}
		t := c.factory()
		if err := t.Connect(c.config.ForEndpoint(endpoint)); err != nil {
			connectErr = err
			return nil, true
		}
		Logger.Debugf("Connected to %s at %s", node, endpoint)
		return t, false
	})
	if connectErr != nil {
		return nil, fmt.Errorf("connect to %s at %s: %w", node, endpoint, connectErr)
	}
	return t, nil
}
