package common

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dPrim/lib/partition"
	"github.com/ValentinKolb/dPrim/lib/raftengine"
	"github.com/ValentinKolb/dPrim/lib/rsm"
)

// --------------------------------------------------------------------------
// Socket settings (shared by client and server)
// --------------------------------------------------------------------------

// SocketConf holds the buffer sizes of stream sockets (tcp, unix)
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds tcp specific socket options
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int // negative leaves the os default
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerTransportConfig configures the listening side of a transport
type ServerTransportConfig struct {
	Endpoint       string
	WorkersPerConn int
	BufferSize     int
	SocketConf
	TCPConf
}

// ServerConfig holds all configuration parameters of a dPrim node.
type ServerConfig struct {
	// Partitions is the number of partitions, every node replicates all of them
	Partitions int

	// Dragonboat parameters
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64
	DataDir            string
	ReplicaID          uint64
	ClusterMembers     map[uint64]string // replica id -> raft address
	Join               bool

	// Peers maps the replica id of the other nodes to their rpc endpoint.
	// Requests for partitions led by another node are forwarded there.
	Peers map[uint64]string

	// Proposal timeout
	TimeoutSecond int64

	// RPC api settings
	Transport ServerTransportConfig

	// MetricsEndpoint serves /metrics, empty disables it
	MetricsEndpoint string

	// Logging configuration
	LogLevel string
}

// Timeout returns the proposal timeout
func (c *ServerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// ToEngineConfig converts the ServerConfig to the config of the raft engine
func (c *ServerConfig) ToEngineConfig(registry *rsm.Registry, remote partition.ITransport) raftengine.Config {
	return raftengine.Config{
		ReplicaID:          c.ReplicaID,
		Members:            c.ClusterMembers,
		Join:               c.Join,
		Partitions:         c.Partitions,
		DataDir:            c.DataDir,
		RTTMillisecond:     c.RTTMillisecond,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
		Timeout:            c.Timeout(),
		Registry:           registry,
		Remote:             remote,
	}
}

// PeerClientConfig returns the client config used to forward requests to
// the other nodes
func (c *ServerConfig) PeerClientConfig() ClientConfig {
	return ClientConfig{
		TimeoutSecond: int(c.TimeoutSecond),
		Nodes:         c.Peers,
		Transport: ClientTransportConfig{
			RetryCount:             1,
			ConnectionsPerEndpoint: 1,
			SocketConf:             c.Transport.SocketConf,
			TCPConf:                c.Transport.TCPConf,
		},
	}
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// RPC settings
	addSection("RPC Server")
	addField("Endpoint", c.Transport.Endpoint)
	addField("Metrics", c.MetricsEndpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	// Node Identity
	addSection("Node Identity")
	addField("RAFT Address", c.ClusterMembers[c.ReplicaID])
	addField("Node ID", strconv.FormatUint(c.ReplicaID, 10))
	addField("Join", strconv.FormatBool(c.Join))

	// RAFT parameters
	addSection("RAFT Parameters")
	addField("Partitions", strconv.Itoa(c.Partitions))
	addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.RTTMillisecond))
	addField("Snapshot Entries", fmt.Sprintf("%d", c.SnapshotEntries))
	addField("Compaction Overhead", fmt.Sprintf("%d", c.CompactionOverhead))

	// Storage
	addSection("Storage")
	addField("Data Directory", c.DataDir)

	// Cluster configuration
	addSection("Cluster")
	sb.WriteString("  Initial Members:\n")
	for _, k := range sortedKeys(c.ClusterMembers) {
		sb.WriteString(fmt.Sprintf("    Node %d: %s (rpc %s)\n", k, c.ClusterMembers[k], c.Peers[k]))
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

// ClientTransportConfig configures the connections of a client transport to
// one node
type ClientTransportConfig struct {
	Endpoints              []string
	RetryCount             int
	ConnectionsPerEndpoint int
	SocketConf
	TCPConf
}

// ClientConfig configures an rpc client of a dPrim cluster
type ClientConfig struct {
	// Nodes maps the replica id of every node to its rpc endpoint
	Nodes         map[uint64]string
	TimeoutSecond int
	Transport     ClientTransportConfig
}

// Timeout returns the request timeout
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// ForEndpoint returns a copy of the config addressing a single endpoint
func (c ClientConfig) ForEndpoint(endpoint string) ClientConfig {
	c.Transport.Endpoints = []string{endpoint}
	return c
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.Transport.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(int(math.Max(1, float64(c.Transport.ConnectionsPerEndpoint)))))

	// Nodes
	addSection("Nodes")
	for _, k := range sortedKeys(c.Nodes) {
		addField(strconv.FormatUint(k, 10), c.Nodes[k])
	}

	return sb.String()
}

func sortedKeys(m map[uint64]string) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
