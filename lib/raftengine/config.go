package raftengine

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/ValentinKolb/dPrim/lib/partition"
	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/ValentinKolb/dPrim/lib/rsm"
	"github.com/lni/dragonboat/v4/config"
	"github.com/lni/dragonboat/v4/raftio"
)

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// Config configures a raft engine, i.e. the raft replicas of every partition
// hosted on this node.
type Config struct {
	// ReplicaID is the id of this node, it doubles as primitive.NodeID.
	ReplicaID uint64
	// Members maps the replica id of every node to its raft address.
	Members map[uint64]string
	// Join starts the replicas as new members of running shards.
	Join bool

	Partitions int // number of partitions (default 1)

	// Dragonboat parameters
	DataDir            string
	RTTMillisecond     uint64 // default 100
	SnapshotEntries    uint64
	CompactionOverhead uint64

	// Timeout bounds a single proposal without a caller deadline (default 10s).
	Timeout time.Duration
	// Retries of proposals rejected because the system is busy (default 5).
	Retries int

	Registry *rsm.Registry
	Host     rsm.HostConfig

	// Remote delivers requests addressed to other nodes. Without it only
	// this node is reachable through Engine.Transport.
	Remote partition.ITransport
}

// WithDefaults returns a copy of the config with unset fields filled in.
func (c Config) WithDefaults() Config {
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.RTTMillisecond == 0 {
		c.RTTMillisecond = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Retries <= 0 {
		c.Retries = 5
	}
	if c.Registry == nil {
		c.Registry = rsm.NewRegistry()
	}
	return c
}

// Validate checks the settings that have no sensible default.
func (c Config) Validate() error {
	if c.ReplicaID == 0 {
		return fmt.Errorf("replica id must be > 0")
	}
	if _, ok := c.Members[c.ReplicaID]; !ok {
		return fmt.Errorf("replica %d has no raft address", c.ReplicaID)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir must be set")
	}
	return nil
}

// ToRaftConfig returns the dragonboat config of the replica of one shard.
func (c Config) ToRaftConfig(shardID uint64) config.Config {
	return config.Config{
		ReplicaID:          c.ReplicaID,
		ShardID:            shardID,
		ElectionRTT:        electionRTTFactor,
		HeartbeatRTT:       heartbeatRTTFactor,
		CheckQuorum:        true,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
	}
}

// ToNodeHostConfig returns the dragonboat node host config. Leader changes
// are reported to listener.
func (c Config) ToNodeHostConfig(listener raftio.IRaftEventListener) config.NodeHostConfig {
	return config.NodeHostConfig{
		WALDir:            c.DataDir,
		NodeHostDir:       c.DataDir,
		RTTMillisecond:    c.RTTMillisecond,
		RaftAddress:       c.Members[c.ReplicaID],
		RaftEventListener: listener,
	}
}

// initialMembers returns the members passed to dragonboat when a shard is
// started. Joining replicas start without.
func (c Config) initialMembers() map[uint64]string {
	if c.Join {
		return map[uint64]string{}
	}
	return c.Members
}

// nodes returns the ids of all members in ascending order
func (c Config) nodes() []primitive.NodeID {
	out := make([]primitive.NodeID, 0, len(c.Members))
	for id := range c.Members {
		out = append(out, primitive.NodeID(id))
	}
	slices.Sort(out)
	return out
}

// String returns a formatted string representation of the configuration
func (c Config) String() string {
	var sb strings.Builder
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Node Identity")
	addField("RAFT Address", c.Members[c.ReplicaID])
	addField("Node ID", fmt.Sprintf("%d", c.ReplicaID))
	addField("Join", fmt.Sprintf("%t", c.Join))

	addSection("RAFT Parameters")
	addField("Partitions", fmt.Sprintf("%d", c.Partitions))
	addField("Round Trip Time", fmt.Sprintf("%d ms", c.RTTMillisecond))
	addField("Election RTT", fmt.Sprintf("%d ms", c.RTTMillisecond*electionRTTFactor))
	addField("Heartbeat RTT", fmt.Sprintf("%d ms", c.RTTMillisecond*heartbeatRTTFactor))
	addField("Snapshot Entries", fmt.Sprintf("%d", c.SnapshotEntries))
	addField("Compaction Overhead", fmt.Sprintf("%d", c.CompactionOverhead))
	addField("Timeout", c.Timeout.String())
	addField("Data Directory", c.DataDir)

	addSection("Members")
	keys := make([]uint64, 0, len(c.Members))
	for k := range c.Members {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("    Node %d: %s\n", k, c.Members[k]))
	}
	return sb.String()
}
