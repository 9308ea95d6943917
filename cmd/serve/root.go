package serve

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cmdUtil "github.com/ValentinKolb/dPrim/cmd/util"
	"github.com/ValentinKolb/dPrim/lib/partition"
	"github.com/ValentinKolb/dPrim/lib/raftengine"
	"github.com/ValentinKolb/dPrim/lib/resource"
	"github.com/ValentinKolb/dPrim/rpc/client"
	"github.com/ValentinKolb/dPrim/rpc/common"
	"github.com/ValentinKolb/dPrim/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a dPrim node",
		Long:    `Start a dPrim node with the specified configuration. Every node replicates all partitions. The configuration can be set via command line flags or environment variables. The format of the environment variables is DPRIM_<flag> (e.g. DPRIM_TIMEOUT=15)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	key := "partitions"
	ServeCmd.PersistentFlags().Int(key, 16, cmdUtil.WrapString("Number of partitions. Must be the same on every node of the cluster"))

	key = "rtt-millisecond"
	ServeCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("RTTMillisecond defines the average Round Trip Time (RTT) in milliseconds between two nodes. \nOther raft configuration parameters (ElectionRTT=10*value, HeartbeatRTT=value) are derived from this value"))

	key = "snapshot-entries"
	ServeCmd.PersistentFlags().Int(key, 1000, cmdUtil.WrapString("SnapshotEntries defines how often the state machine should be snapshotted automatically. It is defined in terms of the number of applied Raft log entries. SnapshotEntries can be set to 0 to disable such automatic snapshotting (not recommended)"))

	key = "compaction-overhead"
	ServeCmd.PersistentFlags().Int(key, 500, cmdUtil.WrapString("CompactionOverhead defines the number of log entries kept after a snapshot. Recommended value is about 1/2 of SnapshotEntries"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("DataDir is the directory used for storing the raft logs and snapshots"))

	key = "replica-id"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("ReplicaID is the unique name of this node (e.g. 'node-1')"))

	key = "cluster-members"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("ClusterMembers is a comma-separated list of raft addresses in the format 'node-1=localhost:63001,node-2=localhost:63002,...'"))

	key = "join"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Join an existing cluster instead of bootstrapping it with cluster-members"))

	key = "peers"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Optional rpc endpoints of the other nodes in the format 'node-2=localhost:8081,...'. Requests this node cannot serve locally are forwarded there"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Timeout of raft proposals in seconds"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the API will listen (e.g. localhost:8080, /tmp/dprim.sock, ...)"))

	key = "workers-per-conn"
	ServeCmd.PersistentFlags().Int(key, 64, cmdUtil.WrapString("Concurrent requests per connection (tcp and unix)"))

	key = "buffer-size"
	ServeCmd.PersistentFlags().Int(key, 64, cmdUtil.WrapString("Size of the read buffers in KB (tcp and unix)"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address serving /metrics and /debug/pprof (e.g. localhost:9090), empty disables it"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveCmdConfig.Partitions = viper.GetInt("partitions")
	serveCmdConfig.RTTMillisecond = viper.GetUint64("rtt-millisecond")
	serveCmdConfig.SnapshotEntries = viper.GetUint64("snapshot-entries")
	serveCmdConfig.CompactionOverhead = viper.GetUint64("compaction-overhead")
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.Join = viper.GetBool("join")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	serveCmdConfig.Transport = common.ServerTransportConfig{
		Endpoint:       viper.GetString("endpoint"),
		WorkersPerConn: viper.GetInt("workers-per-conn"),
		BufferSize:     viper.GetInt("buffer-size") * 1024,
		TCPConf:        common.TCPConf{TCPNoDelay: true, TCPLingerSec: -1},
	}

	if serveCmdConfig.Partitions <= 0 {
		return fmt.Errorf("at least one partition is required")
	}

	// parse replica id
	id := viper.GetString("replica-id")
	if id == "" {
		return fmt.Errorf("replica-id is required")
	}
	serveCmdConfig.ReplicaID = cmdUtil.NodeID(id)

	// parse cluster members
	members, err := cmdUtil.ParseNodeMap(viper.GetString("cluster-members"))
	if err != nil {
		return fmt.Errorf("invalid cluster-members: %w", err)
	}
	serveCmdConfig.ClusterMembers = members

	// test if the replica id is in the cluster members
	if _, ok := serveCmdConfig.ClusterMembers[serveCmdConfig.ReplicaID]; !ok && !serveCmdConfig.Join {
		return fmt.Errorf("no address found for replica ID %s in cluster members", id)
	}

	peers, err := cmdUtil.ParseNodeMap(viper.GetString("peers"))
	if err != nil {
		return fmt.Errorf("invalid peers: %w", err)
	}
	serveCmdConfig.Peers = peers

	return common.InitLoggers(serveCmdConfig.LogLevel)
}

// run starts the dPrim node and blocks until it is stopped by a signal
func run(_ *cobra.Command, _ []string) error {
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}

	t, err := cmdUtil.GetServerTransport(serveCmdConfig.Transport.BufferSize, serveCmdConfig.Transport.WorkersPerConn)
	if err != nil {
		return err
	}

	// forwarding to the other nodes
	var remote partition.ITransport
	if len(serveCmdConfig.Peers) > 0 {
		factory, err := cmdUtil.GetTransportFactory()
		if err != nil {
			return err
		}
		peers, err := client.NewClient(serveCmdConfig.PeerClientConfig(), factory, s)
		if err != nil {
			return err
		}
		defer func() { _ = peers.Close() }()
		remote = peers
	}

	engine := raftengine.New(serveCmdConfig.ToEngineConfig(resource.Kinds(), remote))
	serv := server.NewRPCServer(*serveCmdConfig, t, s, engine)

	// stop gracefully on SIGINT / SIGTERM
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		if _, ok := <-sig; ok {
			server.Logger.Infof("shutting down")
			_ = serv.Close()
		}
	}()

	return serv.Serve()
}
