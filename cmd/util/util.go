package util

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/dPrim/lib/coordinator"
	"github.com/ValentinKolb/dPrim/lib/partition"
	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/ValentinKolb/dPrim/lib/resource"
	"github.com/ValentinKolb/dPrim/lib/rsm"
	"github.com/ValentinKolb/dPrim/rpc/client"
	"github.com/ValentinKolb/dPrim/rpc/common"
	"github.com/ValentinKolb/dPrim/rpc/serializer"
	"github.com/ValentinKolb/dPrim/rpc/transport"
	"github.com/ValentinKolb/dPrim/rpc/transport/grpc"
	"github.com/ValentinKolb/dPrim/rpc/transport/http"
	"github.com/ValentinKolb/dPrim/rpc/transport/tcp"
	"github.com/ValentinKolb/dPrim/rpc/transport/unix"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of environment variables, e.g. DPRIM_TIMEOUT
	EnvPrefix = "dprim"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads .env files and binds environment variables to viper
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// NodeID converts a node name (e.g. 'node-1') to its replica id. Numeric
// names are used as they are.
func NodeID(name string) uint64 {
	var id uint64
	if _, err := fmt.Sscanf(name, "%d", &id); err == nil && fmt.Sprint(id) == name && id != 0 {
		return id
	}
	return partition.HashString(name, 0)
}

// ParseNodeMap parses a list in the format 'node-1=addr1,node-2=addr2'
func ParseNodeMap(list string) (map[uint64]string, error) {
	nodes := make(map[uint64]string)
	for _, member := range strings.Split(list, ",") {
		member = strings.TrimSpace(member)
		if member == "" {
			continue
		}
		parts := strings.SplitN(member, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid node format: %s (expected NAME=address)", member)
		}
		id := NodeID(strings.TrimSpace(parts[0]))
		if _, dup := nodes[id]; dup {
			return nil, fmt.Errorf("node %s listed twice", parts[0])
		}
		nodes[id] = strings.TrimSpace(parts[1])
	}
	return nodes, nil
}

// --------------------------------------------------------------------------
// Serializer and Transport
// --------------------------------------------------------------------------

// GetSerializer creates a serializer based on configuration
func GetSerializer() (serializer.IRPCSerializer, error) {
	switch viper.GetString("serializer") {
	case "json":
		return serializer.NewJSONSerializer(), nil
	case "gob":
		return serializer.NewGOBSerializer(), nil
	case "binary":
		return serializer.NewBinarySerializer(), nil
	default:
		return nil, fmt.Errorf("invalid serializer %s", viper.GetString("serializer"))
	}
}

// GetTransportFactory returns the constructor of the configured client
// transport
func GetTransportFactory() (client.TransportFactory, error) {
	switch viper.GetString("transport") {
	case "http":
		return http.NewHttpClientTransport, nil
	case "tcp":
		return tcp.NewTCPClientTransport, nil
	case "unix":
		return unix.NewUnixClientTransport, nil
	case "grpc":
		return grpc.NewGRPCClientTransport, nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// GetServerTransport creates the configured server transport
func GetServerTransport(bufferSize, workers int) (transport.IRPCServerTransport, error) {
	switch viper.GetString("transport") {
	case "http":
		return http.NewHttpServerTransport(), nil
	case "tcp":
		return tcp.NewTCPServerTransport(bufferSize, workers), nil
	case "unix":
		return unix.NewUnixServerTransport(bufferSize, workers), nil
	case "grpc":
		return grpc.NewGRPCServerTransport(), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// --------------------------------------------------------------------------
// Client
// --------------------------------------------------------------------------

// SetupRPCClientFlags adds common RPC connection flags to a command
func SetupRPCClientFlags(cmd *cobra.Command) {
	key := "timeout"
	cmd.PersistentFlags().Int(key, 10, WrapString("The timeout in seconds of the client"))

	key = "nodes"
	cmd.PersistentFlags().String(key, "node-1=localhost:8080", WrapString("The rpc endpoints of the cluster nodes in the format 'node-1=localhost:8080,node-2=localhost:8081'. The names must match the replica ids the nodes were started with"))

	key = "partitions"
	cmd.PersistentFlags().Int(key, 0, WrapString("Number of partitions of the cluster, 0 asks the cluster"))

	key = "consistency"
	cmd.PersistentFlags().String(key, "linearizable", WrapString("Consistency of reads (linearizable, sequential)"))

	key = "codec"
	cmd.PersistentFlags().String(key, "json", WrapString("Codec of resource commands and values (json, gob)"))

	key = "transport-conn-per-endpoint"
	cmd.PersistentFlags().Int(key, 1, WrapString("Simultaneous connections per endpoint - for transports that support this feature"))

	key = "transport-retries"
	cmd.PersistentFlags().Int(key, 3, WrapString("How many times to retry the request"))

	key = "transport-write-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the write buffer for the transport (in KB, ignored for http and grpc)"))

	key = "transport-read-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the read buffer for the transport (in KB, ignored for http and grpc)"))

	key = "transport-tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY for the transport (only for tcp)"))

	key = "transport-tcp-keepalive"
	cmd.PersistentFlags().Int(key, 0, WrapString("The keepalive interval for the transport (in seconds, only for tcp)"))

	key = "transport-tcp-linger"
	cmd.PersistentFlags().Int(key, -1, WrapString("The linger time for the transport (in seconds, only for tcp, negative keeps the os default)"))
}

// GetClientConfig reads client configuration from viper
func GetClientConfig() (*common.ClientConfig, error) {
	nodes, err := ParseNodeMap(viper.GetString("nodes"))
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no nodes configured")
	}

	return &common.ClientConfig{
		Nodes:         nodes,
		TimeoutSecond: viper.GetInt("timeout"),
		Transport: common.ClientTransportConfig{
			RetryCount:             viper.GetInt("transport-retries"),
			ConnectionsPerEndpoint: viper.GetInt("transport-conn-per-endpoint"),
			SocketConf: common.SocketConf{
				WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
				ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
			},
			TCPConf: common.TCPConf{
				TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
				TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
				TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
			},
		},
	}, nil
}

// GetOptions reads the resource options shared by all client commands
func GetOptions() (resource.Options, error) {
	codec, err := rsm.ParseCodec(viper.GetString("codec"))
	if err != nil {
		return resource.Options{}, err
	}
	opts := resource.Options{
		Codec:   codec,
		Timeout: time.Duration(viper.GetInt("timeout")) * time.Second,
	}
	switch viper.GetString("consistency") {
	case "linearizable", "":
		opts.Consistency = primitive.Linearizable
	case "sequential":
		opts.Consistency = primitive.Sequential
	default:
		return resource.Options{}, fmt.Errorf("invalid consistency %s", viper.GetString("consistency"))
	}
	return opts, nil
}

// Context returns a context bounded by the configured timeout
func Context() (context.Context, context.CancelFunc) {
	timeout := time.Duration(viper.GetInt("timeout")) * time.Second
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}

// OpenCoordinator connects to the cluster and opens a coordinator on it. The
// caller closes it with CloseCoordinator.
func OpenCoordinator() (*coordinator.Coordinator, error) {
	config, err := GetClientConfig()
	if err != nil {
		return nil, err
	}
	s, err := GetSerializer()
	if err != nil {
		return nil, err
	}
	factory, err := GetTransportFactory()
	if err != nil {
		return nil, err
	}

	c, err := client.NewClient(*config, factory, s)
	if err != nil {
		return nil, err
	}

	ctx, cancel := Context()
	defer cancel()

	// the router of a coordinator is sized on creation
	backend := client.NewBackend(c, viper.GetInt("partitions"))
	if err := backend.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to reach the cluster: %w", err)
	}

	coord, err := coordinator.New(coordinator.Config{
		Backend:     backend,
		OpenTimeout: config.Timeout(),
	})
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if _, err := coord.Open().Await(ctx); err != nil {
		_, _ = coord.Close().Get()
		return nil, fmt.Errorf("failed to open coordinator: %w", err)
	}
	return coord, nil
}

// CloseCoordinator closes a coordinator opened by OpenCoordinator
func CloseCoordinator(coord *coordinator.Coordinator) error {
	if coord == nil {
		return nil
	}
	_, err := coord.Close().Get()
	return err
}
