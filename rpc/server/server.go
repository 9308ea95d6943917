package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ValentinKolb/dPrim/lib/partition"
	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/ValentinKolb/dPrim/rpc/common"
	"github.com/ValentinKolb/dPrim/rpc/serializer"
	"github.com/ValentinKolb/dPrim/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc/server")

var (
	malformedRequests = metrics.NewCounter(`dprim_rpc_server_malformed_requests_total`)
	inflight          atomic.Int64
)

var _ = metrics.NewGauge(`dprim_rpc_server_inflight_requests`, func() float64 {
	return float64(inflight.Load())
})

// IEngine is the replication engine a server exposes. It is implemented by
// raftengine.Engine.
type IEngine interface {
	Start(ctx context.Context) error
	Stop() error
	// Handle serves a command or query for a partition replicated here
	Handle(ctx context.Context, req *partition.Request) *partition.Response
	// Metadata resolves the replicas of a partition as seen by this node
	Metadata() partition.IMetadataSource
	Partitions() int
	NodeID() primitive.NodeID
}

// RPCServer exposes the partitions of one node over an rpc transport.
//
// Usage:
//
//	engine := raftengine.New(config.ToEngineConfig(resource.Kinds(), nil))
//	s := server.NewRPCServer(
//		config,
//		tcp.NewTCPDefaultServerTransport(),
//		serializer.NewBinarySerializer(),
//		engine,
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	engine     IEngine

	// per message type request metrics, created on first use
	timings *xsync.MapOf[common.MessageType, *metrics.Histogram]

	metricsSrv *http.Server // nil without metrics endpoint
	serving    atomic.Bool
	closeOnce  sync.Once
	closeErr   error
}

// NewRPCServer creates a new RPC server. The engine is started by Serve and
// stopped by Close.
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
	engine IEngine,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	Logger.Infof("Created RPC Server")
	Logger.Infof(config.String())

	s := &RPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		engine:     engine,
		timings:    xsync.NewMapOf[common.MessageType, *metrics.Histogram](),
	}
	if config.MetricsEndpoint != "" {
		s.metricsSrv = newMetricsServer(config.MetricsEndpoint)
	}
	s.transport.RegisterHandler(s.Handle)
	return s
}

// Serve starts the metrics endpoint, the transport and the engine. It blocks
// until the transport is closed and stops the engine before it returns.
func (s *RPCServer) Serve() error {
	s.serving.Store(true)
	defer func() {
		if err := s.engine.Stop(); err != nil {
			Logger.Errorf("failed to stop raft engine: %v", err)
		}
	}()

	if s.metricsSrv != nil {
		go s.serveMetrics()
	}

	// requests arriving before the engine is up are answered with
	// PartitionUnavailable, clients retry them
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	listenErr := make(chan error, 1)
	go func() {
		err := s.transport.Listen(s.config)
		cancel()
		listenErr <- err
	}()

	if err := s.engine.Start(ctx); err != nil {
		_ = s.Close()
		if lerr := <-listenErr; lerr != nil {
			return fmt.Errorf("transport failed: %w", lerr)
		}
		return fmt.Errorf("failed to start raft engine: %w", err)
	}
	Logger.Infof("dPrim node %s serving %d partitions", s.engine.NodeID(), s.engine.Partitions())

	if err := <-listenErr; err != nil {
		return fmt.Errorf("transport failed: %w", err)
	}
	return nil
}

// Close stops the transport and the metrics endpoint. A running Serve returns
// and stops the engine, without Serve the engine is stopped here.
func (s *RPCServer) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.transport.Close(); err != nil {
			errs = append(errs, err)
		}
		if s.metricsSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := s.metricsSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
			cancel()
		}
		if !s.serving.Load() {
			if err := s.engine.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Handle decodes one request addressed to partitionID, serves it and returns
// the encoded response. It is registered as the handler of the transport.
func (s *RPCServer) Handle(ctx context.Context, partitionID uint64, req []byte) []byte {
	inflight.Add(1)
	defer inflight.Add(-1)

	var msg common.Message
	var resp *common.Message
	if err := s.serializer.Deserialize(req, &msg); err != nil {
		malformedRequests.Inc()
		resp = common.NewErrorResponse(primitive.Errorf(primitive.RetCSerializationError, "failed to deserialize request: %v", err))
	} else {
		start := time.Now()
		resp = s.dispatch(ctx, primitive.PartitionID(partitionID), &msg)
		s.timing(msg.MsgType).UpdateDuration(start)
	}

	val, err := s.serializer.Serialize(*resp)
	if err != nil {
		Logger.Errorf("failed to serialize response: %v", err)
		val, _ = s.serializer.Serialize(*common.NewErrorResponse(primitive.Errorf(primitive.RetCSerializationError, "failed to serialize response: %v", err)))
	}
	return val
}

// dispatch serves a decoded request
func (s *RPCServer) dispatch(ctx context.Context, id primitive.PartitionID, msg *common.Message) *common.Message {
	switch msg.MsgType {
	case common.MsgTCommand, common.MsgTQuery:
		req, err := msg.ToRequest(id)
		if err != nil {
			return common.NewErrorResponse(primitive.Errorf(primitive.RetCInvalidOperation, "%v", err))
		}
		return common.NewResponse(s.engine.Handle(ctx, req))

	case common.MsgTMetadata:
		p, err := s.engine.Metadata().Lookup(ctx, id)
		if err != nil {
			return common.NewErrorResponse(err)
		}
		return common.NewMetadataResponse(p)

	case common.MsgTInfo:
		return common.NewInfoResponse(s.engine.NodeID(), s.engine.Partitions())

	default:
		return common.NewErrorResponse(primitive.Errorf(primitive.RetCInvalidOperation, "unsupported message type %s", msg.MsgType))
	}
}

func (s *RPCServer) timing(t common.MessageType) *metrics.Histogram {
	h, _ := s.timings.LoadOrCompute(t, func() *metrics.Histogram {
		return metrics.GetOrCreateHistogram(fmt.Sprintf(`dprim_rpc_server_request_duration_seconds{type=%q}`, t.String()))
	})
	return h
}

// newMetricsServer creates the http server exposing the metrics and pprof
// handlers
func newMetricsServer(endpoint string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return &http.Server{Addr: endpoint, Handler: mux}
}

func (s *RPCServer) serveMetrics() {
	Logger.Infof("Serving metrics on %s/metrics", s.metricsSrv.Addr)
	if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		Logger.Errorf("metrics endpoint failed: %v", err)
	}
}
