package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dPrim/lib/exec"
	"github.com/ValentinKolb/dPrim/lib/future"
	"github.com/ValentinKolb/dPrim/lib/partition"
	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

var log = logger.GetLogger("coordinator")

var (
	resourcesCreated = metrics.NewCounter(`dprim_coordinator_resources_created_total`)
	resourcesLost    = metrics.NewCounter(`dprim_coordinator_registration_races_lost_total`)
)

// IBackend is the replication engine a coordinator runs on. It is
// implemented by replica.Cluster and raftengine.Engine.
type IBackend interface {
	// Start brings up the replicas of every partition.
	Start(ctx context.Context) error
	// Stop tears the replicas down.
	Stop() error
	// Transport delivers requests to the nodes of the cluster.
	Transport() partition.ITransport
	// Metadata resolves the primary of a partition.
	Metadata() partition.IMetadataSource
	// Partitions returns the number of partitions, numbered 1..n.
	Partitions() int
}

// IResource is implemented by every resource created through a coordinator.
type IResource interface {
	Name() string
	Close() error
}

// Config configures a coordinator.
type Config struct {
	// Backend is the replication engine. It is started by Open and stopped
	// by Close.
	Backend IBackend
	// Client configures routing and retries of partition requests.
	Client partition.ClientConfig
	// OpenTimeout bounds Open (default 30s).
	OpenTimeout time.Duration
	// PollInterval is used while waiting for primaries (default 10ms).
	PollInterval time.Duration
}

// WithDefaults returns a copy of the config with unset fields filled in.
func (c Config) WithDefaults() Config {
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	c.Client = c.Client.WithDefaults()
	return c
}

type registered struct {
	resource IResource
	ex       *exec.Context
}

// Coordinator owns the resources of one client of the cluster. It opens the
// backend, routes resources to partitions and guarantees that at most one
// instance of every resource name exists.
//
// Resources created before Open can be used right away, their operations
// wait until Open completed. After Close every operation fails with
// CoordinatorClosed.
//
// Thread-safety: All methods are thread-safe.
type Coordinator struct {
	cfg       Config
	client    *partition.Client
	router    partition.Router
	ex        *exec.Context
	resources *xsync.MapOf[string, registered]

	ctx        context.Context // canceled by Close
	cancel     context.CancelFunc
	opened     chan struct{}
	openFailed chan struct{}
	openErr    error // set before openFailed is closed

	mu          sync.Mutex
	closed      bool
	openFuture  *future.Future[struct{}]
	closeFuture *future.Future[struct{}]
}

// New creates a coordinator. The backend is started by Open.
func New(cfg Config) (*Coordinator, error) {
	cfg = cfg.WithDefaults()
	if cfg.Backend == nil {
		return nil, errors.New("coordinator needs a backend")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:        cfg,
		client:     partition.NewClient(cfg.Backend.Transport(), cfg.Backend.Metadata(), cfg.Client),
		router:     partition.NewRouter(cfg.Backend.Partitions()),
		ex:         exec.New("coordinator"),
		resources:  xsync.NewMapOf[string, registered](),
		ctx:        ctx,
		cancel:     cancel,
		opened:     make(chan struct{}),
		openFailed: make(chan struct{}),
	}, nil
}

// Open starts the backend and waits until every partition has a primary. It
// is idempotent: every call returns the same future.
func (c *Coordinator) Open() *future.Future[struct{}] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return future.Failed[struct{}](c.ex, primitive.ErrCoordinatorClosed)
	}
	if c.openFuture != nil {
		return c.openFuture
	}

	f := future.New[struct{}](c.ex)
	c.openFuture = f
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.OpenTimeout)
		defer cancel()
		start := time.Now()

		fail := func(err error) {
			log.Errorf("failed to open coordinator: %v", err)
			c.openErr = err
			close(c.openFailed)
			f.Fail(err)
		}
		if err := c.cfg.Backend.Start(ctx); err != nil {
			fail(fmt.Errorf("start backend: %w", err))
			return
		}
		if err := c.awaitPrimaries(ctx); err != nil {
			fail(err)
			return
		}
		close(c.opened)
		log.Infof("coordinator opened with %d partitions in %s", c.router.Count(), time.Since(start))
		f.Complete(struct{}{})
	}()
	return f
}

// awaitPrimaries blocks until the metadata of every partition names a primary
func (c *Coordinator) awaitPrimaries(ctx context.Context) error {
	meta := c.cfg.Backend.Metadata()
	eg, ctx := errgroup.WithContext(ctx)
	for _, pid := range c.router.IDs() {
		eg.Go(func() error {
			ticker := time.NewTicker(c.cfg.PollInterval)
			defer ticker.Stop()
			for {
				p, err := meta.Lookup(ctx, pid)
				if err == nil && p.HasPrimary() {
					return nil
				}
				select {
				case <-ctx.Done():
					return primitive.Errorf(primitive.RetCPartitionUnavailable, "no primary: %v", ctx.Err()).At(pid, p.Term)
				case <-ticker.C:
				}
			}
		})
	}
	return eg.Wait()
}

// Close closes the coordinator: pending and future operations fail with
// CoordinatorClosed, the backend is stopped and the contexts of all
// resources are closed. It is idempotent.
func (c *Coordinator) Close() *future.Future[struct{}] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeFuture != nil {
		return c.closeFuture
	}
	c.closed = true
	c.cancel()

	f := future.New[struct{}](c.ex)
	c.closeFuture = f
	go func() {
		var err error
		if serr := c.cfg.Backend.Stop(); serr != nil {
			err = fmt.Errorf("stop backend: %w", serr)
		}
		c.resources.Range(func(name string, r registered) bool {
			r.ex.Close()
			c.resources.Delete(name)
			return true
		})
		log.Infof("coordinator closed")
		f.Resolve(struct{}{}, err)
		c.ex.Close()
	}()
	return f
}

// IsClosed reports whether Close was called.
func (c *Coordinator) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Partition returns the partition a resource name is routed to.
func (c *Coordinator) Partition(name string) primitive.PartitionID {
	return c.router.Route(name)
}

// Lookup returns the registered resource with the given name.
func (c *Coordinator) Lookup(name string) (IResource, bool) {
	r, ok := c.resources.Load(name)
	return r.resource, ok
}

// Resources returns the number of registered resources.
func (c *Coordinator) Resources() int {
	return c.resources.Size()
}

// CreateResource returns the resource registered under name, creating it with
// ctor if there is none. Concurrent first-time calls may each run ctor, but
// only one instance is registered; every caller receives it and the other
// instances are closed.
//
// ctor receives the control handle of the coordinator and the execution
// context the resource must resolve its futures on.
func CreateResource[T IResource](c *Coordinator, name string, ctor func(ctl Control, ex *exec.Context) (T, error)) (T, error) {
	var zero T
	if c.IsClosed() {
		return zero, primitive.ErrCoordinatorClosed
	}
	if existing, ok := c.resources.Load(name); ok {
		return cast[T](name, existing.resource)
	}

	ex := exec.New("resource/" + name)
	res, err := ctor(Control{c: c, name: name}, ex)
	if err != nil {
		ex.Close()
		return zero, fmt.Errorf("create resource %q: %w", name, err)
	}

	actual, loaded := c.resources.LoadOrStore(name, registered{resource: res, ex: ex})
	if loaded {
		resourcesLost.Inc()
		if err := res.Close(); err != nil {
			log.Warningf("closing duplicate instance of %q: %v", name, err)
		}
		ex.Close()
		return cast[T](name, actual.resource)
	}

	// Close may have run between the check above and the registration
	if c.IsClosed() {
		if err := res.Close(); err != nil {
			log.Warningf("closing instance of %q after close: %v", name, err)
		}
		c.release(name, res)
		ex.Close()
		return zero, primitive.ErrCoordinatorClosed
	}
	resourcesCreated.Inc()
	log.Debugf("created resource %q in %s", name, c.router.Route(name))
	return res, nil
}

func cast[T IResource](name string, r IResource) (T, error) {
	t, ok := r.(T)
	if !ok {
		var zero T
		return zero, primitive.Errorf(primitive.RetCInvalidOperation, "resource %q is a %T", name, r)
	}
	return t, nil
}

// release removes the registration of r and closes its context
func (c *Coordinator) release(name string, r IResource) {
	c.resources.Compute(name, func(old registered, loaded bool) (registered, bool) {
		if !loaded || old.resource != r {
			return old, !loaded
		}
		old.ex.Close()
		return old, true
	})
}
