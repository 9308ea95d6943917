package coordinator

import (
	"context"

	"github.com/ValentinKolb/dPrim/lib/exec"
	"github.com/ValentinKolb/dPrim/lib/partition"
	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/ValentinKolb/dPrim/lib/statelog"
)

// Control is the handle a resource constructor receives. It binds the
// resource to its partition and to the lifecycle of the coordinator.
type Control struct {
	c    *Coordinator
	name string
}

// Name returns the name of the resource.
func (ctl Control) Name() string { return ctl.name }

// Partition returns the partition the resource lives in.
func (ctl Control) Partition() primitive.PartitionID {
	return ctl.c.router.Route(ctl.name)
}

// StateLog returns the commit client of the resource. Its requests wait
// until the coordinator is open and fail with CoordinatorClosed once it is
// closed.
func (ctl Control) StateLog(kind string, ex *exec.Context, cfg statelog.Config) *statelog.StateLog {
	return statelog.New(ctl.name, kind, ctl.Partition(), gate{ctl.c}, ex, cfg)
}

// Err returns CoordinatorClosed after the coordinator was closed, and nil
// before.
func (ctl Control) Err() error {
	if ctl.c.ctx.Err() != nil {
		return primitive.ErrCoordinatorClosed
	}
	return nil
}

// Done returns a channel that is closed when the coordinator is closed.
// Background work of resources (lease renewal, polling) stops on it.
func (ctl Control) Done() <-chan struct{} {
	return ctl.c.ctx.Done()
}

// Release removes r from the registry and closes its execution context.
// Resources call it from Close.
func (ctl Control) Release(r IResource) {
	ctl.c.release(ctl.name, r)
}

// gate submits requests through the coordinator's partition client once the
// coordinator is open
type gate struct {
	c *Coordinator
}

func (g gate) Submit(ctx context.Context, req *partition.Request) (*partition.Response, error) {
	closedErr := func() error {
		return primitive.NewError(primitive.RetCCoordinatorClosed, "coordinator closed").At(req.Partition, 0)
	}

	select {
	case <-g.c.opened:
	case <-g.c.openFailed:
		return nil, primitive.Errorf(primitive.RetCPartitionUnavailable, "coordinator failed to open: %v", g.c.openErr).At(req.Partition, 0)
	case <-g.c.ctx.Done():
		return nil, closedErr()
	case <-ctx.Done():
		return nil, primitive.Wrap(ctx.Err()).At(req.Partition, 0)
	}

	// closing the coordinator aborts requests in flight
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(g.c.ctx, cancel)
	defer stop()

	resp, err := g.c.client.Submit(ctx, req)
	if err != nil && g.c.ctx.Err() != nil {
		return nil, closedErr()
	}
	return resp, err
}
