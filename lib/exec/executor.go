package exec

import (
	"sync"

	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("exec")

// Task is a unit of work scheduled on a Context.
type Task func()

// Context is a single-threaded execution context. All tasks submitted to a
// Context run strictly one after another on the same goroutine, never
// concurrently with each other. Tasks submitted from a single goroutine run
// in submission order.
//
// Resources bind all their internal logic and the delivery of their futures
// to one Context, which makes the Context the only synchronization their
// callbacks need.
type Context struct {
	name  string
	queue *mpscQueue[Task]
	done  chan struct{}

	// closeMu makes close and Execute mutually exclusive so that no task can
	// be accepted after the queue stopped draining.
	closeMu sync.RWMutex
	closed  bool
}

// New creates a Context and starts its goroutine.
func New(name string) *Context {
	c := &Context{
		name:  name,
		queue: newMPSCQueue[Task](),
		done:  make(chan struct{}),
	}
	go c.run()
	return c
}

// Name returns the name of the context (used for logging).
func (c *Context) Name() string {
	return c.name
}

// Execute schedules a task. It returns false if the context is closed, in
// which case the task will never run.
//
// Thread-safety: This method is thread-safe.
func (c *Context) Execute(task Task) bool {
	if task == nil {
		return false
	}
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return false
	}
	return c.queue.push(&task)
}

// Close stops accepting tasks. Tasks that were accepted before still run;
// Done is closed after the last of them finished. Close is idempotent.
func (c *Context) Close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.queue.close()
}

// Done returns a channel that is closed once the context was closed and
// every accepted task ran.
func (c *Context) Done() <-chan struct{} {
	return c.done
}

// Pending returns the number of tasks waiting to run.
func (c *Context) Pending() int {
	return c.queue.len()
}

// run is the single goroutine of the context
func (c *Context) run() {
	defer close(c.done)
	for task := range c.queue.recv() {
		c.runTask(*task)
	}
}

// runTask runs one task and keeps the context alive if it panics
func (c *Context) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("task on context %q panicked: %v", c.name, r)
		}
	}()
	task()
}

// Call runs fn on the context and blocks until it returned. It returns false
// without running fn if the context is closed.
//
// Call must not be used from a task of the same context, it would deadlock.
func Call(c *Context, fn func()) bool {
	finished := make(chan struct{})
	if !c.Execute(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	<-finished
	return true
}
