package exec

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// node is a single element of the task queue
type node[T any] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// mpscQueue is a lock-free multi-producer single-consumer queue.
// Producers append with CAS on the tail, the single consumer goroutine
// drains from the head and hands values out through a channel.
//
// Items pushed by the same producer are delivered in push order. Items
// pushed concurrently by different producers are ordered by whichever CAS
// succeeded first.
type mpscQueue[T any] struct {
	head   atomic.Pointer[node[T]]
	tail   atomic.Pointer[node[T]]
	out    chan *T
	closed atomic.Bool
	length atomic.Int64

	// mu/cond park the consumer while the queue is empty. Producers take mu
	// before signalling so a wakeup can not slip in between the consumer's
	// emptiness check and its Wait.
	mu   sync.Mutex
	cond *sync.Cond
}

// newMPSCQueue creates the queue and starts its consumer goroutine.
func newMPSCQueue[T any]() *mpscQueue[T] {
	sentinel := &node[T]{}

	q := &mpscQueue[T]{
		out: make(chan *T),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.consume()
	return q
}

// push appends a value. It returns false if the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *mpscQueue[T]) push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	newNode := &node[T]{value: value}
	var backoff uint8

	for {
		tailNode := q.tail.Load()
		next := tailNode.next.Load()

		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// another producer may already have moved the tail, that is fine
				q.tail.CompareAndSwap(tailNode, newNode)
				q.length.Add(1)

				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()
				return true
			}
		} else {
			// help a producer that appended but did not move the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		// spin a little under contention, then yield
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// consume moves values from the linked list into the out channel until the
// queue is closed and drained.
func (q *mpscQueue[T]) consume() {
	defer close(q.out)

	for {
		drained := false
		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			drained = true

			value := next.value
			q.head.Store(next)
			q.length.Add(-1)
			q.out <- value
			next.value = nil
		}

		if !drained {
			q.mu.Lock()
			if q.head.Load().next.Load() == nil {
				if q.closed.Load() {
					q.mu.Unlock()
					return
				}
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// recv returns the channel the consumer reads from. It is closed once the
// queue was closed and every pushed value was delivered.
func (q *mpscQueue[T]) recv() <-chan *T {
	return q.out
}

// close rejects further pushes. Values already queued are still delivered.
func (q *mpscQueue[T]) close() {
	q.closed.Store(true)
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// len returns the number of queued values that were not handed out yet.
func (q *mpscQueue[T]) len() int {
	return int(q.length.Load())
}
