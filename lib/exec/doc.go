// Package exec implements the execution context used by every dPrim
// resource: a single goroutine that runs submitted tasks strictly
// sequentially.
//
// The task queue is a lock-free multi-producer single-consumer queue, so any
// number of goroutines (network callbacks, replicators, user code) can
// schedule work without contending on a mutex, while the consumer side
// guarantees that no two tasks of one Context ever overlap.
//
// Usage:
//
//	ctx := exec.New("map/orders")
//	defer ctx.Close()
//
//	ctx.Execute(func() {
//	    // runs on the context goroutine
//	})
package exec
