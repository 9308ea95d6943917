package exec

import (
	"sync"
	"testing"
	"time"
)

// TestQueueBasicOperations tests push and receive on a single producer
func TestQueueBasicOperations(t *testing.T) {
	q := newMPSCQueue[int]()
	defer q.close()

	for i := 0; i < 10; i++ {
		v := i
		if !q.push(&v) {
			t.Fatalf("Failed to push item %d", i)
		}
	}

	for i := 0; i < 10; i++ {
		select {
		case val := <-q.recv():
			if *val != i {
				t.Errorf("Expected %d, got %d", i, *val)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("Timeout waiting for item %d", i)
		}
	}

	select {
	case val := <-q.recv():
		t.Errorf("Queue should be empty, but got %v", *val)
	case <-time.After(10 * time.Millisecond):
	}
}

// TestQueueConcurrentProducers verifies that no item is lost or duplicated
func TestQueueConcurrentProducers(t *testing.T) {
	q := newMPSCQueue[int]()
	defer q.close()

	const producers = 10
	const perProducer = 1000
	total := producers * perProducer

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				v := p*perProducer + i
				q.push(&v)
			}
		}(p)
	}

	seen := make(map[int]bool, total)
	lastPerProducer := make(map[int]int)
	for len(seen) < total {
		select {
		case v := <-q.recv():
			if seen[*v] {
				t.Fatalf("duplicate item %d", *v)
			}
			seen[*v] = true

			// per producer order must be preserved
			p := *v / perProducer
			if last, ok := lastPerProducer[p]; ok && last > *v {
				t.Fatalf("producer %d: item %d delivered after %d", p, *v, last)
			}
			lastPerProducer[p] = *v
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout, received %d of %d", len(seen), total)
		}
	}
	wg.Wait()
}

// TestQueueClose verifies that close rejects pushes and closes the channel after draining
func TestQueueClose(t *testing.T) {
	q := newMPSCQueue[int]()
	v := 1
	q.push(&v)
	q.close()

	if q.push(&v) {
		t.Error("push should fail after close")
	}
	if nilPush := q.push(nil); nilPush {
		t.Error("push of nil should fail")
	}

	received := 0
	timeout := time.After(time.Second)
	for {
		select {
		case _, ok := <-q.recv():
			if !ok {
				if received != 1 {
					t.Errorf("expected 1 item before close, got %d", received)
				}
				return
			}
			received++
		case <-timeout:
			t.Fatal("channel was not closed")
		}
	}
}
