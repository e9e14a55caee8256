// Package serial runs submitted functions one at a time in submission order
// on a worker goroutine that exists only while there is work.
package serial

import (
	"fmt"
	"sync"

	"github.com/eapache/queue"
)

// Executor is a FIFO of pending functions. The zero value is not usable;
// call New.
type Executor struct {
	mu      sync.Mutex
	tasks   *queue.Queue
	running bool
	idle    *sync.Cond

	// OnPanic, if set, is told about recovered task panics.
	OnPanic func(recovered any)
}

// New returns an idle executor.
func New() *Executor {
	e := &Executor{tasks: queue.New()}
	e.idle = sync.NewCond(&e.mu)
	return e
}

// Submit queues fn. It never blocks.
func (e *Executor) Submit(fn func()) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.tasks.Add(fn)
	start := !e.running
	e.running = true
	e.mu.Unlock()

	if start {
		go e.drain()
	}
}

// Wait blocks until every submitted function has run.
func (e *Executor) Wait() {
	e.mu.Lock()
	for e.running {
		e.idle.Wait()
	}
	e.mu.Unlock()
}

// Pending returns the number of queued functions not yet started.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks.Length()
}

func (e *Executor) drain() {
	for {
		e.mu.Lock()
		if e.tasks.Length() == 0 {
			e.running = false
			e.idle.Broadcast()
			e.mu.Unlock()
			return
		}
		fn := e.tasks.Remove().(func())
		e.mu.Unlock()

		e.run(fn)
	}
}

func (e *Executor) run(fn func()) {
	defer func() {
		if r := recover(); r != nil && e.OnPanic != nil {
			e.OnPanic(r)
		}
	}()
	fn()
}

// PanicError formats a recovered value.
func PanicError(recovered any) error {
	return fmt.Errorf("peerwire: callback panicked: %v", recovered)
}
