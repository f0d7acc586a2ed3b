// Package dispatch runs independent units of work on a fixed pool of workers.
//
// A single control goroutine submits units and then calls Wait, which is the barrier
// between stages: it returns only after every unit submitted since the previous Wait
// has finished. After Wait the dispatcher can be reused for the next stage.
//
// A unit that returns an error, or panics, is reported to the FailureHandler with its
// path. Failures never stop sibling units.
package dispatch

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// Unit is one independent piece of work, identified by the path it acts on.
type Unit struct {
	Path string
	Run  func() error
}

// FailureHandler is called from a worker goroutine for every failed unit.
type FailureHandler func(path string, err error)

// Dispatcher distributes units over a fixed number of workers.
// Submit and Wait must be called from the same goroutine.
type Dispatcher struct {
	workers   int
	onFailure FailureHandler

	queue chan Unit
	group *errgroup.Group

	submitted atomic.Int64
	failed    atomic.Int64
}

// New returns a dispatcher with the given number of workers (at least one).
// onFailure may be nil, in which case failures are only logged.
func New(workers int, onFailure FailureHandler) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{workers: workers, onFailure: onFailure}
}

// Workers returns the size of the pool.
func (d *Dispatcher) Workers() int { return d.workers }

// Submit enqueues u. Workers are started on the first Submit after New or Wait.
// Submit blocks while the queue is full.
func (d *Dispatcher) Submit(u Unit) {
	if d.queue == nil {
		d.start()
	}
	d.submitted.Add(1)
	d.queue <- u
}

// Wait blocks until every submitted unit has finished and stops the workers.
func (d *Dispatcher) Wait() {
	if d.queue == nil {
		return
	}
	close(d.queue)
	// Workers never return an error; failures go to the handler.
	_ = d.group.Wait()
	d.queue = nil
	d.group = nil
}

// Submitted returns the number of units submitted so far.
func (d *Dispatcher) Submitted() int64 { return d.submitted.Load() }

// Failed returns the number of units that failed so far.
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }

func (d *Dispatcher) start() {
	d.queue = make(chan Unit, d.workers*1024)
	d.group = new(errgroup.Group)
	queue := d.queue
	for w := 0; w < d.workers; w++ {
		d.group.Go(func() error {
			for u := range queue {
				d.execute(u)
			}
			return nil
		})
	}
}

// execute runs u and routes any error or panic to the failure handler.
func (d *Dispatcher) execute(u Unit) {
	err := runUnit(u)
	if err == nil {
		return
	}
	d.failed.Add(1)
	if d.onFailure != nil {
		d.onFailure(u.Path, err)
		return
	}
	plog.Warn("Work unit failed", "path", u.Path, "error", err)
}

func runUnit(u Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			plog.Debug("Recovered panic in work unit", "path", u.Path, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return u.Run()
}
