package dispatch

import (
	"sync"

	"github.com/fabricd/fabricd/pkg/clock"
	"github.com/fabricd/fabricd/pkg/log"
	"github.com/fabricd/fabricd/pkg/metrics"
)

const (
	// DefaultWorkers is the worker pool size when none is configured.
	DefaultWorkers = 4

	runQueueSize  = 256
	workQueueSize = 64
)

// Config holds dispatcher configuration
type Config struct {
	Workers int
	Clock   clock.Clock
}

type workItem struct {
	name     string
	work     func() error
	complete func(error)
}

// Dispatcher owns the event loop that serializes all state mutation.
// Closures submitted with Submit run one at a time on a single goroutine,
// so controller and reconciler state never needs its own locking. Blocking
// calls (fabric connects, log page fetches, DNS lookups) go through
// SubmitWork, which runs them on a bounded worker pool and posts the
// completion back onto the loop.
type Dispatcher struct {
	workers int
	clk     clock.Clock

	runCh  chan func()
	workCh chan workItem

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(cfg *Config) *Dispatcher {
	workers := DefaultWorkers
	clk := clock.Real()
	if cfg != nil {
		if cfg.Workers > 0 {
			workers = cfg.Workers
		}
		if cfg.Clock != nil {
			clk = cfg.Clock
		}
	}

	return &Dispatcher{
		workers: workers,
		clk:     clk,
		runCh:   make(chan func(), runQueueSize),
		workCh:  make(chan workItem, workQueueSize),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the event loop and the worker pool
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.loop()

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workLoop()
	}
}

// Stop shuts the dispatcher down. Queued closures that have not started
// are dropped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	d.wg.Wait()
}

// Submit schedules fn to run on the event loop. Safe to call from any
// goroutine, including from closures already running on the loop.
func (d *Dispatcher) Submit(fn func()) {
	select {
	case d.runCh <- fn:
	case <-d.stopCh:
	}
}

// SubmitWork runs work on the worker pool and, when it returns, schedules
// complete(err) on the event loop. complete may be nil.
func (d *Dispatcher) SubmitWork(name string, work func() error, complete func(error)) {
	item := workItem{name: name, work: work, complete: complete}
	select {
	case d.workCh <- item:
		metrics.WorkerQueueDepth.Set(float64(len(d.workCh)))
	case <-d.stopCh:
	}
}

// QueueDepth returns the number of work items waiting for a worker.
func (d *Dispatcher) QueueDepth() int {
	return len(d.workCh)
}

// Clock returns the dispatcher's clock, for constructing timers outside
// this package.
func (d *Dispatcher) Clock() clock.Clock {
	return d.clk
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	for {
		select {
		case fn := <-d.runCh:
			fn()
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) workLoop() {
	defer d.wg.Done()

	logger := log.WithComponent("dispatch")

	for {
		select {
		case item := <-d.workCh:
			metrics.WorkerQueueDepth.Set(float64(len(d.workCh)))
			err := item.work()
			if err != nil {
				logger.Debug().Str("task", item.name).Err(err).Msg("Background task failed")
			}
			if item.complete != nil {
				d.Submit(func() { item.complete(err) })
			}
		case <-d.stopCh:
			return
		}
	}
}
