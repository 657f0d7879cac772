// Package worker implements the cooperative task queue and worker pool
// described in spec.md §4.E/§4.F: each Worker owns a FIFO of Tasks and
// drives them to completion by repeatedly invoking their non-blocking
// Step method, rescheduling whenever a Step reports it is waiting on
// something (a WAL sync, a skip-list retry, a framing read). This
// restates the original TaskQueue.cc/Worker.cc event loop as a Go
// goroutine with a channel-fed queue, in the idiom
// _examples/matteso1-sentinel/internal/raft/node.go uses for its own
// select-driven run loop.
package worker

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gungnirdb/gungnir/internal/epoch"
	"github.com/gungnirdb/gungnir/internal/gungnirlog"
	"github.com/gungnirdb/gungnir/internal/metrics"
	"github.com/gungnirdb/gungnir/internal/skiplist"
)

var log = gungnirlog.Get("worker")

// StepResult is returned by Task.Step to tell the owning Worker what
// to do next.
type StepResult int

const (
	// StepDone means the task has finished and can be discarded.
	StepDone StepResult = iota
	// StepYield means the task made progress but isn't finished;
	// requeue it at the back of the worker's queue.
	StepYield
	// StepRetry means the task hit lock contention or a skip-list CAS
	// race and should be retried without having made forward progress;
	// also requeues at the back, identically to StepYield, but kept
	// distinct so metrics can separate genuine progress from spinning.
	StepRetry
)

// Task is one schedulable unit of work: a GET/PUT/ERASE/SCAN state
// machine (see internal/service) or an internal housekeeping job. Step
// must never block.
type Task interface {
	Step() StepResult
}

// State is the lifecycle phase of a Worker, mirrored onto the state
// enum spec.md's Worker component defines.
type State int

const (
	StatePolling State = iota
	StateWorking
	StatePostprocessing
	StateSleeping
)

// Worker owns one task queue and one xorshift RNG used for skip-list
// height sampling, satisfying spec.md §9's "per-thread state" (seed
// independence across threads) without needing OS-level thread-local
// storage, since a goroutine only ever touches its own Worker's RNG.
type Worker struct {
	id    int
	rng   *skiplist.RNG
	slot  *epoch.Slot
	state atomic.Int32

	mu    sync.Mutex
	ready chan struct{}
	tasks []Task

	quit chan struct{}
	wg   sync.WaitGroup

	reg *metrics.Registry
}

// New creates a worker with its own RNG seed and epoch slot. collector
// may be nil only in unit tests that don't exercise reclamation. reg
// may be nil, in which case the worker reports nothing to Prometheus.
func New(id int, seed uint64, collector *epoch.Manager, reg *metrics.Registry) *Worker {
	w := &Worker{
		id:    id,
		rng:   skiplist.NewRNG(seed),
		ready: make(chan struct{}, 1),
		quit:  make(chan struct{}),
		reg:   reg,
	}
	if collector != nil {
		w.slot = collector.Register()
	} else {
		w.slot = epoch.NewSlot()
	}
	w.state.Store(int32(StateSleeping))
	return w
}

// RNG returns the worker's private height-sampling generator.
func (w *Worker) RNG() *skiplist.RNG { return w.rng }

// Slot returns the worker's published-epoch cell; service handlers
// publish the current global epoch into it before touching the skip
// list and clear it when they go idle, per spec.md §4.J.
func (w *Worker) Slot() *epoch.Slot { return w.slot }

// State returns the worker's current lifecycle phase.
func (w *Worker) State() State { return State(w.state.Load()) }

// binder is satisfied by every service-layer task; a plain Task
// without state tied to a specific worker (e.g. internal housekeeping)
// simply doesn't implement it.
type binder interface {
	Bind(slot *epoch.Slot, rng *skiplist.RNG)
}

// named is satisfied by every service-layer task; it lets the worker
// label OpRetries without importing internal/service.
type named interface {
	OpName() string
}

// workerID formats the worker's id as the QueueDepth gauge label. It
// is formatted anew on every Submit/dequeue/requeue; nothing caches it.
func (w *Worker) workerID() string { return strconv.Itoa(w.id) }

// Submit enqueues a task and wakes the worker if it was sleeping. If
// the task needs this worker's epoch slot or height-sampling RNG, it
// is bound once, here, before ever being queued.
func (w *Worker) Submit(t Task) {
	if b, ok := t.(binder); ok {
		b.Bind(w.slot, w.rng)
	}
	w.mu.Lock()
	w.tasks = append(w.tasks, t)
	depth := len(w.tasks)
	w.mu.Unlock()
	if w.reg != nil {
		w.reg.QueueDepth.WithLabelValues(w.workerID()).Set(float64(depth))
	}
	select {
	case w.ready <- struct{}{}:
	default:
	}
}

// QueueDepth reports the number of tasks currently queued. The Manager
// uses it in Poll to tell whether a busy worker has drained, and in
// AssignToKey to enforce maxKeyQueueDepth.
func (w *Worker) QueueDepth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tasks)
}

// Run drives the worker's task queue until Stop is called. Intended to
// be launched as its own goroutine by the WorkerManager.
func (w *Worker) Run() {
	w.wg.Add(1)
	defer w.wg.Done()
	for {
		w.state.Store(int32(StatePolling))
		t, ok := w.dequeue()
		if !ok {
			w.state.Store(int32(StateSleeping))
			select {
			case <-w.ready:
				continue
			case <-w.quit:
				return
			}
		}

		w.state.Store(int32(StateWorking))
		result := t.Step()
		w.state.Store(int32(StatePostprocessing))

		switch result {
		case StepDone:
			w.slot.Clear()
		case StepYield, StepRetry:
			w.requeue(t)
		}

		if result == StepRetry && w.reg != nil {
			opName := "unknown"
			if n, ok := t.(named); ok {
				opName = n.OpName()
			}
			w.reg.OpRetries.WithLabelValues(opName).Inc()
		}

		select {
		case <-w.quit:
			return
		default:
		}
	}
}

func (w *Worker) dequeue() (Task, bool) {
	w.mu.Lock()
	if len(w.tasks) == 0 {
		w.mu.Unlock()
		return nil, false
	}
	t := w.tasks[0]
	w.tasks = w.tasks[1:]
	depth := len(w.tasks)
	w.mu.Unlock()
	if w.reg != nil {
		w.reg.QueueDepth.WithLabelValues(w.workerID()).Set(float64(depth))
	}
	return t, true
}

func (w *Worker) requeue(t Task) {
	w.mu.Lock()
	w.tasks = append(w.tasks, t)
	depth := len(w.tasks)
	w.mu.Unlock()
	if w.reg != nil {
		w.reg.QueueDepth.WithLabelValues(w.workerID()).Set(float64(depth))
	}
}

// Stop signals the worker's Run loop to exit and waits for it.
func (w *Worker) Stop() {
	close(w.quit)
	w.wg.Wait()
}
