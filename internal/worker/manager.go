package worker

import (
	"sync"

	"github.com/gungnirdb/gungnir/internal/epoch"
	"github.com/gungnirdb/gungnir/internal/metrics"
)

// defaultMaxWaiting bounds waitingRpcs before HandleRPC starts
// rejecting new admissions and the caller sheds load with StatusRetry,
// per spec.md §7.4. spec.md §4.F itself describes waitingRpcs as
// "bounded only by memory"; this cap is the practical backstop that
// makes the backpressure protocol reachable at all instead of dead
// code that never triggers.
const defaultMaxWaiting = 4096

// Manager owns a fixed-size pool of Workers and implements spec.md
// §4.F's admission control: HandleRPC hands a task straight to an idle
// worker or, if every worker is busy, queues it in waitingRpcs; Poll —
// invoked once per pass by internal/dispatch's poller vector — moves
// drained workers back to idleThreads and re-dispatches any queued
// RPCs to them, restating the original WorkerManager.cc's handle_rpc/
// poll pair in the map+mutex style
// _examples/matteso1-sentinel/internal/broker/broker.go uses for its
// own partition registry.
//
// PUT/ERASE bypass this admission queue entirely via AssignToKey, so
// that same-key operations always serialize through one worker's FIFO
// regardless of idle/busy/waiting bookkeeping; a worker can therefore
// sit in idleThreads while actually draining a key-routed task. This is
// a deliberate approximation — see DESIGN.md's "Worker-to-key routing"
// Open Question — not a correctness bound, since each worker's own FIFO
// is what actually serializes work; idleThreads/busyThreads/waitingRpcs
// only gate how eagerly GET/SCAN admits new work.
type Manager struct {
	mu      sync.Mutex
	workers []*Worker

	idleThreads []*Worker
	busyThreads []*Worker
	waitingRpcs []Task

	maxWaiting int
}

// NewManager constructs count workers, seeding each from baseSeed
// mixed with its index so their height sequences are uncorrelated, and
// registers each with collector for epoch reclamation. reg may be nil,
// in which case the pool reports nothing to Prometheus. Every worker
// starts in idleThreads.
func NewManager(count int, baseSeed uint64, collector *epoch.Manager, reg *metrics.Registry) *Manager {
	if count < 1 {
		count = 1
	}
	m := &Manager{workers: make([]*Worker, count), maxWaiting: defaultMaxWaiting}
	for i := 0; i < count; i++ {
		seed := baseSeed ^ (uint64(i)*0x9e3779b97f4a7c15 + 1)
		m.workers[i] = New(i, seed, collector, reg)
	}
	m.idleThreads = append(m.idleThreads, m.workers...)
	return m
}

// Start launches every worker's Run loop.
func (m *Manager) Start() {
	for _, w := range m.workers {
		go w.Run()
	}
}

// Stop halts every worker and waits for them to drain.
func (m *Manager) Stop() {
	for _, w := range m.workers {
		w.Stop()
	}
}

// Count returns the number of workers in the pool.
func (m *Manager) Count() int { return len(m.workers) }

// HandleRPC implements spec.md §4.F's handle_rpc: hand t to an idle
// worker immediately, or append it to waitingRpcs if none is idle.
// Returns false when waitingRpcs is already at capacity, telling the
// caller to shed load (StatusRetry) rather than queue indefinitely.
func (m *Manager) HandleRPC(t Task) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.idleThreads); n > 0 {
		w := m.idleThreads[n-1]
		m.idleThreads = m.idleThreads[:n-1]
		m.busyThreads = append(m.busyThreads, w)
		w.Submit(t)
		return true
	}
	if len(m.waitingRpcs) >= m.maxWaiting {
		return false
	}
	m.waitingRpcs = append(m.waitingRpcs, t)
	return true
}

// Poll implements spec.md §4.F's poll: scan busyThreads for workers
// that have gone idle since the last pass, swap them out of
// busyThreads (swap-with-back, restating the original's index-reuse
// bookkeeping), and either hand them the oldest waitingRpcs entry or
// move them to idleThreads. Returns the number of waitingRpcs entries
// dispatched this pass.
func (m *Manager) Poll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatched := 0
	for i := 0; i < len(m.busyThreads); {
		w := m.busyThreads[i]
		if w.QueueDepth() > 0 || w.State() != StateSleeping {
			i++
			continue
		}

		last := len(m.busyThreads) - 1
		m.busyThreads[i] = m.busyThreads[last]
		m.busyThreads = m.busyThreads[:last]

		if len(m.waitingRpcs) > 0 {
			t := m.waitingRpcs[0]
			m.waitingRpcs = m.waitingRpcs[1:]
			m.busyThreads = append(m.busyThreads, w)
			w.Submit(t)
			dispatched++
		} else {
			m.idleThreads = append(m.idleThreads, w)
		}
	}
	return dispatched
}

// maxKeyQueueDepth bounds a single worker's FIFO when fed through
// AssignToKey, which otherwise has no backpressure of its own — this
// is what makes spec.md §8's scenario 6 (maxCores=1, 128 concurrent
// PUTs) actually able to trigger StatusRetry instead of just growing a
// slice forever.
const maxKeyQueueDepth = 64

// AssignToKey deterministically routes a task by key hash so that all
// operations on a given key are handled by the same worker — this is
// what makes spec.md's "concurrent PUTs to the same key" scenario
// resolve to a single linearized sequence per worker's queue rather
// than requiring cross-worker coordination. Used for PUT/ERASE. Returns
// false, rather than submitting, when the target worker's queue is
// already at maxKeyQueueDepth; the caller should report StatusRetry.
// See the Manager doc comment for why this bypasses idleThreads/
// busyThreads/waitingRpcs.
func (m *Manager) AssignToKey(key uint64, t Task) bool {
	idx := fnv1a(key) % uint64(len(m.workers))
	w := m.workers[idx]
	if w.QueueDepth() >= maxKeyQueueDepth {
		return false
	}
	w.Submit(t)
	return true
}

func fnv1a(key uint64) uint64 {
	const offset = 1469598103934665603
	const prime = 1099511628211
	h := uint64(offset)
	for i := 0; i < 8; i++ {
		h ^= (key >> (8 * i)) & 0xFF
		h *= prime
	}
	return h
}
