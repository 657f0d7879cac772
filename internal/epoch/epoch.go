// Package epoch implements the log cleaner: deferred destruction of
// unlinked skip-list nodes and superseded value objects, held back until
// no worker could still be observing them. See spec.md §4.J.
package epoch

import (
	"container/list"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gungnirdb/gungnir/internal/gungnirlog"
	"github.com/gungnirdb/gungnir/internal/metrics"
)

var log = gungnirlog.Get("epoch")

// NeverStarted is the epoch a worker publishes before it has begun its
// first RPC. The collector must never treat such a worker as a barrier.
const NeverStarted = math.MaxUint64

// Slot is the per-worker published-epoch cell. A worker stores the
// global epoch it observed when it began its current task, and restores
// NeverStarted (or the epoch of its next task) when it goes idle.
type Slot struct {
	published atomic.Uint64
}

// NewSlot returns a slot in the "never started" state.
func NewSlot() *Slot {
	s := &Slot{}
	s.published.Store(NeverStarted)
	return s
}

func (s *Slot) Publish(epoch uint64) { s.published.Store(epoch) }
func (s *Slot) Clear()               { s.published.Store(NeverStarted) }
func (s *Slot) Load() uint64         { return s.published.Load() }

type deferredItem struct {
	epoch   uint64
	destroy func()
}

// Manager owns the two FIFOs (removals, objects) described in spec.md
// §4.J and the background sweep goroutine.
type Manager struct {
	mu       sync.Mutex
	removals list.List
	objects  list.List

	globalEpoch atomic.Uint64

	slotsMu sync.Mutex
	slots   []*Slot

	pollInterval time.Duration
	stop         chan struct{}
	wg           sync.WaitGroup
	started      atomic.Bool

	reg *metrics.Registry
}

// NewManager creates a collector. pollInterval is the base sleep
// duration between sweeps when both FIFOs were empty (spec.md's
// POLL_USEC, default 10ms); the actual sleep is a random fraction of it
// as spec.md §4.I/§4.J specify, to desynchronize collectors across
// processes sharing a host. reg may be nil, in which case the sweep
// reports nothing to Prometheus.
func NewManager(pollInterval time.Duration, reg *metrics.Registry) *Manager {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Millisecond
	}
	return &Manager{pollInterval: pollInterval, stop: make(chan struct{}), reg: reg}
}

// Register allocates a published-epoch slot for a new worker.
func (m *Manager) Register() *Slot {
	s := NewSlot()
	m.slotsMu.Lock()
	m.slots = append(m.slots, s)
	m.slotsMu.Unlock()
	return s
}

// DeferNode surrenders an unlinked skip-list node to the collector.
func (m *Manager) DeferNode(destroy func()) {
	m.defer_(&m.removals, destroy)
}

// DeferValue surrenders a superseded value object to the collector.
func (m *Manager) DeferValue(destroy func()) {
	m.defer_(&m.objects, destroy)
}

func (m *Manager) defer_(fifo *list.List, destroy func()) {
	epoch := m.globalEpoch.Add(1)
	m.mu.Lock()
	fifo.PushBack(deferredItem{epoch: epoch, destroy: destroy})
	m.mu.Unlock()
}

// minPublished returns the minimum epoch published across all
// registered workers; a worker that never started a task does not
// constrain reclamation.
func (m *Manager) minPublished() uint64 {
	m.slotsMu.Lock()
	defer m.slotsMu.Unlock()
	min := uint64(NeverStarted)
	for _, s := range m.slots {
		if e := s.Load(); e < min {
			min = e
		}
	}
	return min
}

// Start launches the background sweep goroutine.
func (m *Manager) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go m.run()
}

// Stop halts the sweep goroutine and waits for it to exit.
func (m *Manager) Stop() {
	if !m.started.CompareAndSwap(true, false) {
		return
	}
	close(m.stop)
	m.wg.Wait()
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		default:
		}

		didWork := m.sweepOnce()
		if !didWork {
			// Randomized fraction of pollInterval so a fleet of
			// processes on one host don't sweep in lockstep.
			jitter := time.Duration(float64(m.pollInterval) * randFraction())
			select {
			case <-time.After(jitter):
			case <-m.stop:
				return
			}
		}
	}
}

func (m *Manager) sweepOnce() (didWork bool) {
	min := m.minPublished()
	didWork = m.drain(&m.removals, min) || didWork
	didWork = m.drain(&m.objects, min) || didWork
	return didWork
}

func (m *Manager) drain(fifo *list.List, min uint64) bool {
	did := false
	for {
		m.mu.Lock()
		front := fifo.Front()
		if front == nil {
			m.mu.Unlock()
			break
		}
		item := front.Value.(deferredItem)
		if item.epoch >= min {
			m.mu.Unlock()
			break
		}
		fifo.Remove(front)
		m.mu.Unlock()

		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("panic destroying deferred item: %v", r)
				}
			}()
			item.destroy()
		}()
		if m.reg != nil {
			m.reg.ReclaimedTotal.Inc()
		}
		did = true
	}
	return did
}

// randFraction returns a value in [0,1) without depending on math/rand's
// global lock being a bottleneck on the hot sweep path; good enough for
// jitter, not for anything security sensitive.
func randFraction() float64 {
	var x [8]byte
	now := time.Now().UnixNano()
	for i := range x {
		x[i] = byte(now >> (8 * i))
	}
	v := uint64(0)
	for _, b := range x {
		v = v<<8 | uint64(b)
	}
	return float64(v%1000) / 1000.0
}
