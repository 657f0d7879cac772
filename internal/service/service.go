// Package service implements the GET/PUT/ERASE/SCAN request handlers
// as explicit worker.Task state machines, per spec.md §4.K. Each
// handler restates one of the original per-RPC state machines (the
// C++ source's ObjectFinder/PutOperation/EraseOperation equivalents)
// as a Go struct with a state field and a non-blocking Step method, in
// the tagged-state style
// _examples/matteso1-sentinel/internal/raft/node.go uses for its own
// Follower/Candidate/Leader state machine.
package service

import (
	"github.com/gungnirdb/gungnir/internal/epoch"
	"github.com/gungnirdb/gungnir/internal/skiplist"
	"github.com/gungnirdb/gungnir/internal/store"
	"github.com/gungnirdb/gungnir/internal/wireformat"
	"github.com/gungnirdb/gungnir/internal/worker"
)

// Result is handed back to the transport layer once a task reaches
// StepDone; Status/Value/Entries map directly onto the wire response
// the transport serializes.
type Result struct {
	Status  wireformat.Status
	Value   []byte
	Entries []wireformat.ScanEntry
}

// Complete is invoked exactly once, from whichever worker goroutine
// finishes the task, with the final Result.
type Complete func(Result)

// Binder is implemented by every task in this package. The owning
// worker.Worker calls Bind exactly once, in Submit before the task is
// queued, handing it that worker's own epoch slot and height-sampling
// RNG — a task can't know which worker will run it until
// worker.Manager.HandleRPC/AssignToKey picks one, so these can't be
// supplied at construction time.
type Binder interface {
	Bind(slot *epoch.Slot, rng *skiplist.RNG)
}

type getState int

const (
	getLookup getState = iota
)

// Get implements the GET handler: a single, lock-free skip-list
// lookup. It still runs as a Task (rather than being answered inline
// by the transport layer) so every request uniformly flows through a
// worker's queue, matching spec.md §4.E's single-entry-point model.
type Get struct {
	engine *store.Engine
	slot   *epoch.Slot
	key    uint64
	epoch  uint64
	done   Complete
	state  getState
}

// NewGet constructs a GET task. epochNow is the global epoch to
// publish into the assigned worker's slot for the lookup's duration.
func NewGet(engine *store.Engine, key uint64, epochNow uint64, done Complete) *Get {
	return &Get{engine: engine, key: key, epoch: epochNow, done: done}
}

func (g *Get) Bind(slot *epoch.Slot, rng *skiplist.RNG) { g.slot = slot }

// OpName identifies this task to internal/worker's retry/latency metrics.
func (g *Get) OpName() string { return "get" }

func (g *Get) Step() worker.StepResult {
	g.slot.Publish(g.epoch)
	defer g.slot.Clear()

	node := g.engine.Index.Find(g.key)
	if node == nil {
		g.done(Result{Status: wireformat.StatusObjectDoesntExist})
		return worker.StepDone
	}
	g.done(Result{Status: wireformat.StatusOK, Value: node.Value()})
	return worker.StepDone
}

type putState int

const (
	putInsert putState = iota
	putAwaitSync
)

// Put implements the PUT handler: append the value to the WAL, then —
// once durable — install it into the skip list. spec.md §4.K requires
// durability before visibility, so the WAL append happens first and
// the node is only linked/updated after Sync returns.
type Put struct {
	engine    *store.Engine
	slot      *epoch.Slot
	key       uint64
	value     []byte
	epoch     uint64
	done      Complete
	rng       *skiplist.RNG
	state     putState
	syncedAt  uint64
}

// NewPut constructs a PUT task.
func NewPut(engine *store.Engine, key uint64, value []byte, epochNow uint64, done Complete) *Put {
	return &Put{engine: engine, key: key, value: value, epoch: epochNow, done: done}
}

func (p *Put) Bind(slot *epoch.Slot, rng *skiplist.RNG) {
	p.slot = slot
	p.rng = rng
}

// OpName identifies this task to internal/worker's retry/latency metrics.
func (p *Put) OpName() string { return "put" }

func (p *Put) Step() worker.StepResult {
	switch p.state {
	case putInsert:
		p.syncedAt = p.engine.Log.AppendPut(p.key, p.value)
		p.state = putAwaitSync
		return worker.StepYield
	case putAwaitSync:
		if p.engine.Log.Flushed() < p.syncedAt {
			return worker.StepYield
		}
		p.slot.Publish(p.epoch)
		defer p.slot.Clear()

		node, retry := p.engine.Index.AddOrGetNode(p.key, p.rng)
		if retry {
			return worker.StepRetry
		}
		if !node.TryLock() {
			return worker.StepRetry
		}
		old := node.SetValue(p.value)
		node.Unlock()
		if old != nil {
			supersededValue := old
			p.engine.Collector.DeferValue(func() { _ = supersededValue })
		}
		p.done(Result{Status: wireformat.StatusOK})
		return worker.StepDone
	}
	return worker.StepDone
}

type eraseState int

const (
	eraseMark eraseState = iota
	eraseAwaitSync
	eraseUnlink
)

// Erase implements the ERASE handler: mark-then-log-then-unlink, per
// spec.md §4.G/§4.K. Idempotent: erasing an absent key reports
// StatusOK without writing to the WAL.
type Erase struct {
	engine   *store.Engine
	slot     *epoch.Slot
	key      uint64
	epoch    uint64
	done     Complete
	state    eraseState
	node     *skiplist.Node
	syncedAt uint64
}

func NewErase(engine *store.Engine, key uint64, epochNow uint64, done Complete) *Erase {
	return &Erase{engine: engine, key: key, epoch: epochNow, done: done}
}

func (e *Erase) Bind(slot *epoch.Slot, rng *skiplist.RNG) { e.slot = slot }

// OpName identifies this task to internal/worker's retry/latency metrics.
func (e *Erase) OpName() string { return "erase" }

func (e *Erase) Step() worker.StepResult {
	switch e.state {
	case eraseMark:
		e.slot.Publish(e.epoch)
		node, ok, retry := e.engine.Index.MarkForRemoval(e.key)
		if retry {
			e.slot.Clear()
			return worker.StepRetry
		}
		if !ok {
			e.slot.Clear()
			e.done(Result{Status: wireformat.StatusOK})
			return worker.StepDone
		}
		e.node = node
		e.syncedAt = e.engine.Log.AppendErase(e.key)
		e.state = eraseAwaitSync
		return worker.StepYield
	case eraseAwaitSync:
		if e.engine.Log.Flushed() < e.syncedAt {
			return worker.StepYield
		}
		e.state = eraseUnlink
		return worker.StepYield
	case eraseUnlink:
		if e.engine.Index.Unlink(e.node) {
			return worker.StepRetry
		}
		e.slot.Clear()
		e.done(Result{Status: wireformat.StatusOK})
		return worker.StepDone
	}
	return worker.StepDone
}

type scanState int

const (
	scanInit scanState = iota
	scanCollect
)

// scanBatchSize bounds how many entries COLLECT accumulates per Step
// invocation before yielding, per spec.md §4.K's "bounded batch (e.g.
// 100)" — so a dense range doesn't monopolize the worker across one
// giant Step call.
const scanBatchSize = 100

// Scan implements the SCAN handler: an ordered forward walk over the
// inclusive range [StartKey, EndKey], batching scanBatchSize entries
// per Step and yielding between batches so other tasks on the same
// worker get a turn, per spec.md §4.K's INIT/COLLECT/DONE state
// machine. The epoch slot stays published for the whole walk, since
// the iterator holds node references across every batch.
type Scan struct {
	engine   *store.Engine
	slot     *epoch.Slot
	startKey uint64
	endKey   uint64
	epoch    uint64
	done     Complete

	state   scanState
	it      *skiplist.Iterator
	cur     *skiplist.Node
	entries []wireformat.ScanEntry
}

func NewScan(engine *store.Engine, startKey, endKey uint64, epochNow uint64, done Complete) *Scan {
	return &Scan{engine: engine, startKey: startKey, endKey: endKey, epoch: epochNow, done: done}
}

func (s *Scan) Bind(slot *epoch.Slot, rng *skiplist.RNG) { s.slot = slot }

// OpName identifies this task to internal/worker's retry/latency metrics.
func (s *Scan) OpName() string { return "scan" }

func (s *Scan) Step() worker.StepResult {
	switch s.state {
	case scanInit:
		s.slot.Publish(s.epoch)
		node := s.engine.Index.LowerBound(s.startKey)
		s.entries = make([]wireformat.ScanEntry, 0)
		if node == nil || node.Key() > s.endKey {
			s.slot.Clear()
			s.done(Result{Status: wireformat.StatusOK, Entries: s.entries})
			return worker.StepDone
		}
		s.it = skiplist.NewIteratorFrom(node)
		s.cur = node
		s.state = scanCollect
		return worker.StepYield
	case scanCollect:
		for i := 0; i < scanBatchSize; i++ {
			if s.cur == nil || s.cur.Key() > s.endKey {
				s.slot.Clear()
				s.done(Result{Status: wireformat.StatusOK, Entries: s.entries})
				return worker.StepDone
			}
			s.entries = append(s.entries, wireformat.ScanEntry{Key: s.cur.Key(), Value: s.cur.Value()})
			if !s.it.Next() {
				s.cur = nil
			} else {
				s.cur = s.it.Node()
			}
		}
		return worker.StepYield
	}
	return worker.StepDone
}

