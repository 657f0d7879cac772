// Package skiplist implements the concurrent, fine-grained-locked,
// epoch-reclaimed ordered index described in spec.md §4.G. It follows
// the Herlihy–Shavit lock-based design (MARKED_FOR_REMOVAL /
// FULLY_LINKED flags, per-node locks) also used by the original
// ConcurrentSkipList.cc this spec was distilled from, generalized here
// from sentinel's single coarse sync.RWMutex
// (_examples/matteso1-sentinel/internal/storage/skiplist.go) to
// per-node try-lock-and-retry concurrency.
package skiplist

import (
	"runtime"
	"sync/atomic"

	"github.com/gungnirdb/gungnir/internal/epoch"
)

// List is the ordered index keyed by 64-bit unsigned integers.
type List struct {
	head      *Node
	level     atomic.Int32 // highest level currently in use, 0-indexed
	size      atomic.Int64
	collector *epoch.Manager
}

// New creates an empty list. collector may be nil in tests that don't
// care about reclamation timing; production callers always supply the
// store-wide epoch.Manager.
func New(collector *epoch.Manager) *List {
	l := &List{collector: collector}
	l.head = newNode(0, MaxHeight, true)
	return l
}

// Size returns the number of fully-linked, non-marked non-head nodes.
func (l *List) Size() int64 { return l.size.Load() }

// Find returns the unique node with the given key if it is fully
// linked and not marked for removal, else nil. spec.md §4.G Find.
func (l *List) Find(key uint64) *Node {
	pred := l.head
	var curr *Node
	for layer := int(l.level.Load()); layer >= 0; layer-- {
		curr = pred.loadForward(layer)
		for curr != nil && curr.key < key {
			pred = curr
			curr = pred.loadForward(layer)
		}
	}
	if curr != nil && curr.key == key && curr.IsFullyLinked() && !curr.IsMarked() {
		return curr
	}
	return nil
}

// findInsertionPoint walks from head, recording the predecessor and
// successor at every level, per spec.md §4.G. Returns the highest
// level at which a node with a matching key was observed, or -1.
func (l *List) findInsertionPoint(key uint64, preds, succs []*Node) int {
	foundLayer := -1
	pred := l.head
	for layer := int(l.level.Load()); layer >= 0; layer-- {
		curr := pred.loadForward(layer)
		for curr != nil && curr.key < key {
			pred = curr
			curr = pred.loadForward(layer)
		}
		if foundLayer == -1 && curr != nil && curr.key == key {
			foundLayer = layer
		}
		preds[layer] = pred
		succs[layer] = curr
	}
	return foundLayer
}

// AddOrGetNode performs one attempt of the insert algorithm in
// spec.md §4.G. retry is true when the caller (the PUT task) should
// reschedule itself and try again; node is non-nil only when an
// existing, fully-linked, unmarked node for the key was found or a new
// node was successfully linked.
func (l *List) AddOrGetNode(key uint64, rng *RNG) (node *Node, retry bool) {
	var preds, succs [MaxHeight]*Node

	foundLayer := l.findInsertionPoint(key, preds[:], succs[:])
	if foundLayer != -1 {
		existing := succs[foundLayer]
		if existing.IsMarked() {
			return nil, true
		}
		// Brief spin until the other inserter finishes linking.
		for i := 0; i < 1000 && !existing.IsFullyLinked(); i++ {
			runtime.Gosched()
		}
		if !existing.IsFullyLinked() {
			return nil, true
		}
		return existing, false
	}

	height := rng.randomHeight()
	topLayer := height - 1
	currentLevel := int(l.level.Load())
	if topLayer > currentLevel {
		for i := currentLevel + 1; i <= topLayer; i++ {
			preds[i] = l.head
			succs[i] = nil
		}
	}

	locked := make([]*Node, 0, topLayer+1)
	defer func() {
		for _, n := range locked {
			n.Unlock()
		}
	}()

	valid := true
	for layer := 0; layer <= topLayer && valid; layer++ {
		p := preds[layer]
		if containsNode(locked, p) {
			continue
		}
		if !p.TryLock() {
			valid = false
			break
		}
		locked = append(locked, p)
	}
	if !valid {
		return nil, true
	}

	for layer := 0; layer <= topLayer; layer++ {
		p := preds[layer]
		if p.IsMarked() || p.loadForward(layer) != succs[layer] {
			return nil, true
		}
	}

	newNode := newNode(key, height, false)
	for layer := 0; layer <= topLayer; layer++ {
		newNode.storeForward(layer, succs[layer])
	}
	for layer := 0; layer <= topLayer; layer++ {
		preds[layer].storeForward(layer, newNode)
	}
	newNode.setFullyLinked()
	l.size.Add(1)
	l.bumpLevel(int32(topLayer))

	return newNode, false
}

func containsNode(haystack []*Node, n *Node) bool {
	for _, h := range haystack {
		if h == n {
			return true
		}
	}
	return false
}

func (l *List) bumpLevel(newLevel int32) {
	for {
		cur := l.level.Load()
		if newLevel <= cur {
			return
		}
		if l.level.CompareAndSwap(cur, newLevel) {
			return
		}
	}
}

// MarkForRemoval performs steps 1–2 of spec.md §4.G remove: it finds
// the candidate node and, if eligible, locks it and sets
// MARKED_FOR_REMOVAL — the linearization point of the delete. The
// caller (the ERASE task) is responsible for appending the WAL
// tombstone and awaiting durability before calling Unlink.
//
// ok=false, retry=false means the key is absent or already gone:
// ERASE is idempotent, so the caller should report success without
// touching the WAL.
func (l *List) MarkForRemoval(key uint64) (node *Node, ok bool, retry bool) {
	var preds, succs [MaxHeight]*Node
	foundLayer := l.findInsertionPoint(key, preds[:], succs[:])
	if foundLayer == -1 {
		return nil, false, false
	}
	candidate := succs[foundLayer]
	if !candidate.IsFullyLinked() || candidate.Height()-1 != foundLayer || candidate.IsMarked() {
		return nil, false, false
	}
	if !candidate.TryLock() {
		return nil, false, true
	}
	if candidate.IsMarked() {
		candidate.Unlock()
		return nil, false, false
	}
	candidate.setMarkedForRemoval()
	candidate.Unlock()
	return candidate, true, false
}

// Unlink performs steps 4–5 of spec.md §4.G remove: it locks every
// distinct predecessor of the already-marked node, validates, splices
// the node out of every level top-down, decrements size, and hands the
// node to the epoch collector. retry=true means a predecessor lock was
// contended or validation failed and the caller should reschedule.
func (l *List) Unlink(node *Node) (retry bool) {
	var preds, succs [MaxHeight]*Node
	foundLayer := l.findInsertionPoint(node.key, preds[:], succs[:])
	if foundLayer == -1 || succs[foundLayer] != node {
		// Already unlinked by a racing unlinker (shouldn't happen since
		// MarkForRemoval is exactly-once, but stay defensive).
		return false
	}

	topLayer := node.Height() - 1
	locked := make([]*Node, 0, topLayer+1)
	defer func() {
		for _, n := range locked {
			n.Unlock()
		}
	}()

	valid := true
	for layer := 0; layer <= topLayer && valid; layer++ {
		p := preds[layer]
		if containsNode(locked, p) {
			continue
		}
		if !p.TryLock() {
			valid = false
			break
		}
		locked = append(locked, p)
	}
	if !valid {
		return true
	}

	for layer := 0; layer <= topLayer; layer++ {
		// Unlike insert, a marked predecessor is permitted here — it is
		// itself mid-unlink and will be spliced out by its own unlinker.
		if preds[layer].loadForward(layer) != node {
			// Stale predecessor pointer: another unlink raced ahead of
			// us at this level; findInsertionPoint ensures this can't
			// diverge the key order, but bail out and retry to be safe.
			return true
		}
	}

	for layer := topLayer; layer >= 0; layer-- {
		preds[layer].storeForward(layer, node.loadForward(layer))
	}
	l.size.Add(-1)

	if l.collector != nil {
		unlinked := node
		l.collector.DeferNode(func() { _ = unlinked })
		if old := node.Value(); old != nil {
			supersededValue := old
			l.collector.DeferValue(func() { _ = supersededValue })
		}
	}
	return false
}

// LowerBound returns the first non-marked node with key >= the given
// key, or nil if none exists. spec.md §4.G. It does not check
// FULLY_LINKED, so a node still being inserted can be returned.
func (l *List) LowerBound(key uint64) *Node {
	pred := l.head
	var curr *Node
	for layer := int(l.level.Load()); layer >= 0; layer-- {
		curr = pred.loadForward(layer)
		for curr != nil && curr.key < key {
			pred = curr
			curr = pred.loadForward(layer)
		}
	}
	for curr != nil && curr.IsMarked() {
		curr = curr.loadForward(0)
	}
	return curr
}

// Iterator provides ordered forward iteration over level-0, skipping
// marked nodes. spec.md §4.G.
type Iterator struct {
	current *Node
}

// NewIterator returns an iterator positioned before the first element.
func (l *List) NewIterator() *Iterator {
	return &Iterator{current: l.head}
}

// NewIteratorFrom returns an iterator positioned on the given node:
// Node returns it right away, and the first call to Next advances to
// its first non-marked successor.
func NewIteratorFrom(node *Node) *Iterator {
	return &Iterator{current: node}
}

// Next advances to the first non-marked successor. Returns false when
// the list is exhausted.
func (it *Iterator) Next() bool {
	if it.current == nil {
		return false
	}
	next := it.current.loadForward(0)
	for next != nil && next.IsMarked() {
		next = next.loadForward(0)
	}
	it.current = next
	return it.current != nil
}

// Node returns the node the iterator currently points to.
func (it *Iterator) Node() *Node { return it.current }
