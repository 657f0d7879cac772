package skiplist

import (
	"sync"
	"sync/atomic"
)

// MaxHeight bounds the number of forward levels a node may have.
// spec.md §3: MAX_HEIGHT = 24.
const MaxHeight = 24

const (
	flagHead uint32 = 1 << iota
	flagFullyLinked
	flagMarked
)

// Node is a skip-list entry. forward[i] is loaded/stored with atomic
// acquire/release semantics so readers can traverse the list without
// taking node.mu; structural mutation (insert/unlink) always happens
// under node.mu of the relevant predecessors, as spec.md §4.G requires.
type Node struct {
	key     uint64
	flags   atomic.Uint32
	forward []atomic.Pointer[Node]
	mu      sync.Mutex
	value   atomic.Pointer[[]byte]
}

func newNode(key uint64, height int, isHead bool) *Node {
	n := &Node{
		key:     key,
		forward: make([]atomic.Pointer[Node], height),
	}
	if isHead {
		n.flags.Store(flagHead)
	}
	return n
}

// Height is the number of levels this node participates in.
// Immutable once the node is constructed (spec.md §3: "Once
// FULLY_LINKED is set, a node's height and key are immutable" — true a
// fortiori before that too, since forward is sized at construction).
func (n *Node) Height() int { return len(n.forward) }

// Key returns the node's 64-bit key. Meaningless for the head node.
func (n *Node) Key() uint64 { return n.key }

// Value returns the current value bytes, or nil if none has been set
// (true of the head node and of a node observed between insertion and
// its first SetValue).
func (n *Node) Value() []byte {
	if p := n.value.Load(); p != nil {
		return *p
	}
	return nil
}

// SetValue atomically replaces the node's value and returns the
// previous one, which the caller must hand to the epoch collector
// (spec.md §4.H). Must be called with the node's lock held.
func (n *Node) SetValue(v []byte) (old []byte) {
	prev := n.value.Swap(&v)
	if prev != nil {
		return *prev
	}
	return nil
}

func (n *Node) isHead() bool         { return n.flags.Load()&flagHead != 0 }
func (n *Node) IsFullyLinked() bool  { return n.flags.Load()&flagFullyLinked != 0 }
func (n *Node) IsMarked() bool       { return n.flags.Load()&flagMarked != 0 }
func (n *Node) setFullyLinked()      { n.flags.Or(flagFullyLinked) }
func (n *Node) setMarkedForRemoval() { n.flags.Or(flagMarked) }

func (n *Node) loadForward(level int) *Node  { return n.forward[level].Load() }
func (n *Node) storeForward(level int, v *Node) { n.forward[level].Store(v) }

// Lock acquires the node's structural lock, blocking. Only used by
// code paths that already know they must wait (none in this package —
// every caller uses TryLock and reschedules on failure per spec.md §9).
func (n *Node) Lock() { n.mu.Lock() }

// TryLock attempts to acquire the node's structural lock without
// blocking. Structural mutation (install/unlink/mark) always goes
// through TryLock with a bounded retry, per spec.md §4.G/§9.
func (n *Node) TryLock() bool { return n.mu.TryLock() }

func (n *Node) Unlock() { n.mu.Unlock() }
