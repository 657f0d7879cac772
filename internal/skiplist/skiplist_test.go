package skiplist

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gungnirdb/gungnir/internal/epoch"
)

func TestList_PutGetOrdering(t *testing.T) {
	l := New(nil)
	rng := NewRNG(1)

	keys := []uint64{50, 10, 30, 20, 40}
	for _, k := range keys {
		node, retry := l.AddOrGetNode(k, rng)
		for retry {
			node, retry = l.AddOrGetNode(k, rng)
		}
		node.Lock()
		node.SetValue([]byte{byte(k)})
		node.Unlock()
	}
	assert.EqualValues(t, len(keys), l.Size())

	var seen []uint64
	it := l.NewIterator()
	for it.Next() {
		seen = append(seen, it.Node().Key())
	}
	assert.Equal(t, []uint64{10, 20, 30, 40, 50}, seen)
}

func TestList_FindMissingReturnsNil(t *testing.T) {
	l := New(nil)
	assert.Nil(t, l.Find(42))
}

func TestList_MarkAndUnlinkRemovesKey(t *testing.T) {
	l := New(nil)
	rng := NewRNG(7)

	node, _ := l.AddOrGetNode(5, rng)
	node.Lock()
	node.SetValue([]byte("v"))
	node.Unlock()
	assert.EqualValues(t, 1, l.Size())

	marked, ok, retry := l.MarkForRemoval(5)
	assert.False(t, retry)
	assert.True(t, ok)
	assert.NotNil(t, marked)

	for l.Unlink(marked) {
	}
	assert.EqualValues(t, 0, l.Size())
	assert.Nil(t, l.Find(5))
}

func TestList_EraseMissingKeyIsIdempotent(t *testing.T) {
	l := New(nil)
	_, ok, retry := l.MarkForRemoval(999)
	assert.False(t, ok)
	assert.False(t, retry)
}

func TestList_ConcurrentPutsSameKeyLinearize(t *testing.T) {
	collector := epoch.NewManager(0, nil)
	l := New(collector)

	const goroutines = 16
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			rng := NewRNG(uint64(i) + 1)
			node, retry := l.AddOrGetNode(7, rng)
			for retry {
				node, retry = l.AddOrGetNode(7, rng)
			}
			node.Lock()
			node.SetValue([]byte{byte(i)})
			node.Unlock()
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, l.Size())
	node := l.Find(7)
	assert.NotNil(t, node)
	assert.NotNil(t, node.Value())
}

func TestList_LowerBoundSkipsErasedKey(t *testing.T) {
	l := New(nil)
	rng := NewRNG(3)
	for _, k := range []uint64{1, 2, 3} {
		node, _ := l.AddOrGetNode(k, rng)
		node.Lock()
		node.SetValue([]byte{byte(k)})
		node.Unlock()
	}
	marked, _, _ := l.MarkForRemoval(2)
	for l.Unlink(marked) {
	}

	node := l.LowerBound(2)
	assert.NotNil(t, node)
	assert.EqualValues(t, 3, node.Key())
}
