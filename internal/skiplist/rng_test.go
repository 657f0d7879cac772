package skiplist

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRNG_RandomHeightWithinBounds(t *testing.T) {
	r := NewRNG(12345)
	for i := 0; i < 10000; i++ {
		h := r.randomHeight()
		assert.GreaterOrEqual(t, h, 1)
		assert.LessOrEqual(t, h, MaxHeight)
	}
}

func TestRNG_ZeroSeedIsReplacedWithNonzero(t *testing.T) {
	r := NewRNG(0)
	assert.NotZero(t, r.state)
}

func TestNode_ValueRoundTrip(t *testing.T) {
	n := newNode(1, 4, false)
	assert.Nil(t, n.Value())
	n.Lock()
	old := n.SetValue([]byte("hello"))
	n.Unlock()
	assert.Nil(t, old)
	assert.Equal(t, []byte("hello"), n.Value())
}

func TestNode_FlagsFullyLinkedAndMarked(t *testing.T) {
	n := newNode(1, 1, false)
	assert.False(t, n.IsFullyLinked())
	assert.False(t, n.IsMarked())
	n.setFullyLinked()
	assert.True(t, n.IsFullyLinked())
	n.setMarkedForRemoval()
	assert.True(t, n.IsMarked())
}
