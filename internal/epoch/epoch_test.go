package epoch

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManager_NeverStartedSlotDoesNotBlockReclamation(t *testing.T) {
	m := NewManager(time.Millisecond, nil)
	_ = m.Register() // never published, stays NeverStarted

	var destroyed atomic.Bool
	m.DeferNode(func() { destroyed.Store(true) })

	assert.True(t, m.sweepOnce())
	assert.True(t, destroyed.Load())
}

func TestManager_ActiveSlotBlocksReclamationUntilCleared(t *testing.T) {
	m := NewManager(time.Millisecond, nil)
	slot := m.Register()
	slot.Publish(0)

	var destroyed atomic.Bool
	m.DeferNode(func() { destroyed.Store(true) })

	assert.False(t, m.sweepOnce())
	assert.False(t, destroyed.Load())

	slot.Clear()
	assert.True(t, m.sweepOnce())
	assert.True(t, destroyed.Load())
}

func TestManager_StartStopDrainsQueuedWork(t *testing.T) {
	m := NewManager(time.Millisecond, nil)
	done := make(chan struct{})
	m.DeferValue(func() { close(done) })

	m.Start()
	defer m.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deferred value was never reclaimed")
	}
}

func TestSlot_DefaultsToNeverStarted(t *testing.T) {
	s := NewSlot()
	assert.Equal(t, uint64(NeverStarted), s.Load())
	s.Publish(5)
	assert.EqualValues(t, 5, s.Load())
	s.Clear()
	assert.Equal(t, uint64(NeverStarted), s.Load())
}
