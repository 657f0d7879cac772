package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gungnirdb/gungnir/internal/store"
	"github.com/gungnirdb/gungnir/internal/wireformat"
	"github.com/gungnirdb/gungnir/internal/worker"
)

func newTestEngine(t *testing.T) *store.Engine {
	t.Helper()
	e, err := store.Open(t.TempDir(), 0, 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// completer returns a Complete callback and a buffered channel it sends
// the result on, so tests can wait deterministically instead of
// polling queue depth — which legitimately dips to zero between a
// task's dequeue and its requeue even while it's still in flight.
func completer() (Complete, <-chan Result) {
	ch := make(chan Result, 1)
	return func(r Result) { ch <- r }, ch
}

func await(t *testing.T, w *worker.Worker, task worker.Task, ch <-chan Result) Result {
	t.Helper()
	w.Submit(task)
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("task never completed")
		return Result{}
	}
}

func TestPutThenGet_RoundTrips(t *testing.T) {
	e := newTestEngine(t)
	w := worker.New(0, 1, e.Collector, nil)
	go w.Run()
	defer w.Stop()

	done, ch := completer()
	putResult := await(t, w, NewPut(e, 1, []byte("value-1"), 1, done), ch)
	assert.Equal(t, wireformat.StatusOK, putResult.Status)

	done, ch = completer()
	getResult := await(t, w, NewGet(e, 1, 2, done), ch)
	assert.Equal(t, wireformat.StatusOK, getResult.Status)
	assert.Equal(t, []byte("value-1"), getResult.Value)
}

func TestGetMissingKey_ReportsObjectDoesntExist(t *testing.T) {
	e := newTestEngine(t)
	w := worker.New(0, 1, e.Collector, nil)
	go w.Run()
	defer w.Stop()

	done, ch := completer()
	res := await(t, w, NewGet(e, 999, 1, done), ch)
	assert.Equal(t, wireformat.StatusObjectDoesntExist, res.Status)
}

func TestEraseIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	w := worker.New(0, 1, e.Collector, nil)
	go w.Run()
	defer w.Stop()

	done, ch := completer()
	putResult := await(t, w, NewPut(e, 5, []byte("v"), 1, done), ch)
	require.Equal(t, wireformat.StatusOK, putResult.Status)

	done, ch = completer()
	erase1 := await(t, w, NewErase(e, 5, 2, done), ch)
	assert.Equal(t, wireformat.StatusOK, erase1.Status)

	done, ch = completer()
	erase2 := await(t, w, NewErase(e, 5, 3, done), ch)
	assert.Equal(t, wireformat.StatusOK, erase2.Status)

	done, ch = completer()
	getResult := await(t, w, NewGet(e, 5, 4, done), ch)
	assert.Equal(t, wireformat.StatusObjectDoesntExist, getResult.Status)
}

func TestScan_ReturnsDenseRangeInOrder(t *testing.T) {
	e := newTestEngine(t)
	w := worker.New(0, 1, e.Collector, nil)
	go w.Run()
	defer w.Stop()

	for i := uint64(1); i <= 5; i++ {
		done, ch := completer()
		r := await(t, w, NewPut(e, i, []byte{byte(i)}, i, done), ch)
		require.Equal(t, wireformat.StatusOK, r.Status)
	}

	done, ch := completer()
	scanResult := await(t, w, NewScan(e, 1, 5, 10, done), ch)
	require.Len(t, scanResult.Entries, 5)
	for i, entry := range scanResult.Entries {
		assert.EqualValues(t, i+1, entry.Key)
	}
}
