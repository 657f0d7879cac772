package transport

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gungnirdb/gungnir/internal/store"
	"github.com/gungnirdb/gungnir/internal/wireformat"
	"github.com/gungnirdb/gungnir/internal/worker"
)

// testServer starts a Server with maxCores workers over a real TCP
// loopback listener and tears everything down on test cleanup.
func testServer(t *testing.T, maxCores int) (*Server, *Client) {
	t.Helper()
	engine, err := store.Open(t.TempDir(), 0, 0, nil)
	require.NoError(t, err)

	workers := worker.NewManager(maxCores, 0, engine.Collector, nil)
	workers.Start()

	srv, err := NewServer("127.0.0.1:0", engine, workers, nil)
	require.NoError(t, err)
	go srv.Serve()

	t.Cleanup(func() {
		srv.Close()
		workers.Stop()
		engine.Close()
	})

	c, err := Dial(srv.Addr().String(), "")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return srv, c
}

func getReq(key uint64) []byte {
	buf := make([]byte, wireformat.RequestCommonSize+8)
	wireformat.EncodeRequestCommon(buf, wireformat.RequestCommon{Opcode: wireformat.OpGet})
	binary.LittleEndian.PutUint64(buf[wireformat.RequestCommonSize:], key)
	return buf
}

func putReq(key uint64, value []byte) []byte {
	buf := make([]byte, wireformat.RequestCommonSize+16+len(value))
	wireformat.EncodeRequestCommon(buf, wireformat.RequestCommon{Opcode: wireformat.OpPut})
	off := wireformat.RequestCommonSize
	binary.LittleEndian.PutUint64(buf[off:], key)
	binary.LittleEndian.PutUint64(buf[off+8:], uint64(len(value)))
	copy(buf[off+16:], value)
	return buf
}

func eraseReq(key uint64) []byte {
	buf := make([]byte, wireformat.RequestCommonSize+8)
	wireformat.EncodeRequestCommon(buf, wireformat.RequestCommon{Opcode: wireformat.OpErase})
	binary.LittleEndian.PutUint64(buf[wireformat.RequestCommonSize:], key)
	return buf
}

func scanReq(start, end uint64) []byte {
	buf := make([]byte, wireformat.RequestCommonSize+16)
	wireformat.EncodeRequestCommon(buf, wireformat.RequestCommon{Opcode: wireformat.OpScan})
	off := wireformat.RequestCommonSize
	binary.LittleEndian.PutUint64(buf[off:], start)
	binary.LittleEndian.PutUint64(buf[off+8:], end)
	return buf
}

func decodeScan(t *testing.T, resp []byte) (entries []wireformat.ScanEntry) {
	t.Helper()
	count := binary.LittleEndian.Uint32(resp[wireformat.ResponseCommonSize:])
	off := wireformat.ResponseCommonSize + 4
	for i := uint32(0); i < count; i++ {
		key := binary.LittleEndian.Uint64(resp[off:])
		off += 8
		vlen := binary.LittleEndian.Uint32(resp[off:])
		off += 4
		value := append([]byte(nil), resp[off:off+int(vlen)]...)
		off += int(vlen)
		entries = append(entries, wireformat.ScanEntry{Key: key, Value: value})
	}
	return entries
}

// TestSingleSession_PutGetRoundTrips covers scenario 1: a single client
// session issuing PUT then GET over a real TCP loopback connection.
func TestSingleSession_PutGetRoundTrips(t *testing.T) {
	_, c := testServer(t, 2)

	resp, err := c.RequestRetrying(putReq(42, []byte("hello")), 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, wireformat.StatusOK, wireformat.DecodeResponseCommon(resp).Status)

	resp, err = c.RequestRetrying(getReq(42), 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, wireformat.StatusOK, wireformat.DecodeResponseCommon(resp).Status)
	vlen := binary.LittleEndian.Uint32(resp[wireformat.ResponseCommonSize:])
	value := resp[wireformat.ResponseCommonSize+4 : wireformat.ResponseCommonSize+4+int(vlen)]
	assert.Equal(t, []byte("hello"), value)
}

// TestScan_DenseRangeInOneResponse covers scenario 2: PUT(i, decimal(i))
// for i in 2000..=5000, then a single SCAN(2000,5000) over a real TCP
// loopback connection returns exactly 3001 pairs in order.
func TestScan_DenseRangeInOneResponse(t *testing.T) {
	_, c := testServer(t, 2)

	const lo, hi = 2000, 5000
	for i := uint64(lo); i <= hi; i++ {
		resp, err := c.RequestRetrying(putReq(i, []byte(fmt.Sprintf("%d", i))), 2*time.Second)
		require.NoError(t, err)
		require.Equal(t, wireformat.StatusOK, wireformat.DecodeResponseCommon(resp).Status)
	}

	resp, err := c.RequestRetrying(scanReq(lo, hi), 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, wireformat.StatusOK, wireformat.DecodeResponseCommon(resp).Status)
	entries := decodeScan(t, resp)

	require.Len(t, entries, hi-lo+1)
	for i, e := range entries {
		assert.EqualValues(t, lo+uint64(i), e.Key)
		assert.Equal(t, fmt.Sprintf("%d", lo+i), string(e.Value))
	}
}

// TestErase_Idempotent covers scenario 3: erasing an absent key, and
// erasing a present key twice, both report StatusOK and leave the key
// absent.
func TestErase_Idempotent(t *testing.T) {
	_, c := testServer(t, 2)

	resp, err := c.RequestRetrying(putReq(7, []byte("v")), 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, wireformat.StatusOK, wireformat.DecodeResponseCommon(resp).Status)

	for i := 0; i < 2; i++ {
		resp, err := c.RequestRetrying(eraseReq(7), 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, wireformat.StatusOK, wireformat.DecodeResponseCommon(resp).Status)
	}

	resp, err = c.RequestRetrying(getReq(7), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, wireformat.StatusObjectDoesntExist, wireformat.DecodeResponseCommon(resp).Status)
}

// TestBackpressure_ConcurrentPutsAllEventuallySucceed covers scenario
// 6: with a single worker, two clients each firing 64 concurrent PUTs
// can genuinely fill that worker's key-routed queue past
// maxKeyQueueDepth and receive StatusRetry from AssignToKey —
// RequestRetrying must transparently honor that and
// every PUT must still complete OK, with no response lost.
func TestBackpressure_ConcurrentPutsAllEventuallySucceed(t *testing.T) {
	srv, _ := testServer(t, 1)

	const clientsN = 2
	const putsPerClient = 64

	var wg sync.WaitGroup
	errs := make(chan error, clientsN*putsPerClient)
	for ci := 0; ci < clientsN; ci++ {
		c, err := Dial(srv.Addr().String(), "")
		require.NoError(t, err)
		defer c.Close()

		for i := 0; i < putsPerClient; i++ {
			wg.Add(1)
			key := uint64(ci*putsPerClient + i)
			go func(c *Client, key uint64) {
				defer wg.Done()
				resp, err := c.RequestRetrying(putReq(key, []byte("v")), 5*time.Second)
				if err != nil {
					errs <- err
					return
				}
				if status := wireformat.DecodeResponseCommon(resp).Status; status != wireformat.StatusOK {
					errs <- fmt.Errorf("key %d: got status %s", key, status)
				}
			}(c, key)
		}
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("put failed: %v", err)
	}
}
