// Package transport implements the session layer described in
// spec.md §4.D: per-connection request/response multiplexing keyed by
// nonce. The nonce-keyed pending-request map is grounded directly on
// _examples/ValentinKolb-dKV/rpc/transport/base/client.go's
// requestChans *xsync.MapOf[uint64, chan responseResult], generalized
// from that file's per-shard requestID space to Gungnir's single
// per-connection nonce space.
package transport

import (
	"io"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/gungnirdb/gungnir/internal/framing"
	"github.com/gungnirdb/gungnir/internal/gungnirlog"
	"github.com/gungnirdb/gungnir/internal/wireformat"
)

var log = gungnirlog.Get("transport")

// ErrClosed is returned by Client methods after Close.
var ErrClosed = errors.New("transport: client closed")

// ErrTimeout is returned when a request's deadline elapses before a
// response arrives.
var ErrTimeout = errors.New("transport: request timed out")

type pending struct {
	ch chan framing.Frame
}

// Client is a single-connection session multiplexer: many goroutines
// may call Request concurrently, each getting back only the response
// frame whose nonce matches its own request.
type Client struct {
	conn      net.Conn
	nextNonce atomic.Uint64
	pending   *xsync.MapOf[uint64, *pending]

	closed atomic.Bool
	readErr atomic.Value
}

// Dial connects to addr and starts the background response reader.
// selfAddr, if non-empty, is compared against the resolved remote
// address to guard against a worker accidentally opening a loopback
// connection to its own listener, per spec.md §4.D's self-loop check.
// Dial also fails when the socket's local address equals its remote
// address, the TCP self-connect case.
func Dial(addr string, selfAddr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "transport: dial")
	}
	if selfAddr != "" && conn.RemoteAddr().String() == selfAddr {
		conn.Close()
		return nil, errors.New("transport: refusing self-loop connection")
	}
	if conn.LocalAddr().String() == conn.RemoteAddr().String() {
		conn.Close()
		return nil, errors.New("transport: refusing self-connected socket")
	}

	c := &Client{
		conn:    conn,
		pending: xsync.NewMapOf[uint64, *pending](),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	var buf []byte
	for {
		frame, nb, err := framing.ReadFrame(c.conn, buf)
		buf = nb
		if err != nil {
			c.readErr.Store(err)
			c.failAll(err)
			return
		}
		if p, ok := c.pending.Load(frame.Nonce); ok {
			p.ch <- frame
		}
		// Unmatched nonce: response for a request that already timed
		// out client-side. Drop it; the server already did its work.
	}
}

func (c *Client) failAll(err error) {
	c.pending.Range(func(nonce uint64, p *pending) bool {
		close(p.ch)
		c.pending.Delete(nonce)
		return true
	})
}

// Request sends payload and blocks until the matching response arrives
// or timeout elapses.
func (c *Client) Request(payload []byte, timeout time.Duration) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	nonce := c.nextNonce.Add(1)
	p := &pending{ch: make(chan framing.Frame, 1)}
	c.pending.Store(nonce, p)
	defer c.pending.Delete(nonce)

	if err := framing.WriteFrame(c.conn, nonce, payload); err != nil {
		return nil, errors.Wrap(err, "transport: write request")
	}

	select {
	case frame, ok := <-p.ch:
		if !ok {
			if e, _ := c.readErr.Load().(error); e != nil {
				return nil, e
			}
			return nil, io.ErrClosedPipe
		}
		return frame.Payload, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// maxRetryAttempts bounds how many StatusRetry responses
// RequestRetrying will honor before giving up, so a client talking to
// a server that's wedged — not just momentarily saturated — eventually
// reports an error instead of looping forever.
const maxRetryAttempts = 50

// RequestRetrying behaves like Request but implements spec.md §7.4's
// backpressure protocol: when the response carries StatusRetry, it
// decodes the accompanying RetryResponse's min/max delay hint, sleeps
// somewhere in that window, and re-issues the same payload — which
// Request already gives a fresh nonce, satisfying "re-issue ... with a
// new nonce" for free.
func (c *Client) RequestRetrying(payload []byte, timeout time.Duration) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		resp, err := c.Request(payload, timeout)
		if err != nil {
			return nil, err
		}
		common := wireformat.DecodeResponseCommon(resp)
		if common.Status != wireformat.StatusRetry {
			return resp, nil
		}
		if attempt >= maxRetryAttempts {
			return resp, errors.New("transport: exceeded retry attempts waiting for StatusRetry to clear")
		}
		hint := wireformat.DecodeRetryResponse(resp[wireformat.ResponseCommonSize:])
		delay := time.Duration(hint.MinDelayMicros) * time.Microsecond
		if spread := time.Duration(hint.MaxDelayMicros)*time.Microsecond - delay; spread > 0 {
			delay += time.Duration(rand.Int63n(int64(spread)))
		}
		time.Sleep(delay)
	}
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.closed.Store(true)
	return c.conn.Close()
}
