// Package framing implements the length+nonce-prefixed binary framing
// described in spec.md §4.B: every request and response on the wire is
// preceded by a fixed 12-byte header (nonce uint64, length uint32,
// both little-endian) so responses can be demultiplexed out of order by
// nonce. Wire-encoding discipline (io.ReadFull for the header, a
// scatter write for header+payload) is grounded on
// _examples/ValentinKolb-dKV/rpc/transport/base/util.go's writeFrame/
// readFrame, generalized from that file's shardID+requestID pair to a
// single nonce field.
package framing

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/pkg/errors"
)

// HeaderSize is the fixed frame header: nonce (8) + length (4).
const HeaderSize = 12

// MaxRPCLen bounds a single frame's payload, matching spec.md §4.B's
// MAX_RPC_LEN = 2^23 + 200 (8MB message body plus slack for headers).
const MaxRPCLen = (1 << 23) + 200

// ErrFrameTooLarge is returned when a peer announces a length over
// MaxRPCLen; the session tears down rather than allocating for it.
var ErrFrameTooLarge = errors.New("framing: frame exceeds MaxRPCLen")

// Frame is one decoded wire frame: a nonce identifying the request (or
// the response to it) plus its payload bytes.
type Frame struct {
	Nonce   uint64
	Payload []byte
}

// WriteFrame writes nonce, len(payload), and payload as a single
// scatter write, matching dKV's net.Buffers{header, data}.WriteTo
// pattern so the kernel can coalesce the header and body into one
// syscall instead of two partial writes.
func WriteFrame(w io.Writer, nonce uint64, payload []byte) error {
	if len(payload) > MaxRPCLen {
		return ErrFrameTooLarge
	}
	var header [HeaderSize]byte
	binary.LittleEndian.PutUint64(header[0:8], nonce)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))

	if nc, ok := w.(net.Conn); ok {
		bufs := net.Buffers{header[:], payload}
		_, err := bufs.WriteTo(nc)
		return err
	}
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame blocks until a complete frame has arrived, reusing buf if
// it has enough capacity to avoid an allocation on the hot path.
func ReadFrame(r io.Reader, buf []byte) (Frame, []byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, buf, err
	}
	nonce := binary.LittleEndian.Uint64(header[0:8])
	length := binary.LittleEndian.Uint32(header[8:12])
	if length > MaxRPCLen {
		return Frame{}, buf, ErrFrameTooLarge
	}

	if cap(buf) < int(length) {
		buf = make([]byte, length)
	} else {
		buf = buf[:length]
	}
	if length > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return Frame{}, buf, err
		}
	}
	return Frame{Nonce: nonce, Payload: buf}, buf, nil
}

// State is the incremental frame reader used by the dispatch layer's
// non-blocking, event-driven read path (spec.md §4.C): unlike
// ReadFrame, Feed never blocks — it is called once per epoll
// readability notification and reports whether a full frame is ready.
type State struct {
	header   [HeaderSize]byte
	headerN  int
	payload  []byte
	payloadN int
	nonce    uint64
	length   uint32
}

// Feed consumes as much of p as is needed to make progress on the
// frame currently being assembled. consumed is always <= len(p). When
// frame != nil, Feed stops at the end of that frame and resets s, so
// the caller feeds p[consumed:] into the same State for the next frame.
func (s *State) Feed(p []byte) (frame *Frame, consumed int, err error) {
	n := 0
	for s.headerN < HeaderSize && n < len(p) {
		s.header[s.headerN] = p[n]
		s.headerN++
		n++
	}
	if s.headerN < HeaderSize {
		return nil, n, nil
	}
	if s.payload == nil {
		s.nonce = binary.LittleEndian.Uint64(s.header[0:8])
		s.length = binary.LittleEndian.Uint32(s.header[8:12])
		if s.length > MaxRPCLen {
			return nil, n, ErrFrameTooLarge
		}
		s.payload = make([]byte, s.length)
	}
	for s.payloadN < len(s.payload) && n < len(p) {
		c := copy(s.payload[s.payloadN:], p[n:])
		s.payloadN += c
		n += c
	}
	if s.payloadN < len(s.payload) {
		return nil, n, nil
	}

	f := &Frame{Nonce: s.nonce, Payload: s.payload}
	*s = State{}
	return f, n, nil
}
