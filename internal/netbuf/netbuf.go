// Package netbuf implements the chunked byte buffer described in
// spec.md §4.A: an append-only, randomly-readable byte accumulator
// used to assemble wire-format requests and responses without copying
// large values repeatedly. Grounded on the scatter-write discipline in
// _examples/ValentinKolb-dKV/rpc/transport/base/util.go (net.Buffers
// used to avoid a header+payload copy) and on sentinel's bufio.Writer
// buffering idiom.
package netbuf

const defaultChunkSize = 4096

// Buffer is a growable sequence of byte chunks. Unlike bytes.Buffer it
// never reallocates or moves previously-appended bytes, so a []byte
// handed out by a prior AppendExternal call (e.g. a value slice owned
// by the skip list) remains valid for the buffer's whole lifetime —
// the property spec.md §4.A calls "stable backing storage."
type Buffer struct {
	chunks    [][]byte
	chunkSize int
	length    int
}

// New returns an empty buffer. chunkSize <= 0 selects the default.
func New(chunkSize int) *Buffer {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &Buffer{chunkSize: chunkSize}
}

// Len returns the total number of bytes appended.
func (b *Buffer) Len() int { return b.length }

// Append copies p into the buffer's own storage, growing a new chunk
// as needed.
func (b *Buffer) Append(p []byte) {
	for len(p) > 0 {
		if len(b.chunks) == 0 || len(b.chunks[len(b.chunks)-1]) == cap(b.chunks[len(b.chunks)-1]) {
			size := b.chunkSize
			if len(p) > size {
				size = len(p)
			}
			b.chunks = append(b.chunks, make([]byte, 0, size))
		}
		last := &b.chunks[len(b.chunks)-1]
		room := cap(*last) - len(*last)
		n := room
		if n > len(p) {
			n = len(p)
		}
		*last = append(*last, p[:n]...)
		p = p[n:]
		b.length += n
	}
}

// AppendExternal appends a slice by reference rather than copying it,
// for values already owned by the caller (e.g. a GET response's value
// bytes, which are immutable once read from the skip list). The caller
// must not mutate p afterward.
func (b *Buffer) AppendExternal(p []byte) {
	if len(p) == 0 {
		return
	}
	b.chunks = append(b.chunks, p)
	b.length += len(p)
}

// Bytes materializes the whole buffer as one contiguous slice. Used by
// internal/transport right before a socket write; Chunks exposes the
// same bytes without the copy.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, 0, b.length)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}

// Chunks returns the buffer's underlying chunks for scatter-write via
// net.Buffers, mirroring dKV's util.go WriteTo pattern.
func (b *Buffer) Chunks() [][]byte { return b.chunks }

// Range returns a copy of the length bytes starting at offset,
// panicking if the range is out of bounds.
func (b *Buffer) Range(offset, length int) []byte {
	if offset < 0 || length < 0 || offset+length > b.length {
		panic("netbuf: range out of bounds")
	}
	out := make([]byte, 0, length)
	pos := 0
	for _, c := range b.chunks {
		if pos+len(c) <= offset {
			pos += len(c)
			continue
		}
		start := 0
		if offset > pos {
			start = offset - pos
		}
		end := len(c)
		if pos+len(c) > offset+length {
			end = offset + length - pos
		}
		out = append(out, c[start:end]...)
		pos += len(c)
		if pos >= offset+length {
			break
		}
	}
	return out
}

// Reset discards all chunks, allowing the buffer to be reused.
func (b *Buffer) Reset() {
	b.chunks = b.chunks[:0]
	b.length = 0
}

// TruncateFront drops the first n bytes, e.g. after a partial socket
// write has successfully sent them. Panics if n exceeds Len.
func (b *Buffer) TruncateFront(n int) {
	if n < 0 || n > b.length {
		panic("netbuf: truncate front out of bounds")
	}
	for n > 0 && len(b.chunks) > 0 {
		c := b.chunks[0]
		if n < len(c) {
			b.chunks[0] = c[n:]
			b.length -= n
			n = 0
			break
		}
		n -= len(c)
		b.length -= len(c)
		b.chunks = b.chunks[1:]
	}
}

// Truncate drops bytes from the tail so only the first n bytes remain.
// Panics if n exceeds Len.
func (b *Buffer) Truncate(n int) {
	if n < 0 || n > b.length {
		panic("netbuf: truncate out of bounds")
	}
	drop := b.length - n
	for drop > 0 && len(b.chunks) > 0 {
		last := b.chunks[len(b.chunks)-1]
		if drop < len(last) {
			b.chunks[len(b.chunks)-1] = last[:len(last)-drop]
			b.length -= drop
			drop = 0
			break
		}
		drop -= len(last)
		b.length -= len(last)
		b.chunks = b.chunks[:len(b.chunks)-1]
	}
}
