// Package wireformat defines the opcode and status constants, and the
// request/response layouts, shared by the framing, transport, and
// service layers. Values are taken verbatim from the original
// WireFormat.h this protocol was distilled from (STATUS_OK=0,
// STATUS_OBJECT_DOESNT_EXIST=2, STATUS_RETRY=3, STATUS_MESSAGE_ERROR=4,
// STATUS_INTERNAL_ERROR=5), extended with UNIMPLEMENTED_REQUEST=6 per
// spec.md §6.
package wireformat

import "encoding/binary"

// Opcode identifies the RPC being invoked.
type Opcode uint16

const (
	OpGet   Opcode = 1
	OpPut   Opcode = 2
	OpErase Opcode = 3
	OpScan  Opcode = 4
)

// Status is the outcome reported in a response's common header.
type Status uint16

const (
	StatusOK                   Status = 0
	StatusObjectDoesntExist    Status = 2
	StatusRetry                Status = 3
	StatusMessageError         Status = 4
	StatusInternalError        Status = 5
	StatusUnimplementedRequest Status = 6
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusObjectDoesntExist:
		return "OBJECT_DOESNT_EXIST"
	case StatusRetry:
		return "RETRY"
	case StatusMessageError:
		return "MESSAGE_ERROR"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	case StatusUnimplementedRequest:
		return "UNIMPLEMENTED_REQUEST"
	default:
		return "UNKNOWN_STATUS"
	}
}

// RequestCommon is the fixed header every request begins with:
// opcode (2 bytes, little-endian).
type RequestCommon struct {
	Opcode Opcode
}

const RequestCommonSize = 2

func EncodeRequestCommon(buf []byte, c RequestCommon) {
	binary.LittleEndian.PutUint16(buf, uint16(c.Opcode))
}

func DecodeRequestCommon(buf []byte) RequestCommon {
	return RequestCommon{Opcode: Opcode(binary.LittleEndian.Uint16(buf))}
}

// ResponseCommon is the fixed header every response begins with:
// status (4 bytes, little-endian), per spec.md §6.
type ResponseCommon struct {
	Status Status
}

const ResponseCommonSize = 4

func EncodeResponseCommon(buf []byte, c ResponseCommon) {
	binary.LittleEndian.PutUint32(buf, uint32(c.Status))
}

func DecodeResponseCommon(buf []byte) ResponseCommon {
	return ResponseCommon{Status: Status(binary.LittleEndian.Uint32(buf))}
}

// GetRequest: common + key (8 bytes).
type GetRequest struct {
	Key uint64
}

// GetResponse: common + (on OK) value length (4 bytes) + value bytes.
type GetResponse struct {
	Value []byte
}

// PutRequest: common + key (8 bytes) + value length (8 bytes) + value.
// spec.md's Open Questions resolve the original source's two competing
// shapes (u32 vs. u64 length) in favor of a u64 length field.
type PutRequest struct {
	Key   uint64
	Value []byte
}

// PutResponse: common only.
type PutResponse struct{}

// EraseRequest: common + key (8 bytes).
type EraseRequest struct {
	Key uint64
}

// EraseResponse: common only — erase is idempotent, so a missing key
// still reports StatusOK per spec.md §4.K.
type EraseResponse struct{}

// ScanRequest: common + start key (8 bytes) + end key (8 bytes). SCAN
// covers the inclusive range [StartKey, EndKey].
type ScanRequest struct {
	StartKey uint64
	EndKey   uint64
}

// ScanEntry is one key/value pair within a ScanResponse.
type ScanEntry struct {
	Key   uint64
	Value []byte
}

// ScanResponse: common + size (4 bytes) + size × { key:u64, len:u32,
// bytes:len }. The handler collects the whole inclusive range before
// replying — internally it batches and reschedules across multiple
// worker.Task Steps (spec.md §4.K), but the wire protocol carries no
// continuation; the client always gets the full range in one response.
type ScanResponse struct {
	Entries []ScanEntry
}

// RetryResponse carries the backoff window a client should honor
// before reissuing a request that came back with StatusRetry, mirroring
// WireFormat::RetryResponse in the original source: min/max delay hints
// plus a human-readable message explaining the shed (e.g. which queue
// was full).
type RetryResponse struct {
	MinDelayMicros uint32
	MaxDelayMicros uint32
	Message        string
}

// RetryResponseHeaderSize is the fixed portion preceding the message:
// minDelayMicros + maxDelayMicros + messageLength, all 4-byte fields.
const RetryResponseHeaderSize = 12

// RetryResponseSize returns the total encoded size of r, header plus
// message bytes.
func RetryResponseSize(r RetryResponse) int {
	return RetryResponseHeaderSize + len(r.Message)
}

func EncodeRetryResponse(buf []byte, r RetryResponse) {
	binary.LittleEndian.PutUint32(buf[0:4], r.MinDelayMicros)
	binary.LittleEndian.PutUint32(buf[4:8], r.MaxDelayMicros)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(r.Message)))
	copy(buf[12:], r.Message)
}

func DecodeRetryResponse(buf []byte) RetryResponse {
	msgLen := binary.LittleEndian.Uint32(buf[8:12])
	return RetryResponse{
		MinDelayMicros: binary.LittleEndian.Uint32(buf[0:4]),
		MaxDelayMicros: binary.LittleEndian.Uint32(buf[4:8]),
		Message:        string(buf[12 : 12+msgLen]),
	}
}
