package fastcgi

import (
	"encoding/binary"
	"fmt"
)

// Record types, as defined by the FastCGI 1.0 specification.
const (
	typeBeginRequest    = 1
	typeAbortRequest    = 2
	typeEndRequest      = 3
	typeParams          = 4
	typeStdin           = 5
	typeStdout          = 6
	typeStderr          = 7
	typeData            = 8
	typeGetValues       = 9
	typeGetValuesResult = 10
	typeUnknownType     = 11
)

// Synthetic message kinds. These never appear on the wire; the manager
// uses them to deliver non-protocol events into a request's mailbox. They
// are chosen above typeUnknownType so a type switch can tell them apart
// from real record types at a glance.
const (
	msgShutdown uint8 = 100 + iota
	msgUpgrade
)

// Roles a BEGIN_REQUEST may ask for.
const (
	RoleResponder  uint16 = 1
	RoleAuthorizer uint16 = 2
	RoleFilter     uint16 = 3
)

// protocolStatus values for END_REQUEST.
const (
	statusRequestComplete uint8 = 0
	statusCantMpxConn     uint8 = 1
	statusOverloaded      uint8 = 2
	statusUnknownRole     uint8 = 3
)

const (
	beginRequestFlagKeepConn = 1

	headerLen   = 8
	maxPayload  = 1<<16 - 1 // 65535, largest contentLength a single record can carry
	alignment   = 8
	version1    = 1
)

// header is the fixed 8-byte FastCGI record header.
type header struct {
	version       uint8
	recType       uint8
	requestID     uint16
	contentLength uint16
	paddingLength uint8
}

func (h header) encode(dst []byte) {
	_ = dst[7]
	dst[0] = h.version
	dst[1] = h.recType
	binary.BigEndian.PutUint16(dst[2:4], h.requestID)
	binary.BigEndian.PutUint16(dst[4:6], h.contentLength)
	dst[6] = h.paddingLength
	dst[7] = 0 // reserved
}

func decodeHeader(src []byte) header {
	_ = src[7]
	return header{
		version:       src[0],
		recType:       src[1],
		requestID:     binary.BigEndian.Uint16(src[2:4]),
		contentLength: binary.BigEndian.Uint16(src[4:6]),
		paddingLength: src[6],
	}
}

// padLen returns the number of padding bytes needed so that n bytes of
// body are aligned to an 8-byte boundary.
func padLen(n int) uint8 {
	return uint8(-n & (alignment - 1))
}

// rawRecord is a fully reassembled record: header plus its content body
// (padding has already been consumed and discarded).
type rawRecord struct {
	header header
	body   []byte
}

// recordDecoder reassembles a byte stream arriving in arbitrary-sized
// chunks (as delivered by the readiness-driven socket reads) into
// complete records. It owns no socket; callers feed it bytes and pull
// completed records back out.
type recordDecoder struct {
	buf blockBuffer
}

// feed appends newly read bytes to the reassembly buffer.
func (d *recordDecoder) feed(p []byte) {
	d.buf.Write(p)
}

// next extracts one complete record from the buffered bytes, if enough
// have arrived. It returns ok=false (and consumes nothing) when more
// bytes are needed.
func (d *recordDecoder) next() (rawRecord, bool) {
	avail := d.buf.UnreadSlice()
	if len(avail) < headerLen {
		d.buf.Compact()
		return rawRecord{}, false
	}
	h := decodeHeader(avail)
	total := headerLen + int(h.contentLength) + int(h.paddingLength)
	if len(avail) < total {
		d.buf.Compact()
		return rawRecord{}, false
	}
	body := make([]byte, h.contentLength)
	copy(body, avail[headerLen:headerLen+int(h.contentLength)])
	d.buf.Discard(total)
	return rawRecord{header: h, body: body}, true
}

// encodeRecord writes one record (header + body + padding) to dst,
// which must have at least headerLen+len(body)+7 bytes of capacity, and
// returns the number of bytes written. len(body) must be <= maxPayload.
func encodeRecord(dst []byte, recType uint8, requestID uint16, body []byte) int {
	if len(body) > maxPayload {
		panic("fastcgi: record body exceeds maxPayload")
	}
	pad := padLen(len(body))
	h := header{
		version:       version1,
		recType:       recType,
		requestID:     requestID,
		contentLength: uint16(len(body)),
		paddingLength: pad,
	}
	h.encode(dst)
	n := headerLen
	n += copy(dst[n:], body)
	for i := 0; i < int(pad); i++ {
		dst[n+i] = 0
	}
	return n + int(pad)
}

// encodeStreamChunk fragments body into one or more records with no
// terminator, for mid-stream flushes. An empty body produces no bytes.
func encodeStreamChunk(recType uint8, requestID uint16, body []byte) []byte {
	if len(body) == 0 {
		return nil
	}
	var out []byte
	for len(body) > 0 {
		n := len(body)
		if n > maxPayload {
			n = maxPayload
		}
		chunk := body[:n]
		body = body[n:]
		buf := make([]byte, headerLen+n+int(padLen(n)))
		encodeRecord(buf, recType, requestID, chunk)
		out = append(out, buf...)
	}
	return out
}

// encodeStreamTerminator returns the zero-length record that ends a
// logical stream.
func encodeStreamTerminator(recType uint8, requestID uint16) []byte {
	var hdr [headerLen]byte
	header{version: version1, recType: recType, requestID: requestID}.encode(hdr[:])
	return hdr[:]
}

// beginRequestBody is the 8-byte BEGIN_REQUEST payload.
type beginRequestBody struct {
	role     uint16
	flags    uint8
	keepConn bool
}

func decodeBeginRequest(body []byte) (beginRequestBody, error) {
	if len(body) < 8 {
		return beginRequestBody{}, fmt.Errorf("%w: short BEGIN_REQUEST body", ErrProtocol)
	}
	role := binary.BigEndian.Uint16(body[0:2])
	flags := body[2]
	return beginRequestBody{
		role:     role,
		flags:    flags,
		keepConn: flags&beginRequestFlagKeepConn != 0,
	}, nil
}

// encodeEndRequest returns the 8-byte END_REQUEST payload.
func encodeEndRequest(appStatus uint32, protocolStatus uint8) []byte {
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], appStatus)
	body[4] = protocolStatus
	return body
}

// --- name/value pair stream codec ---

// decodeNVLen reads one FastCGI length prefix (1 or 4 bytes) from the
// front of src, returning the length, the number of bytes consumed, and
// whether there was enough data.
func decodeNVLen(src []byte) (length, consumed int, ok bool) {
	if len(src) < 1 {
		return 0, 0, false
	}
	b0 := src[0]
	if b0&0x80 == 0 {
		return int(b0), 1, true
	}
	if len(src) < 4 {
		return 0, 0, false
	}
	length = int(binary.BigEndian.Uint32(src[0:4]) & 0x7fffffff)
	return length, 4, true
}

func encodeNVLen(dst []byte, n int) []byte {
	if n < 0x80 {
		return append(dst, byte(n))
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n)|0x80000000)
	return append(dst, b[:]...)
}

// nvPair is one decoded name/value pair from a PARAMS (or GET_VALUES)
// stream.
type nvPair struct {
	name  []byte
	value []byte
}

// nvDecoder incrementally parses a name/value pair stream that may be
// split arbitrarily across record boundaries: feed each record's body as
// it arrives, then drain complete pairs with next().
type nvDecoder struct {
	buf blockBuffer
}

func (d *nvDecoder) feed(body []byte) {
	d.buf.Write(body)
}

// next returns the next complete pair, if the buffered bytes contain
// one.
func (d *nvDecoder) next() (nvPair, bool) {
	avail := d.buf.UnreadSlice()
	nameLen, n1, ok := decodeNVLen(avail)
	if !ok {
		return nvPair{}, false
	}
	rest := avail[n1:]
	valueLen, n2, ok := decodeNVLen(rest)
	if !ok {
		return nvPair{}, false
	}
	rest = rest[n2:]
	need := nameLen + valueLen
	if len(rest) < need {
		d.buf.Compact()
		return nvPair{}, false
	}
	name := make([]byte, nameLen)
	copy(name, rest[:nameLen])
	value := make([]byte, valueLen)
	copy(value, rest[nameLen:need])
	d.buf.Discard(n1 + n2 + need)
	return nvPair{name: name, value: value}, true
}

// encodeNVPairs encodes a full set of pairs (used for GET_VALUES_RESULT,
// where the whole map is known up front and small).
func encodeNVPairs(pairs map[string]string) []byte {
	var out []byte
	for k, v := range pairs {
		out = encodeNVLen(out, len(k))
		out = encodeNVLen(out, len(v))
		out = append(out, k...)
		out = append(out, v...)
	}
	return out
}
