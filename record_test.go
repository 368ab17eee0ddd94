package fastcgi

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := header{version: version1, recType: typeStdout, requestID: 42, contentLength: 300, paddingLength: 4}
	var buf [headerLen]byte
	h.encode(buf[:])
	got := decodeHeader(buf[:])
	if got != h {
		t.Fatalf("decodeHeader(encode(h)) = %+v, want %+v", got, h)
	}
}

func TestPadLen(t *testing.T) {
	cases := map[int]uint8{0: 0, 1: 7, 7: 1, 8: 0, 9: 7, 16: 0}
	for n, want := range cases {
		if got := padLen(n); got != want {
			t.Errorf("padLen(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestRecordDecoderSplitAcrossFeeds(t *testing.T) {
	body := []byte("hello world")
	buf := make([]byte, headerLen+len(body)+int(padLen(len(body))))
	n := encodeRecord(buf, typeStdin, 1, body)
	buf = buf[:n]

	var dec recordDecoder
	dec.feed(buf[:5])
	if _, ok := dec.next(); ok {
		t.Fatal("next() returned a record before enough bytes arrived")
	}
	dec.feed(buf[5:])
	rec, ok := dec.next()
	if !ok {
		t.Fatal("next() returned false once the full record had arrived")
	}
	if rec.header.recType != typeStdin || rec.header.requestID != 1 {
		t.Fatalf("unexpected header: %+v", rec.header)
	}
	if !bytes.Equal(rec.body, body) {
		t.Fatalf("body = %q, want %q", rec.body, body)
	}
	if _, ok := dec.next(); ok {
		t.Fatal("next() returned a second record where there was only one")
	}
}

func TestEncodeStreamChunkEmptyBodyIsNoTerminator(t *testing.T) {
	if out := encodeStreamChunk(typeStdout, 1, nil); out != nil {
		t.Fatalf("encodeStreamChunk(nil) = %v, want nil (must not emit a terminator)", out)
	}
}

func TestEncodeStreamChunkFragmentsOversizeBody(t *testing.T) {
	body := make([]byte, maxPayload+100)
	out := encodeStreamChunk(typeStdout, 1, body)

	var dec recordDecoder
	dec.feed(out)
	var total int
	count := 0
	for {
		rec, ok := dec.next()
		if !ok {
			break
		}
		count++
		total += len(rec.body)
		if len(rec.body) > maxPayload {
			t.Fatalf("fragment of %d bytes exceeds maxPayload", len(rec.body))
		}
	}
	if count < 2 {
		t.Fatalf("expected body to be split into at least 2 records, got %d", count)
	}
	if total != len(body) {
		t.Fatalf("total body bytes across fragments = %d, want %d", total, len(body))
	}
}

func TestEncodeStreamTerminatorIsZeroLength(t *testing.T) {
	out := encodeStreamTerminator(typeStderr, 7)
	if len(out) != headerLen {
		t.Fatalf("terminator length = %d, want %d", len(out), headerLen)
	}
	h := decodeHeader(out)
	if h.contentLength != 0 || h.recType != typeStderr || h.requestID != 7 {
		t.Fatalf("unexpected terminator header: %+v", h)
	}
}

func TestDecodeBeginRequestKeepConn(t *testing.T) {
	body := []byte{0, 1, beginRequestFlagKeepConn, 0, 0, 0, 0, 0}
	got, err := decodeBeginRequest(body)
	if err != nil {
		t.Fatalf("decodeBeginRequest: %v", err)
	}
	if got.role != RoleResponder || !got.keepConn {
		t.Fatalf("decodeBeginRequest = %+v", got)
	}
}

func TestDecodeBeginRequestShort(t *testing.T) {
	if _, err := decodeBeginRequest([]byte{0, 1}); err == nil {
		t.Fatal("expected an error for a short BEGIN_REQUEST body")
	}
}

func TestNVPairRoundTrip(t *testing.T) {
	pairs := map[string]string{
		"SCRIPT_NAME": "/index.php",
		"QUERY_STRING": "a=1&b=2",
	}
	body := encodeNVPairs(pairs)

	var dec nvDecoder
	dec.feed(body)
	got := make(map[string]string)
	for {
		pair, ok := dec.next()
		if !ok {
			break
		}
		got[string(pair.name)] = string(pair.value)
	}
	for k, v := range pairs {
		if got[k] != v {
			t.Errorf("pair %q = %q, want %q", k, got[k], v)
		}
	}
}

func TestNVLenLongForm(t *testing.T) {
	var dst []byte
	dst = encodeNVLen(dst, 1000)
	n, consumed, ok := decodeNVLen(dst)
	if !ok {
		t.Fatal("decodeNVLen failed on a long-form length")
	}
	if n != 1000 || consumed != 4 {
		t.Fatalf("decodeNVLen = (%d, %d), want (1000, 4)", n, consumed)
	}
}

func TestNVDecoderNeedsMoreData(t *testing.T) {
	var dec nvDecoder
	dec.feed([]byte{5, 3, 'h', 'e'}) // name len 5, value len 3, but only 2 bytes follow
	if _, ok := dec.next(); ok {
		t.Fatal("next() should report false until the full pair has arrived")
	}
	dec.feed([]byte{'l', 'l', 'o', 'f', 'o', 'o'})
	pair, ok := dec.next()
	if !ok {
		t.Fatal("next() should succeed once the full pair has arrived")
	}
	if string(pair.name) != "hello" || string(pair.value) != "foo" {
		t.Fatalf("pair = %q/%q", pair.name, pair.value)
	}
}
