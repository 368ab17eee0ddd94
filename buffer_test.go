package fastcgi

import (
	"bytes"
	"testing"
)

func TestBlockBufferWriteAndDiscard(t *testing.T) {
	var b blockBuffer
	b.Write([]byte("hello"))
	b.Write([]byte(" world"))
	if got := b.UnreadSlice(); !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("UnreadSlice() = %q", got)
	}
	b.Discard(6)
	if got := b.UnreadSlice(); !bytes.Equal(got, []byte("world")) {
		t.Fatalf("UnreadSlice() after discard = %q", got)
	}
	if b.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", b.Len())
	}
}

func TestBlockBufferDiscardToEmptyResetsCursors(t *testing.T) {
	var b blockBuffer
	b.Write([]byte("abc"))
	b.Discard(3)
	if b.r != 0 || b.w != 0 {
		t.Fatalf("cursors after full discard = (%d,%d), want (0,0)", b.r, b.w)
	}
}

func TestBlockBufferCompactReclaimsSpace(t *testing.T) {
	var b blockBuffer
	b.Write(bytes.Repeat([]byte("x"), 100))
	b.Discard(90)
	before := len(b.data)
	b.Compact()
	if b.r != 0 {
		t.Fatalf("r after Compact = %d, want 0", b.r)
	}
	if b.w != 10 {
		t.Fatalf("w after Compact = %d, want 10", b.w)
	}
	if len(b.data) != before {
		t.Fatalf("Compact should not reallocate, cap changed from %d to %d", before, len(b.data))
	}
}

func TestBlockBufferDiscardPastWriteCursorPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected Discard past the write cursor to panic")
		}
	}()
	var b blockBuffer
	b.Write([]byte("ab"))
	b.Discard(5)
}

func TestBlockBufferGrows(t *testing.T) {
	var b blockBuffer
	big := bytes.Repeat([]byte("y"), 10000)
	b.Write(big)
	if !bytes.Equal(b.UnreadSlice(), big) {
		t.Fatal("buffer content mismatch after growth")
	}
}
