package fastcgi

// blockBuffer is a contiguous growable byte buffer with independent read
// and write cursors. It backs the per-socket record-reassembly buffer
// and the per-request output batching buffer.
//
// It is a plain value type: assigning or returning a blockBuffer moves
// ownership of its backing array the same way a slice does, with no
// internal self-references to invalidate.
type blockBuffer struct {
	data []byte
	r, w int
}

// Write appends p to the buffer, growing it if necessary.
func (b *blockBuffer) Write(p []byte) (int, error) {
	b.ensure(len(p))
	n := copy(b.data[b.w:], p)
	b.w += n
	return n, nil
}

// ensure grows the backing array so that n more bytes can be appended
// past w without reallocating on every small write.
func (b *blockBuffer) ensure(n int) {
	if b.w+n <= len(b.data) {
		return
	}
	b.Compact()
	if b.w+n <= len(b.data) {
		return
	}
	needed := b.w + n
	newCap := len(b.data)*2 + 64
	if newCap < needed {
		newCap = needed
	}
	grown := make([]byte, newCap)
	copy(grown, b.data[:b.w])
	b.data = grown
}

// Compact slides the unread region [r,w) to the front of the backing
// array, reclaiming space consumed by already-discarded bytes.
func (b *blockBuffer) Compact() {
	if b.r == 0 {
		return
	}
	n := copy(b.data, b.data[b.r:b.w])
	b.w = n
	b.r = 0
}

// UnreadSlice returns the currently buffered, not-yet-discarded bytes.
// The returned slice aliases the buffer's backing array and is only
// valid until the next Write, Discard, or Compact call.
func (b *blockBuffer) UnreadSlice() []byte {
	return b.data[b.r:b.w]
}

// Discard marks the first n unread bytes as consumed.
func (b *blockBuffer) Discard(n int) {
	b.r += n
	if b.r > b.w {
		panic("fastcgi: blockBuffer discard past write cursor")
	}
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
}

// Len reports the number of unread bytes currently buffered.
func (b *blockBuffer) Len() int {
	return b.w - b.r
}

// Reset empties the buffer without releasing its backing array, so it
// can be reused for the buffer's next logical stream.
func (b *blockBuffer) Reset() {
	b.r, b.w = 0, 0
}

// Grow ensures the buffer can accept at least n more bytes before its
// next reallocation, without changing its logical contents.
func (b *blockBuffer) Grow(n int) {
	b.ensure(n)
}
