package fastcgi

// writeJob is one outbound delivery the transceiver's write queue
// drains onto a socket.
type writeJob struct {
	fd         int
	data       []byte
	closeAfter bool
}

// writeSubmitter is the narrow capability a request core is given at
// construction instead of a reference to the transceiver, poller or
// socket group themselves.
type writeSubmitter interface {
	submitWrite(job writeJob)
}

// flushThreshold bounds how much a recordSink batches before emitting a
// record on its own, independent of an explicit flush.
const flushThreshold = 8 << 10

// recordSink is a byte-producing sink that frames writes into records
// of the given type (STDOUT or STDERR). It implements io.Writer so user
// handlers can use it with fmt.Fprintf, io.Copy, bufio.Writer, etc.
type recordSink struct {
	recType   uint8
	requestID uint16
	fd        int
	submit    writeSubmitter
	buf       blockBuffer
}

func newRecordSink(recType uint8, key requestKey, submit writeSubmitter) *recordSink {
	return &recordSink{recType: recType, requestID: key.id, fd: key.fd, submit: submit}
}

func (s *recordSink) Write(p []byte) (int, error) {
	s.buf.Write(p)
	if s.buf.Len() >= flushThreshold {
		s.flush(false)
	}
	return len(p), nil
}

// flush emits whatever is batched as one or more STDOUT/STDERR records.
// When final is true it also emits the zero-length terminator record
// that ends this stream, even if there was nothing left to flush.
func (s *recordSink) flush(final bool) {
	var out []byte
	if s.buf.Len() > 0 {
		body := append([]byte(nil), s.buf.UnreadSlice()...)
		s.buf.Reset()
		out = append(out, encodeStreamChunk(s.recType, s.requestID, body)...)
	}
	if final {
		out = append(out, encodeStreamTerminator(s.recType, s.requestID)...)
	}
	if len(out) == 0 {
		return
	}
	s.submit.submitWrite(writeJob{fd: s.fd, data: out})
}
