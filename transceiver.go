package fastcgi

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	readBufSize   = 32 * 1024
	pollTimeoutMS = 1000
)

// connection is the transceiver's bookkeeping for one accepted socket:
// its record reassembly state, its pending outbound bytes, and the set
// of request ids currently active on it. Only the transceiver goroutine
// ever touches a connection's fields.
type connection struct {
	sock     *socket
	dec      recordDecoder
	outBuf   blockBuffer
	writable bool
	closing  bool
	reqIDs   map[uint16]struct{}
}

type requestDone struct {
	key      requestKey
	keepConn bool
}

// transceiver is the single goroutine's worth of state described in the
// package doc: it owns the poller and socket group, demuxes incoming
// bytes into per-request mailboxes, answers management records inline,
// and drains the outbound write queue. Everything here except
// submitWrite/requestDone (reachable from worker goroutines) executes on
// one dedicated goroutine.
type transceiver struct {
	sg          *socketGroup
	router      *Router
	maxPostSize int64
	maxConns    int
	maxReqs     int
	log         zerolog.Logger

	conns    map[int]*connection
	requests map[requestKey]*requestCore

	runnable chan *requestCore
	writeq   chan writeJob
	doneq    chan requestDone

	activeRequests atomic.Int64
}

type transceiverConfig struct {
	Router      *Router
	MaxPostSize int64
	MaxConns    int
	MaxReqs     int
}

func newTransceiver(sg *socketGroup, cfg transceiverConfig, runnable chan *requestCore, log zerolog.Logger) *transceiver {
	return &transceiver{
		sg:          sg,
		router:      cfg.Router,
		maxPostSize: cfg.MaxPostSize,
		maxConns:    cfg.MaxConns,
		maxReqs:     cfg.MaxReqs,
		log:         componentLogger(log, "transceiver"),
		conns:       make(map[int]*connection),
		requests:    make(map[requestKey]*requestCore),
		runnable:    runnable,
		writeq:      make(chan writeJob, 4096),
		doneq:       make(chan requestDone, 4096),
	}
}

// submitWrite implements writeSubmitter. It is called from worker
// goroutines (via a request's recordSink or requestCore.finish) and
// only ever hands the job to the transceiver goroutine through a
// channel plus a wake byte.
func (t *transceiver) submitWrite(job writeJob) {
	t.writeq <- job
	t.sg.wake()
}

// requestDone is the callback requestCore.done invokes once a request
// has emitted END_REQUEST. Also cross-goroutine, also channel-mediated.
func (t *transceiver) requestDone(key requestKey, keepConn bool) {
	t.doneq <- requestDone{key: key, keepConn: keepConn}
	t.sg.wake()
}

// run is the transceiver's main loop. It returns once stopCh is closed
// and every listener and connection has been torn down.
func (t *transceiver) run(stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			t.sg.closeAll()
			return
		default:
		}
		res, ok := t.sg.poller.waitOne(pollTimeoutMS)
		if ok {
			t.handleReady(res)
		}
		t.drainWriteQueue()
		t.drainDoneQueue()
	}
}

func (t *transceiver) handleReady(res pollResult) {
	if res.fd == t.sg.wakeR {
		t.sg.drainWake()
		return
	}
	if t.sg.isListener(res.fd) {
		t.acceptReady(res.fd)
		return
	}
	conn, ok := t.conns[res.fd]
	if !ok {
		return
	}
	if res.events&(EventIn|EventRDHup|EventHup|EventErr) != 0 {
		t.readConn(conn)
	}
	if _, stillOpen := t.conns[res.fd]; stillOpen && res.events&EventOut != 0 {
		t.flushConn(conn)
	}
}

func (t *transceiver) acceptReady(listenerFd int) {
	for _, s := range t.sg.acceptAll(listenerFd) {
		if t.maxConns > 0 && len(t.conns) >= t.maxConns {
			t.sg.closeSocket(s)
			continue
		}
		t.conns[s.fd] = &connection{sock: s, reqIDs: make(map[uint16]struct{})}
	}
}

func (t *transceiver) readConn(conn *connection) {
	var buf [readBufSize]byte
	for {
		n, ok, err := t.sg.read(conn.sock, buf[:])
		if err != nil {
			t.teardownConn(conn)
			return
		}
		if !ok {
			return
		}
		if n == 0 {
			t.peerHungUp(conn)
			return
		}
		conn.dec.feed(buf[:n])
		for {
			rec, ok := conn.dec.next()
			if !ok {
				break
			}
			t.dispatchRecord(conn, rec)
		}
		if _, stillOpen := t.conns[conn.sock.fd]; !stillOpen {
			return
		}
	}
}

// peerHungUp handles a half-close: the peer will send no more bytes.
// Any requests still active on this connection are told so via a
// synthetic ABORT_REQUEST-shaped message; once none remain the socket
// is closed outright.
func (t *transceiver) peerHungUp(conn *connection) {
	if len(conn.reqIDs) == 0 {
		t.sg.closeSocket(conn.sock)
		delete(t.conns, conn.sock.fd)
		return
	}
	for id := range conn.reqIDs {
		key := requestKey{fd: conn.sock.fd, id: id}
		if rc, ok := t.requests[key]; ok {
			t.scheduleIfNeeded(rc, rc.push(message{kind: typeAbortRequest}))
		}
	}
	conn.closing = true
}

func (t *transceiver) teardownConn(conn *connection) {
	for id := range conn.reqIDs {
		delete(t.requests, requestKey{fd: conn.sock.fd, id: id})
	}
	delete(t.conns, conn.sock.fd)
}

func isKnownRecordType(recType uint8) bool {
	return recType >= typeBeginRequest && recType <= typeUnknownType
}

func (t *transceiver) dispatchRecord(conn *connection, rec rawRecord) {
	if !isKnownRecordType(rec.header.recType) {
		t.respondUnknownType(conn, rec.header.recType)
		return
	}
	if rec.header.requestID == 0 {
		t.handleManagementRecord(conn, rec)
		return
	}
	key := requestKey{fd: conn.sock.fd, id: rec.header.requestID}
	if rec.header.recType == typeBeginRequest {
		t.beginRequest(conn, key, rec)
		return
	}
	rc, ok := t.requests[key]
	if !ok {
		t.log.Debug().Int("fd", conn.sock.fd).Uint16("id", rec.header.requestID).Msg("record for unknown request")
		return
	}
	t.scheduleIfNeeded(rc, rc.push(recordMessage(rec)))
}

func (t *transceiver) beginRequest(conn *connection, key requestKey, rec rawRecord) {
	begin, err := decodeBeginRequest(rec.body)
	if err != nil {
		t.log.Warn().Err(err).Msg("malformed BEGIN_REQUEST")
		t.teardownConn(conn)
		t.sg.closeSocket(conn.sock)
		delete(t.conns, conn.sock.fd)
		return
	}
	if t.maxReqs > 0 && len(t.requests) >= t.maxReqs {
		t.submitWrite(writeJob{fd: conn.sock.fd, data: endRequestRecord(key.id, statusOverloaded)})
		return
	}
	rc := newRequestCore(key, begin, t.maxPostSize, t.router, t, t.requestDone, t.log)
	t.requests[key] = rc
	conn.reqIDs[key.id] = struct{}{}
	t.activeRequests.Add(1)
}

func endRequestRecord(requestID uint16, status uint8) []byte {
	body := encodeEndRequest(0, status)
	buf := make([]byte, headerLen+len(body))
	encodeRecord(buf, typeEndRequest, requestID, body)
	return buf
}

func (t *transceiver) scheduleIfNeeded(rc *requestCore, needsSchedule bool) {
	if needsSchedule {
		t.runnable <- rc
	}
}

// --- management records (requestId 0) ---

var supportedManagementVars = map[string]string{
	"FCGI_MAX_CONNS":  "",
	"FCGI_MAX_REQS":   "",
	"FCGI_MPXS_CONNS": "1",
}

func (t *transceiver) handleManagementRecord(conn *connection, rec rawRecord) {
	switch rec.header.recType {
	case typeGetValues:
		t.respondGetValues(conn, rec)
	default:
		t.respondUnknownType(conn, rec.header.recType)
	}
}

func (t *transceiver) respondGetValues(conn *connection, rec rawRecord) {
	dec := &nvDecoder{}
	dec.feed(rec.body)
	result := make(map[string]string)
	for {
		pair, ok := dec.next()
		if !ok {
			break
		}
		name := string(pair.name)
		switch name {
		case "FCGI_MAX_CONNS":
			result[name] = itoa(t.maxConns)
		case "FCGI_MAX_REQS":
			result[name] = itoa(t.maxReqs)
		case "FCGI_MPXS_CONNS":
			result[name] = "1"
		}
	}
	body := encodeNVPairs(result)
	buf := make([]byte, headerLen+len(body)+int(padLen(len(body))))
	encodeRecord(buf, typeGetValuesResult, 0, body)
	t.submitWrite(writeJob{fd: conn.sock.fd, data: buf})
}

func (t *transceiver) respondUnknownType(conn *connection, recType uint8) {
	body := make([]byte, 8)
	body[0] = recType
	buf := make([]byte, headerLen+len(body))
	encodeRecord(buf, typeUnknownType, 0, body)
	t.submitWrite(writeJob{fd: conn.sock.fd, data: buf})
}

func itoa(n int) string {
	if n <= 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

// --- outbound write queue ---

func (t *transceiver) drainWriteQueue() {
	dirty := make(map[int]struct{})
	for {
		select {
		case job := <-t.writeq:
			conn, ok := t.conns[job.fd]
			if !ok {
				continue
			}
			conn.outBuf.Write(job.data)
			if job.closeAfter {
				conn.closing = true
			}
			dirty[job.fd] = struct{}{}
		default:
			for fd := range dirty {
				if conn, ok := t.conns[fd]; ok {
					t.flushConn(conn)
				}
			}
			return
		}
	}
}

func (t *transceiver) flushConn(conn *connection) {
	for conn.outBuf.Len() > 0 {
		n, err := t.sg.write(conn.sock, conn.outBuf.UnreadSlice())
		if err != nil {
			t.teardownConn(conn)
			return
		}
		if n == 0 {
			if !conn.writable {
				conn.writable = true
				t.sg.watchWritable(conn.sock, true)
			}
			return
		}
		conn.outBuf.Discard(n)
	}
	if conn.writable {
		conn.writable = false
		t.sg.watchWritable(conn.sock, false)
	}
	if conn.closing && len(conn.reqIDs) == 0 {
		t.sg.closeSocket(conn.sock)
		delete(t.conns, conn.sock.fd)
	}
}

func (t *transceiver) drainDoneQueue() {
	for {
		select {
		case d := <-t.doneq:
			delete(t.requests, d.key)
			t.activeRequests.Add(-1)
			if conn, ok := t.conns[d.key.fd]; ok {
				delete(conn.reqIDs, d.key.id)
				if conn.closing && len(conn.reqIDs) == 0 {
					t.flushConn(conn)
				}
			}
		default:
			return
		}
	}
}

// waitDrain blocks until every in-flight request has completed or the
// timeout elapses, used by Manager during graceful shutdown.
func (t *transceiver) waitDrain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if t.activeRequests.Load() == 0 {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return t.activeRequests.Load() == 0
}
