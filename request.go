package fastcgi

import (
	"fmt"
	"io"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// state is one of the four states a request moves through over its
// lifetime.
type state int

const (
	stateParams state = iota
	stateIn
	stateOut
	stateComplete
)

// Event carries the latest arrived non-protocol message, if any:
// Respond is invoked when the request enters OUT, and again for each
// message delivered after that, so a handler can return done=false to
// await an external completion and be re-scheduled when one arrives.
// Kind is 0 when the call was not triggered by a synthetic event.
type Event struct {
	Kind uint8
	Data []byte
}

// EventShutdown and EventUpgrade are the synthetic event kinds the
// manager may deliver to signal non-protocol events.
const (
	EventShutdown = msgShutdown
	EventUpgrade  = msgUpgrade
)

// Context is a request's stable handle onto its environment and output
// streams, passed to Respond on every invocation.
type Context struct {
	Env *Environment
	Out io.Writer
	Err io.Writer
}

// Request is the one capability a user handler must provide: produce
// the next response step given the current context and the latest
// pending event, and report whether the response is complete.
type Request interface {
	Respond(ctx *Context, ev Event) (done bool)
}

// Optional capability interfaces a Request may additionally implement.
// The core checks for these with a type assertion rather than requiring
// every Request to carry unused methods.
type (
	// InChunkHandler is called once per IN chunk as it arrives, in
	// addition to (not instead of) the built-in post accumulation.
	InChunkHandler interface {
		HandleInChunk(chunk []byte)
	}
	// InProcessor is called once, at end-of-IN, with the full
	// accumulated raw body. If it returns true, the built-in
	// urlencoded/multipart decoder is skipped.
	InProcessor interface {
		ProcessIn(raw []byte) (consumed bool)
	}
	// ErrorHandler overrides the default 500 page for a handler panic
	// or internal failure.
	ErrorHandler interface {
		HandleError(ctx *Context, err error)
	}
	// BigPostErrorHandler overrides the default 413 page.
	BigPostErrorHandler interface {
		HandleBigPostError(ctx *Context)
	}
	// UnknownContentErrorHandler overrides the default 415 page.
	UnknownContentErrorHandler interface {
		HandleUnknownContentError(ctx *Context, contentType string)
	}
)

// Factory constructs a fresh Request value for one incoming
// BEGIN_REQUEST. Routers hold factories, not Requests, since a Request
// carries per-request mutable state.
type Factory func() Request

// requestCore is the internal state machine driving one Request value
// through PARAMS -> IN -> OUT -> COMPLETE.
type requestCore struct {
	key      requestKey
	role     uint16
	keepConn bool

	st  state
	box *mailbox

	env  *Environment
	post *postBuffer

	userReq Request
	ctx     *Context
	router  *Router

	maxPostSize int64

	outSink       *recordSink
	errSink       *recordSink
	nvDec         *nvDecoder
	pendingStatus uint8

	submit writeSubmitter
	done   func(key requestKey, keepConn bool)

	log zerolog.Logger
}

func newRequestCore(key requestKey, begin beginRequestBody, maxPostSize int64, router *Router, submit writeSubmitter, done func(requestKey, bool), log zerolog.Logger) *requestCore {
	env := newEnvironment()
	env.KeepConn = begin.keepConn
	rc := &requestCore{
		key:         key,
		role:        begin.role,
		keepConn:    begin.keepConn,
		st:          stateParams,
		box:         newMailbox(),
		env:         env,
		post:        newPostBuffer(maxPostSize),
		router:      router,
		maxPostSize: maxPostSize,
		submit:      submit,
		done:        done,
		log:         componentLogger(log, "request"),
	}
	rc.outSink = newRecordSink(typeStdout, key, submit)
	rc.errSink = newRecordSink(typeStderr, key, submit)
	rc.ctx = &Context{Env: env, Out: rc.outSink, Err: rc.errSink}
	return rc
}

// push delivers one wire or synthetic message into this request's
// mailbox, returning whether the caller must (re)schedule it onto the
// worker pool.
func (rc *requestCore) push(msg message) bool {
	return rc.box.push(msg)
}

// run drains every currently-queued message, advancing the state
// machine, until the mailbox is empty or the request completes. It is
// invoked by exactly one worker at a time (the manager never schedules
// the same request to two workers concurrently).
func (rc *requestCore) run() {
	if rc.st == stateComplete {
		return
	}
	defer rc.recoverPanic()
	for {
		msg, ok := rc.box.pop()
		if !ok {
			return
		}
		if rc.advance(msg) {
			rc.st = stateComplete
			rc.finish(rc.pendingStatus)
			return
		}
	}
}

func (rc *requestCore) recoverPanic() {
	if r := recover(); r != nil {
		rc.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("handler panic")
		rc.emitError(fmt.Errorf("fastcgi: handler panic: %v", r))
		rc.st = stateComplete
		rc.finish(statusRequestComplete)
	}
}

// advance processes one message and reports whether the request is now
// complete.
func (rc *requestCore) advance(msg message) (complete bool) {
	if msg.kind == typeAbortRequest {
		return true
	}
	if msg.kind == EventShutdown || msg.kind == EventUpgrade {
		return rc.callRespond(Event{Kind: msg.kind, Data: msg.body})
	}

	switch rc.st {
	case stateParams:
		return rc.advanceParams(msg)
	case stateIn:
		return rc.advanceIn(msg)
	case stateOut:
		return rc.callRespond(Event{})
	default:
		return true
	}
}

// advanceParams handles one message while in the PARAMS state.
func (rc *requestCore) advanceParams(msg message) (complete bool) {
	if msg.kind != typeParams {
		rc.log.Warn().Uint8("kind", msg.kind).Msg("unexpected record while in PARAMS")
		return false
	}
	if len(msg.body) > 0 {
		rc.decodeParamsChunk(msg.body)
		return false
	}
	// terminating zero-length PARAMS record: environment is final.
	if rc.role != RoleResponder && rc.role != RoleAuthorizer {
		rc.emitUnknownRole()
		return true
	}
	rc.resolveHandler()
	if rc.role == RoleAuthorizer {
		rc.st = stateOut
		return rc.callRespond(Event{})
	}
	if rc.maxPostSize > 0 && rc.env.ContentLength > rc.maxPostSize {
		rc.emitBigPostError()
		return true
	}
	rc.st = stateIn
	return false
}

func (rc *requestCore) decodeParamsChunk(body []byte) {
	if rc.nvDec == nil {
		rc.nvDec = &nvDecoder{}
	}
	rc.nvDec.feed(body)
	for {
		pair, ok := rc.nvDec.next()
		if !ok {
			return
		}
		rc.env.setVar(string(pair.name), string(pair.value))
	}
}

func (rc *requestCore) resolveHandler() {
	factory := rc.router.Lookup(rc.env.ScriptName, rc.env.RequestURI)
	rc.userReq = factory()
}

func (rc *requestCore) advanceIn(msg message) (complete bool) {
	if msg.kind != typeStdin {
		rc.log.Warn().Uint8("kind", msg.kind).Msg("unexpected record while in IN")
		return false
	}
	if len(msg.body) > 0 {
		if h, ok := rc.userReq.(InChunkHandler); ok {
			h.HandleInChunk(msg.body)
		}
		if err := rc.post.append(msg.body); err != nil {
			rc.emitBigPostError()
			return true
		}
		return false
	}
	// terminating zero-length IN record.
	raw := rc.post.bytes()
	consumed := false
	if p, ok := rc.userReq.(InProcessor); ok {
		consumed = p.ProcessIn(raw)
	}
	if !consumed && len(raw) > 0 {
		if err := decodePostBody(raw, rc.env.ContentType, rc.env.Posts, rc.env.Files); err != nil {
			rc.emitUnknownContentError()
			return true
		}
	}
	rc.post.reset()
	rc.st = stateOut
	return rc.callRespond(Event{})
}

func (rc *requestCore) callRespond(ev Event) (complete bool) {
	return rc.userReq.Respond(rc.ctx, ev)
}

func (rc *requestCore) emitError(err error) {
	if h, ok := rc.userReq.(ErrorHandler); ok && rc.userReq != nil {
		h.HandleError(rc.ctx, err)
		return
	}
	writeSimplePage(rc.outSink, 500, "Internal Server Error")
}

func (rc *requestCore) emitBigPostError() {
	if h, ok := rc.userReq.(BigPostErrorHandler); ok && rc.userReq != nil {
		h.HandleBigPostError(rc.ctx)
		return
	}
	writeSimplePage(rc.outSink, 413, "Payload Too Large")
}

func (rc *requestCore) emitUnknownContentError() {
	if h, ok := rc.userReq.(UnknownContentErrorHandler); ok && rc.userReq != nil {
		h.HandleUnknownContentError(rc.ctx, rc.env.ContentType)
		return
	}
	writeSimplePage(rc.outSink, 415, "Unsupported Media Type")
}

func (rc *requestCore) emitUnknownRole() {
	rc.st = stateComplete
	rc.pendingStatus = statusUnknownRole
}

func writeSimplePage(w io.Writer, status int, text string) {
	fmt.Fprintf(w, "Status: %d %s\r\nContent-Type: text/plain\r\n\r\n%s\n", status, text, text)
}

// finish flushes OUT/ERR, emits END_REQUEST, and tells the transceiver
// whether to close the connection.
func (rc *requestCore) finish(protocolStatus uint8) {
	rc.outSink.flush(true)
	rc.errSink.flush(true)
	end := encodeEndRequest(0, protocolStatus)
	buf := make([]byte, headerLen+len(end))
	encodeRecord(buf, typeEndRequest, rc.key.id, end)
	rc.submit.submitWrite(writeJob{fd: rc.key.fd, data: buf, closeAfter: !rc.keepConn})
	if rc.done != nil {
		rc.done(rc.key, rc.keepConn)
	}
}
