// Package fastcgi implements the responder/authorizer side of the FastCGI
// 1.0 protocol: the machinery a process needs to accept connections from a
// FastCGI-speaking web server, multiplex concurrent requests over each
// connection, and stream generated responses back.
//
// Internals documentation
//
// The goroutines, lifetimes and channels of this package are a bit
// involved, so here's a quick overview.
//
// Manager.Start launches the transceiver goroutine plus a fixed worker
// pool; signal handling runs only in the goroutine that calls
// Manager.ServeSignals.
//
//   - The transceiver goroutine
//   - N worker goroutines
//   - The signal/drain goroutine (the caller of ServeSignals)
//
// Transceiver goroutine:
//
// The transceiver goroutine is the only party that ever touches a socket.
// It owns the poller and the socket group, and it never blocks on a
// single connection: it waits on the poller for one ready descriptor at a
// time, reads whatever is available, decodes as many complete records as
// it can, and routes each record to the mailbox of the (socket,
// requestId) it belongs to. Management records (requestId 0) are
// answered inline. A request's mailbox is a FIFO queue of Messages
// guarded by that request's own mutex; the transceiver only ever
// appends to it.
//
// Outbound bytes work the same way in reverse: request cores never write
// to a socket directly. They push (socket, bytes, closeAfter) write jobs
// onto a queue that the transceiver drains opportunistically, retrying
// on EAGAIN by waiting for writable readiness instead of blocking.
//
// Worker goroutines:
//
// Workers pull runnable request tokens from a shared channel. A token
// names a request whose mailbox has at least one undelivered Message.
// The worker pops that request's messages one at a time (each pop takes
// the mailbox's own mutex) and drives the request's state machine
// (PARAMS -> IN -> OUT -> COMPLETE) with each, until the mailbox is
// empty or the request completes; then it goes back to the shared
// queue. A mailbox has at most one token outstanding at a time, so two
// workers never run the same request at once.
//
// Signal/drain goroutine:
//
// In ServeSignals, SIGTERM and SIGINT trigger a graceful drain: stop
// accepting new connections, let in-flight requests finish, tear down
// the transceiver and workers, then return. This is
// distinct from the best-effort recover()-based diagnostic path each
// worker wraps its dispatch loop in, which exists only to turn a panic
// in user handler code into a logged stack trace and a 500 response
// instead of taking the whole process down.
package fastcgi
