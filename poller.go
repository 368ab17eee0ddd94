package fastcgi

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Readiness event flags, deliberately a small subset of epoll's own bits
// so callers never need to import golang.org/x/sys/unix themselves.
const (
	EventIn    uint32 = unix.EPOLLIN
	EventOut   uint32 = unix.EPOLLOUT
	EventErr   uint32 = unix.EPOLLERR
	EventHup   uint32 = unix.EPOLLHUP
	EventRDHup uint32 = unix.EPOLLRDHUP
)

// pollResult reports one ready descriptor and the events it is ready
// for, or ok=false on timeout or benign interruption.
type pollResult struct {
	fd     int
	events uint32
}

// poller is a thin wrapper around Linux epoll implementing an add/del/
// poll(timeout) contract. A single poller instance is owned exclusively
// by the transceiver goroutine.
type poller struct {
	epfd    int
	events  [128]unix.EpollEvent
	pending []pollResult
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("fastcgi: epoll_create1: %w", err)
	}
	return &poller{epfd: fd}, nil
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}

// add registers fd for read readiness (and, if wantWrite, write
// readiness too).
func (p *poller) add(fd int, wantWrite bool) error {
	ev := unix.EpollEvent{Fd: int32(fd), Events: EventIn | EventRDHup}
	if wantWrite {
		ev.Events |= EventOut
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// modify changes the registered interest set for fd, e.g. to start or
// stop watching for write readiness once a partial write has drained.
func (p *poller) modify(fd int, wantWrite bool) error {
	ev := unix.EpollEvent{Fd: int32(fd), Events: EventIn | EventRDHup}
	if wantWrite {
		ev.Events |= EventOut
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// del unregisters fd. Callers must do this before closing fd.
func (p *poller) del(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

// waitOne blocks for up to timeoutMS milliseconds (negative = forever)
// and returns one ready descriptor. Multiple ready descriptors from a
// single epoll_wait call are queued and handed out one at a time on
// subsequent calls, so no readiness event is ever dropped.
func (p *poller) waitOne(timeoutMS int) (pollResult, bool) {
	if len(p.pending) > 0 {
		r := p.pending[0]
		p.pending = p.pending[1:]
		return r, true
	}
	n, err := unix.EpollWait(p.epfd, p.events[:], timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return pollResult{}, false
		}
		return pollResult{}, false
	}
	if n == 0 {
		return pollResult{}, false
	}
	for i := 0; i < n; i++ {
		p.pending = append(p.pending, pollResult{
			fd:     int(p.events[i].Fd),
			events: p.events[i].Events,
		})
	}
	r := p.pending[0]
	p.pending = p.pending[1:]
	return r, true
}
