package fastcgi

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"syscall"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// socket is an owned handle to an OS stream descriptor. It
// carries a back-reference to its owning group so aliasing code (a
// request holding on to its socket's id after the group has moved on)
// can check validity instead of assuming the fd is still meaningful.
type socket struct {
	fd             int
	group          *socketGroup
	file           *os.File // never set for accepted sockets, which are raw accept4 fds
	valid          bool
	peerClosedRead bool
	remoteIP       string // empty for AF_UNIX peers
}

func (s *socket) Valid() bool { return s != nil && s.valid }

// SocketGroupConfig configures listener setup and socket-level policy.
type SocketGroupConfig struct {
	// Backlog is stored with a default of 100 but is not applied:
	// listeners are opened through net.ListenConfig, which uses the
	// system's default listen(2) backlog.
	Backlog int
	// ReuseAddr sets SO_REUSEADDR before bind.
	ReuseAddr bool
	// UnixOwner/UnixGroupID, if non-nil, chown an AF_UNIX socket path
	// after bind.
	UnixOwner   *int
	UnixGroupID *int
	// UnixPerm, if non-zero, chmods an AF_UNIX socket path after bind.
	UnixPerm os.FileMode
	// WebServerAddrs is the FCGI_WEB_SERVER_ADDRS allow-list: TCP peers
	// whose address isn't in this list are accepted then immediately
	// closed. Empty means accept from anywhere.
	WebServerAddrs []string
}

func (c *SocketGroupConfig) setDefaults() {
	if c.Backlog == 0 {
		c.Backlog = 100
	}
}

// socketGroup owns all listener and data sockets for a Manager (spec
// §3's SocketGroup, §4.2). Exactly one goroutine (the transceiver) may
// call its read/write/accept methods; SetAccept and wake are the two
// exceptions, safe from any goroutine.
type socketGroup struct {
	cfg       SocketGroupConfig
	poller    *poller
	sockets   *xsync.MapOf[int, *socket]
	listeners *xsync.MapOf[int, *os.File]

	accept atomic.Bool

	wakeR, wakeW int

	log zerolog.Logger
}

func newSocketGroup(cfg SocketGroupConfig, log zerolog.Logger) (*socketGroup, error) {
	cfg.setDefaults()
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	g := &socketGroup{
		cfg:       cfg,
		poller:    p,
		sockets:   xsync.NewMapOf[int, *socket](),
		listeners: xsync.NewMapOf[int, *os.File](),
		log:       componentLogger(log, "socketgroup"),
	}
	g.accept.Store(true)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		p.close()
		return nil, fmt.Errorf("fastcgi: wake socketpair: %w", err)
	}
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)
	g.wakeR, g.wakeW = fds[0], fds[1]
	if err := p.add(g.wakeR, false); err != nil {
		return nil, fmt.Errorf("fastcgi: register wake fd: %w", err)
	}
	return g, nil
}

// wake interrupts a blocked poll from any goroutine. Each call writes one
// byte; the write is dropped only when the socketpair buffer is full.
// Multiple pending wakes coalesce because drainWake discards every
// pending byte at once.
func (g *socketGroup) wake() {
	var b [1]byte
	_, err := unix.Write(g.wakeW, b[:])
	if err != nil && err != unix.EAGAIN {
		g.log.Warn().Err(err).Msg("wake write failed")
	}
}

// drainWake discards every pending wake byte.
func (g *socketGroup) drainWake() {
	var b [64]byte
	for {
		n, err := unix.Read(g.wakeR, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// SetAccept pauses or resumes acceptance of new connections. Pausing
// lets backpressure propagate into the kernel listen queue without
// affecting connections already accepted.
func (g *socketGroup) SetAccept(v bool) {
	if g.accept.Swap(v) != v {
		g.wake()
	}
}

func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func (g *socketGroup) listen(network, addr string) (net.Listener, error) {
	lc := net.ListenConfig{}
	if g.cfg.ReuseAddr {
		lc.Control = reuseAddrControl
	}
	return lc.Listen(context.Background(), network, addr)
}

// adopt takes ownership of an already-listening net.Listener: it
// extracts the raw, non-blocking descriptor, registers it with the
// poller, and records it as a listener fd. The original net.Listener is
// closed (its fd was duplicated by File()); the duplicate, pinned by the
// returned *os.File, is what this group actually drives.
func (g *socketGroup) adopt(l net.Listener) (int, error) {
	type fileConn interface {
		File() (*os.File, error)
	}
	fc, ok := l.(fileConn)
	if !ok {
		return 0, fmt.Errorf("fastcgi: listener does not support File()")
	}
	f, err := fc.File()
	if err != nil {
		l.Close()
		return 0, err
	}
	if ul, ok := l.(*net.UnixListener); ok {
		// Keep the socket path on disk: the duplicate fd still serves it.
		ul.SetUnlinkOnClose(false)
	}
	l.Close()
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		f.Close()
		return 0, err
	}
	if err := g.poller.add(fd, false); err != nil {
		f.Close()
		return 0, err
	}
	g.listeners.Store(fd, f)
	return fd, nil
}

// ListenUnix binds an AF_UNIX stream socket at path, applying the
// configured owner/group/permissions, and registers it as a listener.
func (g *socketGroup) ListenUnix(path string) (int, error) {
	os.Remove(path) // unlink any stale socket file left by a previous run
	l, err := g.listen("unix", path)
	if err != nil {
		return 0, fmt.Errorf("fastcgi: listen unix %s: %w", path, err)
	}
	if g.cfg.UnixPerm != 0 {
		if err := os.Chmod(path, g.cfg.UnixPerm); err != nil {
			g.log.Warn().Err(err).Str("path", path).Msg("chmod failed")
		}
	}
	if g.cfg.UnixOwner != nil || g.cfg.UnixGroupID != nil {
		uid, gid := -1, -1
		if g.cfg.UnixOwner != nil {
			uid = *g.cfg.UnixOwner
		}
		if g.cfg.UnixGroupID != nil {
			gid = *g.cfg.UnixGroupID
		}
		if err := os.Chown(path, uid, gid); err != nil {
			g.log.Warn().Err(err).Str("path", path).Msg("chown failed")
		}
	}
	return g.adopt(l)
}

// ListenTCP resolves addr (host:port) and binds a TCP listener to it.
func (g *socketGroup) ListenTCP(addr string) (int, error) {
	l, err := g.listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("fastcgi: listen tcp %s: %w", addr, err)
	}
	return g.adopt(l)
}

// ListenInherited registers fd (conventionally 0) as a listener that a
// FastCGI-aware parent process has already placed in LISTEN state.
// listen(2) is deliberately never called on it here.
func (g *socketGroup) ListenInherited(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("fastcgi: set inherited listener nonblocking: %w", err)
	}
	if err := g.poller.add(fd, false); err != nil {
		return fmt.Errorf("fastcgi: register inherited listener: %w", err)
	}
	g.listeners.Store(fd, nil)
	return nil
}

func (g *socketGroup) isListener(fd int) bool {
	_, ok := g.listeners.Load(fd)
	return ok
}

// acceptAll accepts every pending connection on listenerFd while accept
// is enabled, applying the FCGI_WEB_SERVER_ADDRS allow-list to TCP
// peers, and returns the newly created sockets.
func (g *socketGroup) acceptAll(listenerFd int) []*socket {
	if !g.accept.Load() {
		return nil
	}
	var out []*socket
	for {
		fd, sa, err := unix.Accept4(listenerFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				g.log.Warn().Err(err).Msg("accept failed")
			}
			break
		}
		remoteIP := peerIP(sa)
		if len(g.cfg.WebServerAddrs) > 0 && remoteIP != "" && !addrAllowed(remoteIP, g.cfg.WebServerAddrs) {
			g.log.Info().Str("peer", remoteIP).Msg("rejecting peer not in FCGI_WEB_SERVER_ADDRS")
			unix.Close(fd)
			continue
		}
		s := &socket{fd: fd, group: g, valid: true, remoteIP: remoteIP}
		g.sockets.Store(fd, s)
		if err := g.poller.add(fd, false); err != nil {
			g.log.Warn().Err(err).Msg("register accepted socket")
			g.closeSocket(s)
			continue
		}
		out = append(out, s)
		if !g.accept.Load() {
			break
		}
	}
	return out
}

func peerIP(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String()
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String()
	default:
		return ""
	}
}

func addrAllowed(ip string, allow []string) bool {
	for _, a := range allow {
		if a == ip {
			return true
		}
	}
	return false
}

// read performs one non-blocking read into buf. ok=false with a nil
// error means no data is available right now (EAGAIN); a non-nil error
// means the socket has been invalidated and removed from the group.
func (g *socketGroup) read(s *socket, buf []byte) (n int, ok bool, err error) {
	n, errno := unix.Read(s.fd, buf)
	if errno != nil {
		if errno == unix.EAGAIN || errno == unix.EWOULDBLOCK || errno == unix.EINTR {
			return 0, false, nil
		}
		g.invalidate(s, errno)
		return 0, false, fmt.Errorf("%w: read: %v", ErrClosed, errno)
	}
	if n == 0 {
		s.peerClosedRead = true
		return 0, true, nil
	}
	return n, true, nil
}

// write performs one non-blocking write attempt. It returns the number
// of bytes actually written; the caller retains responsibility for any
// unwritten tail and must ask the group to watch for writability.
func (g *socketGroup) write(s *socket, b []byte) (n int, err error) {
	n, errno := unix.Write(s.fd, b)
	if errno != nil {
		if errno == unix.EAGAIN || errno == unix.EWOULDBLOCK {
			return 0, nil
		}
		if errno == unix.EINTR {
			return 0, nil
		}
		g.invalidate(s, errno)
		return 0, fmt.Errorf("%w: write: %v", ErrClosed, errno)
	}
	return n, nil
}

// watchWritable toggles whether the poller reports EventOut for s, used
// while a partial write's tail is waiting to drain.
func (g *socketGroup) watchWritable(s *socket, want bool) {
	if err := g.poller.modify(s.fd, want); err != nil {
		g.log.Warn().Err(err).Int("fd", s.fd).Msg("modify interest failed")
	}
}

func (g *socketGroup) invalidate(s *socket, cause error) {
	if !s.valid {
		return
	}
	g.log.Debug().Err(cause).Int("fd", s.fd).Msg("socket invalidated")
	g.closeSocket(s)
}

// closeSocket performs the single final shutdown+close for s. Every
// other path that wants a socket gone routes through here so at most
// one goroutine ever performs the final shutdown+close.
func (g *socketGroup) closeSocket(s *socket) {
	if !s.valid {
		return
	}
	s.valid = false
	g.poller.del(s.fd)
	unix.Shutdown(s.fd, unix.SHUT_RDWR)
	unix.Close(s.fd)
	g.sockets.Delete(s.fd)
	if s.file != nil {
		s.file = nil
	}
}

// closeAll tears down every listener and data socket, used during
// graceful shutdown.
func (g *socketGroup) closeAll() {
	g.listeners.Range(func(fd int, f *os.File) bool {
		g.poller.del(fd)
		unix.Close(fd)
		if f != nil {
			f.Close()
		}
		g.listeners.Delete(fd)
		return true
	})
	g.sockets.Range(func(fd int, s *socket) bool {
		g.closeSocket(s)
		return true
	})
	unix.Close(g.wakeR)
	unix.Close(g.wakeW)
	g.poller.close()
}
