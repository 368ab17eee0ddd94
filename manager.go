package fastcgi

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ManagerConfig configures a Manager's worker pool, resource limits and
// socket policy.
type ManagerConfig struct {
	// Workers is the fixed size of the worker pool that drives request
	// state machines. Default 8.
	Workers int
	// MaxPostSize bounds the accumulated IN stream per request, in
	// bytes. 0 means unbounded.
	MaxPostSize int64
	// MaxConns bounds concurrently accepted connections. 0 means
	// unbounded.
	MaxConns int
	// MaxReqs bounds concurrently active requests across all
	// connections. Default 1000 (0 selects the default); GET_VALUES
	// reports the resulting value.
	MaxReqs int
	// DrainTimeout bounds how long Shutdown waits for in-flight requests
	// to finish before returning anyway. Default 30s.
	DrainTimeout time.Duration
	// Socket configures listener and socket-level policy.
	Socket SocketGroupConfig
	// Logger receives structured diagnostics. The zero value discards
	// everything.
	Logger zerolog.Logger
}

func (c *ManagerConfig) setDefaults() {
	if c.Workers == 0 {
		c.Workers = 8
	}
	if c.MaxReqs == 0 {
		c.MaxReqs = 1000
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

// Manager owns a socket group, a transceiver goroutine, a fixed worker
// pool and a router, and drives their lifecycle end to end: listen,
// start, run until asked to stop, drain in-flight requests, exit.
type Manager struct {
	cfg    ManagerConfig
	router *Router
	sg     *socketGroup
	tc     *transceiver
	log    zerolog.Logger

	runnable chan *requestCore
	stopCh   chan struct{}
	wg       sync.WaitGroup

	started bool
}

// NewManager constructs a Manager. Call a Listen* method at least once,
// then Start.
func NewManager(cfg ManagerConfig, router *Router) (*Manager, error) {
	cfg.setDefaults()
	if router == nil {
		router = NewRouter()
	}
	sg, err := newSocketGroup(cfg.Socket, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("fastcgi: new manager: %w", err)
	}
	runnable := make(chan *requestCore, cfg.MaxReqs)
	tc := newTransceiver(sg, transceiverConfig{
		Router:      router,
		MaxPostSize: cfg.MaxPostSize,
		MaxConns:    cfg.MaxConns,
		MaxReqs:     cfg.MaxReqs,
	}, runnable, cfg.Logger)
	return &Manager{
		cfg:      cfg,
		router:   router,
		sg:       sg,
		tc:       tc,
		log:      componentLogger(cfg.Logger, "manager"),
		runnable: runnable,
		stopCh:   make(chan struct{}),
	}, nil
}

// ListenUnix binds an AF_UNIX socket at path before Start is called.
func (m *Manager) ListenUnix(path string) error {
	_, err := m.sg.ListenUnix(path)
	return err
}

// ListenTCP binds a TCP socket at addr (host:port) before Start is
// called.
func (m *Manager) ListenTCP(addr string) error {
	_, err := m.sg.ListenTCP(addr)
	return err
}

// ListenInherited adopts fd (conventionally 0) as an already-listening
// socket handed down by a FastCGI-aware parent process.
func (m *Manager) ListenInherited(fd int) error {
	return m.sg.ListenInherited(fd)
}

// Router returns the Manager's router, for registering handlers before
// Start.
func (m *Manager) Router() *Router {
	return m.router
}

// Start launches the transceiver goroutine and the fixed worker pool,
// and returns immediately.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.tc.run(m.stopCh)
	}()
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case rc := <-m.runnable:
			rc.run()
		case <-m.stopCh:
			return
		}
	}
}

// ServeSignals blocks until SIGTERM or SIGINT arrives, then performs a
// graceful Shutdown and returns. Callers that want their own signal
// handling can call Shutdown directly instead.
func (m *Manager) ServeSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	m.log.Info().Str("signal", sig.String()).Msg("graceful shutdown requested")
	m.Shutdown()
}

// Shutdown stops accepting new connections, waits up to
// ManagerConfig.DrainTimeout for in-flight requests to complete, then
// tears down the transceiver and worker pool.
func (m *Manager) Shutdown() {
	m.sg.SetAccept(false)
	if !m.tc.waitDrain(m.cfg.DrainTimeout) {
		m.log.Warn().Msg("drain timeout exceeded, closing remaining connections")
	}
	close(m.stopCh)
	m.wg.Wait()
}

// Join blocks until the worker pool and transceiver goroutine have both
// exited, which only happens after Shutdown.
func (m *Manager) Join() {
	m.wg.Wait()
}
