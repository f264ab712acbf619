// Package gateway implements the ASCII gateway connection lifecycle from
// spec.md §4.F: stdio / unix-socket / TCP listener feeding bytes to an
// internal/canopen.AsciiGateway parser, serviced entirely from the
// caller's event loop rather than from goroutines — one-shot accept, a
// single active connection, idle-timeout teardown, all driven by the same
// per-iteration Service call the orchestrator already makes for the CAN
// driver. Grounded on internal/server/{server,reader,writer,handshake,
// errors}.go's connection lifecycle, re-purposed away from that package's
// multi-client TCP hub toward a single-session gateway.
package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/conode-linux/conode/internal/canopen"
	"github.com/conode-linux/conode/internal/logging"
	"github.com/conode-linux/conode/internal/metrics"
)

// Mode selects the gateway's interface type, per spec.md §4.F / §6 (-c).
type Mode int

const (
	Disabled Mode = iota
	Stdio
	Unix
	TCP
)

func (m Mode) String() string {
	switch m {
	case Stdio:
		return "stdio"
	case Unix:
		return "unix"
	case TCP:
		return "tcp"
	default:
		return "disabled"
	}
}

// ListenBacklog is LISTEN_BACKLOG from spec.md §4.F for unix-socket mode,
// and is also applied to the TCP listener for consistency.
const ListenBacklog = 50

// ErrWouldBlock is returned by Listener/Conn operations in place of EAGAIN,
// so the platform-neutral state machine never imports unix error values.
var ErrWouldBlock = errors.New("gateway: would block")

// Listener accepts a single connection at a time, non-blockingly.
type Listener interface {
	Fd() int
	AcceptNonblock() (Conn, error)
	Close() error
}

// Conn is the active gateway connection, read and written non-blockingly.
type Conn interface {
	Fd() int
	Read(buf []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Multiplexer is the subset of eventloop.Loop the gateway needs: register
// the listener one-shot (re-armed after every accept attempt), register
// the active connection for level-triggered read readiness, and drop
// either when it is torn down.
type Multiplexer interface {
	RegisterRead(fd int) error
	RegisterOneShot(fd int) error
	Rearm(fd int) error
	Unregister(fd int) error
}

// openListener is a package variable so tests can substitute a fake
// listener without touching real sockets or stdio, the same seam
// candriver.openDevice uses for socketcan.Device.
var openListener = func(mode Mode, addr string) (Listener, error) {
	return platformOpenListener(mode, addr)
}

// Gateway is the per-iteration connection-lifecycle state machine.
type Gateway struct {
	mu sync.Mutex

	mode          Mode
	addr          string
	idleTimeoutUS int64

	mux    Multiplexer
	parser canopen.AsciiGateway

	listener Listener
	listenFD int

	active       Conn
	activeFD     int
	idleAgeUS    int64
	freshCommand bool
}

// New creates a gateway. mode == Disabled makes every method a no-op;
// addr is the unix-socket path or "host:port" for TCP, ignored for stdio.
// idleTimeoutUS of 0 disables the idle-timeout teardown (spec.md's -T 0).
func New(mux Multiplexer, parser canopen.AsciiGateway, mode Mode, addr string, idleTimeoutUS int64) *Gateway {
	return &Gateway{
		mode:          mode,
		addr:          addr,
		idleTimeoutUS: idleTimeoutUS,
		mux:           mux,
		parser:        parser,
		listenFD:      -1,
		activeFD:      -1,
	}
}

// Start opens the listener (or, in stdio mode, adopts stdin/stdout as the
// sole connection) and registers it with the multiplexer.
func (g *Gateway) Start() error {
	if g.mode == Disabled {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	l, err := openListener(g.mode, g.addr)
	if err != nil {
		return fmt.Errorf("gateway: open %s listener: %w", g.mode, err)
	}
	g.listener = l
	g.listenFD = l.Fd()

	if g.mode == Stdio {
		// Stdio has no listener to accept on; adopt it as the active
		// connection immediately.
		conn, err := l.AcceptNonblock()
		if err != nil {
			return fmt.Errorf("gateway: adopt stdio: %w", err)
		}
		if err := g.mux.RegisterRead(conn.Fd()); err != nil {
			return fmt.Errorf("gateway: register stdio: %w", err)
		}
		g.setActive(conn)
		return nil
	}
	if err := g.mux.RegisterOneShot(g.listenFD); err != nil {
		return fmt.Errorf("gateway: register listener: %w", err)
	}
	logging.L().Info("gateway_listening", "mode", g.mode, "addr", g.addr)
	return nil
}

// Addr returns the configured listen address (empty for stdio/disabled).
func (g *Gateway) Addr() string { return g.addr }

// Mode returns the configured mode.
func (g *Gateway) Mode() Mode { return g.mode }

func (g *Gateway) setActive(conn Conn) {
	g.active = conn
	g.activeFD = conn.Fd()
	g.idleAgeUS = 0
	g.freshCommand = true
	g.parser.SetWriter(g.writeActive)
}

// Service runs one iteration of the per-connection state machine
// (spec.md §4.F): eventFD/isFDEvent describe which FD the event loop's
// Wait just reported (isFDEvent is true only for eventloop.SourceOther);
// deltaUS is always applied to the idle timer when the event didn't match
// one of the gateway's own FDs.
func (g *Gateway) Service(eventFD int, isFDEvent bool, deltaUS int64) error {
	if g.mode == Disabled {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if isFDEvent {
		switch {
		case g.mode != Stdio && eventFD == g.listenFD:
			g.handleAccept()
			return nil
		case g.active != nil && eventFD == g.activeFD:
			return g.handleActive()
		}
	}
	g.advanceIdle(deltaUS)
	return nil
}

func (g *Gateway) handleAccept() {
	conn, err := g.listener.AcceptNonblock()
	if err != nil {
		if !errors.Is(err, ErrWouldBlock) {
			logging.L().Warn("gateway_accept_failed", "error", err)
		}
		_ = g.mux.Rearm(g.listenFD)
		return
	}
	if g.active != nil {
		// Shouldn't happen (listener is one-shot and not re-armed while a
		// connection is active) but never leak the old one.
		_ = g.closeActiveLocked()
	}
	if err := g.mux.RegisterRead(conn.Fd()); err != nil {
		logging.L().Warn("gateway_register_failed", "error", err)
		_ = conn.Close()
		_ = g.mux.Rearm(g.listenFD)
		return
	}
	g.setActive(conn)
	metrics.IncGatewayConnection(g.mode.String())
	logging.L().Info("gateway_connected", "mode", g.mode)
}

func (g *Gateway) handleActive() error {
	free := g.parser.FreeSpace()
	if free <= 0 {
		free = 64
	}
	buf := make([]byte, free)
	n, err := g.active.Read(buf)
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return nil
		}
		g.closeActiveLocked()
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if n == 0 {
		g.closeActiveLocked()
		return nil
	}
	data := buf[:n]
	if g.mode == Stdio {
		data = g.applyStdioPrefix(data)
	}
	g.idleAgeUS = 0
	// The parser may reply synchronously through writeActive, which takes
	// g.mu itself, so the lock is released for the duration of Feed.
	g.mu.Unlock()
	err = g.parser.Feed(data)
	g.mu.Lock()
	return err
}

// applyStdioPrefix implements spec.md's "stdio auto-prefix" boundary
// behavior: a completed line not already addressed (not starting with
// '[' or '#', and printable) gets "[0] " prepended exactly once.
func (g *Gateway) applyStdioPrefix(data []byte) []byte {
	if g.freshCommand && len(data) > 0 && isUnaddressed(data[0]) && bytes.HasSuffix(data, []byte("\n")) {
		prefixed := make([]byte, 0, len(data)+4)
		prefixed = append(prefixed, "[0] "...)
		prefixed = append(prefixed, data...)
		data = prefixed
	}
	g.freshCommand = bytes.HasSuffix(data, []byte("\n"))
	return data
}

func isUnaddressed(b byte) bool {
	return b != '[' && b != '#' && b >= 0x20 && b < 0x7f
}

func (g *Gateway) advanceIdle(deltaUS int64) {
	if g.active == nil || g.idleTimeoutUS <= 0 {
		return
	}
	g.idleAgeUS += deltaUS
	if g.idleAgeUS > g.idleTimeoutUS {
		logging.L().Info("gateway_idle_timeout", "mode", g.mode)
		metrics.IncGatewayIdleTimeout()
		g.closeActiveLocked()
	}
}

func (g *Gateway) closeActiveLocked() error {
	if g.active == nil {
		return nil
	}
	_ = g.mux.Unregister(g.activeFD)
	err := g.active.Close()
	g.active = nil
	g.activeFD = -1
	if g.mode != Stdio && g.listener != nil {
		_ = g.mux.Rearm(g.listenFD)
	}
	return err
}

// writeActive implements canopen.WriteFunc: a non-blocking write to the
// active connection. EAGAIN is reported as "wrote zero" so the parser
// retries; a missing connection is reported as an error so the parser
// knows it is gone, matching spec.md's response-path description exactly.
func (g *Gateway) writeActive(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == nil {
		return 0, fmt.Errorf("gateway: no active connection")
	}
	n, err := g.active.Write(p)
	if errors.Is(err, ErrWouldBlock) {
		return 0, nil
	}
	return n, err
}

// Close tears down the active connection and the listener.
func (g *Gateway) Close() error {
	if g.mode == Disabled {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_ = g.closeActiveLocked()
	if g.listener != nil {
		return g.listener.Close()
	}
	return nil
}
