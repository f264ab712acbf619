// Package candriver owns one or more SocketCAN sockets, their kernel RX
// filters, frame dispatch to registered callbacks, and deferred
// retransmit under queue pressure (spec.md §4.C).
package candriver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/conode-linux/conode/internal/can"
	"github.com/conode-linux/conode/internal/canerr"
	"github.com/conode-linux/conode/internal/clock"
	"github.com/conode-linux/conode/internal/coerr"
	"github.com/conode-linux/conode/internal/logging"
	"github.com/conode-linux/conode/internal/metrics"
	"github.com/conode-linux/conode/internal/socketcan"
)

// Multiplexer is the subset of the event loop's descriptor registry the
// driver needs. internal/eventloop's Loop satisfies it.
type Multiplexer interface {
	RegisterRead(fd int) error
	Unregister(fd int) error
}

// Dev is the device surface the driver depends on, satisfied by
// *socketcan.Device in production and by fakes in tests.
type Dev interface {
	Fd() int
	SetFilters(filters []can.Filter) error
	SetErrFilter(mask uint32) error
	RecvFrame(fr *can.Frame) (tsUS int64, dropCount uint32, err error)
	WriteFrame(fr can.Frame) error
	Close() error
}

// openDevice is a hook for tests.
var openDevice = func(iface string) (Dev, error) { return socketcan.Open(iface) }

// Handler replaces the C stack's opaque void* + callback pair: registrants
// implement Handle on their own type instead of passing a raw pointer.
type Handler interface {
	Handle(fr can.Frame, ifIndex int, tsUS int64)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(fr can.Frame, ifIndex int, tsUS int64)

func (f HandlerFunc) Handle(fr can.Frame, ifIndex int, tsUS int64) { f(fr, ifIndex, tsUS) }

// rxBuffer mirrors spec.md §3's "RX buffer": identifier, mask, opaque
// handler, and last-seen bookkeeping.
type rxBuffer struct {
	id       uint32
	mask     uint32
	handler  Handler
	lastIf   int
	lastTsUS int64
	used     bool
}

func (b *rxBuffer) matches(id uint32) bool { return (id^b.id)&b.mask == 0 }

// txBuffer mirrors spec.md §3's "CAN module... arrays of fixed-size
// receive and transmit buffers".
type txBuffer struct {
	id         uint32
	dlc        uint8
	data       [8]byte
	syncFlag   bool
	canIfIndex int // 0 = all interfaces (multi-interface mode)
	full       bool
}

// Interface is one bound CAN network interface plus its error monitor.
type Interface struct {
	Index   int
	Name    string
	dev     Dev
	Monitor *canerr.Monitor
}

// Module is the CAN module: a list of interfaces, fixed-size RX/TX buffer
// arrays, and the shared kernel filter vector.
type Module struct {
	mux Multiplexer

	mu         sync.Mutex
	interfaces []*Interface
	byFd       map[int]*Interface
	rx         []rxBuffer
	tx         []txBuffer

	normalMode atomic.Bool
	txCount    atomic.Int32

	// Multi-interface direct-address lookup: 11-bit COB-ID -> RX buffer
	// index, or -1 for "unused". Populated lazily once more than one
	// interface is added.
	direct []int
}

// New allocates a module with the given fixed RX/TX array sizes. mux is
// the event loop's descriptor multiplexer; sockets are registered with it
// as interfaces are added.
func New(rxSize, txSize int, mux Multiplexer) *Module {
	m := &Module{
		mux:  mux,
		byFd: make(map[int]*Interface),
		rx:   make([]rxBuffer, rxSize),
		tx:   make([]txBuffer, txSize),
	}
	return m
}

// errClassFilterMask is the error-class mask the driver always installs:
// ACK-miss, controller status, bus-off, bus-error (spec.md §4.C).
const errClassFilterMask = can.ErrClassNoACK | can.ErrClassController | can.ErrClassBusOff | can.ErrClassBusError

// AddInterface opens and binds iface, arms its error monitor, and
// registers the socket for read readiness. Refuses once the module has
// entered normal mode.
func (m *Module) AddInterface(resetCtx context.Context, iface string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.normalMode.Load() {
		return -1, fmt.Errorf("candriver: add_interface after normal mode: %w", coerr.InvalidState)
	}
	dev, err := openDevice(iface)
	if err != nil {
		return -1, fmt.Errorf("candriver: open %s: %w", iface, err)
	}
	if err := dev.SetErrFilter(errClassFilterMask); err != nil {
		_ = dev.Close()
		return -1, fmt.Errorf("candriver: err filter %s: %w", iface, err)
	}
	if err := dev.SetFilters(nil); err != nil { // start muted, per spec
		_ = dev.Close()
		return -1, fmt.Errorf("candriver: mute filters %s: %w", iface, err)
	}
	if err := m.mux.RegisterRead(dev.Fd()); err != nil {
		_ = dev.Close()
		return -1, fmt.Errorf("candriver: register %s: %w", iface, err)
	}
	ifc := &Interface{
		Index:   len(m.interfaces),
		Name:    iface,
		dev:     dev,
		Monitor: canerr.New(resetCtx, iface),
	}
	m.interfaces = append(m.interfaces, ifc)
	m.byFd[dev.Fd()] = ifc
	logging.L().Info("candriver_interface_up", "if", iface, "index", ifc.Index)
	return ifc.Index, nil
}

// SetNormalMode applies the current RX filter list to every interface and,
// iff every application succeeds, flips the module into normal mode.
func (m *Module) SetNormalMode() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	filters := m.buildFilterVector()
	for _, ifc := range m.interfaces {
		if err := ifc.dev.SetFilters(filters); err != nil {
			logging.L().Error("candriver_filter_apply_failed", "if", ifc.Name, "error", err)
			return fmt.Errorf("candriver: apply filters %s: %w", ifc.Name, err)
		}
	}
	m.normalMode.Store(true)
	logging.L().Info("candriver_normal_mode")
	return nil
}

// buildFilterVector copies every RX slot whose (id,mask) is not both zero;
// a zero/zero pair would admit every frame.
func (m *Module) buildFilterVector() []can.Filter {
	var out []can.Filter
	for i := range m.rx {
		b := &m.rx[i]
		if !b.used {
			continue
		}
		if b.id == 0 && b.mask == 0 {
			continue
		}
		out = append(out, can.Filter{ID: b.id, Mask: b.mask})
	}
	return out
}

// RXBufferInit stores callback and object for RX slot index, composing the
// effective identifier/mask per spec.md §4.C (extended and RTR bits are
// always compared so standard-frame RTR matching stays strict).
func (m *Module) RXBufferInit(index int, id, mask uint32, rtr bool, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.rx) {
		return fmt.Errorf("candriver: rx index %d: %w", index, coerr.IllegalArgument)
	}
	effID := (id & can.SFFMask)
	if rtr {
		effID |= can.RTRFlag
	}
	effMask := (mask & can.SFFMask) | can.EFFFlag | can.RTRFlag
	m.rx[index] = rxBuffer{id: effID, mask: effMask, handler: handler, used: true}
	if len(m.interfaces) > 1 {
		m.rebuildDirectTable()
	}
	if m.normalMode.Load() {
		filters := m.buildFilterVector()
		for _, ifc := range m.interfaces {
			if err := ifc.dev.SetFilters(filters); err != nil {
				return fmt.Errorf("candriver: reapply filters %s: %w", ifc.Name, err)
			}
		}
	}
	return nil
}

// rebuildDirectTable maintains the multi-interface direct-address lookup
// table keyed by 11-bit COB-ID, mapping straight to an RX buffer index, or
// -1 ("unused").
func (m *Module) rebuildDirectTable() {
	table := make([]int, can.SFFMask+1)
	for i := range table {
		table[i] = -1
	}
	for i := range m.rx {
		b := &m.rx[i]
		if !b.used || b.mask&can.SFFMask != can.SFFMask {
			continue // only exact-match (mask covers all SFF bits) entries qualify for direct lookup
		}
		table[b.id&can.SFFMask] = i
	}
	m.direct = table
}

// TXBufferInit sets a TX slot's identifier, DLC, sync flag, and clears its
// full flag.
func (m *Module) TXBufferInit(index int, id uint32, rtr bool, dlc uint8, syncFlag bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.tx) {
		return fmt.Errorf("candriver: tx index %d: %w", index, coerr.IllegalArgument)
	}
	effID := id
	if rtr {
		effID |= can.RTRFlag
	}
	m.tx[index] = txBuffer{id: effID, dlc: dlc, syncFlag: syncFlag}
	return nil
}

// Send attempts to transmit TX slot index. In single-interface mode this
// is a direct, non-blocking write with the outcome table of spec.md §4.C.
// In multi-interface mode it routes through each matching interface's
// error monitor.
func (m *Module) Send(index int, data [8]byte, ifIndex int) error {
	m.mu.Lock()
	buf := &m.tx[index]
	buf.data = data
	buf.canIfIndex = ifIndex
	wasFull := buf.full
	m.mu.Unlock()

	if len(m.interfaces) == 0 {
		return fmt.Errorf("candriver: send with no interface attached: %w", coerr.InvalidState)
	}
	if len(m.interfaces) == 1 {
		return m.sendSingle(index, wasFull)
	}
	return m.sendMulti(index, wasFull)
}

func (m *Module) sendSingle(index int, wasFull bool) error {
	m.mu.Lock()
	ifc := m.interfaces[0]
	buf := &m.tx[index]
	fr := can.Frame{ID: buf.id, Len: buf.dlc, Data: buf.data}
	m.mu.Unlock()

	if wasFull {
		// Already overflowing; report it but fall through and retry anyway.
		metrics.IncCANTxOverflow(ifc.Name)
	}

	if st := ifc.Monitor.TXAllowed(); st == canerr.BusOff {
		return fmt.Errorf("candriver: bus off: %w", coerr.InvalidState)
	} else if st == canerr.ListenOnly {
		return nil // silently dropped, per spec
	}

	err := ifc.dev.WriteFrame(fr)
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case err == nil:
		if buf.full {
			buf.full = false
			m.txCount.Add(-1)
		}
		metrics.IncCANTx(ifc.Name)
		return nil
	case err == socketcan.ErrTxOverflow:
		if !buf.full {
			buf.full = true
			m.txCount.Add(1)
		}
		return fmt.Errorf("candriver: tx busy: %w", coerr.TxBusy)
	default:
		logging.L().Error("candriver_tx_syscall_error", "if", ifc.Name, "error", err)
		metrics.IncError(metrics.ErrCANWrite)
		return fmt.Errorf("candriver: tx syscall: %w", coerr.Syscall)
	}
}

func (m *Module) sendMulti(index int, wasFull bool) error {
	m.mu.Lock()
	buf := &m.tx[index]
	targets := make([]*Interface, 0, len(m.interfaces))
	for _, ifc := range m.interfaces {
		if buf.canIfIndex == 0 || buf.canIfIndex == ifc.Index+1 {
			targets = append(targets, ifc)
		}
	}
	fr := can.Frame{ID: buf.id, Len: buf.dlc, Data: buf.data}
	m.mu.Unlock()

	var lastErr error
	for _, ifc := range targets {
		switch ifc.Monitor.TXAllowed() {
		case canerr.BusOff:
			lastErr = fmt.Errorf("candriver: bus off: %w", coerr.InvalidState)
			continue
		case canerr.ListenOnly:
			continue
		}
		if err := ifc.dev.WriteFrame(fr); err != nil {
			if err == socketcan.ErrTxOverflow {
				metrics.IncCANTxOverflow(ifc.Name)
				lastErr = fmt.Errorf("candriver: tx busy on %s: %w", ifc.Name, coerr.TxBusy)
				continue
			}
			lastErr = fmt.Errorf("candriver: tx syscall on %s: %w", ifc.Name, coerr.Syscall)
			continue
		}
		metrics.IncCANTx(ifc.Name)
	}
	return lastErr
}

// ProcessTick scans at most one TX slot in order; if it is marked full, it
// clears the flag and retries the send. If the module's outstanding-TX
// counter is positive but no slot is marked full, it is reset to recover
// from accounting drift. Returns true iff a retry was attempted.
func (m *Module) ProcessTick() bool {
	m.mu.Lock()
	var retryIndex = -1
	anyFull := false
	for i := range m.tx {
		if m.tx[i].full {
			anyFull = true
			if retryIndex < 0 {
				retryIndex = i
			}
		}
	}
	if !anyFull && m.txCount.Load() > 0 {
		m.txCount.Store(0)
	}
	if retryIndex < 0 {
		m.mu.Unlock()
		return false
	}
	m.tx[retryIndex].full = false
	m.txCount.Add(-1)
	ifIndex := m.tx[retryIndex].canIfIndex
	data := m.tx[retryIndex].data
	m.mu.Unlock()

	if len(m.interfaces) > 0 {
		metrics.IncCANTxRetry(m.interfaces[0].Name)
	}
	_ = m.Send(retryIndex, data, ifIndex)
	return true
}

// PendingTX reports the module's outstanding-TX counter, used by the
// orchestrator to lower the event loop's next-expiration hint.
func (m *Module) PendingTX() int32 { return m.txCount.Load() }

// PollEvent is called once per event-loop iteration after a wake with the
// ready FD. It finds the matching interface, drains and dispatches exactly
// one frame, and returns true iff the event was consumed.
func (m *Module) PollEvent(fd int) (bool, error) {
	m.mu.Lock()
	ifc, ok := m.byFd[fd]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	var fr can.Frame
	tsUS, dropped, err := ifc.dev.RecvFrame(&fr)
	if err != nil {
		logging.L().Debug("candriver_recv_error", "if", ifc.Name, "error", err)
		return true, nil
	}
	_ = dropped // the kernel drop counter is read but not tracked; increases are not reported as RX overflow
	if tsUS == 0 {
		tsUS = clock.NowUS()
	}

	if fr.IsError() {
		ifc.Monitor.HandleErrorFrame(fr)
		return true, nil
	}

	ifc.Monitor.HandleDataFrame()
	metrics.IncCANRx(ifc.Name)

	if !m.normalMode.Load() {
		return true, nil
	}

	m.mu.Lock()
	matchIdx := -1
	if len(m.interfaces) > 1 && m.direct != nil {
		if idx := m.direct[fr.RawID()&can.SFFMask]; idx >= 0 {
			matchIdx = idx
		}
	}
	if matchIdx < 0 {
		for i := range m.rx {
			if m.rx[i].used && m.rx[i].matches(fr.ID) {
				matchIdx = i
				break
			}
		}
	}
	if matchIdx >= 0 {
		m.rx[matchIdx].lastIf = ifc.Index
		m.rx[matchIdx].lastTsUS = tsUS
	}
	var handler Handler
	if matchIdx >= 0 {
		handler = m.rx[matchIdx].handler
	}
	m.mu.Unlock()

	if handler != nil {
		handler.Handle(fr, ifc.Index, tsUS)
	}
	return true, nil
}

// Shutdown disables normal mode, unregisters every socket, and closes
// devices. Error monitors stop their reset dispatchers.
func (m *Module) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.normalMode.Store(false)
	for _, ifc := range m.interfaces {
		_ = m.mux.Unregister(ifc.dev.Fd())
		ifc.Monitor.Close()
		_ = ifc.dev.Close()
	}
	m.interfaces = nil
	m.byFd = make(map[int]*Interface)
}
