// Package canerr implements the per-interface CAN bus-state machine
// (spec.md §4.B): it watches error frames and TX/RX activity and decides
// when a CAN interface must stop transmitting ("listen-only") or has gone
// bus-off, without ever failing an API call — bus errors only mutate status
// bits that the protocol layer samples.
package canerr

import (
	"context"
	"sync"

	"github.com/conode-linux/conode/internal/can"
	"github.com/conode-linux/conode/internal/clock"
	"github.com/conode-linux/conode/internal/logging"
	"github.com/conode-linux/conode/internal/metrics"
	"github.com/conode-linux/conode/internal/netreset"
	"github.com/conode-linux/conode/internal/transport"
)

// State is the bus-state machine's current mode for one interface.
type State int

const (
	Active State = iota
	ListenOnly
	BusOff
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case ListenOnly:
		return "listen_only"
	case BusOff:
		return "bus_off"
	default:
		return "unknown"
	}
}

// Status bits accumulated in CANerrorStatus, sampled by the protocol layer.
const (
	StatusBusOff       uint32 = 1 << 0
	StatusRxPassive    uint32 = 1 << 1
	StatusTxPassive    uint32 = 1 << 2
	StatusRxOverflow   uint32 = 1 << 3
	StatusTxOverflow   uint32 = 1 << 4
	StatusRxWarning    uint32 = 1 << 5
	StatusTxWarning    uint32 = 1 << 6
)

// noAckMax is N_noack_max from spec.md §4.B: the number of consecutive
// ACK-miss error frames tolerated before the interface is declared
// listen-only.
const noAckMax = 16

// listenOnlyUS is T_listen from spec.md §4.B, in microseconds.
const listenOnlyUS = 10 * 1_000_000

// nowUS is a seam over clock.NowUS for tests that need to fast-forward
// T_listen without a real 10s sleep.
var nowUS = clock.NowUS

// Monitor tracks bus state for a single CAN interface.
type Monitor struct {
	mu sync.Mutex

	ifName string
	state  State

	noAckCount      int
	listenEnteredUS int64
	status          uint32

	resetWorker *transport.AsyncWorker[string]
}

// New creates a Monitor for the named interface. resetCtx bounds the
// lifetime of the background interface-reset dispatcher; it should be
// cancelled when the owning driver shuts down.
func New(resetCtx context.Context, ifName string) *Monitor {
	m := &Monitor{ifName: ifName, state: Active}
	m.resetWorker = transport.NewAsyncWorker(resetCtx, 1, func(name string) error {
		return netreset.Cycle(name)
	}, transport.Hooks[string]{
		OnError: func(name string, err error) {
			logging.L().Warn("canerr_interface_reset_failed", "if", name, "error", err)
		},
	})
	return m
}

// Close stops the background reset dispatcher.
func (m *Monitor) Close() { m.resetWorker.Close() }

// State returns the current bus state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ErrorStatus returns the accumulated CANerrorStatus bitfield.
func (m *Monitor) ErrorStatus() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Monitor) enterListenOnly(reason string) {
	m.state = ListenOnly
	m.listenEnteredUS = nowUS()
	m.noAckCount = 0
	logging.L().Warn("canerr_listen_only", "if", m.ifName, "reason", reason)
	metrics.IncCANErrListenOnly()
	if err := m.resetWorker.Send(m.ifName); err != nil {
		logging.L().Debug("canerr_reset_dropped", "if", m.ifName, "error", err)
	}
}

// HandleErrorFrame processes a received CAN error frame per spec.md §4.B.
func (m *Monitor) HandleErrorFrame(fr can.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	classBits := fr.ID &^ can.ERRFlag
	if classBits&can.ErrClassBusOff != 0 {
		m.state = BusOff
		m.status |= StatusBusOff
		logging.L().Error("canerr_bus_off", "if", m.ifName)
		metrics.IncCANErrBusOff()
		m.enterListenOnly("bus_off")
		return
	}
	// Error-counter behavior (rec/tec) is internal to the CAN controller;
	// there's nothing to do about it here. The six conditions are mutually
	// exclusive in the controller's own status byte, so this is one
	// ordered if/else-if chain rather than independent checks — matching
	// CO_CANerrorCrtl's structure, which never sets more than one status
	// bit per frame.
	if classBits&can.ErrClassController != 0 && fr.Len >= 2 {
		m.status &^= StatusBusOff
		ctrl := fr.Data[1]
		if ctrl&can.CtrlRxPassive != 0 {
			m.status |= StatusRxPassive
		} else if ctrl&can.CtrlTxPassive != 0 {
			m.status |= StatusTxPassive
		} else if ctrl&can.CtrlRxOverflow != 0 {
			m.status |= StatusRxOverflow
		} else if ctrl&can.CtrlTxOverflow != 0 {
			m.status |= StatusTxOverflow
		} else if ctrl&can.CtrlRxWarning != 0 {
			m.status |= StatusRxWarning
			m.status &^= StatusRxPassive
		} else if ctrl&can.CtrlTxWarning != 0 {
			m.status |= StatusTxWarning
			m.status &^= StatusTxPassive
		}
	}
	if classBits&can.ErrClassNoACK != 0 {
		if m.state == ListenOnly {
			return
		}
		m.noAckCount++
		if m.noAckCount > noAckMax {
			m.enterListenOnly("ack_miss")
		}
	}
}

// HandleDataFrame clears listen-only immediately: someone answered on the
// bus, so the "lone node" hypothesis no longer holds. Called by the driver's
// RX dispatch path for every non-error frame received on this interface.
func (m *Monitor) HandleDataFrame() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == ListenOnly {
		m.state = Active
		logging.L().Info("canerr_active_rx", "if", m.ifName)
	}
	m.noAckCount = 0
}

// TXAllowed is queried before every send attempt. If the interface is
// listen-only and T_listen has not elapsed, the caller must drop the
// message; otherwise the next send is treated as a probe.
func (m *Monitor) TXAllowed() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != ListenOnly {
		return m.state
	}
	if nowUS()-m.listenEnteredUS > listenOnlyUS {
		m.state = Active
		logging.L().Info("canerr_probe_tx", "if", m.ifName)
		return Active
	}
	return ListenOnly
}
