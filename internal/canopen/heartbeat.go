package canopen

import (
	"fmt"
	"sync"

	"github.com/conode-linux/conode/internal/can"
	"github.com/conode-linux/conode/internal/candriver"
)

// Heartbeat is the single-byte NMT-state broadcast CiA 301 calls the
// heartbeat producer/consumer protocol, sent on the NMT error-control COB-ID
// (0x700 + node id).
type Heartbeat struct {
	Node  uint8
	State NMTState
}

// MarshalCANFrame encodes the heartbeat as its wire frame.
func (h Heartbeat) MarshalCANFrame() can.Frame {
	return can.Frame{
		ID:   can.COBID(can.FCNMTErrCtrl, h.Node),
		Len:  1,
		Data: [8]byte{byte(h.State)},
	}
}

// UnmarshalCANFrame decodes a received heartbeat frame.
func UnmarshalCANFrame(fr can.Frame) (Heartbeat, error) {
	fc, node, err := can.ParseCOBID(fr.ID & can.SFFMask)
	if err != nil {
		return Heartbeat{}, err
	}
	if fc != can.FCNMTErrCtrl {
		return Heartbeat{}, fmt.Errorf("canopen: frame 0x%X is not a heartbeat", fr.ID)
	}
	if fr.Len < 1 {
		return Heartbeat{}, fmt.Errorf("canopen: heartbeat frame too short")
	}
	return Heartbeat{Node: node, State: NMTState(fr.Data[0])}, nil
}

// HeartbeatProducer sends this node's heartbeat on a fixed period. It
// implements WakeupSource; the orchestrator ticks it every iteration and it
// decides internally whether the period has elapsed, same pattern as
// CO_NMT_process's internal heartbeat timer.
type HeartbeatProducer struct {
	node      uint8
	nmt       *NMT
	driver    *candriver.Module
	txIndex   int
	periodUS  int64
	lastUS    int64
}

// NewHeartbeatProducer creates a producer bound to a TX buffer the caller
// has already registered via driver.TXBufferInit for COB-ID
// 0x700+node. periodUS of 0 disables production (heartbeat is optional per
// CiA 301).
func NewHeartbeatProducer(node uint8, nmt *NMT, driver *candriver.Module, txIndex int, periodUS int64) *HeartbeatProducer {
	return &HeartbeatProducer{node: node, nmt: nmt, driver: driver, txIndex: txIndex, periodUS: periodUS}
}

// Tick implements WakeupSource.
func (p *HeartbeatProducer) Tick(nowUS int64) {
	if p.periodUS <= 0 {
		return
	}
	if nowUS-p.lastUS < p.periodUS {
		return
	}
	p.lastUS = nowUS
	hb := Heartbeat{Node: p.node, State: p.nmt.State()}
	fr := hb.MarshalCANFrame()
	_ = p.driver.Send(p.txIndex, fr.Data, 0)
}

// HeartbeatConsumer tracks the most recent heartbeat timestamp per remote
// node and flags nodes whose consumer-heartbeat-time has elapsed without a
// fresh frame. It implements candriver.Handler so it can be registered as
// the RX callback for the whole 0x700 range (mask covering only the
// function-code bits, node id wildcarded).
type HeartbeatConsumer struct {
	mu       sync.Mutex
	timeouts map[uint8]int64 // node -> consumer heartbeat time, microseconds
	lastSeen map[uint8]int64 // node -> last-seen timestamp, microseconds
	missing  map[uint8]bool  // node -> whether currently reported missing
	onMiss   func(node uint8, missing bool)
}

// NewHeartbeatConsumer creates an empty consumer. onMiss, if non-nil, is
// called on the rising/falling edge of a node's missing-heartbeat status —
// the same debounced-edge pattern storage.Engine uses for auto-save.
func NewHeartbeatConsumer(onMiss func(node uint8, missing bool)) *HeartbeatConsumer {
	return &HeartbeatConsumer{
		timeouts: map[uint8]int64{},
		lastSeen: map[uint8]int64{},
		missing:  map[uint8]bool{},
		onMiss:   onMiss,
	}
}

// Watch registers a node to monitor, with its consumer heartbeat time in
// microseconds (0x1016 entries, scaled from CiA 301's 1ms time base).
func (c *HeartbeatConsumer) Watch(node uint8, consumerTimeUS int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeouts[node] = consumerTimeUS
}

// Handle implements candriver.Handler.
func (c *HeartbeatConsumer) Handle(fr can.Frame, _ int, tsUS int64) {
	hb, err := UnmarshalCANFrame(fr)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, watched := c.timeouts[hb.Node]; !watched {
		return
	}
	c.lastSeen[hb.Node] = tsUS
	c.setMissing(hb.Node, false)
}

// Tick implements WakeupSource: it compares nowUS against each watched
// node's last-seen time and debounces the missing-heartbeat edge.
func (c *HeartbeatConsumer) Tick(nowUS int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for node, timeoutUS := range c.timeouts {
		last, seen := c.lastSeen[node]
		if !seen {
			continue // never seen yet; give it its first grace period silently
		}
		c.setMissing(node, nowUS-last > timeoutUS)
	}
}

func (c *HeartbeatConsumer) setMissing(node uint8, missing bool) {
	if c.missing[node] == missing {
		return
	}
	c.missing[node] = missing
	if c.onMiss != nil {
		c.onMiss(node, missing)
	}
}

// Missing returns the node ids currently flagged as having timed out.
func (c *HeartbeatConsumer) Missing() []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []uint8
	for node, m := range c.missing {
		if m {
			out = append(out, node)
		}
	}
	return out
}
