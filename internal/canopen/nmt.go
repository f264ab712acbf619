// Package canopen is the thin external-collaborator stack spec.md §1 keeps
// out of scope for the runtime itself: NMT/heartbeat/EMCY/SYNC/TIME/LSS
// object semantics real enough to drive the orchestrator's call sites and
// exercise the wire format, but not a full conformant CiA 301
// implementation. internal/can owns wire-level COB-ID math; this package
// owns what rides on top of it.
package canopen

import (
	"fmt"

	"github.com/conode-linux/conode/internal/can"
)

// NMTCommand is a CiA 301 Module Control command, sent on the NMT COB-ID
// (0x000) with the target node id as the second payload byte (0 = all
// nodes).
type NMTCommand uint8

const (
	NMTStartRemoteNode      NMTCommand = 1
	NMTStopRemoteNode       NMTCommand = 2
	NMTEnterPreOperational  NMTCommand = 128
	NMTResetNode            NMTCommand = 129
	NMTResetCommunication   NMTCommand = 130
)

// NMTState is a node's reported state, carried as the heartbeat payload
// byte (with bit 7 masked off; bit 7 distinguishes boot-up in some stacks
// but CiA 301 heartbeat never sets it).
type NMTState uint8

const (
	NMTInitializing    NMTState = 0
	NMTStopped         NMTState = 4
	NMTOperational      NMTState = 5
	NMTPreOperational  NMTState = 127
)

func (s NMTState) String() string {
	switch s {
	case NMTInitializing:
		return "initializing"
	case NMTStopped:
		return "stopped"
	case NMTOperational:
		return "operational"
	case NMTPreOperational:
		return "pre_operational"
	default:
		return "unknown"
	}
}

// BuildNMT encodes a Module Control command frame: 2-byte payload, command
// then target node id (0 broadcasts to all nodes).
func BuildNMT(cmd NMTCommand, node uint8) can.Frame {
	return can.Frame{
		ID:  can.COBID(can.FCNMT, 0),
		Len: 2,
		Data: [8]byte{byte(cmd), node},
	}
}

// ParseNMT decodes a received Module Control frame.
func ParseNMT(fr can.Frame) (NMTCommand, uint8, error) {
	if fr.Len < 2 {
		return 0, 0, fmt.Errorf("canopen: NMT frame too short: %d bytes", fr.Len)
	}
	return NMTCommand(fr.Data[0]), fr.Data[1], nil
}

// NMT tracks one local node's communication state and applies incoming
// Module Control commands to it. It implements candriver.Handler directly
// so it can be registered as an RX buffer callback for COB-ID 0x000.
type NMT struct {
	node  uint8
	state NMTState

	onTransition func(from, to NMTState)
}

// NewNMT creates the state machine for the local node, starting in
// Pre-operational per CiA 301's boot-up sequence (CO_NMT_init transitions
// out of Initializing immediately and sends one boot-up heartbeat).
func NewNMT(node uint8, onTransition func(from, to NMTState)) *NMT {
	return &NMT{node: node, state: NMTPreOperational, onTransition: onTransition}
}

// State returns the node's current communication state.
func (n *NMT) State() NMTState { return n.state }

// Apply transitions the state machine per a received command and returns
// the resulting state. A ResetNode/ResetCommunication command is reported
// as the resulting state but the orchestrator is responsible for actually
// tearing down and re-initializing the stack; this type only tracks what
// state a heartbeat should report.
func (n *NMT) Apply(cmd NMTCommand) NMTState {
	from := n.state
	switch cmd {
	case NMTStartRemoteNode:
		n.state = NMTOperational
	case NMTStopRemoteNode:
		n.state = NMTStopped
	case NMTEnterPreOperational:
		n.state = NMTPreOperational
	case NMTResetNode, NMTResetCommunication:
		n.state = NMTInitializing
	}
	if n.state != from && n.onTransition != nil {
		n.onTransition(from, n.state)
	}
	return n.state
}

// Handle implements candriver.Handler: routes a frame on the NMT COB-ID to
// Apply if it targets this node (or is a broadcast).
func (n *NMT) Handle(fr can.Frame, _ int, _ int64) {
	cmd, target, err := ParseNMT(fr)
	if err != nil {
		return
	}
	if target != 0 && target != n.node {
		return
	}
	n.Apply(cmd)
}
