package canopen

import (
	"fmt"

	"github.com/conode-linux/conode/internal/can"
)

// LSS command specifiers this collaborator understands, per CiA 305. Only
// the switch-mode-global, inquire-node-id and set-node-id commands are
// implemented; the
// full 128-bit identity matching and fastscan protocol are an external
// collaborator's concern and are not modeled here.
const (
	LSSSwitchModeGlobal    uint8 = 4
	LSSInquireNodeID       uint8 = 90
	LSSSetNodeID           uint8 = 17
	LSSIdentifySlaveResp   uint8 = 68
)

// LSSMode is the LSS state machine's current mode.
type LSSMode uint8

const (
	LSSWaiting       LSSMode = 0
	LSSConfiguration LSSMode = 1
)

// LSS is the minimal layer-setting-services state machine: enough to
// switch a node between waiting and configuration mode and to answer an
// inquire-node-id request, matching the subset the orchestrator needs to
// exercise the LSS wire format at boot when no node id has been
// configured yet (spec.md's NodeIDUnconfiguredLSS error code).
type LSS struct {
	node uint8
	mode LSSMode
}

// NewLSS creates the state machine for a node, starting in waiting mode.
func NewLSS(node uint8) *LSS { return &LSS{node: node, mode: LSSWaiting} }

// Mode returns the current LSS mode.
func (l *LSS) Mode() LSSMode { return l.mode }

// Handle processes an LSS request frame (COB-ID 0x7E5) and invokes respond
// with the reply frame, if the command produces one (a global switch-mode
// command does not; CiA 305 never acknowledges it). It takes an explicit
// respond callback rather than matching candriver.Handler directly, since
// unlike every other collaborator here it needs to transmit a reply rather
// than just observe.
func (l *LSS) Handle(fr can.Frame, respond func(can.Frame)) {
	if fr.Len < 1 {
		return
	}
	switch fr.Data[0] {
	case LSSSwitchModeGlobal:
		if fr.Len >= 2 {
			if fr.Data[1] == 1 {
				l.mode = LSSConfiguration
			} else {
				l.mode = LSSWaiting
			}
		}
	case LSSInquireNodeID:
		if l.mode != LSSConfiguration {
			return
		}
		var resp can.Frame
		resp.ID = can.COBID(can.FCLSSTx, 0)
		resp.Len = 8
		resp.Data[0] = LSSIdentifySlaveResp
		resp.Data[1] = l.node
		if respond != nil {
			respond(resp)
		}
	case LSSSetNodeID:
		if l.mode == LSSConfiguration && fr.Len >= 2 {
			l.node = fr.Data[1]
		}
	}
}

// ParseLSSCommand reports the command specifier byte of an LSS frame, for
// callers that only want to classify traffic without running it through
// the state machine.
func ParseLSSCommand(fr can.Frame) (uint8, error) {
	if fr.Len < 1 {
		return 0, fmt.Errorf("canopen: LSS frame empty")
	}
	return fr.Data[0], nil
}
