// Package can defines the CAN frame representation and the SocketCAN flag
// bits shared by the driver, error monitor, and CANopen collaborator stack.
package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>).
const (
	EFFFlag uint32 = 0x80000000
	RTRFlag uint32 = 0x40000000
	ERRFlag uint32 = 0x20000000
	SFFMask uint32 = 0x000007FF
	EFFMask uint32 = 0x1FFFFFFF
)

// Error-frame class bits carried in can_id when ERRFlag is set, matching
// linux/can/error.h.
const (
	ErrClassTxTimeout   uint32 = 0x00000001
	ErrClassLostArb     uint32 = 0x00000002
	ErrClassController  uint32 = 0x00000004
	ErrClassProtocol    uint32 = 0x00000008
	ErrClassTransceiver uint32 = 0x00000010
	ErrClassNoACK       uint32 = 0x00000020
	ErrClassBusOff      uint32 = 0x00000040
	ErrClassBusError    uint32 = 0x00000080
	ErrClassRestarted   uint32 = 0x00000100
)

// Controller-status bits, data[1] of an error frame.
const (
	CtrlRxOverflow uint8 = 0x01
	CtrlTxOverflow uint8 = 0x02
	CtrlRxWarning  uint8 = 0x04
	CtrlTxWarning  uint8 = 0x08
	CtrlRxPassive  uint8 = 0x10
	CtrlTxPassive  uint8 = 0x20
)

// Filter is a platform-neutral kernel RX filter pair: a frame matches iff
// (frame.ID XOR ID) AND Mask == 0.
type Filter struct {
	ID   uint32
	Mask uint32
}

// Frame is a classic CAN frame: an 11/29-bit identifier (with EFF/RTR/ERR
// flags folded into the upper bits, SocketCAN-style) and up to 8 payload
// bytes.
type Frame struct {
	ID   uint32
	Len  uint8
	Data [8]byte
}

// IsError reports whether the frame is an error frame (ERRFlag set).
func (f Frame) IsError() bool { return f.ID&ERRFlag != 0 }

// IsExtended reports whether the frame carries a 29-bit identifier.
func (f Frame) IsExtended() bool { return f.ID&EFFFlag != 0 }

// IsRTR reports whether the frame is a remote-transmission request.
func (f Frame) IsRTR() bool { return f.ID&RTRFlag != 0 }

// RawID returns the identifier with EFF/RTR/ERR flags masked off, sized to
// the frame's own addressing mode.
func (f Frame) RawID() uint32 {
	if f.IsExtended() {
		return f.ID & EFFMask
	}
	return f.ID & SFFMask
}

// CopyShallow returns a value copy of f, useful for test fixtures and for
// handing a frame to a callback that may be retained past the caller's loop
// iteration.
func (f Frame) CopyShallow() Frame {
	var g Frame
	g.ID, g.Len = f.ID, f.Len
	copy(g.Data[:], f.Data[:])
	return g
}
