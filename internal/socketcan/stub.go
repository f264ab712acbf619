//go:build !linux

package socketcan

import (
	"errors"

	"github.com/conode-linux/conode/internal/can"
)

// ErrTxOverflow is provided for non-linux builds so code depending on this
// package still compiles (SocketCAN is Linux-only).
var ErrTxOverflow = errors.New("socketcan tx overflow (stub)")

// Device is an inert stand-in on non-Linux platforms.
type Device struct {
	Index int
	Name  string
}

func Open(iface string) (*Device, error) {
	return nil, errors.New("socketcan: not supported on this platform")
}

func (d *Device) Fd() int                    { return -1 }
func (d *Device) Close() error               { return nil }
func (d *Device) ReadFrame(fr *can.Frame) error { return errors.New("socketcan: stub") }
func (d *Device) WriteFrame(fr can.Frame) error { return errors.New("socketcan: stub") }
func (d *Device) RecvFrame(fr *can.Frame) (int64, uint32, error) {
	return 0, 0, errors.New("socketcan: stub")
}
func (d *Device) SetFilters(filters []can.Filter) error { return errors.New("socketcan: stub") }
func (d *Device) SetErrFilter(mask uint32) error        { return errors.New("socketcan: stub") }
