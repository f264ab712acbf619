//go:build linux

// Package socketcan wraps a single raw AF_CAN socket: open/bind, kernel RX
// filters (including the error-frame filter), SO_RXQ_OVFL drop reporting,
// software RX timestamping, and non-blocking frame read/write. The CAN
// driver (internal/candriver) owns one Device per interface.
package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/conode-linux/conode/internal/can"
)

// ErrTxOverflow is returned by WriteFrame when the kernel's TX queue is
// full (EAGAIN/ENOBUFS) or the write was interrupted; the caller is expected
// to mark the slot full and retry on a later tick.
var ErrTxOverflow = errors.New("socketcan: tx queue full")

// Device is one bound, non-blocking raw CAN socket.
type Device struct {
	fd     int
	Index  int
	Name   string
}

// Open binds a non-blocking raw CAN socket to iface, enables SO_RXQ_OVFL
// (queue-overflow notification) and software RX timestamping, and disables
// CAN-FD framing (this stack only speaks classic CAN).
func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socketcan: socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil && err != unix.ENOPROTOOPT {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socketcan: disable CAN FD: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RXQ_OVFL, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socketcan: enable SO_RXQ_OVFL: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMP, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socketcan: enable SO_TIMESTAMP: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socketcan: set nonblocking: %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socketcan: if %q: %w", iface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socketcan: bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd, Index: ifi.Index, Name: iface}, nil
}

// Fd returns the underlying file descriptor, for registration with an
// epoll-based multiplexer.
func (d *Device) Fd() int { return d.fd }

// Close releases the socket.
func (d *Device) Close() error { return unix.Close(d.fd) }

// SetFilters installs the kernel RX filter vector. An empty slice mutes RX
// entirely (matches the "configuration mode" and "module stays muted until
// set_normal_mode" behavior).
func (d *Device) SetFilters(filters []can.Filter) error {
	kf := make([]unix.CanFilter, 0, len(filters))
	for _, f := range filters {
		kf = append(kf, unix.CanFilter{Id: f.ID, Mask: f.Mask})
	}
	// An empty vector is installed as a zero-length filter option, under
	// which the kernel delivers no data frames to the socket.
	return unix.SetsockoptCanRawFilter(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, kf)
}

// SetErrFilter installs the error-class mask that the kernel ORs into
// delivered error frames' can_id. Passing the classes this stack cares
// about (ACK-miss, controller, bus-off, bus-error) suppresses the rest.
func (d *Device) SetErrFilter(mask uint32) error {
	return unix.SetsockoptInt(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, int(mask))
}

// ReadFrame does a plain, timestamp-less read of one classic CAN frame.
// Kept for callers (tests, tools) that don't need ancillary data.
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [unix.CAN_MTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return err
	}
	if n != unix.CAN_MTU {
		return fmt.Errorf("socketcan: short read: %d", n)
	}
	decodeFrame(buf[:], fr)
	return nil
}

// RecvFrame reads one frame via recvmsg, returning the software RX
// timestamp (microseconds since the Unix epoch, 0 if unavailable) and the
// kernel's cumulative SO_RXQ_OVFL drop counter (0 if unavailable). The
// driver diffs the drop counter against its own running total to detect
// overflow.
func (d *Device) RecvFrame(fr *can.Frame) (tsUS int64, dropCount uint32, err error) {
	var buf [unix.CAN_MTU]byte
	oob := make([]byte, unix.CmsgSpace(16)+unix.CmsgSpace(4))
	n, oobn, _, _, err := unix.Recvmsg(d.fd, buf[:], oob, 0)
	if err != nil {
		return 0, 0, err
	}
	if n != unix.CAN_MTU {
		return 0, 0, fmt.Errorf("socketcan: short recvmsg: %d", n)
	}
	decodeFrame(buf[:], fr)

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, 0, nil // frame is valid even if ancillary data is unparseable
	}
	for _, c := range cmsgs {
		switch {
		case c.Header.Level == unix.SOL_SOCKET && c.Header.Type == unix.SO_TIMESTAMP && len(c.Data) >= 16:
			sec := int64(binary.LittleEndian.Uint64(c.Data[0:8]))
			usec := int64(binary.LittleEndian.Uint64(c.Data[8:16]))
			tsUS = sec*1_000_000 + usec
		case c.Header.Level == unix.SOL_SOCKET && c.Header.Type == unix.SO_RXQ_OVFL && len(c.Data) >= 4:
			dropCount = binary.LittleEndian.Uint32(c.Data[0:4])
		}
	}
	return tsUS, dropCount, nil
}

// WriteFrame attempts one non-blocking write of fr. EAGAIN/EINTR/ENOBUFS
// are folded into ErrTxOverflow so the driver's retry logic only has one
// error to check for "try again later".
func (d *Device) WriteFrame(fr can.Frame) error {
	var buf [unix.CAN_MTU]byte
	encodeFrame(fr, buf[:])
	_, err := unix.Write(d.fd, buf[:])
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) || errors.Is(err, unix.ENOBUFS) {
		return ErrTxOverflow
	}
	return err
}

// decodeFrame unpacks the kernel's struct can_frame (linux/can.h):
//
//	can_id  u32  [0:4]  (includes EFF/RTR/ERR flags)
//	can_dlc u8   [4]
//	pad     3B   [5:8]
//	data    [8]  [8:16]
//
// Fields are host byte order; on little-endian archs this matches
// binary.LittleEndian.
func decodeFrame(buf []byte, fr *can.Frame) {
	fr.ID = binary.LittleEndian.Uint32(buf[0:4])
	dlc := int(buf[4])
	if dlc < 0 || dlc > 8 {
		dlc = 8
	}
	fr.Len = uint8(dlc)
	copy(fr.Data[:], buf[8:8+dlc])
}

func encodeFrame(fr can.Frame, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], fr.ID)
	buf[4] = fr.Len
	copy(buf[8:], fr.Data[:fr.Len])
}
