package canopen

import (
	"encoding/binary"
	"fmt"

	"github.com/conode-linux/conode/internal/can"
	"github.com/conode-linux/conode/internal/candriver"
	"github.com/conode-linux/conode/internal/clock"
)

// TIME is the CiA 301 time-stamp object: milliseconds since midnight (low
// 28 bits of the first 4 bytes) and whole days since 1984-01-01 (next 2
// bytes), sent on COB-ID 0x100.
type TIME struct {
	MsSinceMidnight uint32
	DaysSince1984   uint16
}

// MarshalCANFrame encodes the TIME object.
func (t TIME) MarshalCANFrame() can.Frame {
	var fr can.Frame
	fr.ID = can.COBID(can.FCTime, 0)
	fr.Len = 6
	binary.LittleEndian.PutUint32(fr.Data[0:4], t.MsSinceMidnight&0x0FFFFFFF)
	binary.LittleEndian.PutUint16(fr.Data[4:6], t.DaysSince1984)
	return fr
}

// UnmarshalTIME decodes a received TIME frame.
func UnmarshalTIME(fr can.Frame) (TIME, error) {
	fc, _, err := can.ParseCOBID(fr.ID & can.SFFMask)
	if err != nil {
		return TIME{}, err
	}
	if fc != can.FCTime {
		return TIME{}, fmt.Errorf("canopen: frame 0x%X is not TIME", fr.ID)
	}
	if fr.Len < 6 {
		return TIME{}, fmt.Errorf("canopen: TIME frame too short")
	}
	return TIME{
		MsSinceMidnight: binary.LittleEndian.Uint32(fr.Data[0:4]) & 0x0FFFFFFF,
		DaysSince1984:   binary.LittleEndian.Uint16(fr.Data[4:6]),
	}, nil
}

// TimeWriter produces a TIME object on a fixed period, reading the wall
// clock fresh at each tick (it is the one place in this module that reads
// wall-clock time rather than the monotonic clock, since the object's
// purpose is wall-clock distribution).
type TimeWriter struct {
	driver   *candriver.Module
	txIndex  int
	periodUS int64
	lastUS   int64
}

// NewTimeWriter creates a writer bound to a TX buffer already registered
// via driver.TXBufferInit for COB-ID 0x100.
func NewTimeWriter(driver *candriver.Module, txIndex int, periodUS int64) *TimeWriter {
	return &TimeWriter{driver: driver, txIndex: txIndex, periodUS: periodUS}
}

// Tick implements WakeupSource.
func (w *TimeWriter) Tick(nowUS int64) {
	if w.periodUS <= 0 {
		return
	}
	if nowUS-w.lastUS < w.periodUS {
		return
	}
	w.lastUS = nowUS
	days, ms := clock.WallNowSplit()
	t := TIME{DaysSince1984: days, MsSinceMidnight: ms}
	fr := t.MarshalCANFrame()
	_ = w.driver.Send(w.txIndex, fr.Data, 0)
}
