package canopen

import (
	"fmt"

	"github.com/conode-linux/conode/internal/can"
	"github.com/conode-linux/conode/internal/candriver"
)

// SYNC is the CiA 301 synchronization object: an empty frame, optionally
// carrying a single modulo-240 counter byte (object 0x1019 enables the
// counter, CiA 301 DSP-301 extension).
type SYNC struct {
	Counter *uint8
}

// MarshalCANFrame encodes the SYNC object.
func (s SYNC) MarshalCANFrame() can.Frame {
	fr := can.Frame{ID: can.COBID(can.FCSync, 0)}
	if s.Counter != nil {
		fr.Len = 1
		fr.Data[0] = *s.Counter
	}
	return fr
}

// UnmarshalSYNC decodes a received SYNC frame.
func UnmarshalSYNC(fr can.Frame) (SYNC, error) {
	fc, _, err := can.ParseCOBID(fr.ID & can.SFFMask)
	if err != nil {
		return SYNC{}, err
	}
	if fc != can.FCSync {
		return SYNC{}, fmt.Errorf("canopen: frame 0x%X is not SYNC", fr.ID)
	}
	if fr.Len == 0 {
		return SYNC{}, nil
	}
	c := fr.Data[0]
	return SYNC{Counter: &c}, nil
}

// SYNCWriter produces SYNC objects on a fixed period. It implements
// WakeupSource like HeartbeatProducer; Start/Stop are kept only as thin
// enable/disable switches since the orchestrator, not an internal ticker
// goroutine, drives Tick from the event loop.
type SYNCWriter struct {
	driver      *candriver.Module
	txIndex     int
	periodUS    int64
	lastUS      int64
	withCounter bool
	counter     uint8
	counterMax  uint8
	enabled     bool
}

// NewSYNCWriter creates a writer bound to a TX buffer already registered
// via driver.TXBufferInit for COB-ID 0x080. counterMax of 0 disables the
// counter extension.
func NewSYNCWriter(driver *candriver.Module, txIndex int, periodUS int64, counterMax uint8) *SYNCWriter {
	return &SYNCWriter{
		driver:      driver,
		txIndex:     txIndex,
		periodUS:    periodUS,
		withCounter: counterMax > 0,
		counterMax:  counterMax,
		enabled:     true,
	}
}

// Start/Stop enable or disable production without tearing down the writer
// (mirrors object 0x1005/0x1006 being writable at runtime).
func (w *SYNCWriter) Start() { w.enabled = true }
func (w *SYNCWriter) Stop()  { w.enabled = false }

// Tick implements WakeupSource.
func (w *SYNCWriter) Tick(nowUS int64) {
	if !w.enabled || w.periodUS <= 0 {
		return
	}
	if nowUS-w.lastUS < w.periodUS {
		return
	}
	w.lastUS = nowUS

	s := SYNC{}
	if w.withCounter {
		s.Counter = &w.counter
	}
	fr := s.MarshalCANFrame()
	if err := w.driver.Send(w.txIndex, fr.Data, 0); err == nil && w.withCounter {
		w.counter++
		if w.counter >= w.counterMax {
			w.counter = 0
		}
	}
}
