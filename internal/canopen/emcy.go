package canopen

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/conode-linux/conode/internal/can"
	"github.com/conode-linux/conode/internal/candriver"
	"github.com/conode-linux/conode/internal/storage"
)

// Well-known CiA 301 error codes. The full registry is an external
// collaborator's concern. Only the two non-volatile-memory codes are
// emitted (by the storage hooks below); the CAN codes are defined but no
// component here reports them.
const (
	ErrCodeNoError             uint16 = 0x0000
	ErrCodeCANOverrun          uint16 = 0x8110
	ErrCodeCANPassive          uint16 = 0x8120
	ErrCodeCANBusOff           uint16 = 0x8140
	ErrCodeNonVolatileMemory   uint16 = 0x5000
	ErrCodeNonVolatileAutoSave uint16 = 0x5001
)

// Error-register bits (object 0x1001), OR'd into every Emergency's
// ErrorRegister field while the corresponding condition is active.
const (
	ErrRegisterGeneric    uint8 = 1 << 0
	ErrRegisterCurrent    uint8 = 1 << 1
	ErrRegisterVoltage    uint8 = 1 << 2
	ErrRegisterTemp       uint8 = 1 << 3
	ErrRegisterComm       uint8 = 1 << 4
	ErrRegisterDeviceSpec uint8 = 1 << 5
	ErrRegisterManufSpec  uint8 = 1 << 7
)

// Emergency is a CiA 301 EMCY object: error code, error register snapshot,
// and 5 manufacturer-specific bytes, sent on COB-ID 0x080+node.
type Emergency struct {
	Node          uint8
	ErrorCode     uint16
	ErrorRegister uint8
	Manufacturer  [5]byte
}

// MarshalCANFrame encodes the emergency object.
func (e Emergency) MarshalCANFrame() can.Frame {
	var fr can.Frame
	fr.ID = can.COBID(can.FCEmergency, e.Node)
	fr.Len = 8
	binary.LittleEndian.PutUint16(fr.Data[0:2], e.ErrorCode)
	fr.Data[2] = e.ErrorRegister
	copy(fr.Data[3:8], e.Manufacturer[:])
	return fr
}

// UnmarshalEmergency decodes a received EMCY frame.
func UnmarshalEmergency(fr can.Frame) (Emergency, error) {
	fc, node, err := can.ParseCOBID(fr.ID & can.SFFMask)
	if err != nil {
		return Emergency{}, err
	}
	if fc != can.FCEmergency {
		return Emergency{}, fmt.Errorf("canopen: frame 0x%X is not an EMCY", fr.ID)
	}
	if fr.Len < 3 {
		return Emergency{}, fmt.Errorf("canopen: EMCY frame too short")
	}
	e := Emergency{Node: node, ErrorCode: binary.LittleEndian.Uint16(fr.Data[0:2]), ErrorRegister: fr.Data[2]}
	copy(e.Manufacturer[:], fr.Data[3:8])
	return e, nil
}

// Sink transmits this node's own emergencies. It tracks the active error
// bits in the error register (object 0x1001) so consecutive reports stay
// consistent, and de-duplicates a still-active code the way CO_errorReport
// does (no re-send while the condition is already flagged).
type Sink struct {
	mu       sync.Mutex
	node     uint8
	driver   *candriver.Module
	txIndex  int
	register uint8
	active   map[uint16]bool
}

// NewSink creates a sink bound to a TX buffer already registered via
// driver.TXBufferInit for COB-ID 0x080+node.
func NewSink(node uint8, driver *candriver.Module, txIndex int) *Sink {
	return &Sink{node: node, driver: driver, txIndex: txIndex, active: map[uint16]bool{}}
}

// Report raises (raising=true) or clears (raising=false) an emergency
// condition identified by code, ORing/clearing registerBit into the error
// register, and transmits the resulting EMCY frame. Reporting an
// already-active code (or clearing an inactive one) is a no-op, matching
// CO_errorReport's dedup behavior.
func (s *Sink) Report(raising bool, code uint16, registerBit uint8, manufacturer [5]byte) error {
	s.mu.Lock()
	if s.active[code] == raising {
		s.mu.Unlock()
		return nil
	}
	s.active[code] = raising
	if raising {
		s.register |= registerBit
	} else {
		s.register &^= registerBit
	}
	e := Emergency{Node: s.node, ErrorCode: code, ErrorRegister: s.register, Manufacturer: manufacturer}
	if !raising {
		e.ErrorCode = ErrCodeNoError
	}
	s.mu.Unlock()

	fr := e.MarshalCANFrame()
	return s.driver.Send(s.txIndex, fr.Data, 0)
}

// StorageHook adapts Sink to storage.EmergencyFunc, reporting
// NON_VOLATILE_AUTO_SAVE — distinct from the one-shot NON_VOLATILE_MEMORY
// storage-init emergency the runtime orchestrator reports via ReportStorageInit, per
// CO_main_basic.c's CO_EM_NON_VOLATILE_AUTO_SAVE/CO_EM_NON_VOLATILE_MEMORY
// split — with subIndex folded into the manufacturer-specific bytes so an
// operator can tell which entry failed from the EMCY payload alone.
func (s *Sink) StorageHook() storage.EmergencyFunc {
	return func(raising bool, subIndex uint8) {
		var mfg [5]byte
		mfg[0] = subIndex
		if err := s.Report(raising, ErrCodeNonVolatileAutoSave, ErrRegisterManufSpec, mfg); err != nil {
			// Best-effort: a failed emergency transmission during a storage
			// failure is not itself escalated further.
			_ = err
		}
	}
}

// ReportStorageInit raises the one-shot NON_VOLATILE_MEMORY emergency
// Engine.Init's returned error bitmask calls for when nonzero (spec.md §7),
// writing the whole mask little-endian into the first four
// manufacturer-specific bytes.
// Mirrors CO_main_basic.c's "if (storageInitError != 0) CO_errorReport(CO->em,
// CO_EM_NON_VOLATILE_MEMORY, ...)" at startup — reported once, never
// cleared, since by the time it would be observed the corrupted entries
// have already been reset to their defaults for this run.
func (s *Sink) ReportStorageInit(errMask uint32) error {
	var mfg [5]byte
	binary.LittleEndian.PutUint32(mfg[0:4], errMask)
	return s.Report(true, ErrCodeNonVolatileMemory, ErrRegisterManufSpec, mfg)
}
