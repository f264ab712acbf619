package canopen

import (
	"testing"

	"github.com/conode-linux/conode/internal/can"
	"github.com/conode-linux/conode/internal/candriver"
)

type fakeMux struct{}

func (fakeMux) RegisterRead(fd int) error { return nil }
func (fakeMux) Unregister(fd int) error   { return nil }

func TestCOBIDHelpers(t *testing.T) {
	if id := can.COBID(can.FCTPDO1, 1); id != 0x181 {
		t.Fatalf("tpdo1 id: 0x%X", id)
	}
	if fc, node, err := can.ParseCOBID(0x5FF); err != nil || fc != can.FCSDOTx || node != 0x7F {
		t.Fatalf("parse sdo tx: fc=%v node=%v err=%v", fc, node, err)
	}
}

func TestNMTBuildParse(t *testing.T) {
	fr := BuildNMT(NMTStartRemoteNode, 0)
	cmd, node, err := ParseNMT(fr)
	if err != nil || cmd != NMTStartRemoteNode || node != 0 {
		t.Fatalf("nmt parse mismatch: cmd=%v node=%d err=%v", cmd, node, err)
	}
}

func TestNMTApplyTransitions(t *testing.T) {
	var got []NMTState
	nmt := NewNMT(5, func(from, to NMTState) { got = append(got, to) })
	if nmt.State() != NMTPreOperational {
		t.Fatalf("expected boot into pre-operational, got %v", nmt.State())
	}
	nmt.Apply(NMTStartRemoteNode)
	if nmt.State() != NMTOperational {
		t.Fatalf("expected operational after start, got %v", nmt.State())
	}
	nmt.Apply(NMTStartRemoteNode) // no-op, same state: must not re-fire callback
	if len(got) != 1 {
		t.Fatalf("expected exactly one transition callback, got %v", got)
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	hb := Heartbeat{Node: 10, State: NMTOperational}
	fr := hb.MarshalCANFrame()
	got, err := UnmarshalCANFrame(fr)
	if err != nil {
		t.Fatal(err)
	}
	if got.Node != 10 || got.State != NMTOperational {
		t.Fatalf("heartbeat mismatch: %+v", got)
	}
}

func TestHeartbeatConsumerDebouncesMissingEdge(t *testing.T) {
	var edges []bool
	c := NewHeartbeatConsumer(func(node uint8, missing bool) { edges = append(edges, missing) })
	c.Watch(3, 1000)

	hb := Heartbeat{Node: 3, State: NMTOperational}
	c.Handle(hb.MarshalCANFrame(), 0, 0)
	c.Tick(500)
	if len(edges) != 0 {
		t.Fatalf("no edge expected within timeout, got %v", edges)
	}
	c.Tick(2000) // 2000 - 0 > 1000: missing
	if len(edges) != 1 || edges[0] != true {
		t.Fatalf("expected a rising missing edge, got %v", edges)
	}
	c.Handle(hb.MarshalCANFrame(), 0, 2100)
	if len(edges) != 2 || edges[1] != false {
		t.Fatalf("expected a falling edge on fresh heartbeat, got %v", edges)
	}
}

func TestEMCYRoundTrip(t *testing.T) {
	e := Emergency{Node: 5, ErrorCode: 0x1234, ErrorRegister: 0x05}
	fr := e.MarshalCANFrame()
	got, err := UnmarshalEmergency(fr)
	if err != nil {
		t.Fatal(err)
	}
	if got.Node != 5 || got.ErrorCode != 0x1234 || got.ErrorRegister != 0x05 {
		t.Fatalf("emcy mismatch: %+v", got)
	}
}

// TestStorageHookAndReportStorageInitUseDistinctCodes pins spec.md §7's
// split between the debounced per-tick auto-save failure emergency and the
// one-shot startup storage-init emergency: they must never collide on the
// same error code, matching CO_main_basic.c's separate
// CO_EM_NON_VOLATILE_AUTO_SAVE / CO_EM_NON_VOLATILE_MEMORY reports.
func TestStorageHookAndReportStorageInitUseDistinctCodes(t *testing.T) {
	driver := candriver.New(8, 8, fakeMux{})
	if err := driver.TXBufferInit(0, 0x080+5, false, 8, false); err != nil {
		t.Fatalf("tx buffer init: %v", err)
	}
	sink := NewSink(5, driver, 0)

	hook := sink.StorageHook()
	hook(true, 3) // auto-save failure on sub-index 3; Send errors (no interface) but Report still updates state

	if !sink.active[ErrCodeNonVolatileAutoSave] {
		t.Fatalf("expected StorageHook to raise ErrCodeNonVolatileAutoSave")
	}
	if sink.active[ErrCodeNonVolatileMemory] {
		t.Fatalf("StorageHook must not touch ErrCodeNonVolatileMemory")
	}

	_ = sink.ReportStorageInit(0x2)
	if !sink.active[ErrCodeNonVolatileMemory] {
		t.Fatalf("expected ReportStorageInit to raise ErrCodeNonVolatileMemory")
	}
	if ErrCodeNonVolatileAutoSave == ErrCodeNonVolatileMemory {
		t.Fatalf("the two codes must be distinct constants, both are %#04x", ErrCodeNonVolatileMemory)
	}
}

func TestSYNCRoundTripWithCounter(t *testing.T) {
	c := uint8(42)
	s := SYNC{Counter: &c}
	fr := s.MarshalCANFrame()
	got, err := UnmarshalSYNC(fr)
	if err != nil {
		t.Fatal(err)
	}
	if got.Counter == nil || *got.Counter != 42 {
		t.Fatalf("sync counter mismatch: %+v", got)
	}
}

func TestTIMERoundTrip(t *testing.T) {
	want := TIME{DaysSince1984: 15000, MsSinceMidnight: 123456}
	fr := want.MarshalCANFrame()
	got, err := UnmarshalTIME(fr)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("time mismatch: got %+v want %+v", got, want)
	}
}

func TestLSSSwitchAndInquire(t *testing.T) {
	lss := NewLSS(9)
	var resp *can.Frame
	lss.Handle(can.Frame{Len: 2, Data: [8]byte{LSSSwitchModeGlobal, 1}}, func(fr can.Frame) { resp = &fr })
	if lss.Mode() != LSSConfiguration {
		t.Fatalf("expected configuration mode, got %v", lss.Mode())
	}
	lss.Handle(can.Frame{Len: 1, Data: [8]byte{LSSInquireNodeID}}, func(fr can.Frame) { resp = &fr })
	if resp == nil || resp.Data[1] != 9 {
		t.Fatalf("expected inquire response carrying node id 9, got %+v", resp)
	}
}

type gatewayWriteCapture struct{ lines []string }

func (c *gatewayWriteCapture) write(p []byte) (int, error) {
	c.lines = append(c.lines, string(p))
	return len(p), nil
}

func TestDefaultGatewayStartStop(t *testing.T) {
	nmt := NewNMT(1, nil)
	gw := NewDefaultGateway(nmt, 1)
	capture := &gatewayWriteCapture{}
	gw.SetWriter(capture.write)

	if err := gw.Feed([]byte("[1] 1 start\n")); err != nil {
		t.Fatal(err)
	}
	if nmt.State() != NMTOperational {
		t.Fatalf("expected operational, got %v", nmt.State())
	}
	if len(capture.lines) != 1 || capture.lines[0] != "[1] OK\n" {
		t.Fatalf("unexpected reply: %v", capture.lines)
	}
}

func TestDefaultGatewaySplitRead(t *testing.T) {
	nmt := NewNMT(1, nil)
	gw := NewDefaultGateway(nmt, 1)
	capture := &gatewayWriteCapture{}
	gw.SetWriter(capture.write)

	_ = gw.Feed([]byte("[2] 1 sto"))
	_ = gw.Feed([]byte("p\n"))
	if nmt.State() != NMTStopped {
		t.Fatalf("expected stopped after split read, got %v", nmt.State())
	}
	if len(capture.lines) != 1 {
		t.Fatalf("expected exactly one reply across split reads, got %v", capture.lines)
	}
}

func TestDefaultGatewayUnknownCommand(t *testing.T) {
	nmt := NewNMT(1, nil)
	gw := NewDefaultGateway(nmt, 1)
	capture := &gatewayWriteCapture{}
	gw.SetWriter(capture.write)

	_ = gw.Feed([]byte("[3] 1 bogus\n"))
	if len(capture.lines) != 1 {
		t.Fatalf("expected one reply, got %v", capture.lines)
	}
	if capture.lines[0][:9] != "[3] ERROR" {
		t.Fatalf("expected error reply, got %q", capture.lines[0])
	}
}
