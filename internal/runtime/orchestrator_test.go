package runtime

import (
	"testing"
	"time"

	"github.com/conode-linux/conode/internal/can"
	"github.com/conode-linux/conode/internal/candriver"
	"github.com/conode-linux/conode/internal/canopen"
	"github.com/conode-linux/conode/internal/eventloop"
)

// fakeMux satisfies candriver.Multiplexer without touching any real
// descriptor, letting the driver be exercised without SocketCAN or epoll.
type fakeMux struct{}

func (fakeMux) RegisterRead(fd int) error { return nil }
func (fakeMux) Unregister(fd int) error   { return nil }

// newTestOrchestrator builds an Orchestrator with its collaborators and
// TX/RX buffers wired exactly as Run does, but without opening an event
// loop or a CAN interface.
func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o := New(Config{NodeID: 5, HeartbeatPeriodUS: 1000, SyncPeriodUS: 0, TimePeriodUS: 0})

	o.driver = candriver.New(32, 32, fakeMux{})
	o.lss = canopen.NewLSS(o.cfg.NodeID)
	o.nmt = canopen.NewNMT(o.cfg.NodeID, o.onNMTTransition)
	o.emcy = canopen.NewSink(o.cfg.NodeID, o.driver, 0)
	o.hbProducer = canopen.NewHeartbeatProducer(o.cfg.NodeID, o.nmt, o.driver, 1, o.cfg.HeartbeatPeriodUS)
	o.hbConsumer = canopen.NewHeartbeatConsumer(o.onHeartbeatMiss)
	o.syncWriter = canopen.NewSYNCWriter(o.driver, 2, o.cfg.SyncPeriodUS, o.cfg.SyncCounterMax)
	o.timeWriter = canopen.NewTimeWriter(o.driver, 3, o.cfg.TimePeriodUS)

	if err := o.initTxRxBuffers(); err != nil {
		t.Fatalf("initTxRxBuffers: %v", err)
	}
	return o
}

func TestInitTxRxBuffersCanBeCalledTwice(t *testing.T) {
	o := newTestOrchestrator(t)
	// A second call must not fail: buffer slots are idempotently
	// re-registered, mirroring candriver's own re-init semantics.
	if err := o.initTxRxBuffers(); err != nil {
		t.Fatalf("second initTxRxBuffers call: %v", err)
	}
}

func TestHandleRXRoutesNMTFrameToNMT(t *testing.T) {
	o := newTestOrchestrator(t)

	fired := false
	var got canopen.NMTState
	o.nmt = canopen.NewNMT(o.cfg.NodeID, func(from, to canopen.NMTState) { fired = true; got = to })

	fr := can.Frame{ID: uint32(can.FCNMT), Len: 2, Data: [8]byte{byte(canopen.NMTResetNode), 5}}
	o.handleRX(fr, 0, 0)

	if !fired {
		t.Fatalf("expected handleRX to dispatch the NMT frame to onTransition")
	}
	if got != canopen.NMTInitializing {
		t.Fatalf("onTransition to = %v, want %v", got, canopen.NMTInitializing)
	}
}

func TestHandleRXRoutesHeartbeatFrameToConsumer(t *testing.T) {
	o := newTestOrchestrator(t)

	var lastMissing bool
	fired := false
	o.hbConsumer = canopen.NewHeartbeatConsumer(func(node uint8, missing bool) {
		fired = true
		lastMissing = missing
	})
	o.hbConsumer.Watch(5, 100)

	fr := can.Frame{ID: uint32(can.FCNMTErrCtrl) + 5, Len: 1, Data: [8]byte{0x05}} // operational
	o.handleRX(fr, 0, 0)

	// A heartbeat frame from an unwatched node is ignored; the only way
	// Tick can later see node 5 as "seen" (and so flag it missing on a
	// subsequent timeout) is if handleRX actually reached
	// HeartbeatConsumer.Handle above and recorded lastSeen.
	o.hbConsumer.Tick(1000)

	if !fired {
		t.Fatalf("expected onMiss to fire once the heartbeat consumer's timeout elapsed")
	}
	if !lastMissing {
		t.Fatalf("expected the node to be reported missing, got recovered")
	}
}

func TestHandleRXRoutesLSSFrameAndRespondsOnDedicatedTXSlot(t *testing.T) {
	o := newTestOrchestrator(t)

	fr := can.Frame{ID: uint32(can.FCLSSRx), Len: 8}
	// Must not panic: the LSS collaborator is in LSSWaiting mode and most
	// inquiry/switch commands are no-ops there, but dispatch itself must
	// reach o.lss.Handle without touching the wrong TX slot (slot 4, not
	// the EMCY slot 0) when it does respond.
	o.handleRX(fr, 0, 0)
}

func TestHandleRXIgnoresUnroutableCOBID(t *testing.T) {
	o := newTestOrchestrator(t)
	// 0x7FF doesn't fall in any known CiA 301 base range; ParseCOBID
	// returns an error and handleRX must silently drop it.
	fr := can.Frame{ID: 0x7FF, Len: 0}
	o.handleRX(fr, 0, 0)
}

func TestOnNMTTransitionSetsPendingReset(t *testing.T) {
	o := newTestOrchestrator(t)

	o.onNMTTransition(canopen.NMTPreOperational, canopen.NMTInitializing)

	if got := ResetKind(o.pendingReset.Load()); got != ResetApplication {
		t.Fatalf("pendingReset = %v, want %v", got, ResetApplication)
	}
}

func TestOnNMTTransitionIgnoresOtherTargetStates(t *testing.T) {
	o := newTestOrchestrator(t)
	o.pendingReset.Store(int32(ResetNone))

	o.onNMTTransition(canopen.NMTInitializing, canopen.NMTPreOperational)

	if got := ResetKind(o.pendingReset.Load()); got != ResetNone {
		t.Fatalf("pendingReset = %v, want %v unchanged", got, ResetNone)
	}
}

func TestRegisterWakeupsAndTickWakeups(t *testing.T) {
	o := newTestOrchestrator(t)
	o.registerWakeups()

	if len(o.wakeups) != 4 {
		t.Fatalf("len(wakeups) = %d, want 4", len(o.wakeups))
	}
	// Ticking must not panic even with all periods disabled (zero).
	o.tickWakeups(1_000_000)
}

func TestStorageEmergencyHookNoopWithoutSink(t *testing.T) {
	o := New(Config{NodeID: 1})
	// emcy is nil before Run constructs it; the hook must tolerate that
	// instead of panicking, since storage.Engine can call it any time
	// after construction.
	o.storageEmergencyHook(true, 3)
}

func TestStorageEmergencyHookForwardsToSink(t *testing.T) {
	o := newTestOrchestrator(t)
	// Must not panic; the underlying Sink.StorageHook is exercised under
	// the orchestrator's emergencyLock rather than a package-global mutex.
	o.storageEmergencyHook(true, 2)
	o.storageEmergencyHook(false, 2)
}

func TestRtStepPollsCANAndRetriesDeferredTX(t *testing.T) {
	o := newTestOrchestrator(t)
	o.cfg.Threaded = true

	// No interface is attached, so PollEvent reports the fd unconsumed;
	// rtStep must tolerate that without touching the (nil in this fixture)
	// gateway, since threaded mode never falls back to gw.Service.
	o.rtStep(eventloop.Result{Source: eventloop.SourceOther, FD: 999})

	// rtStep runs ProcessTick on every call regardless of source. No TX
	// slot is marked full here, so this only asserts that the timer path
	// reaches ProcessTick without panicking; the retry itself is covered by
	// driver_test.go.
	o.rtStep(eventloop.Result{Source: eventloop.SourceTimer})
}

// The test builds both loops itself, as Run does in threaded mode, rather
// than calling Run, which would need a real CAN interface.
func TestThreadedOrchestratorHoldsSeparateEventLoops(t *testing.T) {
	o := New(Config{NodeID: 5, Iface: "vcan-does-not-exist", IntervalUS: 50_000, Threaded: true, RTPriority: -1})

	loop, err := eventloop.New(o.cfg.IntervalUS)
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	defer loop.Close()
	o.loop = loop

	rtLoop, err := eventloop.New(o.cfg.IntervalUS)
	if err != nil {
		t.Fatalf("eventloop.New (rt): %v", err)
	}
	defer rtLoop.Close()
	o.rtLoop = rtLoop

	// spec.md §3 / SPEC_FULL.md §3: the orchestrator owns two independent
	// event loops when threaded, not one shared between goroutines.
	if o.loop == o.rtLoop {
		t.Fatalf("mainline and RT loops must be distinct instances")
	}
}

func TestRtThreadLoopStopsOnRequestStop(t *testing.T) {
	o := newTestOrchestrator(t)
	o.cfg.Threaded = true
	o.cfg.RTPriority = -1 // leave the default scheduler; no CAP_SYS_NICE in tests

	rtLoop, err := eventloop.New(50_000)
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	defer rtLoop.Close()
	o.rtLoop = rtLoop
	o.rtDone = make(chan struct{})

	go o.rtThreadLoop()
	o.RequestStop()
	if err := rtLoop.TriggerWakeup(); err != nil {
		t.Fatalf("TriggerWakeup: %v", err)
	}

	select {
	case <-o.rtDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("rtThreadLoop did not exit after RequestStop")
	}
}
