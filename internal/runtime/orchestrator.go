// Package runtime composes the event loop, CAN driver, storage engine,
// gateway, and the internal/canopen collaborator stack into the
// reset-loop / inner-loop orchestrator of spec.md §4.G, under the
// ordering and concurrency discipline of spec.md §5. Grounded on
// cmd/can-server/main.go's composition style (context cancellation,
// sync.WaitGroup, slog.Logger, option-style construction) generalized
// from a one-shot TCP-server wiring into a reset-loop with reusable
// collaborators.
package runtime

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/conode-linux/conode/internal/can"
	"github.com/conode-linux/conode/internal/candriver"
	"github.com/conode-linux/conode/internal/canopen"
	"github.com/conode-linux/conode/internal/clock"
	"github.com/conode-linux/conode/internal/eventloop"
	"github.com/conode-linux/conode/internal/gateway"
	"github.com/conode-linux/conode/internal/logging"
	"github.com/conode-linux/conode/internal/mdns"
	"github.com/conode-linux/conode/internal/metrics"
	"github.com/conode-linux/conode/internal/netreset"
	"github.com/conode-linux/conode/internal/storage"
)

// ResetKind is the NMT reset command the mainline protocol step can
// return to the outer reset-loop, per spec.md §4.G step 6.
type ResetKind int

const (
	ResetNone ResetKind = iota
	ResetCommunication
	ResetApplication
	ResetQuit
)

// CANSendDelayUS is the deferred-resend promptness threshold from
// spec.md §4.G: if TX is pending and the next wait would be longer than
// this, shorten it.
const CANSendDelayUS = 100

// Config holds the external-interface knobs of spec.md §6 plus the
// domain-stack additions (-m) of SPEC_FULL.md §6.
type Config struct {
	Iface             string
	NodeID            uint8
	RTPriority        int
	RebootOnResetApp  bool
	StoragePrefix     string
	GatewayMode       gateway.Mode
	GatewayAddr       string
	GatewayIdleUS     int64
	MDNSEnable        bool
	MDNSName          string
	IntervalUS        uint32
	HeartbeatPeriodUS int64
	SyncPeriodUS      int64
	SyncCounterMax    uint8
	TimePeriodUS      int64
	Threaded          bool
}

// Orchestrator is the top-level composition root. The object-dictionary
// lock and emergency lock live here as struct fields, per spec.md §9's
// redesign guidance against process-wide statics, and are passed
// explicitly into collaborators that need them.
type Orchestrator struct {
	cfg Config

	odLock        sync.Mutex
	emergencyLock sync.Mutex

	loop   *eventloop.Loop
	rtLoop *eventloop.Loop // non-nil only when cfg.Threaded; owns the CAN fds and timer the RT thread waits on
	driver *candriver.Module
	store  *storage.Engine
	gw     *gateway.Gateway

	nmt        *canopen.NMT
	hbProducer *canopen.HeartbeatProducer
	hbConsumer *canopen.HeartbeatConsumer
	emcy       *canopen.Sink
	syncWriter *canopen.SYNCWriter
	timeWriter *canopen.TimeWriter
	lss        *canopen.LSS
	parser     *canopen.DefaultGateway
	wakeups    []canopen.WakeupSource

	stopRequested atomic.Bool
	pendingReset  atomic.Int32 // ResetKind, set from the NMT onTransition callback

	rtDone chan struct{}
}

// New builds an Orchestrator. The event loop, gateway listener, and CAN
// interface are not opened until Run.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{cfg: cfg}
}

// RequestStop is safe to call from a signal handler: it sets the
// process-wide stop flag spec.md §5 describes, checked at the top of
// every iteration.
func (o *Orchestrator) RequestStop() { o.stopRequested.Store(true) }

// Run executes the reset-loop of spec.md §4.G until a QUIT reset, a
// fatal error, or RequestStop. It returns the final ResetKind observed
// and any fatal error; on a ResetApplication with RebootOnResetApp set,
// Run itself syncs and requests the reboot before returning.
func (o *Orchestrator) Run(ctx context.Context) (ResetKind, error) {
	loop, err := eventloop.New(o.cfg.IntervalUS)
	if err != nil {
		return ResetNone, fmt.Errorf("runtime: event loop: %w", err)
	}
	o.loop = loop

	// spec.md §3 / SPEC_FULL.md §3: the orchestrator exclusively owns both
	// event loops. In threaded mode the RT thread gets its own epoll/timer
	// pair so its Wait() never races the mainline goroutine's; the CAN
	// driver's fds are registered against whichever loop actually polls
	// them.
	driverMux := candriver.Multiplexer(loop)
	if o.cfg.Threaded {
		rtLoop, err := eventloop.New(o.cfg.IntervalUS)
		if err != nil {
			loop.Close()
			return ResetNone, fmt.Errorf("runtime: rt event loop: %w", err)
		}
		o.rtLoop = rtLoop
		driverMux = rtLoop
	}

	o.driver = candriver.New(32, 32, driverMux)
	o.store = storage.New(o.cfg.StoragePrefix, &o.odLock, o.storageEmergencyHook)

	// Protocol-object collaborators and their TX/RX buffer assignments are
	// fixed for the process lifetime; only the underlying interface is
	// torn down and rebuilt across resets (spec.md §4.G step 2 — "then
	// initialise LSS, then the rest of the protocol stack modules").
	o.lss = canopen.NewLSS(o.cfg.NodeID)
	o.nmt = canopen.NewNMT(o.cfg.NodeID, o.onNMTTransition)
	o.emcy = canopen.NewSink(o.cfg.NodeID, o.driver, 0)
	o.hbProducer = canopen.NewHeartbeatProducer(o.cfg.NodeID, o.nmt, o.driver, 1, o.cfg.HeartbeatPeriodUS)
	o.hbConsumer = canopen.NewHeartbeatConsumer(o.onHeartbeatMiss)
	o.syncWriter = canopen.NewSYNCWriter(o.driver, 2, o.cfg.SyncPeriodUS, o.cfg.SyncCounterMax)
	o.timeWriter = canopen.NewTimeWriter(o.driver, 3, o.cfg.TimePeriodUS)

	if err := o.initTxRxBuffers(); err != nil {
		return ResetNone, err
	}

	o.parser = canopen.NewDefaultGateway(o.nmt, o.cfg.NodeID)
	o.gw = gateway.New(loop, o.parser, o.cfg.GatewayMode, o.cfg.GatewayAddr, o.cfg.GatewayIdleUS)
	if err := o.gw.Start(); err != nil {
		return ResetNone, fmt.Errorf("runtime: gateway start: %w", err)
	}
	stopMDNS, err := o.startMDNS(ctx)
	if err != nil {
		logging.L().Warn("mdns_start_failed", "error", err)
	} else {
		defer stopMDNS()
	}

	if errMask := o.store.Init(); errMask != 0 {
		logging.L().Error("runtime_storage_init_failed", "err_mask", errMask)
		if err := o.emcy.ReportStorageInit(errMask); err != nil {
			logging.L().Warn("runtime_storage_init_emcy_failed", "error", err)
		}
	}

	resetCtx, resetCancel := context.WithCancel(ctx)
	defer resetCancel()

	firstReset := true
	reset := ResetNone
	for {
		if o.stopRequested.Load() || ctx.Err() != nil {
			reset = ResetQuit
			break
		}

		if err := o.enterConfigurationMode(); err != nil {
			return ResetNone, err
		}
		if _, err := o.driver.AddInterface(resetCtx, o.cfg.Iface); err != nil {
			return ResetNone, fmt.Errorf("runtime: add interface %s: %w", o.cfg.Iface, err)
		}
		o.registerWakeups()
		o.syncWriter.Start()

		if firstReset && o.cfg.Threaded {
			o.rtDone = make(chan struct{})
			go o.rtThreadLoop()
			firstReset = false
		}

		// PDO initialisation is out of scope (spec.md §1: OD data model
		// and PDO processing are external collaborators); nothing to do.

		if err := o.driver.SetNormalMode(); err != nil {
			return ResetNone, fmt.Errorf("runtime: normal mode: %w", err)
		}

		reset = o.innerLoop(ctx)
		o.syncWriter.Stop()
		o.driver.Shutdown()

		if reset == ResetQuit || ctx.Err() != nil || o.stopRequested.Load() {
			break
		}
		if reset == ResetCommunication || reset == ResetApplication {
			continue
		}
		break
	}

	o.shutdown(reset)
	_ = o.gw.Close()
	o.loop.Close()
	if o.rtLoop != nil {
		o.rtLoop.Close()
	}
	if reset == ResetApplication && o.cfg.RebootOnResetApp {
		netreset.SyncAndReboot()
	}
	return reset, nil
}

// startMDNS advertises the gateway over mDNS when it is in TCP mode and
// -m was given; a no-op otherwise, per SPEC_FULL.md §6.
func (o *Orchestrator) startMDNS(ctx context.Context) (func(), error) {
	if !o.cfg.MDNSEnable || o.gw.Mode() != gateway.TCP {
		return func() {}, nil
	}
	_, portStr, err := net.SplitHostPort(o.gw.Addr())
	if err != nil {
		return nil, fmt.Errorf("runtime: mdns addr %q: %w", o.gw.Addr(), err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("runtime: mdns port %q: %w", portStr, err)
	}
	return mdns.Advertise(ctx, mdns.Config{
		Enable:   true,
		Instance: o.cfg.MDNSName,
		NodeID:   o.cfg.NodeID,
		Port:     port,
	})
}

func (o *Orchestrator) enterConfigurationMode() error {
	logging.L().Info("runtime_configuring")
	return nil
}

// initTxRxBuffers assigns the fixed TX slots EMCY/heartbeat/SYNC/TIME
// use and the single catch-all RX slot (id=0, mask=0 composes to an
// EFF|RTR-only kernel filter that admits every standard data frame,
// dispatched onward by COB-ID in handleRX) once for the process
// lifetime.
func (o *Orchestrator) initTxRxBuffers() error {
	if err := o.driver.TXBufferInit(0, 0x080+uint32(o.cfg.NodeID), false, 8, false); err != nil {
		return fmt.Errorf("runtime: emcy tx buffer: %w", err)
	}
	if err := o.driver.TXBufferInit(1, 0x700+uint32(o.cfg.NodeID), false, 1, false); err != nil {
		return fmt.Errorf("runtime: heartbeat tx buffer: %w", err)
	}
	syncDLC := uint8(0)
	if o.cfg.SyncCounterMax > 0 {
		syncDLC = 1
	}
	if err := o.driver.TXBufferInit(2, 0x080, false, syncDLC, true); err != nil {
		return fmt.Errorf("runtime: sync tx buffer: %w", err)
	}
	if err := o.driver.TXBufferInit(3, 0x100, false, 6, false); err != nil {
		return fmt.Errorf("runtime: time tx buffer: %w", err)
	}
	if err := o.driver.TXBufferInit(4, uint32(can.FCLSSTx), false, 8, false); err != nil {
		return fmt.Errorf("runtime: lss tx buffer: %w", err)
	}
	if err := o.driver.RXBufferInit(0, 0, 0, false, candriver.HandlerFunc(o.handleRX)); err != nil {
		return fmt.Errorf("runtime: rx buffer: %w", err)
	}
	return nil
}

// handleRX routes every admitted frame to the NMT, heartbeat-consumer,
// and LSS collaborators by COB-ID function code — the tagged-variant
// Handler dispatch replacing the original's opaque callback pointer
// (spec.md §9).
func (o *Orchestrator) handleRX(fr can.Frame, ifIndex int, tsUS int64) {
	fc, _, err := can.ParseCOBID(fr.RawID())
	if err != nil {
		return
	}
	switch fc {
	case can.FCNMT:
		o.nmt.Handle(fr, ifIndex, tsUS)
	case can.FCNMTErrCtrl:
		o.hbConsumer.Handle(fr, ifIndex, tsUS)
	case can.FCLSSRx:
		o.lss.Handle(fr, func(resp can.Frame) { _ = o.driver.Send(4, resp.Data, 0) })
	}
}

func (o *Orchestrator) onNMTTransition(from, to canopen.NMTState) {
	switch to {
	case canopen.NMTInitializing:
		// NMTResetNode/NMTResetCommunication both transiently pass through
		// NMTInitializing before re-booting into pre-operational; the
		// command that drove them is what the reset-loop needs, which the
		// NMT state machine doesn't retain — approximate with
		// ResetApplication, the more disruptive of the two, so the outer
		// loop always re-initialises rather than silently continuing.
		o.pendingReset.Store(int32(ResetApplication))
	}
}

func (o *Orchestrator) onHeartbeatMiss(node uint8, missing bool) {
	if missing {
		logging.L().Warn("heartbeat_missing", "node", node)
	} else {
		logging.L().Info("heartbeat_recovered", "node", node)
	}
}

func (o *Orchestrator) storageEmergencyHook(raising bool, subIndex uint8) {
	if o.emcy == nil {
		return
	}
	o.emergencyLock.Lock()
	defer o.emergencyLock.Unlock()
	hook := o.emcy.StorageHook()
	hook(raising, subIndex)
}

// registerWakeups mirrors CO_epoll_initCANopenMain's bulk wake-up
// registration (SPEC_FULL.md §10): every collaborator that can produce a
// mainline-visible event implements WakeupSource and is ticked once per
// inner-loop iteration instead of being hand-wired individually.
func (o *Orchestrator) registerWakeups() {
	o.wakeups = []canopen.WakeupSource{o.hbProducer, o.hbConsumer, o.syncWriter, o.timeWriter}
}

func (o *Orchestrator) tickWakeups(nowUS int64) {
	for _, w := range o.wakeups {
		w.Tick(nowUS)
	}
}

// innerLoop is spec.md §4.G step 6 / §5's ordering guarantee: CAN event
// dispatch (single-threaded only) → gateway I/O → mainline protocol step
// → auto-save tick → finish_iteration. In threaded mode the CAN dispatch
// leg moves to rtThreadLoop/rtStep on its own event loop, and the
// mainline loop here carries only the gateway's fd and the periodic
// wakeups.
func (o *Orchestrator) innerLoop(ctx context.Context) ResetKind {
	for {
		if o.stopRequested.Load() || ctx.Err() != nil {
			return ResetQuit
		}

		res := o.loop.Wait()

		if o.cfg.Threaded {
			if res.Source == eventloop.SourceOther {
				_ = o.gw.Service(res.FD, true, int64(res.DeltaUS))
			} else {
				_ = o.gw.Service(0, false, int64(res.DeltaUS))
			}
		} else {
			o.odLock.Lock()
			o.rtStep(res)
			o.odLock.Unlock()
		}

		o.tickWakeups(clock.NowUS())

		if reset := ResetKind(o.pendingReset.Swap(int32(ResetNone))); reset != ResetNone {
			return reset
		}

		errMask := o.store.AutoSaveTick()
		_ = errMask

		next := res.NextUS
		if !o.cfg.Threaded && o.driver.PendingTX() > 0 && next > CANSendDelayUS {
			next = CANSendDelayUS
		}
		o.loop.FinishIteration(next)
	}
}

// rtStep is the RT-priority per-iteration work of spec.md §5: CAN RX poll
// (falling back to gateway service iff the fd wasn't a CAN fd, which only
// happens in single-threaded mode where both share one loop), the deferred
// TX-retry tick, and the SYNC/RPDO/TPDO hook point. RPDO/TPDO processing
// itself is out of scope (spec.md §1 — PDO mapping belongs to the external
// protocol stack); SYNC production is ticked by tickWakeups regardless of
// threading mode, so only the hook point is preserved here. Called under
// odLock by both rtThreadLoop (threaded) and innerLoop (single-threaded).
func (o *Orchestrator) rtStep(res eventloop.Result) {
	if res.Source == eventloop.SourceOther {
		if consumed, err := o.driver.PollEvent(res.FD); err != nil {
			logging.L().Error("runtime_poll_error", "error", err)
		} else if !consumed && !o.cfg.Threaded {
			_ = o.gw.Service(res.FD, true, int64(res.DeltaUS))
		}
	} else if !o.cfg.Threaded {
		_ = o.gw.Service(0, false, int64(res.DeltaUS))
	}
	o.driver.ProcessTick()
}

// rtThreadLoop is the optional second OS thread of spec.md §5's
// multi-threaded scheduling model: the same wait/finish_iteration cycle as
// innerLoop, around rtStep, but on its own event loop and OS thread,
// joined synchronously by Run's shutdown via rtDone.
func (o *Orchestrator) rtThreadLoop() {
	defer close(o.rtDone)
	setRTPriority(o.cfg.RTPriority)
	for !o.stopRequested.Load() {
		res := o.rtLoop.Wait()
		o.odLock.Lock()
		o.rtStep(res)
		o.odLock.Unlock()

		next := res.NextUS
		if o.driver.PendingTX() > 0 && next > CANSendDelayUS {
			next = CANSendDelayUS
		}
		o.rtLoop.FinishIteration(next)
	}
}

func (o *Orchestrator) shutdown(reset ResetKind) {
	logging.L().Info("runtime_shutdown", "reset", reset)
	o.stopRequested.Store(true)
	if o.cfg.Threaded && o.rtDone != nil {
		<-o.rtDone
	}
	if o.store != nil {
		o.store.Shutdown()
	}
	metrics.SetReadinessFunc(func() bool { return false })
}
