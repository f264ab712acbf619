//go:build linux

// Package eventloop multiplexes a periodic timer, a cross-thread wake-up,
// and arbitrary caller-registered descriptors on a single epoll instance —
// the Go equivalent of CANopenNode's CO_epoll_interface (spec.md §3, §4.D).
package eventloop

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/conode-linux/conode/internal/clock"
	"github.com/conode-linux/conode/internal/logging"
	"github.com/conode-linux/conode/internal/metrics"
)

// Source classifies which descriptor woke the most recent Wait.
type Source int

const (
	// SourceNone means Wait was interrupted by a signal; nothing fired.
	SourceNone Source = iota
	SourceWakeup
	SourceTimer
	SourceOther
)

// Loop owns the multiplexing, wake-up, and timer descriptors, plus the
// per-iteration snapshot described in spec.md §3: Δt since the previous
// wait, a next-expiration hint clients may lower, and the source
// classification of the current wake.
type Loop struct {
	epollFd int
	eventFd int
	timerFd int

	intervalUS    uint32
	timeDiffUS    uint32
	timerNextUS   uint32
	firedTimer    bool
	newEvent      bool
	lastFd        int
	previousTimeUS int64
}

// New provisions the three descriptors: epoll, a non-blocking edge-coalescing
// eventfd for cross-thread wake-ups, and a timerfd armed with intervalUS and
// a 1us initial expiration so the first iteration fires immediately.
func New(intervalUS uint32) (*Loop, error) {
	if intervalUS == 0 {
		return nil, fmt.Errorf("eventloop: illegal interval")
	}
	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	eventFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epollFd)
		return nil, fmt.Errorf("eventloop: eventfd: %w", err)
	}
	timerFd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epollFd)
		_ = unix.Close(eventFd)
		return nil, fmt.Errorf("eventloop: timerfd_create: %w", err)
	}
	l := &Loop{epollFd: epollFd, eventFd: eventFd, timerFd: timerFd, intervalUS: intervalUS}
	if err := l.RegisterRead(eventFd); err != nil {
		l.closeFds()
		return nil, err
	}
	if err := l.RegisterRead(timerFd); err != nil {
		l.closeFds()
		return nil, err
	}
	spec := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(1_000),
		Interval: unix.NsecToTimespec(int64(intervalUS) * 1_000),
	}
	if err := unix.TimerfdSettime(timerFd, 0, &spec, nil); err != nil {
		l.closeFds()
		return nil, fmt.Errorf("eventloop: timerfd_settime: %w", err)
	}
	l.previousTimeUS = clock.NowUS()
	return l, nil
}

func (l *Loop) closeFds() {
	_ = unix.Close(l.timerFd)
	_ = unix.Close(l.eventFd)
	_ = unix.Close(l.epollFd)
}

// Close releases all three descriptors.
func (l *Loop) Close() { l.closeFds() }

// RegisterRead registers fd for level-triggered read readiness.
func (l *Loop) RegisterRead(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epollFd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl add %d: %w", fd, err)
	}
	return nil
}

// RegisterOneShot registers fd for one-shot read readiness, used by the
// gateway listener so only one connection is admitted at a time.
func (l *Loop) RegisterOneShot(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLONESHOT, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epollFd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl add (one-shot) %d: %w", fd, err)
	}
	return nil
}

// Rearm re-registers a one-shot descriptor for one more read-ready event.
func (l *Loop) Rearm(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLONESHOT, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epollFd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl mod %d: %w", fd, err)
	}
	return nil
}

// Unregister removes fd from the epoll set. Errors are not fatal — a
// caller closing an already-unregistered fd is common during shutdown.
func (l *Loop) Unregister(fd int) error {
	if err := unix.EpollCtl(l.epollFd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl del %d: %w", fd, err)
	}
	return nil
}

// TriggerWakeup writes a one-count value into the eventfd from any thread.
// Writes coalesce: many triggers between two Wait returns produce exactly
// one readable event.
func (l *Loop) TriggerWakeup() error {
	buf := make([]byte, 8)
	buf[0] = 1
	_, err := unix.Write(l.eventFd, buf)
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("eventloop: trigger_wakeup: %w", err)
	}
	return nil
}

// Result is the per-iteration snapshot populated by Wait.
type Result struct {
	Source     Source
	FD         int // valid when Source == SourceOther
	DeltaUS    uint32
	NextUS     uint32 // mutable by collaborators via LowerNext before FinishIteration
}

// Wait blocks until exactly one descriptor is ready (or a signal
// interrupts it), then populates the per-iteration snapshot: Δt from the
// clock, a default next-expiration of the configured interval, and a
// source classification per the table in spec.md §3.
func (l *Loop) Wait() Result {
	var events [1]unix.EpollEvent
	n, err := unix.EpollWait(l.epollFd, events[:], -1)

	now := clock.NowUS()
	dt := uint32(now - l.previousTimeUS)
	l.previousTimeUS = now
	l.timeDiffUS = dt
	l.timerNextUS = l.intervalUS
	l.firedTimer = false
	l.newEvent = false

	res := Result{DeltaUS: dt, NextUS: l.intervalUS}

	if err != nil {
		if err == unix.EINTR {
			res.Source = SourceNone
			return res
		}
		logging.L().Error("eventloop_wait_error", "error", err)
		res.Source = SourceNone
		return res
	}
	if n == 0 {
		res.Source = SourceNone
		return res
	}

	fd := int(events[0].Fd)
	l.lastFd = fd
	switch fd {
	case l.eventFd:
		drainCounter(l.eventFd)
		res.Source = SourceWakeup
		metrics.IncEventLoopWakeup("wakeup")
	case l.timerFd:
		drainCounter(l.timerFd)
		l.firedTimer = true
		res.Source = SourceTimer
		metrics.IncEventLoopWakeup("timer")
	default:
		l.newEvent = true
		res.Source = SourceOther
		res.FD = fd
		metrics.IncEventLoopWakeup("other")
	}
	return res
}

// drainCounter performs the 8-byte read that clears an eventfd/timerfd's
// accumulated counter. A transient EAGAIN (already drained) is ignored.
func drainCounter(fd int) {
	buf := make([]byte, 8)
	if _, err := unix.Read(fd, buf); err != nil && err != unix.EAGAIN {
		logging.L().Debug("eventloop_drain_error", "fd", fd, "error", err)
	}
}

// ConsumeEvent lets a collaborator claim the pending "other" event by
// matching fd; it returns true and clears newEvent iff it matched.
func (l *Loop) ConsumeEvent(fd int) bool {
	if l.newEvent && l.lastFd == fd {
		l.newEvent = false
		return true
	}
	return false
}

// FinishIteration logs any unconsumed event for diagnostics, then — iff
// next < the configured interval — re-arms the periodic timer once with a
// one-shot expiration (plus a 1us guard against a zero timespec). The
// periodic interval itself is unchanged; after one accelerated tick the
// timer snaps back to intervalUS.
func (l *Loop) FinishIteration(next uint32) {
	if l.newEvent {
		logging.L().Debug("eventloop_unconsumed_event", "fd", l.lastFd)
		l.newEvent = false
	}
	if next >= l.intervalUS {
		return
	}
	spec := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(int64(next)*1_000 + 1_000),
		Interval: unix.NsecToTimespec(int64(l.intervalUS) * 1_000),
	}
	if err := unix.TimerfdSettime(l.timerFd, 0, &spec, nil); err != nil {
		logging.L().Warn("eventloop_retune_failed", "error", err)
	}
}
