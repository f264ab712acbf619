// Package clock provides the monotonic microsecond time source used for
// Δt computation across the event loop, CAN error monitor, and gateway idle
// timeout, plus a one-shot wall-clock read for the CANopen TIME object.
package clock

import (
	"time"

	"golang.org/x/sys/unix"
)

// NowUS returns the current time in microseconds from CLOCK_MONOTONIC, so it
// is unaffected by NTP steps or timezone changes; callers only ever use it
// for differences. Only if ClockGettime fails does it return wall-clock time.
func NowUS() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// CLOCK_MONOTONIC is always available on Linux; a failure here means
		// something is badly wrong with the process, not a recoverable I/O
		// condition. Fall back to the wall clock rather than panic.
		return time.Now().UnixMicro()
	}
	return ts.Sec*1_000_000 + ts.Nsec/1_000
}

// epoch1984 is the CANopen TIME object epoch (1984-01-01 UTC), per CiA 301.
var epoch1984 = time.Date(1984, time.January, 1, 0, 0, 0, 0, time.UTC)

// WallNowSplit reads the wall clock once and splits it into the pair the
// TIME object expects: whole days since 1984-01-01, and milliseconds since
// midnight on the current day.
func WallNowSplit() (daysSince1984 uint16, msSinceMidnight uint32) {
	now := time.Now().UTC()
	days := now.Sub(epoch1984) / (24 * time.Hour)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	ms := now.Sub(midnight) / time.Millisecond
	return uint16(days), uint32(ms)
}
