package runtime

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/conode-linux/conode/internal/logging"
)

// schedParam mirrors the kernel's struct sched_param (a single int
// priority field), which golang.org/x/sys/unix does not expose a wrapper
// for at this pinned version.
type schedParam struct {
	Priority int32
}

func schedSetscheduler(pid int, policy int, param *schedParam) error {
	_, _, errno := unix.Syscall(unix.SYS_SCHED_SETSCHEDULER, uintptr(pid), uintptr(policy), uintptr(unsafe.Pointer(param)))
	if errno != 0 {
		return errno
	}
	return nil
}

// setRTPriority applies spec.md §4.G step 3's "optionally set it to
// SCHED_FIFO at the configured priority" to the calling OS thread, which
// must be the dedicated RT thread (setRTPriority locks the calling
// goroutine to its OS thread before the change so it doesn't leak to a
// pooled goroutine). priority of -1 means "leave the default scheduler", the
// same sentinel cmd/conoded's -p flag validates. Best-effort: CAP_SYS_NICE
// is required and its absence is logged, not fatal.
func setRTPriority(priority int) {
	if priority == -1 {
		return
	}
	runtime.LockOSThread()
	param := schedParam{Priority: int32(priority)}
	if err := schedSetscheduler(0, unix.SCHED_FIFO, &param); err != nil {
		logging.L().Warn("runtime_rt_priority_failed", "priority", priority, "error", err)
		return
	}
	logging.L().Info("runtime_rt_priority_set", "priority", priority)
}
