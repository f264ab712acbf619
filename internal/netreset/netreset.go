// Package netreset brings a network interface down and back up over
// netlink, replacing the shell-out ("ip link set <if> down && ip link set
// <if> up &") that spec.md §9 flags as a pragmatic hack to be redesigned
// away from forking a shell.
package netreset

import (
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/conode-linux/conode/internal/logging"
)

// Cycle brings iface down and immediately back up. It is best-effort: the
// caller (the CAN error monitor, via internal/transport's async worker)
// logs failures and otherwise ignores them, exactly as spec.md §4.B
// describes the original shell-out.
func Cycle(iface string) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("netreset: lookup %s: %w", iface, err)
	}
	if err := netlink.LinkSetDown(link); err != nil {
		return fmt.Errorf("netreset: down %s: %w", iface, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("netreset: up %s: %w", iface, err)
	}
	return nil
}

// SyncAndReboot flushes pending filesystem writes and requests a kernel
// reboot, per spec.md §4.G's "sync the filesystem and request a kernel
// reboot" on an NMT reset-app when -r is set. Grounded on
// CO_main_basic.c's equivalent sync()+reboot(LINUX_REBOOT_CMD_RESTART)
// call (original_source). Best-effort: a failure here is logged, not
// fatal, since the caller is already tearing the process down.
func SyncAndReboot() {
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		logging.L().Error("netreset_reboot_failed", "error", err)
	}
}
