// Package systemd wraps sd_notify so castd can report readiness and shutdown
// progress when running as a Type=notify unit. All calls are no-ops outside
// systemd.
package systemd

import (
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

func NotifyReady() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
}

func NotifyStopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

func NotifyStatus(status string) {
	_, _ = daemon.SdNotify(false, "STATUS="+status)
}

// WatchdogInterval returns half the configured watchdog timeout, or 0 when no
// watchdog is active. Ping at this interval via NotifyWatchdog.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

func NotifyWatchdog() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
}

// NotifyMainPID hands the main pid to systemd after a re-exec.
func NotifyMainPID(pid int) {
	_, _ = daemon.SdNotify(false, fmt.Sprintf("MAINPID=%d", pid))
}
