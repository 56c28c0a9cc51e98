//go:build linux || darwin || freebsd

package agent

import (
	"time"

	"golang.org/x/sys/unix"
)

// processCPUTime is user plus system time consumed by this process.
func processCPUTime() (time.Duration, bool) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, false
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano()), true
}
