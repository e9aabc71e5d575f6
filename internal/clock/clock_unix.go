//go:build linux || darwin || freebsd

package clock

import (
	"time"

	"golang.org/x/sys/unix"
)

// monotonicNow reads CLOCK_MONOTONIC directly via golang.org/x/sys/unix
// rather than time.Now's monotonic reading, so the SPM/NAK scheduler's
// next-expiry arithmetic is explicitly grounded on the same clock source
// the reference implementation uses (pgm_time_update_now), not an
// implementation detail of the time package.
func monotonicNow() time.Time {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return time.Now()
	}
	return time.Unix(int64(ts.Sec), int64(ts.Nsec))
}
