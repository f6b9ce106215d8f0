//go:build unix

package pf

import "golang.org/x/sys/unix"

// MonotonicClock reads CLOCK_MONOTONIC, which does not jump with the wall
// clock.
type MonotonicClock struct{}

func (MonotonicClock) Now() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return int64(ts.Sec)
}
