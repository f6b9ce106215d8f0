//go:build !unix

package pf

import "time"

var processStart = time.Now()

// MonotonicClock counts seconds since process start using the runtime's
// monotonic reading.
type MonotonicClock struct{}

func (MonotonicClock) Now() int64 {
	return int64(time.Since(processStart) / time.Second)
}
