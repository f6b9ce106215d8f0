package pf

import "math/rand/v2"

// Clock supplies the time in whole seconds. Only differences matter.
type Clock interface {
	Now() int64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() int64

func (f ClockFunc) Now() int64 { return f() }

// Random supplies the randomness used for ISNs, modulation, port search
// and probability rules.
type Random interface {
	Uint32() uint32
}

type defaultRandom struct{}

func (defaultRandom) Uint32() uint32 { return rand.Uint32() }
