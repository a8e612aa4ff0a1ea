// Package pclock provides the clock and randomness injection point
// the rest of the core relies on (spec.md §4.A): monotonic time for
// timeouts, wall-clock seconds for announcement timestamps, and a
// seeded PRNG for ping nonces and eviction tie-breaks. No other
// package reads wall-clock time or generates randomness directly.
package pclock

import (
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is the time source the service is driven by. It is
// benbjohnson/clock's interface verbatim: production code uses
// clock.New(), tests substitute clock.NewMock() so time advances
// deterministically under the test's control.
type Clock = clock.Clock

// New returns the real wall-clock implementation.
func New() Clock { return clock.New() }

// Mock is benbjohnson/clock's virtual clock, re-exported so callers
// need not import the underlying package directly.
type Mock = clock.Mock

// NewMock returns a virtual clock for deterministic tests.
func NewMock() *Mock { return clock.NewMock() }

// Seconds converts a Clock's current time to spec.md's Timestamp
// representation: unsigned seconds since the Unix epoch.
func Seconds(c Clock) uint64 {
	t := c.Now().Unix()
	if t < 0 {
		return 0
	}
	return uint64(t)
}

// Rand is the seeded PRNG injected for ping nonces and tie-breaks
// (spec.md §4.A). Tests construct it with a fixed seed for
// reproducibility; the daemon seeds it once at startup from the
// node's own id.
type Rand struct {
	r *rand.Rand
}

// NewRand returns a PRNG seeded deterministically from seed.
func NewRand(seed1, seed2 uint64) *Rand {
	return &Rand{r: rand.New(rand.NewPCG(seed1, seed2))}
}

// Uint64 returns the next pseudo-random 64-bit value.
func (rnd *Rand) Uint64() uint64 {
	return rnd.r.Uint64()
}

// PongLen returns a pseudo-random ping pong-length in [0, max].
func (rnd *Rand) PongLen(max uint16) uint16 {
	if max == 0 {
		return 0
	}
	return uint16(rnd.r.IntN(int(max) + 1))
}

// Duration jitters a base duration by up to +/- frac (0..1), used to
// avoid thundering-herd reconnects and probes.
func (rnd *Rand) Duration(base time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return base
	}
	delta := float64(base) * frac
	offset := (rnd.r.Float64()*2 - 1) * delta
	return base + time.Duration(offset)
}
