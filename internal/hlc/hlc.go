// Package hlc implements the hybrid logical clock used to mint CAS values.
//
// A CAS is (physical milliseconds << 16) | logical counter. Physical time
// dominates so CAS order approximates wall-clock order across nodes; the
// logical counter breaks ties within one millisecond and absorbs clocks that
// run behind a peer.
package hlc

import (
	"sync"
	"time"
)

const logicalBits = 16

// DriftStats counts how far peer CAS values have diverged from local
// physical time.
type DriftStats struct {
	AheadCount   uint64
	BehindCount  uint64
	TotalAhead   time.Duration
	TotalBehind  time.Duration
}

// Clock mints monotonically increasing CAS values and tracks drift against
// CAS values received from peers.
type Clock struct {
	mu           sync.Mutex
	maxCAS       uint64
	now          func() time.Time
	aheadLimit   time.Duration
	behindLimit  time.Duration
	drift        DriftStats
}

// Option tunes a Clock.
type Option func(*Clock)

// WithNow overrides the time source, for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) { c.now = now }
}

// WithDriftLimits sets the thresholds beyond which peer drift is counted.
func WithDriftLimits(ahead, behind time.Duration) Option {
	return func(c *Clock) { c.aheadLimit, c.behindLimit = ahead, behind }
}

// NewClock creates a Clock starting at or above initialCAS.
func NewClock(initialCAS uint64, opts ...Option) *Clock {
	c := &Clock{
		maxCAS:      initialCAS,
		now:         time.Now,
		aheadLimit:  5 * time.Second,
		behindLimit: 5 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Next returns a new CAS strictly greater than every CAS this clock has
// returned or observed.
func (c *Clock) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := uint64(c.now().UnixMilli()) << logicalBits
	if physical > c.maxCAS {
		c.maxCAS = physical
	} else {
		c.maxCAS++
	}
	return c.maxCAS
}

// Observe folds a peer-minted CAS into the clock so subsequent Next calls
// stay above it, and records drift when the peer is outside the configured
// limits.
func (c *Clock) Observe(peerCAS uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	local := uint64(c.now().UnixMilli()) << logicalBits
	if peerCAS > local {
		d := PhysicalTime(peerCAS).Sub(PhysicalTime(local))
		if d > c.aheadLimit {
			c.drift.AheadCount++
			c.drift.TotalAhead += d
		}
	} else {
		d := PhysicalTime(local).Sub(PhysicalTime(peerCAS))
		if d > c.behindLimit {
			c.drift.BehindCount++
			c.drift.TotalBehind += d
		}
	}
	if peerCAS > c.maxCAS {
		c.maxCAS = peerCAS
	}
}

// MaxCAS returns the highest CAS minted or observed.
func (c *Clock) MaxCAS() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxCAS
}

// SetMaxCAS force-sets the clock position, used when a replica applies the
// active's persisted max-CAS.
func (c *Clock) SetMaxCAS(cas uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cas > c.maxCAS {
		c.maxCAS = cas
	}
}

// Drift returns a copy of the drift counters.
func (c *Clock) Drift() DriftStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drift
}

// PhysicalTime extracts the wall-clock component of a CAS.
func PhysicalTime(cas uint64) time.Time {
	return time.UnixMilli(int64(cas >> logicalBits))
}

// Logical extracts the logical counter component of a CAS.
func Logical(cas uint64) uint16 {
	return uint16(cas & (1<<logicalBits - 1))
}

// CASAt returns the smallest CAS whose physical component is t. CAS values
// below it were minted before t.
func CASAt(t time.Time) uint64 {
	return uint64(t.UnixMilli()) << logicalBits
}
