package hlc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNextIsStrictlyMonotonic(t *testing.T) {
	c := NewClock(0)
	prev := c.Next()
	for i := 0; i < 1000; i++ {
		next := c.Next()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestNextUsesLogicalCounterWithinMillisecond(t *testing.T) {
	at := time.UnixMilli(1_000_000)
	c := NewClock(0, WithNow(fixedNow(at)))

	first := c.Next()
	assert.Equal(t, at.UnixMilli(), PhysicalTime(first).UnixMilli())
	assert.Equal(t, uint16(0), Logical(first))

	second := c.Next()
	assert.Equal(t, first+1, second)
	assert.Equal(t, uint16(1), Logical(second))
}

func TestNextStaysAboveObservedPeer(t *testing.T) {
	at := time.UnixMilli(1_000_000)
	c := NewClock(0, WithNow(fixedNow(at)))

	peer := CASAt(at.Add(10 * time.Second))
	c.Observe(peer)

	assert.Greater(t, c.Next(), peer)
	assert.Equal(t, peer+1, c.MaxCAS())
}

func TestObserveTracksDrift(t *testing.T) {
	at := time.UnixMilli(1_000_000)
	c := NewClock(0, WithNow(fixedNow(at)), WithDriftLimits(5*time.Second, 5*time.Second))

	// Within limits: no drift recorded either way.
	c.Observe(CASAt(at.Add(time.Second)))
	c.Observe(CASAt(at.Add(-time.Second)))
	d := c.Drift()
	assert.Zero(t, d.AheadCount)
	assert.Zero(t, d.BehindCount)

	c.Observe(CASAt(at.Add(10 * time.Second)))
	c.Observe(CASAt(at.Add(-10 * time.Second)))
	d = c.Drift()
	assert.Equal(t, uint64(1), d.AheadCount)
	assert.Equal(t, uint64(1), d.BehindCount)
	assert.Equal(t, 10*time.Second, d.TotalAhead)
	assert.Equal(t, 10*time.Second, d.TotalBehind)
}

func TestObserveBehindPeerDoesNotRegress(t *testing.T) {
	at := time.UnixMilli(1_000_000)
	c := NewClock(0, WithNow(fixedNow(at)))

	local := c.Next()
	c.Observe(CASAt(at.Add(-time.Minute)))
	assert.Equal(t, local, c.MaxCAS())
}

func TestInitialCASRespected(t *testing.T) {
	at := time.UnixMilli(1_000_000)
	initial := CASAt(at.Add(time.Hour))
	c := NewClock(initial, WithNow(fixedNow(at)))

	assert.Equal(t, initial+1, c.Next())
}

func TestSetMaxCASOnlyAdvances(t *testing.T) {
	c := NewClock(100)
	c.SetMaxCAS(50)
	assert.Equal(t, uint64(100), c.MaxCAS())
	c.SetMaxCAS(200)
	assert.Equal(t, uint64(200), c.MaxCAS())
}

func TestCASAtRoundTrip(t *testing.T) {
	at := time.UnixMilli(1_234_567)
	cas := CASAt(at)
	assert.Equal(t, at.UnixMilli(), PhysicalTime(cas).UnixMilli())
	assert.Equal(t, uint16(0), Logical(cas))
}
