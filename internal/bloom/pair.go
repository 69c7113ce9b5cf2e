package bloom

import "sync"

// Pair is the main/temp filter pair a partition consults. At steady state
// only main exists. While a compaction rebuilds residency knowledge, a temp
// filter shadow-tracks new insertions so it can atomically replace main when
// the rebuild completes, leaving no window where recent writes are invisible.
type Pair struct {
	mu      sync.Mutex
	main    *Filter
	temp    *Filter
	enabled bool

	expected int
	fpr      float64
}

// NewPair creates an enabled pair with an empty main filter.
func NewPair(expectedElements int, falsePositiveRate float64, enabled bool) *Pair {
	p := &Pair{
		enabled:  enabled,
		expected: expectedElements,
		fpr:      falsePositiveRate,
	}
	if enabled {
		p.main = NewFilter(expectedElements, falsePositiveRate)
	}
	return p
}

// Enabled reports whether the pair answers queries.
func (p *Pair) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled && p.main != nil
}

// Add records a key in main and, if a rebuild is in flight, in temp too.
func (p *Pair) Add(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return
	}
	if p.main != nil {
		p.main.Add(key)
	}
	if p.temp != nil {
		p.temp.Add(key)
	}
}

// MayContain answers from main. When the pair is disabled or main is absent
// the answer is true: without a filter a disk lookup must not be skipped.
func (p *Pair) MayContain(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled || p.main == nil {
		return true
	}
	return p.main.MayContain(key)
}

// BeginRebuild starts shadow-tracking insertions, sizing temp for the
// expected residual key count after compaction.
func (p *Pair) BeginRebuild(expectedElements int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return
	}
	if expectedElements <= 0 {
		expectedElements = p.expected
	}
	p.temp = NewFilter(expectedElements, p.fpr)
}

// AddToRebuild records a key surviving compaction into the temp filter only.
func (p *Pair) AddToRebuild(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.temp != nil {
		p.temp.Add(key)
	}
}

// CompleteRebuild atomically promotes temp to main.
func (p *Pair) CompleteRebuild() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.temp != nil {
		p.main = p.temp
		p.temp = nil
	}
}

// AbortRebuild discards an in-flight temp filter, keeping main untouched.
func (p *Pair) AbortRebuild() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.temp = nil
}

// Stats describes the current pair for stats surfaces.
type Stats struct {
	Enabled    bool
	NumKeys    uint64
	Size       uint64
	Rebuilding bool
}

// StatsSnapshot returns a point-in-time view.
func (p *Pair) StatsSnapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Enabled: p.enabled, Rebuilding: p.temp != nil}
	if p.main != nil {
		s.NumKeys = p.main.NumKeys()
		s.Size = p.main.Size()
	}
	return s
}
