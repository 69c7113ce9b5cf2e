package bloom

import (
	"hash/fnv"
	"math"
)

// Filter is a probabilistic set membership structure used to skip disk
// lookups for keys that were never written.
type Filter struct {
	bits      []uint64
	size      uint64
	hashCount uint64
	keys      uint64
}

// NewFilter creates a filter sized for expectedElements at the given false
// positive rate.
func NewFilter(expectedElements int, falsePositiveRate float64) *Filter {
	// Optimal size: m = -(n * ln(p)) / (ln(2)^2)
	size := uint64(-float64(expectedElements) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	if size == 0 {
		size = 1
	}

	// Optimal hash count: k = (m/n) * ln(2)
	hashCount := uint64(float64(size) / float64(expectedElements) * math.Ln2)
	if hashCount == 0 {
		hashCount = 1
	}

	return &Filter{
		bits:      make([]uint64, (size+63)/64),
		size:      size,
		hashCount: hashCount,
	}
}

// Add inserts a key into the filter.
func (f *Filter) Add(key string) {
	h1, h2 := baseHashes(key)
	for i := uint64(0); i < f.hashCount; i++ {
		pos := (h1 + i*h2) % f.size
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.keys++
}

// MayContain reports whether key might have been added. False positives are
// possible, false negatives are not.
func (f *Filter) MayContain(key string) bool {
	h1, h2 := baseHashes(key)
	for i := uint64(0); i < f.hashCount; i++ {
		pos := (h1 + i*h2) % f.size
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// NumKeys returns the number of Add calls observed.
func (f *Filter) NumKeys() uint64 { return f.keys }

// Size returns the bit capacity of the filter.
func (f *Filter) Size() uint64 { return f.size }

// baseHashes derives the two FNV hashes used for double hashing:
// h(i) = h1(x) + i*h2(x).
func baseHashes(key string) (uint64, uint64) {
	h := fnv.New64()
	h.Write([]byte(key))
	h1 := h.Sum64()

	h.Reset()
	h.Write([]byte(key))
	h.Write([]byte("salt"))
	h2 := h.Sum64()

	return h1, h2
}
