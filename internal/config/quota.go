package config

import (
	"math"
	"sync/atomic"
)

// Quota is the shared memory accounting object observed by every partition.
// Thresholds are live-tunable: Set* calls by an operator are seen by all
// readers without restart. Single writer, many readers.
type Quota struct {
	maxSize          atomic.Uint64
	memUsed          atomic.Int64
	mutationRatio    atomic.Uint64 // float64 bits
	replicationRatio atomic.Uint64 // float64 bits
}

// NewQuota builds a Quota from the static configuration.
func NewQuota(cfg QuotaConfig) *Quota {
	q := &Quota{}
	q.maxSize.Store(cfg.MaxSize)
	q.mutationRatio.Store(math.Float64bits(cfg.MutationRatio))
	q.replicationRatio.Store(math.Float64bits(cfg.ReplicationRatio))
	return q
}

// MaxSize returns the configured memory ceiling in bytes.
func (q *Quota) MaxSize() uint64 { return q.maxSize.Load() }

// SetMaxSize retunes the memory ceiling.
func (q *Quota) SetMaxSize(v uint64) { q.maxSize.Store(v) }

// SetMutationRatio retunes the admission threshold for active partitions.
func (q *Quota) SetMutationRatio(r float64) { q.mutationRatio.Store(math.Float64bits(r)) }

// SetReplicationRatio retunes the admission threshold for replica and
// pending partitions.
func (q *Quota) SetReplicationRatio(r float64) { q.replicationRatio.Store(math.Float64bits(r)) }

// MemUsed returns current tracked memory in bytes.
func (q *Quota) MemUsed() uint64 {
	v := q.memUsed.Load()
	if v < 0 {
		return 0
	}
	return uint64(v)
}

// Account records an allocation (positive) or release (negative).
func (q *Quota) Account(delta int64) { q.memUsed.Add(delta) }

// MutationThreshold returns the admission limit for active partitions.
func (q *Quota) MutationThreshold() uint64 {
	return uint64(float64(q.maxSize.Load()) * math.Float64frombits(q.mutationRatio.Load()))
}

// ReplicationThreshold returns the admission limit for replica and pending
// partitions. Replication gets more headroom so an active node's stream is
// not rejected before client traffic is.
func (q *Quota) ReplicationThreshold() uint64 {
	return uint64(float64(q.maxSize.Load()) * math.Float64frombits(q.replicationRatio.Load()))
}

// AdmitMutation reports whether size more bytes fit under the active
// threshold, returning the values needed for a NoMem diagnostic.
func (q *Quota) AdmitMutation(size uint64) (ok bool, used, limit uint64) {
	used = q.MemUsed()
	limit = q.MutationThreshold()
	return used+size <= limit, used, limit
}

// AdmitReplication is AdmitMutation against the replication threshold.
func (q *Quota) AdmitReplication(size uint64) (ok bool, used, limit uint64) {
	used = q.MemUsed()
	limit = q.ReplicationThreshold()
	return used+size <= limit, used, limit
}
