package vbucket

import (
	"github.com/kestreldb/kestrel/internal/bloom"
	"github.com/kestreldb/kestrel/internal/checkpoint"
	"github.com/kestreldb/kestrel/internal/durability"
	"github.com/kestreldb/kestrel/internal/hashtable"
	"github.com/kestreldb/kestrel/internal/hlc"
	"github.com/kestreldb/kestrel/internal/model"
)

// Stats is a point-in-time snapshot of one partition.
type Stats struct {
	ID             model.VBucketID
	State          string
	HighSeqno      uint64
	PersistedSeqno uint64
	PurgeSeqno     uint64
	MaxCAS         uint64
	Snapshot       model.SnapshotRange
	// PersistedSnapshot is the snapshot range local persistence has fully
	// covered; it can trail Snapshot while the flusher catches up.
	PersistedSnapshot model.SnapshotRange
	FailoverUUID      string
	HashTable         hashtable.Statistics
	Checkpoint        checkpoint.Stats
	Durability        durability.MonitorStats
	Bloom             bloom.Stats
	Drift             hlc.DriftStats
}

// Stats snapshots the partition's counters. Each subsystem is sampled under
// its own lock; the result is not a single atomic cut.
func (v *VBucket) Stats() Stats {
	v.stateMu.RLock()
	state := v.state
	failover := v.failover.Latest()
	v.stateMu.RUnlock()

	v.persistMu.Lock()
	persisted := v.persistedSeqno
	persistedSnap := v.persistedSnap
	purge := v.purgeSeqno
	v.persistMu.Unlock()

	return Stats{
		ID:                v.id,
		State:             state.String(),
		HighSeqno:         v.ckptMgr.HighSeqno(),
		PersistedSeqno:    persisted,
		PurgeSeqno:        purge,
		MaxCAS:            v.clock.MaxCAS(),
		Snapshot:          v.ckptMgr.SnapshotRange(),
		PersistedSnapshot: persistedSnap,
		FailoverUUID:      failover.UUID.String(),
		HashTable:         v.ht.StatsSnapshot(),
		Checkpoint:        v.ckptMgr.StatsSnapshot(),
		Durability:        v.monitor().Stats(),
		Bloom:             v.blooms.StatsSnapshot(),
		Drift:             v.clock.Drift(),
	}
}
