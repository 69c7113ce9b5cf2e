package vbucket

import (
	"time"

	"github.com/kestreldb/kestrel/internal/hashtable"
	"github.com/kestreldb/kestrel/internal/hlc"
	"github.com/kestreldb/kestrel/internal/kvstore"
	"github.com/kestreldb/kestrel/internal/model"
	"go.uber.org/zap"
)

// FlushBatch is one persistence unit drained from the mutation log.
type FlushBatch struct {
	Docs     []*kvstore.Document
	Snapshot model.SnapshotRange
	Seqno    uint64
	More     bool
}

// NextFlushBatch drains up to approxLimit items for the persistence cursor
// and shapes them into store documents. A prepare advances the persisted
// seqno without producing a document; the committed revision lands on disk
// when the commit drains, so an abort never leaves an uncommitted body
// behind.
func (v *VBucket) NextFlushBatch(approxLimit int) (FlushBatch, error) {
	items, snap, more, err := v.ckptMgr.ItemsForPersistence(approxLimit)
	if err != nil {
		return FlushBatch{}, err
	}
	if len(items) == 0 {
		return FlushBatch{More: more}, nil
	}

	batch := FlushBatch{Snapshot: snap, More: more}
	for _, it := range items {
		if it.Seqno > batch.Seqno {
			batch.Seqno = it.Seqno
		}
		switch it.Op {
		case model.OpMutation, model.OpDeletion, model.OpCommit:
			batch.Docs = append(batch.Docs, &kvstore.Document{
				Key:      it.Key,
				Value:    it.Value,
				Meta:     it.Meta,
				Datatype: it.Datatype,
				Seqno:    it.Seqno,
				Deleted:  it.Deleted || it.Op == model.OpDeletion,
			})
		}
	}
	return batch, nil
}

// StateRecord builds the partition sidecar persisted with every flush batch.
func (v *VBucket) StateRecord(snap model.SnapshotRange, highSeqno uint64) *kvstore.VBStateRecord {
	v.stateMu.RLock()
	state := v.state
	failover := v.failover.Clone()
	var topology model.ReplicationTopology
	if v.adm != nil {
		topology = v.adm.Topology()
	}
	v.stateMu.RUnlock()

	v.persistMu.Lock()
	purge := v.purgeSeqno
	v.persistMu.Unlock()

	return &kvstore.VBStateRecord{
		State:      state.String(),
		HighSeqno:  highSeqno,
		PurgeSeqno: purge,
		Snapshot:   snap,
		MaxCAS:     v.clock.MaxCAS(),
		Failover:   failover,
		Topology:   topology,
	}
}

// MarkCleanBatch clears dirty bits for items a flush batch covered. Stale
// completions lose against newer in-memory revisions.
func (v *VBucket) MarkCleanBatch(docs []*kvstore.Document) {
	for _, doc := range docs {
		bucket, sv := v.ht.FindForWrite(doc.Key)
		if sv != nil {
			sv.MarkClean(doc.Seqno)
		}
		bucket.Unlock()
	}
}

// CompactionResult summarizes one compaction pass.
type CompactionResult struct {
	TombstonesPurged int
	KeysExpired      int
	LiveKeys         int
}

// Compact walks the persisted keyspace: tombstones older than purgeAge are
// physically removed, persisted-but-expired documents are turned into
// queued deletions, and the bloom filter is rebuilt from the surviving
// keys.
func (v *VBucket) Compact(purgeAge time.Duration, now time.Time) (CompactionResult, error) {
	var res CompactionResult

	expected, err := v.store.NumDocs(v.id)
	if err != nil {
		return res, err
	}
	v.blooms.BeginRebuild(int(expected))

	cutoffCAS := hlc.CASAt(now.Add(-purgeAge))
	var maxPurged uint64

	err = v.store.Dump(v.id, func(doc *kvstore.Document) error {
		if doc.Deleted {
			if doc.Meta.CAS < cutoffCAS {
				if delErr := v.store.Del(v.id, doc.Key); delErr != nil {
					return delErr
				}
				if doc.Seqno > maxPurged {
					maxPurged = doc.Seqno
				}
				res.TombstonesPurged++
				return nil
			}
			// Tombstone kept: it stays invisible to reads, so it does not
			// enter the rebuilt filter under value eviction.
			if v.fullEviction {
				v.blooms.AddToRebuild(doc.Key)
			}
			return nil
		}
		if doc.Meta.Expiry > 0 && int64(doc.Meta.Expiry) <= now.Unix() {
			v.expirePersisted(doc)
			res.KeysExpired++
			return nil
		}
		v.blooms.AddToRebuild(doc.Key)
		res.LiveKeys++
		return nil
	})
	if err != nil {
		v.blooms.AbortRebuild()
		return res, err
	}
	v.blooms.CompleteRebuild()

	if maxPurged > 0 {
		v.persistMu.Lock()
		if maxPurged > v.purgeSeqno {
			v.purgeSeqno = maxPurged
		}
		v.persistMu.Unlock()
	}
	if v.mx != nil {
		v.mx.BloomRebuildsTotal.Inc()
	}
	v.logger.Info("compaction pass finished",
		zap.Int("tombstones_purged", res.TombstonesPurged),
		zap.Int("keys_expired", res.KeysExpired),
		zap.Int("live_keys", res.LiveKeys))
	return res, nil
}

// Warmup seeds the hash table from one persisted document during startup.
// With metadataOnly the value stays on disk and the entry starts
// non-resident.
func (v *VBucket) Warmup(doc *kvstore.Document, metadataOnly bool) {
	bucket, sv := v.ht.FindForWrite(doc.Key)
	if sv != nil {
		bucket.Unlock()
		return
	}

	value := doc.Value
	if metadataOnly || doc.Deleted {
		value = nil
	}
	sv = hashtable.NewStoredValue(doc.Key, value, doc.Meta, doc.Datatype)
	sv.Seqno = doc.Seqno
	sv.Deleted = doc.Deleted
	sv.MarkClean(doc.Seqno)
	if metadataOnly && !doc.Deleted {
		sv.MarkNonResident()
	}
	bucket.Insert(sv)
	bucket.Unlock()

	if !doc.Deleted {
		v.blooms.Add(doc.Key)
	}
	v.clock.Observe(doc.Meta.CAS)
}

// EvictCleanValues releases value memory from clean, unreferenced entries
// until bytesTarget is reclaimed, giving recently read keys a second
// chance. Returns the bytes reclaimed.
func (v *VBucket) EvictCleanValues(bytesTarget uint64) uint64 {
	var candidates []string
	v.ht.ForEach(func(sv *hashtable.StoredValue) {
		if sv.IsTemp() || sv.Deleted || sv.Prepare != nil || !sv.IsResident() || sv.IsDirty() {
			return
		}
		if sv.ClearReferenced() {
			return
		}
		candidates = append(candidates, sv.Key)
	})

	var reclaimed uint64
	for _, key := range candidates {
		if reclaimed >= bytesTarget {
			break
		}
		bucket, sv := v.ht.FindForWrite(key)
		if sv == nil || sv.IsTemp() || sv.Deleted || sv.Prepare != nil ||
			!sv.IsResident() || sv.IsDirty() {
			bucket.Unlock()
			continue
		}
		oldSize := sv.Size()
		if v.fullEviction {
			bucket.Remove(sv)
			reclaimed += oldSize
		} else {
			sv.MarkNonResident()
			v.ht.NoteNonResident(1)
			bucket.ResizeValue(sv, oldSize)
			reclaimed += oldSize - sv.Size()
		}
		bucket.Unlock()
	}
	return reclaimed
}

// expirePersisted queues a deletion for a persisted document whose expiry
// passed, materializing the key in memory first when eviction dropped it.
func (v *VBucket) expirePersisted(doc *kvstore.Document) {
	if v.State() != model.VBActive {
		return
	}
	bucket, sv := v.ht.FindForWrite(doc.Key)
	if sv == nil {
		sv = hashtable.NewStoredValue(doc.Key, nil, doc.Meta, doc.Datatype)
		sv.Seqno = doc.Seqno
		bucket.Insert(sv)
	} else if sv.IsTemp() || sv.Deleted || sv.Prepare != nil || sv.IsDirty() || sv.Seqno != doc.Seqno {
		// A newer in-memory revision supersedes the persisted one.
		bucket.Unlock()
		return
	}
	seqno, cid, err := v.expireUnderLock(bucket, sv, model.ExpiryByCompactor)
	bucket.Unlock()
	if err != nil {
		v.logger.Warn("compactor failed to expire key",
			zap.String("key", doc.Key), zap.Error(err))
		return
	}
	v.afterQueue(doc.Key, seqno, cid)
}
