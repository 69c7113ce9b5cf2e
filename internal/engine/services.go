package engine

import (
	"time"

	"github.com/kestreldb/kestrel/internal/checkpoint"
	"github.com/kestreldb/kestrel/internal/model"
	"github.com/kestreldb/kestrel/internal/vbucket"
	"go.uber.org/zap"
)

// flushAll drains every partition's persistence cursor to the store.
func (e *Engine) flushAll() {
	for _, v := range e.snapshot() {
		e.flushOne(v)
	}
	e.publishGauges()
}

func (e *Engine) flushOne(v *vbucket.VBucket) {
	for {
		batch, err := v.NextFlushBatch(e.cfg.Engine.FlusherBatch)
		if err != nil {
			e.logger.Error("flush batch drain failed",
				zap.Uint16("vbucket", uint16(v.ID())), zap.Error(err))
			return
		}
		if batch.Seqno == 0 {
			return
		}

		start := time.Now()
		rec := v.StateRecord(batch.Snapshot, batch.Seqno)
		if err := e.store.ApplyBatch(v.ID(), batch.Docs, rec); err != nil {
			e.logger.Error("flush batch write failed",
				zap.Uint16("vbucket", uint16(v.ID())),
				zap.Int("docs", len(batch.Docs)),
				zap.Error(err))
			return
		}
		v.MarkCleanBatch(batch.Docs)
		v.NotifyPersistence(batch.Seqno, batch.Snapshot)

		if e.mx != nil {
			e.mx.FlusherBatchesTotal.Inc()
			e.mx.FlusherItemsPersisted.Add(float64(len(batch.Docs)))
			e.mx.FlusherBatchDuration.Observe(time.Since(start).Seconds())
		}
		if !batch.More {
			return
		}
	}
}

// runPager expires overdue keys and relieves memory pressure by evicting
// clean values once usage crosses the mutation threshold.
func (e *Engine) runPager() {
	now := time.Now()
	vbs := e.snapshot()

	for _, v := range vbs {
		if n := v.PageOutExpired(now); n > 0 {
			e.logger.Debug("pager expired keys",
				zap.Uint16("vbucket", uint16(v.ID())), zap.Int("count", n))
		}
	}

	used := e.quota.MemUsed()
	threshold := e.quota.MutationThreshold()
	if used <= threshold || len(vbs) == 0 {
		return
	}
	excess := used - threshold
	perVB := excess/uint64(len(vbs)) + 1
	var reclaimed uint64
	for _, v := range vbs {
		reclaimed += v.EvictCleanValues(perVB)
	}
	e.logger.Info("pager evicted values",
		zap.Uint64("mem_used", used),
		zap.Uint64("threshold", threshold),
		zap.Uint64("reclaimed", reclaimed))
}

// sweepDurability aborts sync writes past their deadline.
func (e *Engine) sweepDurability() {
	now := time.Now()
	for _, v := range e.snapshot() {
		v.ProcessDurabilityTimeout(now)
	}
}

// compactAll runs a compaction pass over every partition.
func (e *Engine) compactAll() {
	for _, v := range e.snapshot() {
		if _, err := v.Compact(e.cfg.Engine.TombstonePurgeAge, time.Now()); err != nil {
			e.logger.Error("compaction failed",
				zap.Uint16("vbucket", uint16(v.ID())), zap.Error(err))
		}
	}
}

// publishGauges aggregates partition counters into the metrics registry.
func (e *Engine) publishGauges() {
	if e.mx == nil {
		return
	}
	var items, temps, tombstones, nonResident, memUsed int64
	var ckpts, queueDepth int
	for _, v := range e.snapshot() {
		s := v.Stats()
		items += s.HashTable.NumItems
		temps += s.HashTable.NumTemp
		tombstones += s.HashTable.NumDeleted
		nonResident += s.HashTable.NumNonResident
		memUsed += s.HashTable.MemUsed
		ckpts += s.Checkpoint.NumCheckpoints
		queueDepth += v.Checkpoints().NumItemsForCursor(checkpoint.PersistenceCursor)
	}
	e.mx.CurrItems.Set(float64(items))
	e.mx.CurrTempItems.Set(float64(temps))
	e.mx.CurrTombstones.Set(float64(tombstones))
	e.mx.NonResidentItems.Set(float64(nonResident))
	e.mx.MemUsedBytes.Set(float64(memUsed))
	e.mx.CheckpointCount.Set(float64(ckpts))
	e.mx.PersistenceQueueDepth.Set(float64(queueDepth))
}

// ActiveVBuckets lists the ids of partitions currently in the active state.
func (e *Engine) ActiveVBuckets() []model.VBucketID {
	var out []model.VBucketID
	for _, v := range e.snapshot() {
		if v.State() == model.VBActive {
			out = append(out, v.ID())
		}
	}
	return out
}
