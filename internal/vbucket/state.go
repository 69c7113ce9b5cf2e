package vbucket

import (
	"fmt"
	"time"

	"github.com/kestreldb/kestrel/internal/durability"
	"github.com/kestreldb/kestrel/internal/errors"
	"github.com/kestreldb/kestrel/internal/hashtable"
	"github.com/kestreldb/kestrel/internal/model"
	"go.uber.org/zap"
)

// SetState transitions the partition lifecycle state. Promotion to active
// carries replicated prepares into the new quorum monitor; demotion away
// from active answers in-flight sync-write clients with an ambiguous
// outcome, leaving the prepares for the new active to resolve.
func (v *VBucket) SetState(next model.VBState) error {
	v.stateMu.Lock()
	prev := v.state
	if prev == next {
		v.stateMu.Unlock()
		return nil
	}

	var ambiguous []*durability.TrackedWrite
	switch {
	case next == model.VBActive:
		carry := v.dm.TrackedWrites()
		v.adm = durability.NewActiveMonitor(v.id, v.logger, carry)
		v.pdm = nil
		v.dm = v.adm
		entry := v.failover.CreateEntry(v.ckptMgr.HighSeqno())
		v.logger.Info("partition promoted to active",
			zap.String("prev_state", prev.String()),
			zap.String("failover_uuid", entry.UUID.String()),
			zap.Uint64("failover_seqno", entry.Seqno),
			zap.Int("carried_prepares", len(carry)))
	case prev == model.VBActive:
		ambiguous = v.dm.TrackedWrites()
		v.adm = nil
		v.pdm = durability.NewPassiveMonitor(v.id, v.logger, nil)
		v.dm = v.pdm
		v.logger.Info("partition demoted from active",
			zap.String("next_state", next.String()),
			zap.Int("in_flight_sync_writes", len(ambiguous)))
	}
	v.state = next
	v.stateMu.Unlock()

	v.queueStateMarker(next)
	for _, w := range ambiguous {
		v.callbacks.syncWriteComplete(w.Cookie, w.Key, errors.DurabilityAmbiguous(w.Key, w.Seqno))
	}
	return nil
}

// queueStateMarker records the state change in the mutation log so
// downstream consumers observe it in seqno order.
func (v *VBucket) queueStateMarker(state model.VBState) {
	item := &model.Item{
		Key:      fmt.Sprintf("_local/vbstate/%d", v.id),
		Op:       model.OpSetVBState,
		VBucket:  v.id,
		QueuedAt: time.Now(),
	}
	seqno, _, err := v.ckptMgr.QueueDirty(item)
	if err != nil {
		v.logger.Error("failed to queue state marker", zap.Error(err))
		return
	}
	v.callbacks.newSeqno(v.id, seqno)
}

// SetReplicationTopology installs the replica chains the quorum is judged
// against. Only valid on an active partition. In-flight sync writes survive
// re-application; any that already satisfy the new topology commit now.
func (v *VBucket) SetReplicationTopology(t model.ReplicationTopology) error {
	adm, err := v.activeMonitor()
	if err != nil {
		return err
	}
	committed, err := adm.SetReplicationTopology(t)
	if err != nil {
		return err
	}
	v.commitResolved(committed)
	return nil
}

// ReplicationTopology returns the current topology of an active partition.
func (v *VBucket) ReplicationTopology() (model.ReplicationTopology, error) {
	adm, err := v.activeMonitor()
	if err != nil {
		return model.ReplicationTopology{}, err
	}
	return adm.Topology(), nil
}

// Failover returns a copy of the partition's failover table.
func (v *VBucket) Failover() *model.FailoverTable {
	v.stateMu.RLock()
	defer v.stateMu.RUnlock()
	return v.failover.Clone()
}

// BeginBackfill switches replicated ingest to the backfill queue, used while
// the partition receives a disk snapshot whose seqnos predate the log.
func (v *VBucket) BeginBackfill() {
	v.backfillMu.Lock()
	v.inBackfill = true
	v.backfillMu.Unlock()
	v.logger.Info("backfill started")
}

// EndBackfill returns replicated ingest to the in-memory mutation log.
func (v *VBucket) EndBackfill() {
	v.backfillMu.Lock()
	v.inBackfill = false
	v.backfillMu.Unlock()
	v.logger.Info("backfill finished")
}

func (v *VBucket) backfilling() bool {
	v.backfillMu.Lock()
	defer v.backfillMu.Unlock()
	return v.inBackfill
}

// ReplicatedOp is one item arriving on a replication stream.
type ReplicatedOp struct {
	Item *model.Item
	// PrepareDeadline bounds a replicated sync write locally. Required for
	// prepares; ignored for every other operation.
	PrepareDeadline time.Time
}

// ApplyReplicated ingests one operation from the active node's stream. The
// item must carry the seqno the active assigned.
func (v *VBucket) ApplyReplicated(op ReplicatedOp) error {
	v.stateMu.RLock()
	state := v.state
	pdm := v.pdm
	v.stateMu.RUnlock()
	if state != model.VBReplica && state != model.VBPending {
		return errors.NotMyVBucket(uint16(v.id), state.String())
	}

	item := op.Item
	if item == nil || item.Seqno == 0 {
		return errors.InvalidArgument("replicated item must carry an assigned seqno", nil)
	}

	switch item.Op {
	case model.OpMutation, model.OpDeletion:
		return v.applyReplicatedMutation(item)
	case model.OpPrepare:
		return v.applyReplicatedPrepare(item, op.PrepareDeadline, pdm)
	case model.OpCommit:
		return v.applyReplicatedCommit(item, pdm)
	case model.OpAbort:
		return v.applyReplicatedAbort(item, pdm)
	case model.OpSetVBState:
		_, err := v.queueReplicated(item)
		return err
	default:
		return errors.InvalidArgument(
			fmt.Sprintf("unsupported replicated operation %d", item.Op), nil)
	}
}

// queueReplicated routes an item to the mutation log or the backfill queue.
func (v *VBucket) queueReplicated(item *model.Item) (uint64, error) {
	if v.backfilling() {
		v.ckptMgr.QueueBackfill(item)
		return item.Seqno, nil
	}
	seqno, _, err := v.ckptMgr.QueueDirty(item)
	if err != nil {
		return 0, errors.Internal("failed to queue replicated item", err)
	}
	return seqno, nil
}

func (v *VBucket) applyReplicatedMutation(item *model.Item) error {
	if err := v.ht.Admit(uint64(len(item.Key)+len(item.Value)), true); err != nil {
		return err
	}

	bucket, sv := v.ht.FindForWrite(item.Key)

	deleted := item.Deleted || item.Op == model.OpDeletion
	if sv == nil {
		sv = hashtable.NewStoredValue(item.Key, item.Value, item.Meta, item.Datatype)
		sv.Deleted = deleted
		sv.Seqno = item.Seqno
		bucket.Insert(sv)
	} else {
		oldSize := sv.Size()
		wasTemp := sv.IsTemp()
		wasDeleted := sv.Deleted
		wasNonResident := !sv.IsResident() && !wasTemp
		sv.Restore(item.Value, item.Meta, item.Datatype, item.Seqno, deleted)
		if wasTemp {
			bucket.NoteTempResolved()
			if deleted {
				v.ht.NoteDeleted(1)
			}
		} else if wasDeleted != deleted {
			if deleted {
				v.ht.NoteDeleted(1)
			} else {
				v.ht.NoteDeleted(-1)
			}
		}
		if wasNonResident {
			v.ht.NoteNonResident(-1)
		}
		bucket.ResizeValue(sv, oldSize)
	}
	sv.MarkDirty()

	seqno, err := v.queueReplicated(item)
	if err != nil {
		bucket.Unlock()
		return err
	}
	handle := v.manifest.Lock(item.Key)
	bucket.Unlock()

	if !deleted {
		v.blooms.Add(item.Key)
	}
	v.clock.Observe(item.Meta.CAS)
	v.manifest.SetHighSeqno(handle.CollectionID, seqno)
	return nil
}

func (v *VBucket) applyReplicatedPrepare(item *model.Item, deadline time.Time, pdm *durability.PassiveMonitor) error {
	if pdm == nil {
		return errors.NotMyVBucket(uint16(v.id), v.State().String())
	}
	if err := v.ht.Admit(uint64(len(item.Key)+len(item.Value)), true); err != nil {
		return err
	}

	bucket, sv := v.ht.FindForWrite(item.Key)
	if sv != nil && sv.Prepare != nil {
		bucket.Unlock()
		return errors.Internal(
			fmt.Sprintf("replicated prepare for key %q with prepare already in flight", item.Key), nil)
	}
	if sv == nil {
		sv = hashtable.NewTempStoredValue(item.Key)
		sv.Temp = hashtable.TempNonExistent
		bucket.Insert(sv)
	}
	oldSize := sv.Size()
	sv.Prepare = &hashtable.PendingPrepare{
		Value:    item.Value,
		Meta:     item.Meta,
		Datatype: item.Datatype,
		Seqno:    item.Seqno,
		Deleted:  item.Deleted,
		Level:    item.Level,
	}
	bucket.ResizeValue(sv, oldSize)
	sv.MarkDirty()

	if _, err := v.queueReplicated(item); err != nil {
		sv.Prepare = nil
		bucket.Unlock()
		return err
	}
	bucket.Unlock()

	v.ht.NotePending(1)
	if !item.Deleted {
		v.blooms.Add(item.Key)
	}
	v.clock.Observe(item.Meta.CAS)

	w := &durability.TrackedWrite{
		Key:      item.Key,
		Seqno:    item.Seqno,
		Level:    item.Level,
		Deadline: deadline,
	}
	return pdm.AddSyncWrite(w)
}

func (v *VBucket) applyReplicatedCommit(item *model.Item, pdm *durability.PassiveMonitor) error {
	if pdm == nil {
		return errors.NotMyVBucket(uint16(v.id), v.State().String())
	}

	bucket, sv := v.ht.FindForWrite(item.Key)
	if sv == nil || sv.Prepare == nil {
		bucket.Unlock()
		return errors.Internal(
			fmt.Sprintf("replicated commit for key %q without a tracked prepare", item.Key), nil)
	}
	prepareSeqno := sv.Prepare.Seqno

	oldSize := sv.Size()
	p := sv.Prepare
	wasTemp := sv.IsTemp()
	wasDeleted := sv.Deleted
	sv.Value = p.Value
	sv.Meta = p.Meta
	sv.Datatype = p.Datatype
	sv.Deleted = p.Deleted
	sv.Seqno = item.Seqno
	sv.Committed = model.CommittedViaPrepare
	sv.Prepare = nil
	sv.Temp = hashtable.TempNone
	if wasTemp {
		bucket.NoteTempResolved()
		if sv.Deleted {
			v.ht.NoteDeleted(1)
		}
	} else if wasDeleted != sv.Deleted {
		if sv.Deleted {
			v.ht.NoteDeleted(1)
		} else {
			v.ht.NoteDeleted(-1)
		}
	}
	bucket.ResizeValue(sv, oldSize)
	sv.MarkDirty()

	if _, err := v.queueReplicated(item); err != nil {
		bucket.Unlock()
		return err
	}
	bucket.Unlock()

	v.ht.NotePending(-1)
	if _, err := pdm.Resolve(prepareSeqno, true); err != nil {
		return err
	}
	return nil
}

func (v *VBucket) applyReplicatedAbort(item *model.Item, pdm *durability.PassiveMonitor) error {
	if pdm == nil {
		return errors.NotMyVBucket(uint16(v.id), v.State().String())
	}

	bucket, sv := v.ht.FindForWrite(item.Key)
	if sv == nil || sv.Prepare == nil {
		bucket.Unlock()
		return errors.Internal(
			fmt.Sprintf("replicated abort for key %q without a tracked prepare", item.Key), nil)
	}
	prepareSeqno := sv.Prepare.Seqno

	oldSize := sv.Size()
	sv.Prepare = nil
	bucket.ResizeValue(sv, oldSize)

	if _, err := v.queueReplicated(item); err != nil {
		bucket.Unlock()
		return err
	}
	if sv.IsTemp() && sv.Seqno == 0 {
		bucket.Remove(sv)
	}
	bucket.Unlock()

	v.ht.NotePending(-1)
	if _, err := pdm.Resolve(prepareSeqno, false); err != nil {
		return err
	}
	return nil
}
