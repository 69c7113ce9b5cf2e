package vbucket

import (
	"fmt"
	"strconv"
	"time"

	"github.com/kestreldb/kestrel/internal/conflict"
	"github.com/kestreldb/kestrel/internal/durability"
	"github.com/kestreldb/kestrel/internal/errors"
	"github.com/kestreldb/kestrel/internal/hashtable"
	"github.com/kestreldb/kestrel/internal/model"
	"go.uber.org/zap"
)

// MutationRequest carries a client write.
type MutationRequest struct {
	Key      string
	Value    []byte
	Datatype model.Datatype
	Flags    uint32
	Expiry   uint32
	// CAS, when non-zero, makes the write conditional on the stored CAS.
	CAS        uint64
	Durability model.Requirements
	Cookie     interface{}
}

// MutationResult reports the outcome of an accepted write.
type MutationResult struct {
	CAS   uint64
	Seqno uint64
	// SyncPending means the write is queued as a prepare and the client is
	// answered later through SyncWriteComplete.
	SyncPending bool
}

// GetResult carries a read hit.
type GetResult struct {
	Value    []byte
	Meta     model.ItemMeta
	Datatype model.Datatype
	Seqno    uint64
	Deleted  bool
}

type storeMode int

const (
	storeUpsert storeMode = iota
	storeAdd
	storeReplace
)

// StoreIfStatus is a predicate verdict for StoreIf.
type StoreIfStatus int

const (
	// StoreIfContinue lets the write proceed.
	StoreIfContinue StoreIfStatus = iota
	// StoreIfFail rejects the write with a predicate failure.
	StoreIfFail
	// StoreIfGetInfo demands the full document; on a non-resident value
	// the write parks on a background fetch first.
	StoreIfGetInfo
)

// StoreIfPredicate inspects the current revision before a conditional write.
// meta is nil when the key does not exist.
type StoreIfPredicate func(meta *model.ItemMeta, exists bool) StoreIfStatus

func (v *VBucket) requireActive() error {
	v.stateMu.RLock()
	defer v.stateMu.RUnlock()
	if v.state != model.VBActive {
		return errors.NotMyVBucket(uint16(v.id), v.state.String())
	}
	return nil
}

func (v *VBucket) recordOp(op string, start time.Time, err error) {
	if v.mx == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = errors.CodeOf(err).String()
	}
	v.mx.RecordOp(op, outcome, time.Since(start).Seconds())
}

// Get reads the committed revision of key. Absent, deleted and expired keys
// answer KeyNotFound; a non-resident value parks the cookie on a background
// fetch and answers WouldBlock.
func (v *VBucket) Get(key string, cookie interface{}) (res GetResult, err error) {
	defer v.recordOp("get", time.Now(), err)
	if err = v.requireActive(); err != nil {
		return GetResult{}, err
	}
	if err = v.validator.ValidateKey(key); err != nil {
		return GetResult{}, err
	}
	return v.get(key, cookie, hashtable.ReadOptions{TrackReference: true})
}

// GetWithMeta reads key including tombstones, for metadata readers.
func (v *VBucket) GetWithMeta(key string, cookie interface{}) (res GetResult, err error) {
	defer v.recordOp("get_meta", time.Now(), err)
	if err = v.requireActive(); err != nil {
		return GetResult{}, err
	}
	if err = v.validator.ValidateKey(key); err != nil {
		return GetResult{}, err
	}
	return v.get(key, cookie, hashtable.ReadOptions{WantsDeleted: true})
}

func (v *VBucket) get(key string, cookie interface{}, opts hashtable.ReadOptions) (GetResult, error) {
	now := time.Now()
	bucket, sv := v.ht.FindForRead(key, opts)

	if sv == nil {
		bucket.Unlock()
		return GetResult{}, v.missOrFetch(key, cookie)
	}
	if sv.IsTemp() {
		return GetResult{}, v.resolveTemp(bucket, sv, cookie)
	}
	if !sv.Deleted && sv.IsExpired(now) {
		seqno, cid, expErr := v.expireUnderLock(bucket, sv, model.ExpiryByAccess)
		bucket.Unlock()
		if expErr == nil {
			v.afterQueue(key, seqno, cid)
		}
		return GetResult{}, errors.KeyNotFound(key)
	}
	if !sv.IsResident() {
		bucket.Unlock()
		v.scheduleFetch(key, cookie)
		return GetResult{}, errors.WouldBlock(key)
	}

	res := GetResult{
		Value:    append([]byte(nil), sv.Value...),
		Meta:     sv.Meta,
		Datatype: sv.Datatype,
		Seqno:    sv.Seqno,
		Deleted:  sv.Deleted,
	}
	if sv.Deleted {
		res.Value = nil
	}
	bucket.Unlock()
	return res, nil
}

// missOrFetch decides whether an in-memory miss is definitive. Under value
// eviction every key has resident metadata so a miss is final; under full
// eviction the bloom filter arbitrates.
func (v *VBucket) missOrFetch(key string, cookie interface{}) error {
	if v.fullEviction && v.blooms.MayContain(key) {
		v.scheduleFetch(key, cookie)
		return errors.WouldBlock(key)
	}
	if v.mx != nil {
		v.mx.BloomSkipsTotal.Inc()
	}
	return errors.KeyNotFound(key)
}

// resolveTemp interprets a fetch placeholder found under the held bucket
// lock. Completed negative markers are reaped on this read.
func (v *VBucket) resolveTemp(bucket *hashtable.Bucket, sv *hashtable.StoredValue, cookie interface{}) error {
	switch sv.Temp {
	case hashtable.TempInitial:
		bucket.Unlock()
		v.addFetchWaiter(sv.Key, cookie)
		return errors.WouldBlock(sv.Key)
	default:
		// TempNonExistent / TempDeleted: the store has answered; the key
		// definitively has no live revision.
		if sv.Prepare == nil {
			bucket.Remove(sv)
		}
		key := sv.Key
		bucket.Unlock()
		return errors.KeyNotFound(key)
	}
}

// Set stores a value unconditionally (or CAS-conditionally when req.CAS is
// set), creating the key if needed.
func (v *VBucket) Set(req MutationRequest) (res MutationResult, err error) {
	defer v.recordOp("set", time.Now(), err)
	return v.storeMutation(req, storeUpsert, nil)
}

// Add stores a value only if the key has no live revision.
func (v *VBucket) Add(req MutationRequest) (res MutationResult, err error) {
	defer v.recordOp("add", time.Now(), err)
	return v.storeMutation(req, storeAdd, nil)
}

// Replace stores a value only if the key already has a live revision.
func (v *VBucket) Replace(req MutationRequest) (res MutationResult, err error) {
	defer v.recordOp("replace", time.Now(), err)
	return v.storeMutation(req, storeReplace, nil)
}

// StoreIf stores a value if pred admits the current revision.
func (v *VBucket) StoreIf(req MutationRequest, pred StoreIfPredicate) (res MutationResult, err error) {
	defer v.recordOp("store_if", time.Now(), err)
	return v.storeMutation(req, storeUpsert, pred)
}

func (v *VBucket) storeMutation(req MutationRequest, mode storeMode, pred StoreIfPredicate) (MutationResult, error) {
	if err := v.requireActive(); err != nil {
		return MutationResult{}, err
	}
	if err := v.validator.ValidateMutation(req.Key, req.Value); err != nil {
		return MutationResult{}, err
	}
	adm, err := v.syncWriteAdmission(req.Durability)
	if err != nil {
		return MutationResult{}, err
	}

	now := time.Now()
	bucket, sv := v.ht.FindForWrite(req.Key)

	var deferredSeqno uint64
	var deferredCID uint32
	exists := false
	if sv != nil {
		if sv.Temp == hashtable.TempInitial {
			bucket.Unlock()
			v.addFetchWaiter(req.Key, req.Cookie)
			return MutationResult{}, errors.WouldBlock(req.Key)
		}
		if sv.Prepare != nil {
			bucket.Unlock()
			return MutationResult{}, errors.TmpFail(
				fmt.Sprintf("sync write in progress for key %q", req.Key))
		}
		if !sv.IsTemp() && !sv.Deleted && sv.IsExpired(now) {
			seqno, cid, expErr := v.expireUnderLock(bucket, sv, model.ExpiryByAccess)
			if expErr != nil {
				bucket.Unlock()
				return MutationResult{}, expErr
			}
			deferredSeqno, deferredCID = seqno, cid
		}
		if sv.IsLocked(now) {
			if req.CAS == 0 || req.CAS != sv.Meta.CAS {
				bucket.Unlock()
				v.deferredNotify(req.Key, deferredSeqno, deferredCID)
				return MutationResult{}, errors.ItemLocked(req.Key)
			}
			sv.Unlock()
		}
		exists = !sv.IsTemp() && !sv.Deleted
	}

	if sv == nil && v.fullEviction && v.blooms.MayContain(req.Key) {
		// The key may live on disk with metadata this write must honor.
		bucket.Unlock()
		v.scheduleFetch(req.Key, req.Cookie)
		return MutationResult{}, errors.WouldBlock(req.Key)
	}

	switch mode {
	case storeAdd:
		if exists {
			cas := sv.Meta.CAS
			bucket.Unlock()
			v.deferredNotify(req.Key, deferredSeqno, deferredCID)
			return MutationResult{}, errors.KeyExists(req.Key, cas)
		}
	case storeReplace:
		if !exists {
			bucket.Unlock()
			v.deferredNotify(req.Key, deferredSeqno, deferredCID)
			return MutationResult{}, errors.KeyNotFound(req.Key)
		}
	}
	if req.CAS != 0 {
		if !exists {
			bucket.Unlock()
			v.deferredNotify(req.Key, deferredSeqno, deferredCID)
			return MutationResult{}, errors.KeyNotFound(req.Key)
		}
		if sv.Meta.CAS != req.CAS {
			cas := sv.Meta.CAS
			bucket.Unlock()
			v.deferredNotify(req.Key, deferredSeqno, deferredCID)
			return MutationResult{}, errors.KeyExists(req.Key, cas)
		}
	}
	if pred != nil {
		var metaPtr *model.ItemMeta
		if exists {
			m := sv.Meta
			metaPtr = &m
		}
		switch pred(metaPtr, exists) {
		case StoreIfFail:
			bucket.Unlock()
			v.deferredNotify(req.Key, deferredSeqno, deferredCID)
			return MutationResult{}, errors.PredicateFailed(req.Key)
		case StoreIfGetInfo:
			if exists && !sv.IsResident() {
				bucket.Unlock()
				v.deferredNotify(req.Key, deferredSeqno, deferredCID)
				v.scheduleFetch(req.Key, req.Cookie)
				return MutationResult{}, errors.WouldBlock(req.Key)
			}
		}
	}

	if err := v.ht.Admit(uint64(len(req.Key)+len(req.Value)), false); err != nil {
		bucket.Unlock()
		v.deferredNotify(req.Key, deferredSeqno, deferredCID)
		return MutationResult{}, err
	}

	meta := model.ItemMeta{
		CAS:      v.clock.Next(),
		RevSeqno: 1,
		Flags:    req.Flags,
		Expiry:   req.Expiry,
	}
	if sv != nil && !sv.IsTemp() {
		meta.RevSeqno = sv.Meta.RevSeqno + 1
	}

	if req.Durability.Level != model.LevelNone {
		res, err := v.queuePrepare(bucket, sv, adm, req, meta, false)
		if err != nil {
			return MutationResult{}, err
		}
		v.deferredNotify(req.Key, deferredSeqno, deferredCID)
		return res, nil
	}

	res, err := v.applyCommitted(bucket, sv, req.Key, req.Value, meta, req.Datatype, false)
	if err != nil {
		return MutationResult{}, err
	}
	v.deferredNotify(req.Key, deferredSeqno, deferredCID)
	return res, nil
}

// applyCommitted writes a committed revision into sv (inserting a fresh
// StoredValue when sv is nil), queues the mutation and runs the post-queue
// bookkeeping. The bucket lock is released before returning.
func (v *VBucket) applyCommitted(bucket *hashtable.Bucket, sv *hashtable.StoredValue,
	key string, value []byte, meta model.ItemMeta, datatype model.Datatype, deleted bool) (MutationResult, error) {

	op := model.OpMutation
	if deleted {
		op = model.OpDeletion
		value = nil
	}

	if sv == nil {
		sv = hashtable.NewStoredValue(key, value, meta, datatype)
		sv.Deleted = deleted
		bucket.Insert(sv)
	} else {
		oldSize := sv.Size()
		wasTemp := sv.IsTemp()
		wasDeleted := sv.Deleted
		wasNonResident := !sv.IsResident() && !wasTemp
		sv.Restore(value, meta, datatype, sv.Seqno, deleted)
		sv.Committed = model.CommittedViaMutation
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

	item := sv.ToItem(v.id, op)
	item.Seqno = 0
	seqno, err := v.queueDirty(bucket, sv, item)
	if err != nil {
		bucket.Unlock()
		return MutationResult{}, err
	}
	handle := v.manifest.Lock(key)
	bucket.Unlock()

	if !deleted {
		v.blooms.Add(key)
	}
	if v.mx != nil {
		v.mx.MutationBytes.Observe(float64(len(value)))
	}
	v.afterQueue(key, seqno, handle.CollectionID)
	return MutationResult{CAS: meta.CAS, Seqno: seqno}, nil
}

// queuePrepare parks a sync-write revision on the key and registers it with
// the active durability monitor. The bucket lock is released before the
// monitor is touched.
func (v *VBucket) queuePrepare(bucket *hashtable.Bucket, sv *hashtable.StoredValue,
	adm *durability.ActiveMonitor, req MutationRequest, meta model.ItemMeta, deleted bool) (MutationResult, error) {

	if sv == nil {
		sv = hashtable.NewTempStoredValue(req.Key)
		sv.Temp = hashtable.TempNonExistent
		bucket.Insert(sv)
	}
	oldSize := sv.Size()
	sv.Prepare = &hashtable.PendingPrepare{
		Value:    req.Value,
		Meta:     meta,
		Datatype: req.Datatype,
		Deleted:  deleted,
		Level:    req.Durability.Level,
	}
	if deleted {
		sv.Prepare.Value = nil
	}
	bucket.ResizeValue(sv, oldSize)

	item := &model.Item{
		Key:      req.Key,
		Value:    append([]byte(nil), sv.Prepare.Value...),
		Meta:     meta,
		Datatype: req.Datatype,
		Op:       model.OpPrepare,
		Deleted:  deleted,
		Level:    req.Durability.Level,
		VBucket:  v.id,
		QueuedAt: time.Now(),
	}
	seqno, err := v.queueDirty(bucket, sv, item)
	if err != nil {
		sv.Prepare = nil
		bucket.Unlock()
		return MutationResult{}, err
	}
	sv.Prepare.Seqno = seqno
	handle := v.manifest.Lock(req.Key)
	bucket.Unlock()

	v.ht.NotePending(1)
	if !deleted {
		v.blooms.Add(req.Key)
	}
	if v.mx != nil {
		v.mx.SyncWritesInFlight.Inc()
	}
	v.afterQueue(req.Key, seqno, handle.CollectionID)

	timeout := req.Durability.Timeout
	if timeout <= 0 {
		timeout = v.defaultSyncTimeout
	}
	w := &durability.TrackedWrite{
		Key:      req.Key,
		Seqno:    seqno,
		Level:    req.Durability.Level,
		Deadline: time.Now().Add(timeout),
		Cookie:   req.Cookie,
	}
	if err := adm.AddSyncWrite(w); err != nil {
		// Topology changed between admission check and registration; back
		// the prepare out and surface the original error.
		if abortErr := v.Abort(req.Key, seqno, nil, nil); abortErr != nil {
			v.logger.Error("failed to abort unregistered sync write",
				zap.String("key", req.Key),
				zap.Uint64("prepare_seqno", seqno),
				zap.Error(abortErr))
		}
		return MutationResult{}, err
	}
	v.commitResolved(adm.ResolveCommitted())
	return MutationResult{CAS: meta.CAS, Seqno: seqno, SyncPending: true}, nil
}

// syncWriteAdmission resolves and prechecks the active monitor for a
// durable request; it returns (nil, nil) for plain writes.
func (v *VBucket) syncWriteAdmission(req model.Requirements) (*durability.ActiveMonitor, error) {
	if req.Level == model.LevelNone {
		return nil, nil
	}
	adm, err := v.activeMonitor()
	if err != nil {
		return nil, err
	}
	if err := adm.DurabilityPossible(); err != nil {
		return nil, err
	}
	return adm, nil
}

// deferredNotify flushes the bookkeeping of an expiry queued while the
// bucket lock was still held.
func (v *VBucket) deferredNotify(key string, seqno uint64, cid uint32) {
	if seqno != 0 {
		v.afterQueue(key, seqno, cid)
	}
}

// Delete removes the live revision of key, leaving a tombstone.
func (v *VBucket) Delete(key string, cas uint64, dur model.Requirements, cookie interface{}) (res MutationResult, err error) {
	defer v.recordOp("delete", time.Now(), err)
	if err = v.requireActive(); err != nil {
		return MutationResult{}, err
	}
	if err = v.validator.ValidateKey(key); err != nil {
		return MutationResult{}, err
	}
	adm, err := v.syncWriteAdmission(dur)
	if err != nil {
		return MutationResult{}, err
	}

	now := time.Now()
	bucket, sv := v.ht.FindForWrite(key)

	if sv == nil {
		bucket.Unlock()
		return MutationResult{}, v.missOrFetch(key, cookie)
	}
	if sv.Temp == hashtable.TempInitial {
		bucket.Unlock()
		v.addFetchWaiter(key, cookie)
		return MutationResult{}, errors.WouldBlock(key)
	}
	if sv.Prepare != nil {
		bucket.Unlock()
		return MutationResult{}, errors.TmpFail(
			fmt.Sprintf("sync write in progress for key %q", key))
	}
	if sv.IsTemp() || sv.Deleted || sv.IsExpired(now) {
		if !sv.IsTemp() && !sv.Deleted && sv.IsExpired(now) {
			seqno, cid, expErr := v.expireUnderLock(bucket, sv, model.ExpiryByAccess)
			bucket.Unlock()
			if expErr == nil {
				v.afterQueue(key, seqno, cid)
			}
		} else {
			bucket.Unlock()
		}
		return MutationResult{}, errors.KeyNotFound(key)
	}
	if sv.IsLocked(now) {
		if cas == 0 || cas != sv.Meta.CAS {
			bucket.Unlock()
			return MutationResult{}, errors.ItemLocked(key)
		}
		sv.Unlock()
	}
	if cas != 0 && sv.Meta.CAS != cas {
		stored := sv.Meta.CAS
		bucket.Unlock()
		return MutationResult{}, errors.KeyExists(key, stored)
	}

	meta := model.ItemMeta{
		CAS:      v.clock.Next(),
		RevSeqno: sv.Meta.RevSeqno + 1,
	}

	if dur.Level != model.LevelNone {
		return v.queuePrepare(bucket, sv, adm, MutationRequest{
			Key:        key,
			Durability: dur,
			Cookie:     cookie,
		}, meta, true)
	}
	return v.applyCommitted(bucket, sv, key, nil, meta, model.DatatypeRaw, true)
}

// Append concatenates value after the stored body.
func (v *VBucket) Append(key string, suffix []byte, cas uint64, cookie interface{}) (MutationResult, error) {
	return v.concat("append", key, suffix, cas, cookie, func(old, extra []byte) []byte {
		out := make([]byte, 0, len(old)+len(extra))
		out = append(out, old...)
		return append(out, extra...)
	})
}

// Prepend concatenates value before the stored body.
func (v *VBucket) Prepend(key string, prefix []byte, cas uint64, cookie interface{}) (MutationResult, error) {
	return v.concat("prepend", key, prefix, cas, cookie, func(old, extra []byte) []byte {
		out := make([]byte, 0, len(old)+len(extra))
		out = append(out, extra...)
		return append(out, old...)
	})
}

func (v *VBucket) concat(op, key string, extra []byte, cas uint64, cookie interface{},
	combine func(old, extra []byte) []byte) (res MutationResult, err error) {

	defer v.recordOp(op, time.Now(), err)
	if err = v.requireActive(); err != nil {
		return MutationResult{}, err
	}
	if err = v.validator.ValidateKey(key); err != nil {
		return MutationResult{}, err
	}

	now := time.Now()
	bucket, sv := v.ht.FindForWrite(key)

	if sv == nil || sv.IsTemp() || sv.Deleted || sv.IsExpired(now) {
		if sv != nil && sv.Temp == hashtable.TempInitial {
			bucket.Unlock()
			v.addFetchWaiter(key, cookie)
			return MutationResult{}, errors.WouldBlock(key)
		}
		bucket.Unlock()
		if sv == nil && v.fullEviction && v.blooms.MayContain(key) {
			v.scheduleFetch(key, cookie)
			return MutationResult{}, errors.WouldBlock(key)
		}
		return MutationResult{}, errors.NotStored(key)
	}
	if sv.Prepare != nil {
		bucket.Unlock()
		return MutationResult{}, errors.TmpFail(
			fmt.Sprintf("sync write in progress for key %q", key))
	}
	if !sv.IsResident() {
		bucket.Unlock()
		v.scheduleFetch(key, cookie)
		return MutationResult{}, errors.WouldBlock(key)
	}
	if sv.IsLocked(now) {
		bucket.Unlock()
		return MutationResult{}, errors.ItemLocked(key)
	}
	if cas != 0 && sv.Meta.CAS != cas {
		stored := sv.Meta.CAS
		bucket.Unlock()
		return MutationResult{}, errors.KeyExists(key, stored)
	}

	value := combine(sv.Value, extra)
	if err = v.validator.ValidateValue(value); err != nil {
		bucket.Unlock()
		return MutationResult{}, err
	}
	if err = v.ht.Admit(uint64(len(extra)), false); err != nil {
		bucket.Unlock()
		return MutationResult{}, err
	}
	meta := model.ItemMeta{
		CAS:      v.clock.Next(),
		RevSeqno: sv.Meta.RevSeqno + 1,
		Flags:    sv.Meta.Flags,
		Expiry:   sv.Meta.Expiry,
	}
	return v.applyCommitted(bucket, sv, key, value, meta, sv.Datatype, false)
}

// Increment adjusts a numeric counter upward, creating it at initial when
// absent and create is set.
func (v *VBucket) Increment(key string, delta, initial uint64, expiry uint32, create bool, cookie interface{}) (MutationResult, uint64, error) {
	return v.arith("incr", key, delta, initial, expiry, create, cookie, false)
}

// Decrement adjusts a numeric counter downward, flooring at zero.
func (v *VBucket) Decrement(key string, delta, initial uint64, expiry uint32, create bool, cookie interface{}) (MutationResult, uint64, error) {
	return v.arith("decr", key, delta, initial, expiry, create, cookie, true)
}

func (v *VBucket) arith(op, key string, delta, initial uint64, expiry uint32, create bool,
	cookie interface{}, down bool) (res MutationResult, value uint64, err error) {

	defer v.recordOp(op, time.Now(), err)
	if err = v.requireActive(); err != nil {
		return MutationResult{}, 0, err
	}
	if err = v.validator.ValidateKey(key); err != nil {
		return MutationResult{}, 0, err
	}

	now := time.Now()
	bucket, sv := v.ht.FindForWrite(key)

	exists := sv != nil && !sv.IsTemp() && !sv.Deleted && !sv.IsExpired(now)
	if sv != nil && sv.Temp == hashtable.TempInitial {
		bucket.Unlock()
		v.addFetchWaiter(key, cookie)
		return MutationResult{}, 0, errors.WouldBlock(key)
	}
	if sv != nil && sv.Prepare != nil {
		bucket.Unlock()
		return MutationResult{}, 0, errors.TmpFail(
			fmt.Sprintf("sync write in progress for key %q", key))
	}
	if exists && !sv.IsResident() {
		bucket.Unlock()
		v.scheduleFetch(key, cookie)
		return MutationResult{}, 0, errors.WouldBlock(key)
	}
	if exists && sv.IsLocked(now) {
		bucket.Unlock()
		return MutationResult{}, 0, errors.ItemLocked(key)
	}

	if !exists {
		if !create {
			bucket.Unlock()
			if sv == nil {
				return MutationResult{}, 0, v.missOrFetch(key, cookie)
			}
			return MutationResult{}, 0, errors.KeyNotFound(key)
		}
		if sv == nil && v.fullEviction && v.blooms.MayContain(key) {
			bucket.Unlock()
			v.scheduleFetch(key, cookie)
			return MutationResult{}, 0, errors.WouldBlock(key)
		}
		value = initial
	} else {
		current, parseErr := strconv.ParseUint(string(sv.Value), 10, 64)
		if parseErr != nil {
			bucket.Unlock()
			return MutationResult{}, 0, errors.InvalidArgument(
				fmt.Sprintf("non-numeric value for counter key %q", key), parseErr)
		}
		if down {
			if current < delta {
				value = 0
			} else {
				value = current - delta
			}
		} else {
			value = current + delta
		}
	}

	meta := model.ItemMeta{
		CAS:      v.clock.Next(),
		RevSeqno: 1,
		Expiry:   expiry,
	}
	if exists {
		meta.RevSeqno = sv.Meta.RevSeqno + 1
		meta.Flags = sv.Meta.Flags
		meta.Expiry = sv.Meta.Expiry
	}
	body := []byte(strconv.FormatUint(value, 10))
	res, err = v.applyCommitted(bucket, sv, key, body, meta, model.DatatypeRaw, false)
	if err != nil {
		return MutationResult{}, 0, err
	}
	return res, value, nil
}

// Touch updates the expiry of key without changing its body.
func (v *VBucket) Touch(key string, expiry uint32, cookie interface{}) (res MutationResult, err error) {
	defer v.recordOp("touch", time.Now(), err)
	r, err := v.getAndTouch(key, expiry, cookie)
	return r.mutation, err
}

// GetAndTouch reads key and updates its expiry in one pass.
func (v *VBucket) GetAndTouch(key string, expiry uint32, cookie interface{}) (res GetResult, mres MutationResult, err error) {
	defer v.recordOp("gat", time.Now(), err)
	r, err := v.getAndTouch(key, expiry, cookie)
	return r.get, r.mutation, err
}

type touchResult struct {
	get      GetResult
	mutation MutationResult
}

func (v *VBucket) getAndTouch(key string, expiry uint32, cookie interface{}) (touchResult, error) {
	if err := v.requireActive(); err != nil {
		return touchResult{}, err
	}
	if err := v.validator.ValidateKey(key); err != nil {
		return touchResult{}, err
	}

	now := time.Now()
	bucket, sv := v.ht.FindForWrite(key)

	if sv == nil {
		bucket.Unlock()
		return touchResult{}, v.missOrFetch(key, cookie)
	}
	if sv.Temp == hashtable.TempInitial {
		bucket.Unlock()
		v.addFetchWaiter(key, cookie)
		return touchResult{}, errors.WouldBlock(key)
	}
	if sv.IsTemp() || sv.Deleted {
		bucket.Unlock()
		return touchResult{}, errors.KeyNotFound(key)
	}
	if sv.Prepare != nil {
		bucket.Unlock()
		return touchResult{}, errors.TmpFail(
			fmt.Sprintf("sync write in progress for key %q", key))
	}
	if sv.IsExpired(now) {
		seqno, cid, expErr := v.expireUnderLock(bucket, sv, model.ExpiryByAccess)
		bucket.Unlock()
		if expErr == nil {
			v.afterQueue(key, seqno, cid)
		}
		return touchResult{}, errors.KeyNotFound(key)
	}
	if !sv.IsResident() {
		bucket.Unlock()
		v.scheduleFetch(key, cookie)
		return touchResult{}, errors.WouldBlock(key)
	}
	if sv.IsLocked(now) {
		bucket.Unlock()
		return touchResult{}, errors.ItemLocked(key)
	}

	meta := sv.Meta
	meta.CAS = v.clock.Next()
	meta.RevSeqno++
	meta.Expiry = expiry
	value := append([]byte(nil), sv.Value...)

	mres, err := v.applyCommitted(bucket, sv, key, value, meta, sv.Datatype, false)
	if err != nil {
		return touchResult{}, err
	}
	return touchResult{
		get: GetResult{
			Value:    append([]byte(nil), value...),
			Meta:     meta,
			Datatype: sv.Datatype,
			Seqno:    mres.Seqno,
		},
		mutation: mres,
	}, nil
}

// GetLocked reads key and locks it against other writers until lockTime
// elapses or Unlock is called with the returned CAS.
func (v *VBucket) GetLocked(key string, lockTime time.Duration, cookie interface{}) (res GetResult, err error) {
	defer v.recordOp("get_locked", time.Now(), err)
	if err = v.requireActive(); err != nil {
		return GetResult{}, err
	}
	if err = v.validator.ValidateKey(key); err != nil {
		return GetResult{}, err
	}
	if err = v.validator.ValidateLockTime(lockTime); err != nil {
		return GetResult{}, err
	}

	now := time.Now()
	bucket, sv := v.ht.FindForWrite(key)

	if sv == nil {
		bucket.Unlock()
		return GetResult{}, v.missOrFetch(key, cookie)
	}
	if sv.Temp == hashtable.TempInitial {
		bucket.Unlock()
		v.addFetchWaiter(key, cookie)
		return GetResult{}, errors.WouldBlock(key)
	}
	if sv.IsTemp() || sv.Deleted || sv.IsExpired(now) {
		bucket.Unlock()
		return GetResult{}, errors.KeyNotFound(key)
	}
	if sv.Prepare != nil {
		bucket.Unlock()
		return GetResult{}, errors.TmpFail(
			fmt.Sprintf("sync write in progress for key %q", key))
	}
	if !sv.IsResident() {
		bucket.Unlock()
		v.scheduleFetch(key, cookie)
		return GetResult{}, errors.WouldBlock(key)
	}
	if sv.IsLocked(now) {
		bucket.Unlock()
		return GetResult{}, errors.ItemLocked(key)
	}

	// The lock mints a fresh CAS so only the lock holder can write through.
	sv.Meta.CAS = v.clock.Next()
	sv.Lock(now.Add(lockTime))
	res = GetResult{
		Value:    append([]byte(nil), sv.Value...),
		Meta:     sv.Meta,
		Datatype: sv.Datatype,
		Seqno:    sv.Seqno,
	}
	bucket.Unlock()
	return res, nil
}

// Unlock releases a GetLocked lock when cas matches the lock CAS.
func (v *VBucket) Unlock(key string, cas uint64) (err error) {
	defer v.recordOp("unlock", time.Now(), err)
	if err = v.requireActive(); err != nil {
		return err
	}
	if err = v.validator.ValidateKey(key); err != nil {
		return err
	}

	now := time.Now()
	bucket, sv := v.ht.FindForWrite(key)
	defer bucket.Unlock()

	if sv == nil || sv.IsTemp() || sv.Deleted {
		return errors.KeyNotFound(key)
	}
	if !sv.IsLocked(now) {
		return errors.TmpFail(fmt.Sprintf("key %q is not locked", key))
	}
	if sv.Meta.CAS != cas {
		return errors.ItemLocked(key)
	}
	sv.Unlock()
	return nil
}

// SetWithMeta applies a remotely authored revision, arbitrated by the
// partition's conflict resolver.
func (v *VBucket) SetWithMeta(key string, value []byte, meta model.ItemMeta,
	datatype model.Datatype, cookie interface{}) (res MutationResult, err error) {
	defer v.recordOp("set_with_meta", time.Now(), err)
	return v.storeWithMeta(key, value, meta, datatype, false, cookie)
}

// DeleteWithMeta applies a remotely authored deletion, arbitrated by the
// partition's conflict resolver.
func (v *VBucket) DeleteWithMeta(key string, meta model.ItemMeta, cookie interface{}) (res MutationResult, err error) {
	defer v.recordOp("del_with_meta", time.Now(), err)
	return v.storeWithMeta(key, nil, meta, model.DatatypeRaw, true, cookie)
}

func (v *VBucket) storeWithMeta(key string, value []byte, meta model.ItemMeta,
	datatype model.Datatype, deleted bool, cookie interface{}) (MutationResult, error) {

	if err := v.requireActive(); err != nil {
		return MutationResult{}, err
	}
	if err := v.validator.ValidateMutation(key, value); err != nil {
		return MutationResult{}, err
	}

	now := time.Now()
	bucket, sv := v.ht.FindForWrite(key)

	if sv != nil && sv.Temp == hashtable.TempInitial {
		bucket.Unlock()
		v.addFetchWaiter(key, cookie)
		return MutationResult{}, errors.WouldBlock(key)
	}
	if sv != nil && sv.Prepare != nil {
		bucket.Unlock()
		return MutationResult{}, errors.TmpFail(
			fmt.Sprintf("sync write in progress for key %q", key))
	}
	if sv != nil && !sv.IsTemp() && sv.IsLocked(now) {
		bucket.Unlock()
		return MutationResult{}, errors.ItemLocked(key)
	}

	// Conflict resolution needs the existing metadata. In memory it is at
	// hand; under full eviction an absent key that may exist on disk has to
	// be fetched before the race can be decided.
	if sv == nil || sv.IsTemp() {
		if v.fullEviction && v.blooms.MayContain(key) && (sv == nil || sv.Temp == hashtable.TempInitial) {
			bucket.Unlock()
			v.scheduleFetch(key, cookie)
			return MutationResult{}, errors.WouldBlock(key)
		}
	} else {
		win := v.resolver.Resolve(
			conflict.Existing{Meta: sv.Meta, Deleted: sv.Deleted},
			conflict.Incoming{Meta: meta, Datatype: datatype, Deleted: deleted},
		)
		if !win {
			stored := sv.Meta.CAS
			bucket.Unlock()
			return MutationResult{}, errors.KeyExists(key, stored)
		}
	}

	if err := v.ht.Admit(uint64(len(key)+len(value)), false); err != nil {
		bucket.Unlock()
		return MutationResult{}, err
	}
	v.clock.Observe(meta.CAS)
	return v.applyCommitted(bucket, sv, key, value, meta, datatype, deleted)
}

// EvictKey releases the value memory of a clean resident key. Under full
// eviction the whole in-memory entry goes; under value eviction the
// metadata stays resident.
func (v *VBucket) EvictKey(key string) (err error) {
	defer v.recordOp("evict", time.Now(), err)
	bucket, sv := v.ht.FindForWrite(key)
	defer bucket.Unlock()

	if sv == nil || sv.IsTemp() {
		return errors.KeyNotFound(key)
	}
	if sv.IsDirty() || sv.Prepare != nil {
		return errors.TmpFail(fmt.Sprintf("key %q has unpersisted changes", key))
	}
	if !sv.IsResident() {
		return nil
	}

	if v.fullEviction {
		bucket.Remove(sv)
		return nil
	}
	oldSize := sv.Size()
	sv.MarkNonResident()
	v.ht.NoteNonResident(1)
	bucket.ResizeValue(sv, oldSize)
	return nil
}

// PageOutExpired scans for expired resident values and queues their
// deletions on behalf of the expiry pager. It returns the number of keys
// expired.
func (v *VBucket) PageOutExpired(now time.Time) int {
	if v.State() != model.VBActive {
		return 0
	}

	var candidates []string
	v.ht.ForEach(func(sv *hashtable.StoredValue) {
		if !sv.IsTemp() && !sv.Deleted && sv.Prepare == nil && sv.IsExpired(now) {
			candidates = append(candidates, sv.Key)
		}
	})

	expired := 0
	for _, key := range candidates {
		bucket, sv := v.ht.FindForWrite(key)
		if sv == nil || sv.IsTemp() || sv.Deleted || sv.Prepare != nil ||
			!sv.IsExpired(now) || sv.IsLocked(now) {
			bucket.Unlock()
			continue
		}
		seqno, cid, err := v.expireUnderLock(bucket, sv, model.ExpiryByPager)
		bucket.Unlock()
		if err != nil {
			v.logger.Warn("pager failed to expire key",
				zap.String("key", key), zap.Error(err))
			continue
		}
		v.afterQueue(key, seqno, cid)
		expired++
	}
	return expired
}
