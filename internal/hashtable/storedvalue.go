package hashtable

import (
	"time"

	"github.com/kestreldb/kestrel/internal/model"
)

// TempState marks a placeholder StoredValue that exists only while a
// background fetch resolves the key against persistence. Temp values must
// never reach a client response.
type TempState int

const (
	// TempNone is a regular, non-placeholder value.
	TempNone TempState = iota
	// TempInitial is a fetch in flight, outcome unknown.
	TempInitial
	// TempNonExistent records a completed fetch that found nothing.
	TempNonExistent
	// TempDeleted records a completed fetch that found a tombstone.
	TempDeleted
)

// StoredValue is the in-memory representation of one document key. It is
// mutated in place only while the owning shard lock is held.
type StoredValue struct {
	Key       string
	Value     []byte // nil when evicted or a tombstone with no body
	Meta      model.ItemMeta
	Datatype  model.Datatype
	Seqno     uint64
	Committed model.CommittedState
	Deleted   bool
	Temp      TempState

	// Prepare is the in-flight sync-write revision of this key, invisible
	// to reads until committed. At most one per key.
	Prepare *PendingPrepare

	resident   bool
	referenced bool
	dirty      bool
	lockExpiry time.Time
}

// PendingPrepare holds the not-yet-committed revision of a sync write.
type PendingPrepare struct {
	Value    []byte
	Meta     model.ItemMeta
	Datatype model.Datatype
	Seqno    uint64
	Deleted  bool
	Level    model.DurabilityLevel
}

const storedValueOverhead = 120 // struct + map entry bookkeeping estimate

// NewStoredValue builds a resident committed value.
func NewStoredValue(key string, value []byte, meta model.ItemMeta, datatype model.Datatype) *StoredValue {
	return &StoredValue{
		Key:      key,
		Value:    value,
		Meta:     meta,
		Datatype: datatype,
		resident: true,
		dirty:    true,
	}
}

// NewTempStoredValue builds a placeholder for an in-flight background fetch.
func NewTempStoredValue(key string) *StoredValue {
	return &StoredValue{Key: key, Temp: TempInitial}
}

// IsTemp reports whether the value is any fetch placeholder.
func (sv *StoredValue) IsTemp() bool { return sv.Temp != TempNone }

// IsResident reports whether the value bytes are in memory.
func (sv *StoredValue) IsResident() bool { return sv.resident }

// MarkNonResident drops the value bytes after eviction.
func (sv *StoredValue) MarkNonResident() {
	sv.Value = nil
	sv.resident = false
}

// Restore reinstates a fetched value into a previously non-resident entry.
func (sv *StoredValue) Restore(value []byte, meta model.ItemMeta, datatype model.Datatype, seqno uint64, deleted bool) {
	sv.Value = value
	sv.Meta = meta
	sv.Datatype = datatype
	sv.Seqno = seqno
	sv.Deleted = deleted
	sv.Temp = TempNone
	sv.resident = true
}

// IsLocked reports whether a getl lock is held at now.
func (sv *StoredValue) IsLocked(now time.Time) bool {
	if sv.lockExpiry.IsZero() {
		return false
	}
	if now.After(sv.lockExpiry) {
		sv.lockExpiry = time.Time{}
		return false
	}
	return true
}

// Lock acquires the getl lock until expiry.
func (sv *StoredValue) Lock(expiry time.Time) { sv.lockExpiry = expiry }

// Unlock releases the getl lock.
func (sv *StoredValue) Unlock() { sv.lockExpiry = time.Time{} }

// IsExpired reports whether the document's TTL has passed at now. Tombstones
// and temp placeholders never expire.
func (sv *StoredValue) IsExpired(now time.Time) bool {
	if sv.Deleted || sv.IsTemp() || sv.Meta.Expiry == 0 {
		return false
	}
	return uint32(now.Unix()) >= sv.Meta.Expiry
}

// MarkReferenced sets the page-out reference bit.
func (sv *StoredValue) MarkReferenced() { sv.referenced = true }

// ClearReferenced clears and returns the previous reference bit; the pager
// uses this as a second-chance sweep.
func (sv *StoredValue) ClearReferenced() bool {
	r := sv.referenced
	sv.referenced = false
	return r
}

// MarkDirty flags the value as having unpersisted changes.
func (sv *StoredValue) MarkDirty() { sv.dirty = true }

// MarkClean flags the value as persisted up to seqno; stale completions for
// older seqnos are ignored.
func (sv *StoredValue) MarkClean(seqno uint64) {
	if seqno >= sv.Seqno {
		sv.dirty = false
	}
}

// IsDirty reports whether the value has unpersisted changes.
func (sv *StoredValue) IsDirty() bool { return sv.dirty }

// Size estimates the memory footprint for quota accounting.
func (sv *StoredValue) Size() uint64 {
	n := uint64(len(sv.Key)+len(sv.Value)) + storedValueOverhead
	if sv.Prepare != nil {
		n += uint64(len(sv.Prepare.Value))
	}
	return n
}

// ToItem snapshots the value into an immutable queued mutation. The snapshot
// copies the value bytes so the mutation log never aliases live hash-table
// memory.
func (sv *StoredValue) ToItem(vb model.VBucketID, op model.Operation) *model.Item {
	var value []byte
	if sv.Value != nil {
		value = append([]byte(nil), sv.Value...)
	}
	return &model.Item{
		Key:      sv.Key,
		Value:    value,
		Meta:     sv.Meta,
		Datatype: sv.Datatype,
		Seqno:    sv.Seqno,
		Op:       op,
		Deleted:  sv.Deleted,
		VBucket:  vb,
		QueuedAt: time.Now(),
	}
}
