// Package hashtable implements the per-partition key index: a lock-sharded
// map from document key to StoredValue. Lookups hand the caller a held shard
// lock so read-modify-write sections stay atomic per key range; callers must
// release the lock before invoking any cross-cutting callback.
package hashtable

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/kestreldb/kestrel/internal/config"
	"github.com/kestreldb/kestrel/internal/errors"
	"go.uber.org/zap"
)

type shard struct {
	mu    sync.Mutex
	items map[string]*StoredValue
}

// HashTable is the key index of one partition.
type HashTable struct {
	shards []*shard
	quota  *config.Quota
	logger *zap.Logger

	numItems       atomic.Int64
	numTemp        atomic.Int64
	numDeleted     atomic.Int64
	numNonResident atomic.Int64
	numPending     atomic.Int64
	memUsed        atomic.Int64
}

// New creates a HashTable with the given shard count.
func New(numShards int, quota *config.Quota, logger *zap.Logger) *HashTable {
	if numShards <= 0 {
		numShards = 47
	}
	ht := &HashTable{
		shards: make([]*shard, numShards),
		quota:  quota,
		logger: logger,
	}
	for i := range ht.shards {
		ht.shards[i] = &shard{items: make(map[string]*StoredValue)}
	}
	return ht
}

func (ht *HashTable) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return ht.shards[h.Sum32()%uint32(len(ht.shards))]
}

// Bucket is a held shard lock plus the table it came from. It must be
// released exactly once via Unlock.
type Bucket struct {
	ht *HashTable
	s  *shard
}

// Unlock releases the shard lock.
func (b *Bucket) Unlock() { b.s.mu.Unlock() }

// FindForWrite locks the shard owning key and returns the StoredValue, or
// nil if absent. The returned Bucket lock is held either way.
func (ht *HashTable) FindForWrite(key string) (*Bucket, *StoredValue) {
	s := ht.shardFor(key)
	s.mu.Lock()
	return &Bucket{ht: ht, s: s}, s.items[key]
}

// ReadOptions tunes FindForRead behavior.
type ReadOptions struct {
	// WantsDeleted exposes tombstones to the caller.
	WantsDeleted bool
	// TrackReference sets the page-out reference bit on a hit.
	TrackReference bool
}

// FindForRead locks the shard owning key and returns the StoredValue subject
// to opts. Tombstones are hidden unless WantsDeleted; temp placeholders are
// always returned so callers can coalesce in-flight fetches.
func (ht *HashTable) FindForRead(key string, opts ReadOptions) (*Bucket, *StoredValue) {
	s := ht.shardFor(key)
	s.mu.Lock()
	b := &Bucket{ht: ht, s: s}
	sv := s.items[key]
	if sv == nil {
		return b, nil
	}
	if sv.Deleted && !sv.IsTemp() && !opts.WantsDeleted {
		return b, nil
	}
	if opts.TrackReference && !sv.IsTemp() {
		sv.MarkReferenced()
	}
	return b, sv
}

// Admit checks the memory quota before an insertion of size bytes.
// Replication (replica/pending partitions) gets the higher threshold.
func (ht *HashTable) Admit(size uint64, replication bool) error {
	var ok bool
	var used, limit uint64
	if replication {
		ok, used, limit = ht.quota.AdmitReplication(size)
	} else {
		ok, used, limit = ht.quota.AdmitMutation(size)
	}
	if !ok {
		return errors.NoMem(used, limit)
	}
	return nil
}

// Insert adds sv under the held bucket lock. The caller must have passed
// Admit for sv.Size() first.
func (b *Bucket) Insert(sv *StoredValue) {
	b.s.items[sv.Key] = sv
	b.ht.account(sv, 1)
}

// Remove deletes sv from the table under the held bucket lock.
func (b *Bucket) Remove(sv *StoredValue) {
	delete(b.s.items, sv.Key)
	b.ht.account(sv, -1)
}

// ResizeValue adjusts memory accounting after an in-place value mutation.
// oldSize is the Size() before the mutation.
func (b *Bucket) ResizeValue(sv *StoredValue, oldSize uint64) {
	delta := int64(sv.Size()) - int64(oldSize)
	b.ht.memUsed.Add(delta)
	b.ht.quota.Account(delta)
}

func (ht *HashTable) account(sv *StoredValue, dir int64) {
	ht.numItems.Add(dir)
	if sv.IsTemp() {
		ht.numTemp.Add(dir)
	}
	if sv.Deleted {
		ht.numDeleted.Add(dir)
	}
	if !sv.IsResident() && !sv.IsTemp() {
		ht.numNonResident.Add(dir)
	}
	delta := dir * int64(sv.Size())
	ht.memUsed.Add(delta)
	ht.quota.Account(delta)
}

// NoteTempResolved fixes counters after a temp placeholder turned into a
// real value (or a real value turned tombstone) in place.
func (b *Bucket) NoteTempResolved() { b.ht.numTemp.Add(-1) }

// NotePending adjusts the unresolved sync-write counter.
func (ht *HashTable) NotePending(dir int64) { ht.numPending.Add(dir) }

// NoteDeleted adjusts the tombstone counter after an in-place transition.
func (ht *HashTable) NoteDeleted(dir int64) { ht.numDeleted.Add(dir) }

// NoteNonResident adjusts the non-resident counter after eviction/restore.
func (ht *HashTable) NoteNonResident(dir int64) { ht.numNonResident.Add(dir) }

// ForEach runs fn under each shard lock in turn. fn must not call back into
// the table. Used by the expiry pager and bloom rebuild.
func (ht *HashTable) ForEach(fn func(sv *StoredValue)) {
	for _, s := range ht.shards {
		s.mu.Lock()
		for _, sv := range s.items {
			fn(sv)
		}
		s.mu.Unlock()
	}
}

// Statistics is a point-in-time counter snapshot.
type Statistics struct {
	NumItems       int64
	NumTemp        int64
	NumDeleted     int64
	NumNonResident int64
	NumPending     int64
	MemUsed        int64
}

// StatsSnapshot returns current counters.
func (ht *HashTable) StatsSnapshot() Statistics {
	return Statistics{
		NumItems:       ht.numItems.Load(),
		NumTemp:        ht.numTemp.Load(),
		NumDeleted:     ht.numDeleted.Load(),
		NumNonResident: ht.numNonResident.Load(),
		NumPending:     ht.numPending.Load(),
		MemUsed:        ht.memUsed.Load(),
	}
}
