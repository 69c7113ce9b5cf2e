// Package vbucket implements the partition orchestrator: the operation
// surface over one keyspace partition, its lifecycle state machine, and the
// glue between key index, mutation log, durability monitor and the external
// persistence/replication collaborators.
package vbucket

import (
	"sync"
	"time"

	"github.com/kestreldb/kestrel/internal/bloom"
	"github.com/kestreldb/kestrel/internal/checkpoint"
	"github.com/kestreldb/kestrel/internal/collections"
	"github.com/kestreldb/kestrel/internal/config"
	"github.com/kestreldb/kestrel/internal/conflict"
	"github.com/kestreldb/kestrel/internal/durability"
	"github.com/kestreldb/kestrel/internal/errors"
	"github.com/kestreldb/kestrel/internal/hashtable"
	"github.com/kestreldb/kestrel/internal/hlc"
	"github.com/kestreldb/kestrel/internal/kvstore"
	"github.com/kestreldb/kestrel/internal/metrics"
	"github.com/kestreldb/kestrel/internal/model"
	"github.com/kestreldb/kestrel/internal/util/workerpool"
	"github.com/kestreldb/kestrel/internal/validation"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// Callbacks are the hooks into the external replication transport and
// protocol front end. All are invoked with no internal lock held.
type Callbacks struct {
	// NewSeqno announces a newly queued mutation to replication streams.
	NewSeqno func(vb model.VBucketID, seqno uint64)
	// SyncWriteComplete resolves a parked sync-write client. err is nil on
	// commit, a DurabilityAmbiguous error on timeout or discard.
	SyncWriteComplete func(cookie interface{}, key string, err error)
	// FetchComplete resumes a connection parked on a background fetch.
	FetchComplete func(cookie interface{})
}

func (c Callbacks) newSeqno(vb model.VBucketID, seqno uint64) {
	if c.NewSeqno != nil {
		c.NewSeqno(vb, seqno)
	}
}

func (c Callbacks) syncWriteComplete(cookie interface{}, key string, err error) {
	if c.SyncWriteComplete != nil && cookie != nil {
		c.SyncWriteComplete(cookie, key, err)
	}
}

func (c Callbacks) fetchComplete(cookie interface{}) {
	if c.FetchComplete != nil && cookie != nil {
		c.FetchComplete(cookie)
	}
}

// Options configures a VBucket.
type Options struct {
	ID                 model.VBucketID
	State              model.VBState
	Shards             int
	FullEviction       bool
	Checkpoint         checkpoint.Config
	DefaultSyncTimeout time.Duration
	Bloom              config.BloomConfig
	Quota              *config.Quota
	Store              kvstore.Store
	Manifest           collections.Manifest
	Resolver           conflict.Resolver
	FetchPool          *workerpool.WorkerPool
	Callbacks          Callbacks
	Logger             *zap.Logger
	Metrics            *metrics.Metrics
	InitialHighSeqno   uint64
	InitialMaxCAS      uint64
	InitialPurgeSeqno  uint64
	// Failover restores a persisted failover table on warmup.
	Failover *model.FailoverTable
}

// VBucket is one keyspace partition. All mutations against its keys are
// serialized per hash-table shard; cross-cutting bookkeeping happens after
// the shard lock is released.
type VBucket struct {
	id        model.VBucketID
	logger    *zap.Logger
	mx        *metrics.Metrics
	callbacks Callbacks

	ht        *hashtable.HashTable
	ckptMgr   *checkpoint.Manager
	clock     *hlc.Clock
	resolver  conflict.Resolver
	manifest  collections.Manifest
	store     kvstore.Store
	blooms    *bloom.Pair
	fetchPool *workerpool.WorkerPool
	validator *validation.Validator

	fullEviction       bool
	defaultSyncTimeout time.Duration

	// stateMu guards state, the durability monitor variant, topology and
	// the failover table. Operations take it RLock only long enough to
	// read state and grab the monitor reference.
	stateMu  sync.RWMutex
	state    model.VBState
	dm       durability.Monitor
	adm      *durability.ActiveMonitor  // non-nil iff state == Active
	pdm      *durability.PassiveMonitor // non-nil iff state != Active
	failover *model.FailoverTable

	// persistMu guards the persisted snapshot bookkeeping fed back by the
	// flusher.
	persistMu      sync.Mutex
	persistedSeqno uint64
	persistedSnap  model.SnapshotRange
	purgeSeqno     uint64

	backfillMu sync.Mutex
	inBackfill bool

	pending *xsync.MapOf[string, *pendingFetch]
}

// New creates a partition in the given initial state.
func New(opts Options) *VBucket {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Resolver == nil {
		opts.Resolver = conflict.RevSeqno{}
	}
	if opts.DefaultSyncTimeout == 0 {
		opts.DefaultSyncTimeout = 30 * time.Second
	}

	v := &VBucket{
		id:        opts.ID,
		logger:    opts.Logger.With(zap.Uint16("vbucket", uint16(opts.ID))),
		mx:        opts.Metrics,
		callbacks: opts.Callbacks,
		ht:        hashtable.New(opts.Shards, opts.Quota, opts.Logger),
		ckptMgr:   checkpoint.NewManager(opts.ID, opts.InitialHighSeqno, opts.Checkpoint, opts.Logger),
		clock:     hlc.NewClock(opts.InitialMaxCAS),
		resolver:  opts.Resolver,
		manifest:  opts.Manifest,
		store:     opts.Store,
		blooms:    bloom.NewPair(opts.Bloom.ExpectedKeys, opts.Bloom.FalsePositiveRate, opts.Bloom.Enabled),
		fetchPool: opts.FetchPool,
		validator: validation.NewValidator(),

		fullEviction:       opts.FullEviction,
		defaultSyncTimeout: opts.DefaultSyncTimeout,
		state:              opts.State,
		failover:           opts.Failover,
		pending:            xsync.NewMapOf[string, *pendingFetch](),
	}
	if v.failover == nil {
		v.failover = model.NewFailoverTable()
	}
	v.purgeSeqno = opts.InitialPurgeSeqno

	switch opts.State {
	case model.VBActive:
		v.adm = durability.NewActiveMonitor(opts.ID, v.logger, nil)
		v.dm = v.adm
	default:
		v.pdm = durability.NewPassiveMonitor(opts.ID, v.logger, nil)
		v.dm = v.pdm
	}
	return v
}

// ID returns the partition id.
func (v *VBucket) ID() model.VBucketID { return v.id }

// State returns the current lifecycle state.
func (v *VBucket) State() model.VBState {
	v.stateMu.RLock()
	defer v.stateMu.RUnlock()
	return v.state
}

// HighSeqno returns the last assigned seqno.
func (v *VBucket) HighSeqno() uint64 { return v.ckptMgr.HighSeqno() }

// PersistedSeqno returns the seqno covered by local persistence.
func (v *VBucket) PersistedSeqno() uint64 {
	v.persistMu.Lock()
	defer v.persistMu.Unlock()
	return v.persistedSeqno
}

// PurgeSeqno returns the seqno below which tombstones have been reaped.
func (v *VBucket) PurgeSeqno() uint64 {
	v.persistMu.Lock()
	defer v.persistMu.Unlock()
	return v.purgeSeqno
}

// MaxCAS returns the highest CAS minted or observed by this partition.
func (v *VBucket) MaxCAS() uint64 { return v.clock.MaxCAS() }

// SetMaxCAS folds in the active node's max-CAS on a replica.
func (v *VBucket) SetMaxCAS(cas uint64) { v.clock.SetMaxCAS(cas) }

// Checkpoints exposes the mutation log for replication cursor management.
func (v *VBucket) Checkpoints() *checkpoint.Manager { return v.ckptMgr }

// monitor grabs the current durability monitor reference.
func (v *VBucket) monitor() durability.Monitor {
	v.stateMu.RLock()
	defer v.stateMu.RUnlock()
	return v.dm
}

// activeMonitor returns the active-variant monitor or a NotMyVBucket error.
func (v *VBucket) activeMonitor() (*durability.ActiveMonitor, error) {
	v.stateMu.RLock()
	defer v.stateMu.RUnlock()
	if v.state != model.VBActive || v.adm == nil {
		return nil, errors.NotMyVBucket(uint16(v.id), v.state.String())
	}
	return v.adm, nil
}

// queueDirty queues an item snapshot of sv under the held bucket lock,
// copying the assigned seqno back into the StoredValue. Cross-cutting
// notifications are the caller's job, after the bucket lock is dropped.
func (v *VBucket) queueDirty(bucket *hashtable.Bucket, sv *hashtable.StoredValue, item *model.Item) (uint64, error) {
	seqno, _, err := v.ckptMgr.QueueDirty(item)
	if err != nil {
		return 0, errors.Internal("failed to queue mutation", err)
	}
	if item.Op != model.OpPrepare {
		sv.Seqno = seqno
	}
	sv.MarkDirty()
	if v.mx != nil {
		v.mx.CheckpointItemsQueued.Inc()
	}
	return seqno, nil
}

// afterQueue performs the cross-cutting bookkeeping of a newly queued item.
// Must be called with no shard lock held.
func (v *VBucket) afterQueue(key string, seqno uint64, cid uint32) {
	v.manifest.SetHighSeqno(cid, seqno)
	v.callbacks.newSeqno(v.id, seqno)
}

// SeqnoAcknowledged records a replica ack and commits any sync writes it
// resolves. Called by the replication transport's receive thread.
func (v *VBucket) SeqnoAcknowledged(replica string, seqno uint64) error {
	adm, err := v.activeMonitor()
	if err != nil {
		return err
	}
	if v.mx != nil {
		v.mx.SeqnoAcksTotal.Inc()
	}
	committed, err := adm.SeqnoAckReceived(replica, seqno)
	if err != nil {
		return err
	}
	v.commitResolved(committed)
	return nil
}

// NotifyPersistence is the flusher's completion callback: seqnos up to and
// including seqno are durable locally, covering snapshot snap.
func (v *VBucket) NotifyPersistence(seqno uint64, snap model.SnapshotRange) {
	v.persistMu.Lock()
	if seqno > v.persistedSeqno {
		v.persistedSeqno = seqno
		v.persistedSnap = snap
	}
	v.persistMu.Unlock()

	committed := v.monitor().NotifyLocalPersistence(seqno)
	v.commitResolved(committed)
}

// ProcessDurabilityTimeout aborts tracked writes past their deadline.
// Driven by the engine's sweep ticker.
func (v *VBucket) ProcessDurabilityTimeout(now time.Time) {
	aborted := v.monitor().ProcessTimeout(now)
	for _, w := range aborted {
		v.abortPrepare(w, errors.DurabilityAmbiguous(w.Key, w.Seqno))
	}
}

// HighPreparedSeqno exposes the monitor's HPS for replication acks.
func (v *VBucket) HighPreparedSeqno() uint64 {
	return v.monitor().HighPreparedSeqno()
}

// commitResolved finalizes writes the durability monitor reports committed.
func (v *VBucket) commitResolved(writes []*durability.TrackedWrite) {
	for _, w := range writes {
		if err := v.Commit(w.Key, w.Seqno, w.Cookie); err != nil {
			v.logger.Error("failed to commit resolved sync write",
				zap.String("key", w.Key),
				zap.Uint64("prepare_seqno", w.Seqno),
				zap.Error(err))
			v.callbacks.syncWriteComplete(w.Cookie, w.Key, err)
		}
	}
}

// Commit transitions the pending prepare at prepareSeqno to committed,
// assigning it a fresh seqno, and answers the parked client.
func (v *VBucket) Commit(key string, prepareSeqno uint64, cookie interface{}) error {
	bucket, sv := v.ht.FindForWrite(key)

	if sv == nil || sv.Prepare == nil || sv.Prepare.Seqno != prepareSeqno {
		bucket.Unlock()
		return errors.Internal("commit for unknown prepare", nil).
			WithDetail("key", key).
			WithDetail("prepare_seqno", prepareSeqno)
	}

	oldSize := sv.Size()
	p := sv.Prepare
	wasDeleted := sv.Deleted
	sv.Value = p.Value
	sv.Meta = p.Meta
	sv.Datatype = p.Datatype
	sv.Deleted = p.Deleted
	sv.Committed = model.CommittedViaPrepare
	sv.Prepare = nil
	if p.Deleted {
		sv.Value = nil
	}
	if sv.IsTemp() {
		// First committed revision of a key created by this sync write.
		sv.Temp = hashtable.TempNone
		bucket.NoteTempResolved()
		wasDeleted = false
	}
	if wasDeleted != sv.Deleted {
		if sv.Deleted {
			v.ht.NoteDeleted(1)
		} else {
			v.ht.NoteDeleted(-1)
		}
	}
	bucket.ResizeValue(sv, oldSize)

	item := sv.ToItem(v.id, model.OpCommit)
	item.Seqno = 0 // commit takes a fresh position in the log
	seqno, err := v.queueDirty(bucket, sv, item)
	if err != nil {
		bucket.Unlock()
		return err
	}
	cid := v.manifest.Lock(key).CollectionID
	bucket.Unlock()

	v.ht.NotePending(-1)
	if v.mx != nil {
		v.mx.SyncWritesCommitted.Inc()
		v.mx.SyncWritesInFlight.Dec()
	}
	v.afterQueue(key, seqno, cid)
	v.callbacks.syncWriteComplete(cookie, key, nil)
	return nil
}

// Abort removes the pending prepare at prepareSeqno and answers the parked
// client with the given terminal error.
func (v *VBucket) Abort(key string, prepareSeqno uint64, cookie interface{}, cause error) error {
	bucket, sv := v.ht.FindForWrite(key)

	if sv == nil || sv.Prepare == nil || sv.Prepare.Seqno != prepareSeqno {
		bucket.Unlock()
		return errors.Internal("abort for unknown prepare", nil).
			WithDetail("key", key).
			WithDetail("prepare_seqno", prepareSeqno)
	}

	oldSize := sv.Size()
	sv.Prepare = nil
	bucket.ResizeValue(sv, oldSize)

	item := sv.ToItem(v.id, model.OpAbort)
	item.Seqno = 0 // abort gets its own position in the log
	seqno, err := v.queueDirty(bucket, sv, item)
	if err != nil {
		bucket.Unlock()
		return err
	}
	if sv.IsTemp() && sv.Seqno == 0 {
		// The key never had a committed revision; drop the shell.
		bucket.Remove(sv)
	}
	cid := v.manifest.Lock(key).CollectionID
	bucket.Unlock()

	v.ht.NotePending(-1)
	if v.mx != nil {
		v.mx.SyncWritesAborted.Inc()
		v.mx.SyncWritesInFlight.Dec()
	}
	v.afterQueue(key, seqno, cid)
	if cause == nil {
		cause = errors.DurabilityAmbiguous(key, prepareSeqno)
	}
	v.callbacks.syncWriteComplete(cookie, key, cause)
	return nil
}

// abortPrepare is the timeout path into Abort.
func (v *VBucket) abortPrepare(w *durability.TrackedWrite, cause error) {
	if err := v.Abort(w.Key, w.Seqno, w.Cookie, cause); err != nil {
		v.logger.Error("failed to abort timed-out sync write",
			zap.String("key", w.Key),
			zap.Uint64("prepare_seqno", w.Seqno),
			zap.Error(err))
		v.callbacks.syncWriteComplete(w.Cookie, w.Key, cause)
	}
}

// expireUnderLock converts an expired StoredValue into a queued deletion.
// Caller holds the bucket lock; the returned seqno/cid feed afterQueue once
// the lock is dropped.
func (v *VBucket) expireUnderLock(bucket *hashtable.Bucket, sv *hashtable.StoredValue, source model.ExpirySource) (uint64, uint32, error) {
	oldSize := sv.Size()
	sv.Value = nil
	sv.Deleted = true
	sv.Meta.RevSeqno++
	sv.Meta.CAS = v.clock.Next()
	v.ht.NoteDeleted(1)
	bucket.ResizeValue(sv, oldSize)

	item := sv.ToItem(v.id, model.OpDeletion)
	item.Seqno = 0
	item.ExpiredBy = source
	seqno, err := v.queueDirty(bucket, sv, item)
	if err != nil {
		return 0, 0, err
	}
	cid := v.manifest.Lock(sv.Key).CollectionID
	if v.mx != nil {
		v.mx.RecordExpiry(source.String())
	}
	return seqno, cid, nil
}
