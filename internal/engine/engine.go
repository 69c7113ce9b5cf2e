// Package engine owns the set of partitions hosted by this node and the
// background services driving them: the flusher, the expiry/item pager,
// the durability timeout sweeper and the compactor.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/kestreldb/kestrel/internal/checkpoint"
	"github.com/kestreldb/kestrel/internal/collections"
	"github.com/kestreldb/kestrel/internal/config"
	"github.com/kestreldb/kestrel/internal/conflict"
	"github.com/kestreldb/kestrel/internal/errors"
	"github.com/kestreldb/kestrel/internal/kvstore"
	"github.com/kestreldb/kestrel/internal/metrics"
	"github.com/kestreldb/kestrel/internal/model"
	"github.com/kestreldb/kestrel/internal/util/workerpool"
	"github.com/kestreldb/kestrel/internal/vbucket"
	"go.uber.org/zap"
)

// Engine hosts the node's partitions and their background services.
type Engine struct {
	cfg       *config.Config
	logger    *zap.Logger
	mx        *metrics.Metrics
	quota     *config.Quota
	store     kvstore.Store
	manifest  collections.Manifest
	resolver  conflict.Resolver
	fetchPool *workerpool.WorkerPool
	callbacks vbucket.Callbacks

	mu       sync.RWMutex
	vbuckets map[model.VBucketID]*vbucket.VBucket

	flushKick chan struct{}
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates an engine over store. Background services start with Start.
func New(cfg *config.Config, store kvstore.Store, cb vbucket.Callbacks,
	logger *zap.Logger, mx *metrics.Metrics) *Engine {

	if logger == nil {
		logger = zap.NewNop()
	}
	quota := config.NewQuota(cfg.Quota)

	e := &Engine{
		cfg:      cfg,
		logger:   logger.Named("engine"),
		mx:       mx,
		quota:    quota,
		store:    store,
		manifest: collections.NewStaticManifest(),
		resolver: conflict.ForPolicy(cfg.Engine.ConflictPolicy),
		fetchPool: workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "bgfetch",
			MaxWorkers: cfg.Engine.FetchWorkers,
			QueueSize:  cfg.Engine.FetchQueueDepth,
			Logger:     logger,
		}),
		callbacks: cb,
		vbuckets:  make(map[model.VBucketID]*vbucket.VBucket),
		flushKick: make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
	}
	return e
}

// Quota exposes the engine-wide memory quota.
func (e *Engine) Quota() *config.Quota { return e.quota }

// Manifest exposes the bucket's collection manifest.
func (e *Engine) Manifest() collections.Manifest { return e.manifest }

// Start launches the background services.
func (e *Engine) Start() {
	e.startLoop(e.cfg.Engine.FlusherInterval, e.flushAll, e.flushKick)
	e.startLoop(e.cfg.Engine.PagerInterval, e.runPager, nil)
	e.startLoop(e.cfg.Durability.SweepInterval, e.sweepDurability, nil)
	e.startLoop(e.cfg.Engine.CompactionInterval, e.compactAll, nil)
	e.logger.Info("engine started",
		zap.Int("num_vbuckets", e.cfg.Engine.NumVBuckets),
		zap.String("eviction_policy", e.cfg.Engine.EvictionPolicy))
}

func (e *Engine) startLoop(interval time.Duration, fn func(), kick chan struct{}) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-kickOrNever(kick):
				fn()
			case <-e.stopChan:
				return
			}
		}
	}()
}

func kickOrNever(kick chan struct{}) <-chan struct{} {
	if kick == nil {
		return nil
	}
	return kick
}

// Stop halts background services, flushes outstanding items once and closes
// the store.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopChan)
		e.wg.Wait()
		e.fetchPool.Stop()
		e.flushAll()
		if err := e.store.Close(); err != nil {
			e.logger.Error("failed to close store", zap.Error(err))
		}
		e.logger.Info("engine stopped")
	})
}

// KickFlusher wakes the flusher ahead of its ticker.
func (e *Engine) KickFlusher() {
	select {
	case e.flushKick <- struct{}{}:
	default:
	}
}

// CreateVBucket instantiates a partition in the given state, warming it
// from the store when a persisted record exists.
func (e *Engine) CreateVBucket(id model.VBucketID, state model.VBState) (*vbucket.VBucket, error) {
	if int(id) >= e.cfg.Engine.NumVBuckets {
		return nil, errors.InvalidArgument(
			fmt.Sprintf("vbucket %d out of range [0,%d)", id, e.cfg.Engine.NumVBuckets), nil)
	}
	e.mu.Lock()
	if _, ok := e.vbuckets[id]; ok {
		e.mu.Unlock()
		return nil, errors.InvalidArgument(fmt.Sprintf("vbucket %d already exists", id), nil)
	}
	e.mu.Unlock()

	opts := vbucket.Options{
		ID:                 id,
		State:              state,
		Shards:             e.cfg.Engine.HashTableShards,
		FullEviction:       e.cfg.Engine.EvictionPolicy == "full",
		Checkpoint:         checkpoint.Config{MaxItems: e.cfg.Checkpoint.MaxItems, MaxAge: e.cfg.Checkpoint.MaxAge},
		DefaultSyncTimeout: e.cfg.Durability.DefaultTimeout,
		Bloom:              e.cfg.Bloom,
		Quota:              e.quota,
		Store:              e.store,
		Manifest:           e.manifest,
		Resolver:           e.resolver,
		FetchPool:          e.fetchPool,
		Callbacks:          e.callbacks,
		Logger:             e.logger,
		Metrics:            e.mx,
	}

	rec, err := e.store.GetVBState(id)
	switch {
	case err == nil:
		opts.InitialHighSeqno = rec.HighSeqno
		opts.InitialMaxCAS = rec.MaxCAS
		opts.InitialPurgeSeqno = rec.PurgeSeqno
		opts.Failover = rec.Failover
	case errors.IsCode(err, errors.ErrCodeKeyNotFound):
		rec = nil
	default:
		return nil, err
	}

	v := vbucket.New(opts)

	if rec != nil {
		if warmErr := e.warmup(v); warmErr != nil {
			return nil, warmErr
		}
		v.NotifyPersistence(rec.HighSeqno, rec.Snapshot)
		if state == model.VBActive && len(rec.Topology.Chains) > 0 {
			if topoErr := v.SetReplicationTopology(rec.Topology); topoErr != nil {
				e.logger.Warn("persisted topology rejected on warmup",
					zap.Uint16("vbucket", uint16(id)), zap.Error(topoErr))
			}
		}
	}

	e.mu.Lock()
	if _, ok := e.vbuckets[id]; ok {
		e.mu.Unlock()
		return nil, errors.InvalidArgument(fmt.Sprintf("vbucket %d already exists", id), nil)
	}
	e.vbuckets[id] = v
	e.mu.Unlock()

	e.logger.Info("vbucket created",
		zap.Uint16("vbucket", uint16(id)),
		zap.String("state", state.String()),
		zap.Bool("warmed", rec != nil))
	return v, nil
}

// warmup seeds the partition's hash table from disk. Under value eviction
// every key's metadata becomes resident; under full eviction the table
// starts empty and the bloom filter alone covers the persisted keyspace.
func (e *Engine) warmup(v *vbucket.VBucket) error {
	start := time.Now()
	loaded := 0
	err := e.store.Dump(v.ID(), func(doc *kvstore.Document) error {
		v.Warmup(doc, true)
		loaded++
		return nil
	})
	if err != nil {
		return errors.Internal("warmup scan failed", err)
	}
	e.logger.Info("vbucket warmed",
		zap.Uint16("vbucket", uint16(v.ID())),
		zap.Int("docs", loaded),
		zap.Duration("took", time.Since(start)))
	return nil
}

// NumVBuckets reports how many partitions the node currently hosts.
func (e *Engine) NumVBuckets() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.vbuckets)
}

// VBucket resolves a hosted partition.
func (e *Engine) VBucket(id model.VBucketID) (*vbucket.VBucket, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.vbuckets[id]
	if !ok {
		return nil, errors.NotMyVBucket(uint16(id), model.VBDead.String())
	}
	return v, nil
}

// DropVBucket marks a partition dead and stops hosting it. Persisted data
// stays on disk.
func (e *Engine) DropVBucket(id model.VBucketID) error {
	e.mu.Lock()
	v, ok := e.vbuckets[id]
	if ok {
		delete(e.vbuckets, id)
	}
	e.mu.Unlock()
	if !ok {
		return errors.NotMyVBucket(uint16(id), model.VBDead.String())
	}
	if err := v.SetState(model.VBDead); err != nil {
		return err
	}
	e.logger.Info("vbucket dropped", zap.Uint16("vbucket", uint16(id)))
	return nil
}

func (e *Engine) snapshot() []*vbucket.VBucket {
	e.mu.RLock()
	defer e.mu.RUnlock()
	vbs := make([]*vbucket.VBucket, 0, len(e.vbuckets))
	for _, v := range e.vbuckets {
		vbs = append(vbs, v)
	}
	return vbs
}

// Stats snapshots every hosted partition.
func (e *Engine) Stats() []vbucket.Stats {
	vbs := e.snapshot()
	out := make([]vbucket.Stats, 0, len(vbs))
	for _, v := range vbs {
		out = append(out, v.Stats())
	}
	return out
}
