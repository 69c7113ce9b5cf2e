package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/kestreldb/kestrel/internal/config"
	"github.com/kestreldb/kestrel/internal/errors"
	"github.com/kestreldb/kestrel/internal/kvstore"
	"github.com/kestreldb/kestrel/internal/model"
	"github.com/kestreldb/kestrel/internal/vbucket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.NodeID = "node-test"
	cfg.Engine.NumVBuckets = 8
	cfg.Engine.HashTableShards = 8
	cfg.Engine.EvictionPolicy = "value"
	// Loops are driven by hand in tests.
	cfg.Engine.FlusherInterval = time.Hour
	cfg.Engine.FlusherBatch = 100
	cfg.Engine.PagerInterval = time.Hour
	cfg.Engine.CompactionInterval = time.Hour
	cfg.Engine.TombstonePurgeAge = time.Hour
	cfg.Engine.FetchWorkers = 2
	cfg.Engine.FetchQueueDepth = 16
	cfg.Engine.ConflictPolicy = "revseqno"
	cfg.Quota.MaxSize = 64 << 20
	cfg.Quota.MutationRatio = 0.93
	cfg.Quota.ReplicationRatio = 0.99
	cfg.Checkpoint.MaxItems = 1000
	cfg.Checkpoint.MaxAge = time.Nanosecond
	cfg.Durability.DefaultTimeout = time.Minute
	cfg.Durability.SweepInterval = time.Hour
	cfg.Bloom = config.BloomConfig{Enabled: true, ExpectedKeys: 1000, FalsePositiveRate: 0.01}
	return cfg
}

type capture struct {
	mu       sync.Mutex
	syncErrs []error
}

func (c *capture) callbacks() vbucket.Callbacks {
	return vbucket.Callbacks{
		SyncWriteComplete: func(cookie interface{}, key string, err error) {
			c.mu.Lock()
			c.syncErrs = append(c.syncErrs, err)
			c.mu.Unlock()
		},
	}
}

func (c *capture) errs() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.syncErrs...)
}

func newTestEngine(t *testing.T, store kvstore.Store) (*Engine, *capture) {
	t.Helper()
	sink := &capture{}
	if store == nil {
		store = kvstore.NewMemoryStore()
	}
	return New(testConfig(), store, sink.callbacks(), zap.NewNop(), nil), sink
}

func TestCreateVBucketBounds(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, err := e.CreateVBucket(100, model.VBActive)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	_, err = e.CreateVBucket(0, model.VBActive)
	require.NoError(t, err)
	_, err = e.CreateVBucket(0, model.VBActive)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	assert.Equal(t, 1, e.NumVBuckets())
}

func TestVBucketLookup(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, err := e.VBucket(3)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotMyVBucket))

	created, err := e.CreateVBucket(3, model.VBReplica)
	require.NoError(t, err)
	got, err := e.VBucket(3)
	require.NoError(t, err)
	assert.Same(t, created, got)
}

func TestDropVBucket(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, err := e.CreateVBucket(0, model.VBActive)
	require.NoError(t, err)
	require.NoError(t, e.DropVBucket(0))

	_, err = e.VBucket(0)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotMyVBucket))
	err = e.DropVBucket(0)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotMyVBucket))
}

func TestActiveVBuckets(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, err := e.CreateVBucket(0, model.VBActive)
	require.NoError(t, err)
	_, err = e.CreateVBucket(1, model.VBReplica)
	require.NoError(t, err)
	_, err = e.CreateVBucket(2, model.VBActive)
	require.NoError(t, err)

	active := e.ActiveVBuckets()
	assert.ElementsMatch(t, []model.VBucketID{0, 2}, active)
}

func TestFlusherPersistsMutations(t *testing.T) {
	store := kvstore.NewMemoryStore()
	e, _ := newTestEngine(t, store)

	v, err := e.CreateVBucket(0, model.VBActive)
	require.NoError(t, err)
	_, err = v.Set(vbucket.MutationRequest{Key: "k", Value: []byte("v")})
	require.NoError(t, err)

	e.flushAll()

	assert.Equal(t, uint64(1), v.PersistedSeqno())
	doc, err := store.Get(0, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), doc.Value)

	rec, err := store.GetVBState(0)
	require.NoError(t, err)
	assert.Equal(t, "active", rec.State)
	assert.Equal(t, uint64(1), rec.HighSeqno)
}

func TestWarmupRestoresPartition(t *testing.T) {
	store := kvstore.NewMemoryStore()

	e1, _ := newTestEngine(t, store)
	v1, err := e1.CreateVBucket(0, model.VBActive)
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c"} {
		_, err = v1.Set(vbucket.MutationRequest{Key: k, Value: []byte("v-" + k)})
		require.NoError(t, err)
	}
	e1.flushAll()
	maxCAS := v1.MaxCAS()

	// A fresh engine over the same store resumes where the first left off.
	e2, _ := newTestEngine(t, store)
	v2, err := e2.CreateVBucket(0, model.VBActive)
	require.NoError(t, err)

	assert.Equal(t, uint64(3), v2.HighSeqno())
	assert.Equal(t, uint64(3), v2.PersistedSeqno())
	assert.GreaterOrEqual(t, v2.MaxCAS(), maxCAS)

	// Warmup loads metadata only; the value fetches through on first read.
	assert.Eventually(t, func() bool {
		got, err := v2.Get("a", nil)
		return err == nil && string(got.Value) == "v-a"
	}, 2*time.Second, 5*time.Millisecond)

	// New mutations continue the seqno line.
	res, err := v2.Set(vbucket.MutationRequest{Key: "d", Value: []byte("v-d")})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), res.Seqno)
}

func TestSweepAbortsOverdueSyncWrites(t *testing.T) {
	e, sink := newTestEngine(t, nil)

	v, err := e.CreateVBucket(0, model.VBActive)
	require.NoError(t, err)
	require.NoError(t, v.SetReplicationTopology(
		model.ReplicationTopology{Chains: []model.Chain{{"n0", "r1"}}}))

	_, err = v.Set(vbucket.MutationRequest{
		Key:        "k",
		Value:      []byte("v"),
		Durability: model.Requirements{Level: model.LevelMajority, Timeout: time.Millisecond},
		Cookie:     "c1",
	})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	e.sweepDurability()

	errs := sink.errs()
	require.Len(t, errs, 1)
	assert.True(t, errors.IsCode(errs[0], errors.ErrCodeDurabilityAmbiguous))
}

func TestCompactAllPurgesTombstones(t *testing.T) {
	store := kvstore.NewMemoryStore()
	e, _ := newTestEngine(t, store)
	e.cfg.Engine.TombstonePurgeAge = 0

	v, err := e.CreateVBucket(0, model.VBActive)
	require.NoError(t, err)
	_, err = v.Set(vbucket.MutationRequest{Key: "k", Value: []byte("v")})
	require.NoError(t, err)
	_, err = v.Delete("k", 0, model.Requirements{}, nil)
	require.NoError(t, err)
	e.flushAll()

	// Let the clock move so the cutoff is strictly newer than the
	// tombstone CAS.
	time.Sleep(2 * time.Millisecond)
	e.compactAll()

	assert.Equal(t, uint64(2), v.PurgeSeqno())
	_, err = store.Get(0, "k")
	assert.True(t, errors.IsCode(err, errors.ErrCodeKeyNotFound))
}

func TestStartStop(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	v, err := e.CreateVBucket(0, model.VBActive)
	require.NoError(t, err)
	_, err = v.Set(vbucket.MutationRequest{Key: "k", Value: []byte("v")})
	require.NoError(t, err)

	e.Start()
	e.KickFlusher()
	assert.Eventually(t, func() bool {
		return v.PersistedSeqno() == 1
	}, 2*time.Second, 5*time.Millisecond)
	e.Stop()
	e.Stop() // idempotent
}

func TestEngineStats(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	v, err := e.CreateVBucket(0, model.VBActive)
	require.NoError(t, err)
	_, err = v.Set(vbucket.MutationRequest{Key: "k", Value: []byte("v")})
	require.NoError(t, err)

	stats := e.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].HashTable.NumItems)
}
