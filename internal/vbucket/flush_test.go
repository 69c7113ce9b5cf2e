package vbucket

import (
	"testing"
	"time"

	"github.com/kestreldb/kestrel/internal/errors"
	"github.com/kestreldb/kestrel/internal/kvstore"
	"github.com/kestreldb/kestrel/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextFlushBatchShapesDocuments(t *testing.T) {
	env := newTestEnv(t, model.VBActive, false)

	_, err := env.v.Set(MutationRequest{Key: "a", Value: []byte("v1")})
	require.NoError(t, err)
	_, err = env.v.Set(MutationRequest{Key: "b", Value: []byte("v2")})
	require.NoError(t, err)
	_, err = env.v.Delete("a", 0, model.Requirements{}, nil)
	require.NoError(t, err)

	env.v.Checkpoints().CloseOpenCheckpoint()
	batch, err := env.v.NextFlushBatch(0)
	require.NoError(t, err)

	// The delete superseded the earlier set of "a" inside the open
	// checkpoint, so only the final revision of each key flushes.
	require.Len(t, batch.Docs, 2)
	assert.Equal(t, uint64(3), batch.Seqno)
	byKey := map[string]bool{}
	for _, doc := range batch.Docs {
		byKey[doc.Key] = doc.Deleted
	}
	assert.True(t, byKey["a"])
	assert.False(t, byKey["b"])

	// Nothing left once the batch drained.
	batch, err = env.v.NextFlushBatch(0)
	require.NoError(t, err)
	assert.Zero(t, batch.Seqno)
	assert.Empty(t, batch.Docs)
}

func TestFlushSkipsPrepares(t *testing.T) {
	env := newTestEnv(t, model.VBActive, false)
	require.NoError(t, env.v.SetReplicationTopology(chain("n0", "r1")))

	res, err := env.v.Set(MutationRequest{
		Key:        "k",
		Value:      []byte("v"),
		Durability: model.Requirements{Level: model.LevelMajority},
	})
	require.NoError(t, err)

	env.v.Checkpoints().CloseOpenCheckpoint()
	batch, err := env.v.NextFlushBatch(0)
	require.NoError(t, err)

	// The prepare advances the flushed seqno without landing a document;
	// the body only reaches disk through its commit.
	assert.Empty(t, batch.Docs)
	assert.Equal(t, res.Seqno, batch.Seqno)

	require.NoError(t, env.v.SeqnoAcknowledged("r1", res.Seqno))
	env.v.Checkpoints().CloseOpenCheckpoint()
	batch, err = env.v.NextFlushBatch(0)
	require.NoError(t, err)
	require.Len(t, batch.Docs, 1)
	assert.Equal(t, "k", batch.Docs[0].Key)
	assert.Equal(t, []byte("v"), batch.Docs[0].Value)
}

func TestFlushAdvancesPersistedSeqno(t *testing.T) {
	env := newTestEnv(t, model.VBActive, false)

	for _, k := range []string{"a", "b"} {
		_, err := env.v.Set(MutationRequest{Key: k, Value: []byte("v")})
		require.NoError(t, err)
	}
	assert.Zero(t, env.v.PersistedSeqno())

	env.flush()
	assert.Equal(t, uint64(2), env.v.PersistedSeqno())

	doc, err := env.store.Get(env.v.ID(), "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), doc.Value)
}

func TestStateRecordCarriesPartitionSidecar(t *testing.T) {
	env := newTestEnv(t, model.VBActive, false)
	require.NoError(t, env.v.SetReplicationTopology(chain("n0", "r1")))

	_, err := env.v.Set(MutationRequest{Key: "k", Value: []byte("v")})
	require.NoError(t, err)

	snap := model.SnapshotRange{Start: 1, End: 1}
	rec := env.v.StateRecord(snap, env.v.HighSeqno())
	assert.Equal(t, "active", rec.State)
	assert.Equal(t, uint64(1), rec.HighSeqno)
	assert.Equal(t, snap, rec.Snapshot)
	assert.NotZero(t, rec.MaxCAS)
	require.NotNil(t, rec.Failover)
	assert.NotEmpty(t, rec.Failover.Entries)
	assert.Equal(t, "r1", rec.Topology.Chains[0][1])
}

func TestEvictKeyValueEviction(t *testing.T) {
	env := newTestEnv(t, model.VBActive, false)

	_, err := env.v.Set(MutationRequest{Key: "k", Value: []byte("v")})
	require.NoError(t, err)

	// Dirty keys cannot be evicted.
	err = env.v.EvictKey("k")
	assert.True(t, errors.IsCode(err, errors.ErrCodeTmpFail))

	env.flush()
	require.NoError(t, env.v.EvictKey("k"))

	// The first read parks on a fetch; with no pool the fetch ran inline,
	// so the retry is already resident.
	_, err = env.v.Get("k", "cookie-1")
	assert.True(t, errors.IsCode(err, errors.ErrCodeWouldBlock))
	assert.Equal(t, []interface{}{"cookie-1"}, env.fetchedCookies())

	got, err := env.v.Get("k", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Value)
}

func TestEvictKeyMiss(t *testing.T) {
	env := newTestEnv(t, model.VBActive, false)
	err := env.v.EvictKey("absent")
	assert.True(t, errors.IsCode(err, errors.ErrCodeKeyNotFound))
}

func TestFullEvictionFetchThroughBloom(t *testing.T) {
	env := newTestEnv(t, model.VBActive, true)

	_, err := env.v.Set(MutationRequest{Key: "k", Value: []byte("v")})
	require.NoError(t, err)
	env.flush()
	require.NoError(t, env.v.EvictKey("k"))

	// The whole entry left memory; only the bloom filter remembers it.
	_, err = env.v.Get("k", "cookie-1")
	assert.True(t, errors.IsCode(err, errors.ErrCodeWouldBlock))
	got, err := env.v.Get("k", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Value)

	// A key the filter has never seen is a straight miss, no disk read.
	_, err = env.v.Get("never-written", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeKeyNotFound))
}

func TestFullEvictionWriteChecksDisk(t *testing.T) {
	env := newTestEnv(t, model.VBActive, true)

	_, err := env.v.Set(MutationRequest{Key: "k", Value: []byte("v")})
	require.NoError(t, err)
	env.flush()
	require.NoError(t, env.v.EvictKey("k"))

	// Add must consult disk before deciding the key is absent.
	_, err = env.v.Add(MutationRequest{Key: "k", Value: []byte("x"), Cookie: "c1"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeWouldBlock))
	_, err = env.v.Add(MutationRequest{Key: "k", Value: []byte("x")})
	assert.True(t, errors.IsCode(err, errors.ErrCodeKeyExists))
}

func TestWarmupResidentAndMetadataOnly(t *testing.T) {
	seed := newTestEnv(t, model.VBActive, false)
	for _, k := range []string{"full", "meta"} {
		_, err := seed.v.Set(MutationRequest{Key: k, Value: []byte("v-" + k)})
		require.NoError(t, err)
	}
	seed.flush()

	// Rebuild a fresh partition from the persisted documents.
	env := newTestEnv(t, model.VBActive, false)
	env.store = seed.store
	env.v.store = seed.store

	docFull, err := seed.store.Get(0, "full")
	require.NoError(t, err)
	docMeta, err := seed.store.Get(0, "meta")
	require.NoError(t, err)

	env.v.Warmup(docFull, false)
	env.v.Warmup(docMeta, true)

	got, err := env.v.Get("full", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v-full"), got.Value)

	// Metadata-only warmup leaves the value on disk.
	_, err = env.v.Get("meta", "c1")
	assert.True(t, errors.IsCode(err, errors.ErrCodeWouldBlock))
	got, err = env.v.Get("meta", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v-meta"), got.Value)

	// The clock resumed past any persisted CAS.
	assert.GreaterOrEqual(t, env.v.MaxCAS(), docFull.Meta.CAS)
}

func TestWarmupKeepsNewerInMemoryRevision(t *testing.T) {
	env := newTestEnv(t, model.VBActive, false)

	_, err := env.v.Set(MutationRequest{Key: "k", Value: []byte("new")})
	require.NoError(t, err)

	env.v.Warmup(&kvstore.Document{
		Key:   "k",
		Value: []byte("stale"),
		Meta:  model.ItemMeta{CAS: 1, RevSeqno: 1},
		Seqno: 1,
	}, false)

	got, err := env.v.Get("k", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got.Value)
}

func TestEvictCleanValuesSecondChance(t *testing.T) {
	env := newTestEnv(t, model.VBActive, false)

	for _, k := range []string{"hot", "cold1", "cold2"} {
		_, err := env.v.Set(MutationRequest{Key: k, Value: []byte("0123456789")})
		require.NoError(t, err)
	}
	env.flush()

	// A read marks "hot" referenced; the first pager pass clears the bit
	// instead of evicting.
	_, err := env.v.Get("hot", nil)
	require.NoError(t, err)

	reclaimed := env.v.EvictCleanValues(1 << 20)
	assert.NotZero(t, reclaimed)

	got, err := env.v.Get("hot", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), got.Value)

	_, err = env.v.Get("cold1", "c1")
	assert.True(t, errors.IsCode(err, errors.ErrCodeWouldBlock))
}

func TestCompactPurgesOldTombstones(t *testing.T) {
	env := newTestEnv(t, model.VBActive, false)

	_, err := env.v.Set(MutationRequest{Key: "dead", Value: []byte("v")})
	require.NoError(t, err)
	_, err = env.v.Set(MutationRequest{Key: "live", Value: []byte("v")})
	require.NoError(t, err)
	_, err = env.v.Delete("dead", 0, model.Requirements{}, nil)
	require.NoError(t, err)
	env.flush()

	// A cutoff in the future ages every tombstone past the purge window.
	res, err := env.v.Compact(0, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.TombstonesPurged)
	assert.Equal(t, 1, res.LiveKeys)
	assert.Equal(t, uint64(3), env.v.PurgeSeqno())

	_, err = env.store.Get(env.v.ID(), "dead")
	assert.True(t, errors.IsCode(err, errors.ErrCodeKeyNotFound))
	_, err = env.store.Get(env.v.ID(), "live")
	require.NoError(t, err)
}

func TestCompactKeepsRecentTombstones(t *testing.T) {
	env := newTestEnv(t, model.VBActive, false)

	_, err := env.v.Set(MutationRequest{Key: "dead", Value: []byte("v")})
	require.NoError(t, err)
	_, err = env.v.Delete("dead", 0, model.Requirements{}, nil)
	require.NoError(t, err)
	env.flush()

	res, err := env.v.Compact(24*time.Hour, time.Now())
	require.NoError(t, err)
	assert.Zero(t, res.TombstonesPurged)
	assert.Zero(t, env.v.PurgeSeqno())

	_, err = env.store.Get(env.v.ID(), "dead")
	require.NoError(t, err)
}

func TestCompactExpiresPersistedDocs(t *testing.T) {
	env := newTestEnv(t, model.VBActive, false)
	past := uint32(time.Now().Add(-time.Minute).Unix())

	_, err := env.v.Set(MutationRequest{Key: "k", Value: []byte("v"), Expiry: past})
	require.NoError(t, err)
	env.flush()

	res, err := env.v.Compact(24*time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.KeysExpired)

	// The compactor queued the deletion; the next flush lands the tombstone.
	assert.Equal(t, uint64(2), env.v.HighSeqno())
	env.flush()
	doc, err := env.store.Get(env.v.ID(), "k")
	require.NoError(t, err)
	assert.True(t, doc.Deleted)
}

func TestCompactRebuildsBloomFromSurvivors(t *testing.T) {
	env := newTestEnv(t, model.VBActive, true)

	_, err := env.v.Set(MutationRequest{Key: "purged", Value: []byte("v")})
	require.NoError(t, err)
	_, err = env.v.Set(MutationRequest{Key: "kept", Value: []byte("v")})
	require.NoError(t, err)
	_, err = env.v.Delete("purged", 0, model.Requirements{}, nil)
	require.NoError(t, err)
	env.flush()

	_, err = env.v.Compact(0, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, env.v.EvictKey("kept"))

	// The purged key fell out of the rebuilt filter, so its miss is
	// answered from memory; the survivor still fetches through.
	_, err = env.v.Get("purged", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeKeyNotFound))
	_, err = env.v.Get("kept", "c1")
	assert.True(t, errors.IsCode(err, errors.ErrCodeWouldBlock))
	got, err := env.v.Get("kept", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Value)
}
