package vbucket

import (
	"testing"
	"time"

	"github.com/kestreldb/kestrel/internal/errors"
	"github.com/kestreldb/kestrel/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chain(nodes ...string) model.ReplicationTopology {
	return model.ReplicationTopology{Chains: []model.Chain{nodes}}
}

func TestSyncWriteWithoutTopology(t *testing.T) {
	env := newTestEnv(t, model.VBActive, false)

	_, err := env.v.Set(MutationRequest{
		Key:        "k",
		Value:      []byte("v"),
		Durability: model.Requirements{Level: model.LevelMajority},
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeDurabilityImpossible))
	assert.Empty(t, env.syncOutcomes())
}

func TestSyncWriteSingleNodeChainCommitsInline(t *testing.T) {
	env := newTestEnv(t, model.VBActive, false)
	require.NoError(t, env.v.SetReplicationTopology(chain("n0")))

	res, err := env.v.Set(MutationRequest{
		Key:        "k",
		Value:      []byte("v"),
		Durability: model.Requirements{Level: model.LevelMajority},
		Cookie:     "c1",
	})
	require.NoError(t, err)
	assert.True(t, res.SyncPending)

	// A single-node chain is its own majority, so the commit lands before
	// Set returns.
	outcomes := env.syncOutcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, "c1", outcomes[0].cookie)
	assert.Equal(t, "k", outcomes[0].key)
	assert.NoError(t, outcomes[0].err)

	got, err := env.v.Get("k", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Value)
	// Prepare then commit occupy two log positions.
	assert.Equal(t, uint64(2), env.v.HighSeqno())
}

func TestSyncWriteCommitsOnReplicaAck(t *testing.T) {
	env := newTestEnv(t, model.VBActive, false)
	require.NoError(t, env.v.SetReplicationTopology(chain("n0", "r1")))

	res, err := env.v.Set(MutationRequest{
		Key:        "k",
		Value:      []byte("v"),
		Durability: model.Requirements{Level: model.LevelMajority},
		Cookie:     "c1",
	})
	require.NoError(t, err)
	assert.True(t, res.SyncPending)
	assert.Empty(t, env.syncOutcomes())

	// While the prepare is in flight the key is invisible and write-blocked.
	_, err = env.v.Get("k", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeKeyNotFound))
	_, err = env.v.Set(MutationRequest{Key: "k", Value: []byte("x")})
	assert.True(t, errors.IsCode(err, errors.ErrCodeTmpFail))
	_, err = env.v.Delete("k", 0, model.Requirements{}, nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTmpFail))

	require.NoError(t, env.v.SeqnoAcknowledged("r1", res.Seqno))

	outcomes := env.syncOutcomes()
	require.Len(t, outcomes, 1)
	assert.NoError(t, outcomes[0].err)

	got, err := env.v.Get("k", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Value)
}

func TestSyncWriteOnExistingKeyKeepsCommittedVisible(t *testing.T) {
	env := newTestEnv(t, model.VBActive, false)
	require.NoError(t, env.v.SetReplicationTopology(chain("n0", "r1")))

	_, err := env.v.Set(MutationRequest{Key: "k", Value: []byte("old")})
	require.NoError(t, err)

	res, err := env.v.Set(MutationRequest{
		Key:        "k",
		Value:      []byte("new"),
		Durability: model.Requirements{Level: model.LevelMajority},
	})
	require.NoError(t, err)

	// Reads keep answering the last committed revision until the quorum is
	// reached.
	got, err := env.v.Get("k", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), got.Value)

	require.NoError(t, env.v.SeqnoAcknowledged("r1", res.Seqno))
	got, err = env.v.Get("k", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got.Value)
}

func TestSyncWritePersistToMajority(t *testing.T) {
	env := newTestEnv(t, model.VBActive, false)
	require.NoError(t, env.v.SetReplicationTopology(chain("n0", "r1")))

	res, err := env.v.Set(MutationRequest{
		Key:        "k",
		Value:      []byte("v"),
		Durability: model.Requirements{Level: model.LevelPersistToMajority},
		Cookie:     "c1",
	})
	require.NoError(t, err)

	// The replica ack alone is not enough: the active must also persist.
	require.NoError(t, env.v.SeqnoAcknowledged("r1", res.Seqno))
	assert.Empty(t, env.syncOutcomes())

	env.flush()

	outcomes := env.syncOutcomes()
	require.Len(t, outcomes, 1)
	assert.NoError(t, outcomes[0].err)
}

func TestSyncWriteTimeout(t *testing.T) {
	env := newTestEnv(t, model.VBActive, false)
	require.NoError(t, env.v.SetReplicationTopology(chain("n0", "r1")))

	res, err := env.v.Set(MutationRequest{
		Key:        "k",
		Value:      []byte("v"),
		Durability: model.Requirements{Level: model.LevelMajority, Timeout: 10 * time.Millisecond},
		Cookie:     "c1",
	})
	require.NoError(t, err)

	env.v.ProcessDurabilityTimeout(time.Now().Add(time.Second))

	outcomes := env.syncOutcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, "c1", outcomes[0].cookie)
	assert.True(t, errors.IsCode(outcomes[0].err, errors.ErrCodeDurabilityAmbiguous))

	// The aborted prepare never had a committed revision; the key is gone
	// and writable again.
	_, err = env.v.Get("k", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeKeyNotFound))
	_, err = env.v.Set(MutationRequest{Key: "k", Value: []byte("x")})
	require.NoError(t, err)

	// A late ack for the aborted prepare resolves nothing.
	require.NoError(t, env.v.SeqnoAcknowledged("r1", res.Seqno))
	assert.Len(t, env.syncOutcomes(), 1)
}

func TestSyncDeleteCommitsTombstone(t *testing.T) {
	env := newTestEnv(t, model.VBActive, false)
	require.NoError(t, env.v.SetReplicationTopology(chain("n0", "r1")))

	_, err := env.v.Set(MutationRequest{Key: "k", Value: []byte("v")})
	require.NoError(t, err)

	res, err := env.v.Delete("k", 0, model.Requirements{Level: model.LevelMajority}, "c1")
	require.NoError(t, err)
	assert.True(t, res.SyncPending)

	// Still readable until the deletion reaches quorum.
	_, err = env.v.Get("k", nil)
	require.NoError(t, err)

	require.NoError(t, env.v.SeqnoAcknowledged("r1", res.Seqno))
	_, err = env.v.Get("k", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeKeyNotFound))

	got, err := env.v.GetWithMeta("k", nil)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestSyncWriteDemotionAnswersAmbiguous(t *testing.T) {
	env := newTestEnv(t, model.VBActive, false)
	require.NoError(t, env.v.SetReplicationTopology(chain("n0", "r1")))

	_, err := env.v.Set(MutationRequest{
		Key:        "k",
		Value:      []byte("v"),
		Durability: model.Requirements{Level: model.LevelMajority},
		Cookie:     "c1",
	})
	require.NoError(t, err)

	require.NoError(t, env.v.SetState(model.VBReplica))

	outcomes := env.syncOutcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, "c1", outcomes[0].cookie)
	assert.True(t, errors.IsCode(outcomes[0].err, errors.ErrCodeDurabilityAmbiguous))

	// The prepare itself survives for the next active to resolve.
	assert.Equal(t, model.VBReplica, env.v.State())
}

func TestSyncWriteTopologyShrinkCommits(t *testing.T) {
	env := newTestEnv(t, model.VBActive, false)
	require.NoError(t, env.v.SetReplicationTopology(chain("n0", "r1", "r2", "r3")))

	res, err := env.v.Set(MutationRequest{
		Key:        "k",
		Value:      []byte("v"),
		Durability: model.Requirements{Level: model.LevelMajority},
		Cookie:     "c1",
	})
	require.NoError(t, err)

	// One ack out of a majority of three is not enough.
	require.NoError(t, env.v.SeqnoAcknowledged("r1", res.Seqno))
	assert.Empty(t, env.syncOutcomes())

	// Shrinking the chain re-judges the quorum with the carried acks.
	require.NoError(t, env.v.SetReplicationTopology(chain("n0", "r1")))

	outcomes := env.syncOutcomes()
	require.Len(t, outcomes, 1)
	assert.NoError(t, outcomes[0].err)
}

func TestHighPreparedSeqnoTracksPrepares(t *testing.T) {
	env := newTestEnv(t, model.VBActive, false)
	require.NoError(t, env.v.SetReplicationTopology(chain("n0", "r1")))

	assert.Zero(t, env.v.HighPreparedSeqno())

	res, err := env.v.Set(MutationRequest{
		Key:        "k",
		Value:      []byte("v"),
		Durability: model.Requirements{Level: model.LevelMajority},
	})
	require.NoError(t, err)
	assert.Equal(t, res.Seqno, env.v.HighPreparedSeqno())
}
