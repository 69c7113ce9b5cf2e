package vbucket

import (
	"testing"
	"time"

	"github.com/kestreldb/kestrel/internal/errors"
	"github.com/kestreldb/kestrel/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func replicatedMutation(key string, seqno, cas uint64, value []byte) *model.Item {
	return &model.Item{
		Key:      key,
		Value:    value,
		Meta:     model.ItemMeta{CAS: cas, RevSeqno: 1},
		Seqno:    seqno,
		Op:       model.OpMutation,
		QueuedAt: time.Now(),
	}
}

func TestApplyReplicatedRejectedOnActive(t *testing.T) {
	env := newTestEnv(t, model.VBActive, false)
	err := env.v.ApplyReplicated(ReplicatedOp{Item: replicatedMutation("k", 1, 100, []byte("v"))})
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotMyVBucket))
}

func TestApplyReplicatedRequiresSeqno(t *testing.T) {
	env := newTestEnv(t, model.VBReplica, false)

	err := env.v.ApplyReplicated(ReplicatedOp{})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	err = env.v.ApplyReplicated(ReplicatedOp{Item: replicatedMutation("k", 0, 100, []byte("v"))})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
}

func TestApplyReplicatedMutationKeepsActiveSeqnos(t *testing.T) {
	env := newTestEnv(t, model.VBReplica, false)

	require.NoError(t, env.v.ApplyReplicated(ReplicatedOp{
		Item: replicatedMutation("k", 10, 500, []byte("v")),
	}))
	assert.Equal(t, uint64(10), env.v.HighSeqno())
	// The active's CAS is folded into the local clock for a future takeover.
	assert.GreaterOrEqual(t, env.v.MaxCAS(), uint64(500))

	// Promotion makes the replicated revision readable.
	require.NoError(t, env.v.SetState(model.VBActive))
	got, err := env.v.Get("k", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Value)
	assert.Equal(t, uint64(10), got.Seqno)
}

func TestApplyReplicatedDeletion(t *testing.T) {
	env := newTestEnv(t, model.VBReplica, false)

	require.NoError(t, env.v.ApplyReplicated(ReplicatedOp{
		Item: replicatedMutation("k", 5, 100, []byte("v")),
	}))
	del := replicatedMutation("k", 6, 200, nil)
	del.Op = model.OpDeletion
	del.Meta.RevSeqno = 2
	require.NoError(t, env.v.ApplyReplicated(ReplicatedOp{Item: del}))

	require.NoError(t, env.v.SetState(model.VBActive))
	_, err := env.v.Get("k", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeKeyNotFound))
	got, err := env.v.GetWithMeta("k", nil)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestReplicatedPrepareCommitCycle(t *testing.T) {
	env := newTestEnv(t, model.VBReplica, false)

	prepare := replicatedMutation("k", 1, 100, []byte("v"))
	prepare.Op = model.OpPrepare
	prepare.Level = model.LevelMajority
	require.NoError(t, env.v.ApplyReplicated(ReplicatedOp{
		Item:            prepare,
		PrepareDeadline: time.Now().Add(30 * time.Second),
	}))
	assert.Equal(t, uint64(1), env.v.HighPreparedSeqno())

	commit := replicatedMutation("k", 2, 100, []byte("v"))
	commit.Op = model.OpCommit
	require.NoError(t, env.v.ApplyReplicated(ReplicatedOp{Item: commit}))

	require.NoError(t, env.v.SetState(model.VBActive))
	got, err := env.v.Get("k", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Value)
	assert.Equal(t, uint64(2), got.Seqno)
}

func TestReplicatedPrepareAbortDropsShell(t *testing.T) {
	env := newTestEnv(t, model.VBReplica, false)

	prepare := replicatedMutation("k", 1, 100, []byte("v"))
	prepare.Op = model.OpPrepare
	prepare.Level = model.LevelMajority
	require.NoError(t, env.v.ApplyReplicated(ReplicatedOp{
		Item:            prepare,
		PrepareDeadline: time.Now().Add(30 * time.Second),
	}))

	abort := replicatedMutation("k", 2, 100, nil)
	abort.Op = model.OpAbort
	require.NoError(t, env.v.ApplyReplicated(ReplicatedOp{Item: abort}))

	require.NoError(t, env.v.SetState(model.VBActive))
	_, err := env.v.Get("k", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeKeyNotFound))
	_, err = env.v.GetWithMeta("k", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeKeyNotFound), "no tombstone either")
}

func TestReplicatedPrepareRequiresDeadline(t *testing.T) {
	env := newTestEnv(t, model.VBReplica, false)

	prepare := replicatedMutation("k", 1, 100, []byte("v"))
	prepare.Op = model.OpPrepare
	prepare.Level = model.LevelMajority
	err := env.v.ApplyReplicated(ReplicatedOp{Item: prepare})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
}

func TestReplicatedCommitWithoutPrepare(t *testing.T) {
	env := newTestEnv(t, model.VBReplica, false)

	commit := replicatedMutation("k", 2, 100, []byte("v"))
	commit.Op = model.OpCommit
	err := env.v.ApplyReplicated(ReplicatedOp{Item: commit})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInternal))
}

func TestPromotionCarriesReplicatedPrepares(t *testing.T) {
	env := newTestEnv(t, model.VBReplica, false)

	prepare := replicatedMutation("k", 3, 100, []byte("v"))
	prepare.Op = model.OpPrepare
	prepare.Level = model.LevelMajority
	require.NoError(t, env.v.ApplyReplicated(ReplicatedOp{
		Item:            prepare,
		PrepareDeadline: time.Now().Add(30 * time.Second),
	}))

	require.NoError(t, env.v.SetState(model.VBActive))
	require.NoError(t, env.v.SetReplicationTopology(chain("n0", "r1")))

	// The carried prepare commits once the new quorum acks it.
	require.NoError(t, env.v.SeqnoAcknowledged("r1", 3))
	got, err := env.v.Get("k", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Value)
}

func TestPromotionAppendsFailoverEntry(t *testing.T) {
	env := newTestEnv(t, model.VBReplica, false)

	require.NoError(t, env.v.ApplyReplicated(ReplicatedOp{
		Item: replicatedMutation("k", 7, 100, []byte("v")),
	}))
	before := len(env.v.Failover().Entries)

	require.NoError(t, env.v.SetState(model.VBActive))

	table := env.v.Failover()
	require.Len(t, table.Entries, before+1)
	assert.Equal(t, uint64(7), table.Latest().Seqno)
}

func TestSetStateIsIdempotent(t *testing.T) {
	env := newTestEnv(t, model.VBActive, false)
	high := env.v.HighSeqno()
	require.NoError(t, env.v.SetState(model.VBActive))
	assert.Equal(t, high, env.v.HighSeqno(), "no state marker for a no-op transition")
}

func TestStateMarkerOccupiesSeqno(t *testing.T) {
	env := newTestEnv(t, model.VBActive, false)

	_, err := env.v.Set(MutationRequest{Key: "k", Value: []byte("v")})
	require.NoError(t, err)
	require.NoError(t, env.v.SetState(model.VBReplica))

	assert.Equal(t, uint64(2), env.v.HighSeqno())
	env.mu.Lock()
	defer env.mu.Unlock()
	assert.Equal(t, []uint64{1, 2}, env.seqnos)
}

func TestBackfillIngestBypassesLog(t *testing.T) {
	env := newTestEnv(t, model.VBReplica, false)

	env.v.BeginBackfill()
	require.NoError(t, env.v.ApplyReplicated(ReplicatedOp{
		Item: replicatedMutation("disk", 3, 100, []byte("old")),
	}))
	env.v.EndBackfill()

	require.NoError(t, env.v.ApplyReplicated(ReplicatedOp{
		Item: replicatedMutation("live", 4, 200, []byte("new")),
	}))

	require.NoError(t, env.v.SetState(model.VBActive))
	for _, k := range []string{"disk", "live"} {
		_, err := env.v.Get(k, nil)
		require.NoError(t, err, k)
	}
}
