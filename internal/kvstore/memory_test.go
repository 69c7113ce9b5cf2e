package kvstore

import (
	"fmt"
	"sort"
	"testing"

	"github.com/kestreldb/kestrel/internal/errors"
	"github.com/kestreldb/kestrel/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetMiss(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(0, "nope")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeKeyNotFound))
}

func TestMemoryStoreBatchRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	docs := []*Document{
		{Key: "a", Value: []byte("1"), Meta: model.ItemMeta{CAS: 10, RevSeqno: 1}, Seqno: 1},
		{Key: "b", Value: []byte("2"), Seqno: 2, Deleted: true},
	}
	state := &VBStateRecord{State: "active", HighSeqno: 2, MaxCAS: 10}
	require.NoError(t, s.ApplyBatch(3, docs, state))

	got, err := s.Get(3, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got.Value)
	assert.Equal(t, uint64(10), got.Meta.CAS)

	// Tombstones come back, not hidden.
	got, err = s.Get(3, "b")
	require.NoError(t, err)
	assert.True(t, got.Deleted)

	// Documents are partition-scoped.
	_, err = s.Get(4, "a")
	assert.True(t, errors.IsCode(err, errors.ErrCodeKeyNotFound))

	rec, err := s.GetVBState(3)
	require.NoError(t, err)
	assert.Equal(t, "active", rec.State)
	assert.Equal(t, uint64(2), rec.HighSeqno)
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.ApplyBatch(0, []*Document{{Key: "k", Value: []byte("orig")}}, nil))

	got, err := s.Get(0, "k")
	require.NoError(t, err)
	got.Value[0] = 'X'

	again, err := s.Get(0, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("orig"), again.Value)
}

func TestMemoryStoreBatchOverwrites(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.ApplyBatch(0, []*Document{{Key: "k", Value: []byte("v1"), Seqno: 1}}, nil))
	require.NoError(t, s.ApplyBatch(0, []*Document{{Key: "k", Value: []byte("v2"), Seqno: 2}}, nil))

	got, err := s.Get(0, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Value)
	assert.Equal(t, uint64(2), got.Seqno)

	n, err := s.NumDocs(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestMemoryStoreDel(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.ApplyBatch(0, []*Document{{Key: "k"}}, nil))
	require.NoError(t, s.Del(0, "k"))

	_, err := s.Get(0, "k")
	assert.True(t, errors.IsCode(err, errors.ErrCodeKeyNotFound))
}

func TestMemoryStoreVBStateMiss(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetVBState(9)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeKeyNotFound))
}

func TestMemoryStoreDumpKeyOrder(t *testing.T) {
	s := NewMemoryStore()
	var docs []*Document
	for i := 0; i < 10; i++ {
		docs = append(docs, &Document{Key: fmt.Sprintf("key-%02d", 9-i), Seqno: uint64(i + 1)})
	}
	require.NoError(t, s.ApplyBatch(0, docs, nil))

	var keys []string
	require.NoError(t, s.Dump(0, func(doc *Document) error {
		keys = append(keys, doc.Key)
		return nil
	}))
	require.Len(t, keys, 10)
	assert.True(t, sort.StringsAreSorted(keys), "dump must enumerate in ascending key order")
}

func TestMemoryStoreDumpStopsOnError(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.ApplyBatch(0, []*Document{{Key: "a"}, {Key: "b"}, {Key: "c"}}, nil))

	seen := 0
	err := s.Dump(0, func(doc *Document) error {
		seen++
		if seen == 2 {
			return fmt.Errorf("stop")
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 2, seen)
}
