package kvstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/kestreldb/kestrel/internal/errors"
	"github.com/kestreldb/kestrel/internal/model"
	"github.com/kestreldb/kestrel/internal/util"
	"go.uber.org/zap"
)

// PebbleStore persists documents in a pebble LSM. Records are JSON with a
// CRC32 trailer; key layout is a 2-byte partition prefix plus a type tag so
// one partition's documents and state record are contiguous.
type PebbleStore struct {
	db     *pebble.DB
	logger *zap.Logger
}

// NewPebbleStore opens (or creates) the store under dir.
func NewPebbleStore(dir string, logger *zap.Logger) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble store: %w", err)
	}
	return &PebbleStore{db: db, logger: logger}, nil
}

const (
	tagDoc   = 'k'
	tagState = 's'
)

func diskKey(vb model.VBucketID, tag byte, key string) []byte {
	out := make([]byte, 3+len(key))
	binary.BigEndian.PutUint16(out, uint16(vb))
	out[2] = tag
	copy(out[3:], key)
	return out
}

func encodeRecord(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return util.AppendChecksum(data), nil
}

func decodeRecord(raw []byte, v interface{}) error {
	data, ok := util.ValidateAndStripChecksum(raw)
	if !ok {
		return fmt.Errorf("record checksum mismatch")
	}
	return json.Unmarshal(data, v)
}

// Get implements Store.
func (s *PebbleStore) Get(vb model.VBucketID, key string) (*Document, error) {
	raw, closer, err := s.db.Get(diskKey(vb, tagDoc, key))
	if err == pebble.ErrNotFound {
		return nil, errors.KeyNotFound(key)
	}
	if err != nil {
		return nil, errors.Internal("pebble get failed", err)
	}
	defer closer.Close()

	var doc Document
	if err := decodeRecord(raw, &doc); err != nil {
		return nil, errors.Internal(fmt.Sprintf("corrupt document record for key %q", key), err)
	}
	return &doc, nil
}

// ApplyBatch implements Store. The state record rides in the same pebble
// batch as the documents, synced, so a crash never separates them.
func (s *PebbleStore) ApplyBatch(vb model.VBucketID, docs []*Document, state *VBStateRecord) error {
	b := s.db.NewBatch()
	defer b.Close()

	for _, doc := range docs {
		rec, err := encodeRecord(doc)
		if err != nil {
			return errors.Internal(fmt.Sprintf("failed to encode document %q", doc.Key), err)
		}
		if err := b.Set(diskKey(vb, tagDoc, doc.Key), rec, nil); err != nil {
			return errors.Internal("pebble batch set failed", err)
		}
	}
	if state != nil {
		rec, err := encodeRecord(state)
		if err != nil {
			return errors.Internal("failed to encode vbucket state record", err)
		}
		if err := b.Set(diskKey(vb, tagState, ""), rec, nil); err != nil {
			return errors.Internal("pebble batch set failed", err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return errors.Internal("pebble batch commit failed", err)
	}
	return nil
}

// Del implements Store.
func (s *PebbleStore) Del(vb model.VBucketID, key string) error {
	if err := s.db.Delete(diskKey(vb, tagDoc, key), pebble.Sync); err != nil {
		return errors.Internal("pebble delete failed", err)
	}
	return nil
}

// GetVBState implements Store.
func (s *PebbleStore) GetVBState(vb model.VBucketID) (*VBStateRecord, error) {
	raw, closer, err := s.db.Get(diskKey(vb, tagState, ""))
	if err == pebble.ErrNotFound {
		return nil, errors.KeyNotFound(fmt.Sprintf("vbstate:%d", vb))
	}
	if err != nil {
		return nil, errors.Internal("pebble get failed", err)
	}
	defer closer.Close()

	var state VBStateRecord
	if err := decodeRecord(raw, &state); err != nil {
		return nil, errors.Internal(fmt.Sprintf("corrupt state record for vbucket %d", vb), err)
	}
	return &state, nil
}

// Dump implements Store.
func (s *PebbleStore) Dump(vb model.VBucketID, fn func(doc *Document) error) error {
	lower := diskKey(vb, tagDoc, "")
	upper := diskKey(vb, tagDoc+1, "")
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return errors.Internal("pebble iterator failed", err)
	}
	defer it.Close()

	for it.First(); it.Valid(); it.Next() {
		var doc Document
		if err := decodeRecord(it.Value(), &doc); err != nil {
			return errors.Internal("corrupt document record in dump", err)
		}
		if err := fn(&doc); err != nil {
			return err
		}
	}
	return it.Error()
}

// NumDocs implements Store.
func (s *PebbleStore) NumDocs(vb model.VBucketID) (uint64, error) {
	var n uint64
	err := s.Dump(vb, func(*Document) error {
		n++
		return nil
	})
	return n, err
}

// Close implements Store.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}
