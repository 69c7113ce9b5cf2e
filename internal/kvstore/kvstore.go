// Package kvstore is the narrow persistence boundary of the engine. The
// mutation core only ever reaches disk through Store; the on-disk format
// behind it is not part of the core's contract.
package kvstore

import (
	"github.com/kestreldb/kestrel/internal/model"
)

// Document is the persisted form of one key revision, tombstones included.
type Document struct {
	Key      string         `json:"key"`
	Value    []byte         `json:"value,omitempty"`
	Meta     model.ItemMeta `json:"meta"`
	Datatype model.Datatype `json:"datatype"`
	Seqno    uint64         `json:"seqno"`
	Deleted  bool           `json:"deleted"`
}

// VBStateRecord is the per-partition state record, written transactionally
// with the batch that made it current.
type VBStateRecord struct {
	State      string                    `json:"state"`
	HighSeqno  uint64                    `json:"high_seqno"`
	PurgeSeqno uint64                    `json:"purge_seqno"`
	Snapshot   model.SnapshotRange       `json:"snapshot"`
	MaxCAS     uint64                    `json:"max_cas"`
	Failover   *model.FailoverTable      `json:"failover,omitempty"`
	Topology   model.ReplicationTopology `json:"topology,omitempty"`
}

// Store is the persistence collaborator interface consumed by the engine.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the persisted document or a KeyNotFound engine error.
	// Tombstones are returned, not hidden; the caller decides.
	Get(vb model.VBucketID, key string) (*Document, error)
	// ApplyBatch writes docs and the partition state record atomically.
	ApplyBatch(vb model.VBucketID, docs []*Document, state *VBStateRecord) error
	// Del physically removes a key (tombstone purge).
	Del(vb model.VBucketID, key string) error
	// GetVBState reads the partition state record; KeyNotFound when the
	// partition has never persisted.
	GetVBState(vb model.VBucketID) (*VBStateRecord, error)
	// Dump enumerates all persisted documents of a partition in key order.
	// fn returning an error stops the scan.
	Dump(vb model.VBucketID, fn func(doc *Document) error) error
	// NumDocs counts persisted documents of a partition, tombstones
	// included. A direct stat query for the stats surface.
	NumDocs(vb model.VBucketID) (uint64, error)
	// Close releases the store.
	Close() error
}
