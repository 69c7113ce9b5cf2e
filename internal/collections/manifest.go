// Package collections is the keyspace-partitioning collaborator boundary.
// The mutation core queries it for collection validity and keeps its item
// accounting current; manifest schema handling lives outside the core.
package collections

import (
	"strings"
	"sync"
)

// DefaultCollectionID is the collection of keys with no qualified prefix.
const DefaultCollectionID uint32 = 0

// Handle is the result of resolving a key against the manifest. Valid is
// false when the key's collection does not exist (or was dropped).
type Handle struct {
	Valid        bool
	CollectionID uint32
}

// Manifest is the interface the partition consumes.
type Manifest interface {
	// Lock resolves key to its collection under a read lock window.
	Lock(key string) Handle
	// IsLogicallyDeleted reports whether a stored revision belongs to a
	// collection dropped at or before seqno.
	IsLogicallyDeleted(key string, seqno uint64) bool
	// SetHighSeqno records the highest seqno seen for a collection.
	SetHighSeqno(cid uint32, seqno uint64)
	// IncrementDiskCount / DecrementDiskCount maintain the per-collection
	// persisted item counters.
	IncrementDiskCount(cid uint32)
	DecrementDiskCount(cid uint32)
	// ItemCounts returns persisted item counts by collection id.
	ItemCounts() map[uint32]int64
}

type collection struct {
	id        uint32
	dropSeqno uint64 // 0 = live
	highSeqno uint64
	diskCount int64
}

// StaticManifest is the default Manifest: a `_default` collection plus any
// named collections addressed with a "name:" key prefix.
type StaticManifest struct {
	mu     sync.RWMutex
	nextID uint32
	byName map[string]*collection
	byID   map[uint32]*collection
}

// NewStaticManifest creates a manifest containing only `_default`.
func NewStaticManifest() *StaticManifest {
	def := &collection{id: DefaultCollectionID}
	return &StaticManifest{
		nextID: 1,
		byName: map[string]*collection{"_default": def},
		byID:   map[uint32]*collection{DefaultCollectionID: def},
	}
}

// AddCollection registers a named collection and returns its id.
func (m *StaticManifest) AddCollection(name string) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.byName[name]; ok && c.dropSeqno == 0 {
		return c.id
	}
	c := &collection{id: m.nextID}
	m.nextID++
	m.byName[name] = c
	m.byID[c.id] = c
	return c.id
}

// DropCollection marks a collection dropped as of seqno.
func (m *StaticManifest) DropCollection(name string, seqno uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.byName[name]; ok && c.id != DefaultCollectionID {
		c.dropSeqno = seqno
	}
}

func (m *StaticManifest) resolve(key string) *collection {
	if i := strings.IndexByte(key, ':'); i > 0 {
		if c, ok := m.byName[key[:i]]; ok {
			return c
		}
	}
	return m.byID[DefaultCollectionID]
}

// Lock implements Manifest.
func (m *StaticManifest) Lock(key string) Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.resolve(key)
	return Handle{Valid: c.dropSeqno == 0, CollectionID: c.id}
}

// IsLogicallyDeleted implements Manifest.
func (m *StaticManifest) IsLogicallyDeleted(key string, seqno uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.resolve(key)
	return c.dropSeqno != 0 && seqno <= c.dropSeqno
}

// SetHighSeqno implements Manifest.
func (m *StaticManifest) SetHighSeqno(cid uint32, seqno uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.byID[cid]; ok && seqno > c.highSeqno {
		c.highSeqno = seqno
	}
}

// IncrementDiskCount implements Manifest.
func (m *StaticManifest) IncrementDiskCount(cid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.byID[cid]; ok {
		c.diskCount++
	}
}

// DecrementDiskCount implements Manifest.
func (m *StaticManifest) DecrementDiskCount(cid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.byID[cid]; ok && c.diskCount > 0 {
		c.diskCount--
	}
}

// ItemCounts implements Manifest.
func (m *StaticManifest) ItemCounts() map[uint32]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uint32]int64, len(m.byID))
	for id, c := range m.byID {
		out[id] = c.diskCount
	}
	return out
}
