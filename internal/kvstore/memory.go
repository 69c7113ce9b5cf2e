package kvstore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kestreldb/kestrel/internal/errors"
	"github.com/kestreldb/kestrel/internal/model"
)

// MemoryStore is an in-memory Store used in tests and as a stand-in
// persistence collaborator.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[model.VBucketID]map[string]*Document
	states map[model.VBucketID]*VBStateRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[model.VBucketID]map[string]*Document),
		states: make(map[model.VBucketID]*VBStateRecord),
	}
}

func cloneDoc(doc *Document) *Document {
	out := *doc
	out.Value = append([]byte(nil), doc.Value...)
	return &out
}

// Get implements Store.
func (s *MemoryStore) Get(vb model.VBucketID, key string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[vb][key]
	if !ok {
		return nil, errors.KeyNotFound(key)
	}
	return cloneDoc(doc), nil
}

// ApplyBatch implements Store.
func (s *MemoryStore) ApplyBatch(vb model.VBucketID, docs []*Document, state *VBStateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.docs[vb]
	if m == nil {
		m = make(map[string]*Document)
		s.docs[vb] = m
	}
	for _, doc := range docs {
		m[doc.Key] = cloneDoc(doc)
	}
	if state != nil {
		cp := *state
		s.states[vb] = &cp
	}
	return nil
}

// Del implements Store.
func (s *MemoryStore) Del(vb model.VBucketID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs[vb], key)
	return nil
}

// GetVBState implements Store.
func (s *MemoryStore) GetVBState(vb model.VBucketID) (*VBStateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[vb]
	if !ok {
		return nil, errors.KeyNotFound(fmt.Sprintf("vbstate:%d", vb))
	}
	cp := *state
	return &cp, nil
}

// Dump implements Store.
func (s *MemoryStore) Dump(vb model.VBucketID, fn func(doc *Document) error) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.docs[vb]))
	for k := range s.docs[vb] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	docs := make([]*Document, 0, len(keys))
	for _, k := range keys {
		docs = append(docs, cloneDoc(s.docs[vb][k]))
	}
	s.mu.RUnlock()

	for _, doc := range docs {
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

// NumDocs implements Store.
func (s *MemoryStore) NumDocs(vb model.VBucketID) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.docs[vb])), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
