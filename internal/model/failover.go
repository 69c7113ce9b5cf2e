package model

import "github.com/google/uuid"

// FailoverEntry pairs a partition epoch UUID with the highest seqno known at
// the time the entry was created.
type FailoverEntry struct {
	UUID  uuid.UUID `yaml:"uuid" json:"uuid"`
	Seqno uint64    `yaml:"seqno" json:"seqno"`
}

// FailoverTable is the ordered history of partition epochs, newest first.
// A new entry is added whenever a partition becomes active after a failover
// so replicas can detect divergent histories.
type FailoverTable struct {
	Entries []FailoverEntry `yaml:"entries" json:"entries"`
}

// NewFailoverTable creates a table seeded with a fresh epoch at seqno 0.
func NewFailoverTable() *FailoverTable {
	t := &FailoverTable{}
	t.CreateEntry(0)
	return t
}

// CreateEntry prepends a new epoch covering highSeqno.
func (t *FailoverTable) CreateEntry(highSeqno uint64) FailoverEntry {
	e := FailoverEntry{UUID: uuid.New(), Seqno: highSeqno}
	t.Entries = append([]FailoverEntry{e}, t.Entries...)
	return e
}

// Latest returns the current epoch entry.
func (t *FailoverTable) Latest() FailoverEntry {
	if len(t.Entries) == 0 {
		return t.CreateEntry(0)
	}
	return t.Entries[0]
}

// Clone returns a deep copy for inclusion in persisted state records.
func (t *FailoverTable) Clone() *FailoverTable {
	return &FailoverTable{Entries: append([]FailoverEntry(nil), t.Entries...)}
}
