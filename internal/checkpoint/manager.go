// Package checkpoint implements the per-partition mutation log: an
// append-only, seqno-ordered queue organized into checkpoints and consumed
// through independent named cursors so a slow consumer never blocks another.
package checkpoint

import (
	"fmt"
	"sync"
	"time"

	"github.com/kestreldb/kestrel/internal/model"
	"go.uber.org/zap"
)

// PersistenceCursor is the reserved cursor name of the flusher. It is always
// registered and may not be dropped.
const PersistenceCursor = "persistence"

type checkpointState int

const (
	open checkpointState = iota
	closed
)

type checkpoint struct {
	id      uint64
	state   checkpointState
	items   []*model.Item
	keyIdx  map[string]int // key -> offset, for open-checkpoint dedup
	snap    model.SnapshotRange
	created time.Time
}

type cursor struct {
	name    string
	ckpt    int // index into Manager.checkpoints
	itemIdx int // next unread offset within that checkpoint
}

// NotifyFlags tells the partition which consumers have new work after a
// queue operation.
type NotifyFlags struct {
	Flusher     bool
	Replication bool
}

// Config bounds the open checkpoint.
type Config struct {
	MaxItems int
	MaxAge   time.Duration
}

// Manager owns the checkpoint structure of one partition. One mutex guards
// everything; callers must not hold any hash-table shard lock when calling
// in (lock ordering: shard lock is released first).
type Manager struct {
	mu          sync.Mutex
	vb          model.VBucketID
	cfg         Config
	logger      *zap.Logger
	lastSeqno   uint64
	nextCkptID  uint64
	checkpoints []*checkpoint
	cursors     map[string]*cursor
	backfill    []*model.Item
}

// NewManager creates a Manager whose next assigned seqno is lastSeqno+1.
func NewManager(vb model.VBucketID, lastSeqno uint64, cfg Config, logger *zap.Logger) *Manager {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 10000
	}
	m := &Manager{
		vb:        vb,
		cfg:       cfg,
		logger:    logger,
		lastSeqno: lastSeqno,
		cursors:   map[string]*cursor{PersistenceCursor: {name: PersistenceCursor}},
	}
	m.addOpenCheckpoint(lastSeqno + 1)
	return m
}

func (m *Manager) addOpenCheckpoint(snapStart uint64) {
	m.nextCkptID++
	m.checkpoints = append(m.checkpoints, &checkpoint{
		id:      m.nextCkptID,
		state:   open,
		keyIdx:  make(map[string]int),
		snap:    model.SnapshotRange{Start: snapStart, End: snapStart},
		created: time.Now(),
	})
}

func (m *Manager) openCheckpoint() *checkpoint {
	return m.checkpoints[len(m.checkpoints)-1]
}

// QueueDirty appends item to the open checkpoint and assigns its seqno.
// Items arriving with a pre-assigned seqno (replication apply) keep it; the
// manager only verifies monotonicity. Within the open checkpoint a plain
// mutation of a key supersedes an earlier plain mutation of the same key;
// prepares, commits and aborts are never deduplicated.
func (m *Manager) QueueDirty(item *model.Item) (uint64, NotifyFlags, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item.Seqno == 0 {
		m.lastSeqno++
		item.Seqno = m.lastSeqno
	} else {
		if item.Seqno <= m.lastSeqno {
			return 0, NotifyFlags{}, fmt.Errorf(
				"vb %d: non-monotonic seqno %d (last assigned %d)", m.vb, item.Seqno, m.lastSeqno)
		}
		m.lastSeqno = item.Seqno
	}

	m.maybeCloseOpen()
	ckpt := m.openCheckpoint()

	dedupable := item.Op == model.OpMutation || item.Op == model.OpDeletion
	if dedupable {
		if idx, ok := ckpt.keyIdx[item.Key]; ok {
			prev := ckpt.items[idx]
			superseded := prev.Op == model.OpMutation || prev.Op == model.OpDeletion
			// A consumer already past the offset keeps the old revision,
			// which is the documented at-least-once contract; both entries
			// then survive.
			if superseded && !m.anyCursorPassed(len(m.checkpoints)-1, idx) {
				m.removeOpenItemLocked(ckpt, idx)
			}
		}
	}

	ckpt.items = append(ckpt.items, item)
	if dedupable {
		ckpt.keyIdx[item.Key] = len(ckpt.items) - 1
	}
	ckpt.snap.End = item.Seqno
	return item.Seqno, NotifyFlags{Flusher: true, Replication: true}, nil
}

// removeOpenItemLocked deletes the superseded entry at idx from the open
// checkpoint, compacting key offsets and cursor positions past the hole. The
// old revision is removed rather than replaced in place so the item slice
// stays seqno-ordered at every consumer surface.
func (m *Manager) removeOpenItemLocked(ckpt *checkpoint, idx int) {
	ckpt.items = append(ckpt.items[:idx], ckpt.items[idx+1:]...)
	for k, off := range ckpt.keyIdx {
		switch {
		case off == idx:
			delete(ckpt.keyIdx, k)
		case off > idx:
			ckpt.keyIdx[k] = off - 1
		}
	}
	ckptIdx := len(m.checkpoints) - 1
	for _, c := range m.cursors {
		if c.ckpt == ckptIdx && c.itemIdx > idx {
			c.itemIdx--
		}
	}
}

func (m *Manager) anyCursorPassed(ckptIdx, itemIdx int) bool {
	for _, c := range m.cursors {
		if c.ckpt > ckptIdx || (c.ckpt == ckptIdx && c.itemIdx > itemIdx) {
			return true
		}
	}
	return false
}

// maybeCloseOpen closes the open checkpoint when it hit its item or age
// bound, and opens a successor.
func (m *Manager) maybeCloseOpen() {
	ckpt := m.openCheckpoint()
	if len(ckpt.items) == 0 {
		return
	}
	full := len(ckpt.items) >= m.cfg.MaxItems
	aged := m.cfg.MaxAge > 0 && time.Since(ckpt.created) >= m.cfg.MaxAge
	if full || aged {
		m.closeOpenLocked()
	}
}

func (m *Manager) closeOpenLocked() {
	ckpt := m.openCheckpoint()
	ckpt.state = closed
	ckpt.keyIdx = nil
	m.addOpenCheckpoint(m.lastSeqno + 1)
}

// CloseOpenCheckpoint force-closes the open checkpoint (snapshot boundary on
// a replica, or state change). No-op when the open checkpoint is empty.
func (m *Manager) CloseOpenCheckpoint() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.openCheckpoint().items) > 0 {
		m.closeOpenLocked()
	}
}

// QueueBackfill appends an item from a disk backfill. Backfill items bypass
// checkpoint sequencing and drain FIFO ahead of checkpoint items.
func (m *Manager) QueueBackfill(item *model.Item) NotifyFlags {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.Seqno > m.lastSeqno {
		m.lastSeqno = item.Seqno
	}
	m.backfill = append(m.backfill, item)
	return NotifyFlags{Flusher: true}
}

// RegisterCursor adds a named consumer positioned at the oldest retained
// checkpoint.
func (m *Manager) RegisterCursor(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cursors[name]; ok {
		return fmt.Errorf("vb %d: cursor %q already registered", m.vb, name)
	}
	m.cursors[name] = &cursor{name: name}
	return nil
}

// DropCursor removes a consumer. The persistence cursor may not be dropped.
func (m *Manager) DropCursor(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == PersistenceCursor {
		return fmt.Errorf("vb %d: persistence cursor may not be dropped", m.vb)
	}
	if _, ok := m.cursors[name]; !ok {
		return fmt.Errorf("vb %d: unknown cursor %q", m.vb, name)
	}
	delete(m.cursors, name)
	m.evictConsumedLocked()
	return nil
}

// ItemsForCursor returns items for the named consumer. Only closed
// checkpoints are visible, and checkpoints are returned whole: approxLimit
// may be exceeded to finish a checkpoint but a checkpoint is never split.
// The returned snapshot range covers all returned items. more reports
// whether further closed checkpoints remain.
func (m *Manager) ItemsForCursor(name string, approxLimit int) ([]*model.Item, model.SnapshotRange, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.itemsForCursorLocked(name, approxLimit)
}

func (m *Manager) itemsForCursorLocked(name string, approxLimit int) ([]*model.Item, model.SnapshotRange, bool, error) {
	c, ok := m.cursors[name]
	if !ok {
		return nil, model.SnapshotRange{}, false, fmt.Errorf("vb %d: unknown cursor %q", m.vb, name)
	}

	var items []*model.Item
	var snap model.SnapshotRange
	first := true
	for c.ckpt < len(m.checkpoints) {
		ckpt := m.checkpoints[c.ckpt]
		if ckpt.state != closed {
			break
		}
		if approxLimit > 0 && len(items) >= approxLimit {
			break
		}
		rest := ckpt.items[c.itemIdx:]
		items = append(items, rest...)
		if first {
			snap.Start = ckpt.snap.Start
			first = false
		}
		snap.End = ckpt.snap.End
		c.ckpt++
		c.itemIdx = 0
	}

	more := c.ckpt < len(m.checkpoints) && m.checkpoints[c.ckpt].state == closed
	m.evictConsumedLocked()
	return items, snap, more, nil
}

// ItemsForPersistence drains the backfill queue FIFO, then closed
// checkpoints for the persistence cursor, all under one lock window so an
// item queued concurrently can never land between the two halves. An open
// checkpoint past its age bound is closed here so a quiescent partition
// still drains its tail.
func (m *Manager) ItemsForPersistence(approxLimit int) ([]*model.Item, model.SnapshotRange, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bf := m.backfill
	m.backfill = nil
	if ckpt := m.openCheckpoint(); len(ckpt.items) > 0 &&
		m.cfg.MaxAge > 0 && time.Since(ckpt.created) >= m.cfg.MaxAge {
		m.closeOpenLocked()
	}

	items, snap, more, err := m.itemsForCursorLocked(PersistenceCursor, approxLimit)
	if err != nil {
		return nil, model.SnapshotRange{}, false, err
	}
	if len(bf) > 0 {
		items = append(bf, items...)
		if snap.Start == 0 || bf[0].Seqno < snap.Start {
			snap.Start = bf[0].Seqno
		}
		if last := bf[len(bf)-1].Seqno; last > snap.End {
			snap.End = last
		}
	}
	return items, snap, more, nil
}

// evictConsumedLocked drops leading closed checkpoints every cursor has
// fully consumed, shifting cursor indices down.
func (m *Manager) evictConsumedLocked() {
	drop := 0
	for drop < len(m.checkpoints)-1 && m.checkpoints[drop].state == closed {
		consumed := true
		for _, c := range m.cursors {
			if c.ckpt <= drop {
				consumed = false
				break
			}
		}
		if !consumed {
			break
		}
		drop++
	}
	if drop == 0 {
		return
	}
	m.checkpoints = append([]*checkpoint(nil), m.checkpoints[drop:]...)
	for _, c := range m.cursors {
		c.ckpt -= drop
	}
}

// NumItemsForCursor counts items the named consumer has not yet read,
// including the open checkpoint.
func (m *Manager) NumItemsForCursor(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[name]
	if !ok {
		return 0
	}
	n := 0
	for i := c.ckpt; i < len(m.checkpoints); i++ {
		if i == c.ckpt {
			n += len(m.checkpoints[i].items) - c.itemIdx
		} else {
			n += len(m.checkpoints[i].items)
		}
	}
	if name == PersistenceCursor {
		n += len(m.backfill)
	}
	return n
}

// HighSeqno returns the last assigned seqno.
func (m *Manager) HighSeqno() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeqno
}

// SnapshotRange returns the open checkpoint's current range.
func (m *Manager) SnapshotRange() model.SnapshotRange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCheckpoint().snap
}

// Stats is a point-in-time view of the checkpoint structure.
type Stats struct {
	NumCheckpoints int
	OpenItems      int
	BackfillItems  int
	HighSeqno      uint64
	NumCursors     int
}

// StatsSnapshot returns current counters.
func (m *Manager) StatsSnapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		NumCheckpoints: len(m.checkpoints),
		OpenItems:      len(m.openCheckpoint().items),
		BackfillItems:  len(m.backfill),
		HighSeqno:      m.lastSeqno,
		NumCursors:     len(m.cursors),
	}
}
