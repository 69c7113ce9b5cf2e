package durability

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kestreldb/kestrel/internal/errors"
	"github.com/kestreldb/kestrel/internal/model"
	"go.uber.org/zap"
)

// PassiveMonitor tracks prepares replicated into a replica or pending
// partition. Majority and persist-on-master prepares are locally satisfied on
// receipt; only persist-to-majority waits for local persistence. The
// replication layer reads HighPreparedSeqno after each change and acks it
// back to the active node.
type PassiveMonitor struct {
	mu             sync.Mutex
	vb             model.VBucketID
	logger         *zap.Logger
	tracked        trackedList
	hps            uint64
	lastPrepare    uint64
	persistedSeqno uint64
	totalCommitted uint64
	totalAborted   uint64
}

// NewPassiveMonitor creates a passive monitor. carryOver imports writes from
// a previous monitor on a state transition between replica and pending.
func NewPassiveMonitor(vb model.VBucketID, logger *zap.Logger, carryOver []*TrackedWrite) *PassiveMonitor {
	m := &PassiveMonitor{vb: vb, logger: logger}
	for _, w := range carryOver {
		m.tracked.add(w)
		if w.Seqno > m.lastPrepare {
			m.lastPrepare = w.Seqno
		}
	}
	return m
}

// AddSyncWrite implements Monitor. A replicated prepare must carry the
// explicit deadline chosen by the active; an unset deadline is rejected as
// invalid rather than defaulted.
func (m *PassiveMonitor) AddSyncWrite(w *TrackedWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.Deadline.IsZero() {
		return errors.InvalidArgument(fmt.Sprintf(
			"replicated prepare for key %q has no timeout", w.Key), nil)
	}
	if w.Seqno <= m.lastPrepare {
		return errors.Internal(fmt.Sprintf(
			"replicated prepare seqno %d not above last tracked %d", w.Seqno, m.lastPrepare), nil)
	}

	m.tracked.add(w)
	m.lastPrepare = w.Seqno
	m.hps = advanceHPS(m.hps, m.tracked.writes, m.persistedSeqno, m.lastPrepare, replicaFence)
	return nil
}

// NotifyLocalPersistence implements Monitor. Persist-to-majority writes
// covered by persistence become locally satisfied but stay tracked until the
// active replicates their commit or abort.
func (m *PassiveMonitor) NotifyLocalPersistence(seqno uint64) []*TrackedWrite {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seqno > m.persistedSeqno {
		m.persistedSeqno = seqno
	}
	m.hps = advanceHPS(m.hps, m.tracked.writes, m.persistedSeqno, m.lastPrepare, replicaFence)
	return nil
}

// Resolve drops the tracked prepare at seqno after the active replicated its
// commit or abort. Unknown seqnos are a replication-stream logic error.
func (m *PassiveMonitor) Resolve(seqno uint64, committed bool) (*TrackedWrite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.tracked.removeIf(func(w *TrackedWrite) bool { return w.Seqno == seqno })
	if len(out) == 0 {
		return nil, errors.Internal(fmt.Sprintf("no tracked prepare at seqno %d", seqno), nil)
	}
	if committed {
		m.totalCommitted++
	} else {
		m.totalAborted++
	}
	return out[0], nil
}

// ProcessTimeout implements Monitor. A replica never unilaterally aborts a
// prepare before its deadline; past the deadline the entry is dropped so a
// stalled active cannot pin replica memory forever.
func (m *PassiveMonitor) ProcessTimeout(now time.Time) []*TrackedWrite {
	m.mu.Lock()
	defer m.mu.Unlock()

	aborted := m.tracked.removeIf(func(w *TrackedWrite) bool { return w.expired(now) })
	sort.SliceStable(aborted, func(i, j int) bool { return aborted[i].Deadline.Before(aborted[j].Deadline) })
	m.totalAborted += uint64(len(aborted))
	m.hps = advanceHPS(m.hps, m.tracked.writes, m.persistedSeqno, m.lastPrepare, replicaFence)
	return aborted
}

// HighPreparedSeqno implements Monitor.
func (m *PassiveMonitor) HighPreparedSeqno() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hps
}

// TrackedWrites implements Monitor.
func (m *PassiveMonitor) TrackedWrites() []*TrackedWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*TrackedWrite(nil), m.tracked.writes...)
}

// Stats implements Monitor.
func (m *PassiveMonitor) Stats() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MonitorStats{
		Variant:           "passive",
		NumTracked:        len(m.tracked.writes),
		HighPreparedSeqno: m.hps,
		PersistedSeqno:    m.persistedSeqno,
		TotalCommitted:    m.totalCommitted,
		TotalAborted:      m.totalAborted,
	}
}
