// Package durability tracks in-flight synchronous writes for one partition
// and decides when each is committed (quorum reached) or aborted (deadline
// elapsed). The active variant drives resolution from replica seqno acks and
// local persistence; the passive variant tracks local satisfaction, fencing
// only persist-to-majority prepares on its own persistence.
package durability

import (
	"time"

	"github.com/kestreldb/kestrel/internal/model"
)

// TrackedWrite is one in-flight sync write. The monitor holds a back-
// reference only; the StoredValue stays owned by the hash table.
type TrackedWrite struct {
	Key      string
	Seqno    uint64
	Level    model.DurabilityLevel
	Deadline time.Time // zero means no deadline
	Cookie   interface{} // opaque client handle, returned on resolution
}

func (w *TrackedWrite) expired(now time.Time) bool {
	return !w.Deadline.IsZero() && !now.Before(w.Deadline)
}

// Monitor is the surface shared by the active and passive variants. The
// partition holds exactly one at a time and swaps it on state transition.
type Monitor interface {
	// AddSyncWrite begins tracking a prepare. Fails with
	// DurabilityImpossible (active) or InvalidArguments (passive, missing
	// timeout) without tracking the write.
	AddSyncWrite(w *TrackedWrite) error
	// NotifyLocalPersistence advances the local persisted seqno and returns
	// writes that resolved as committed because of it.
	NotifyLocalPersistence(seqno uint64) []*TrackedWrite
	// ProcessTimeout aborts tracked writes whose deadline elapsed, ordered
	// by ascending deadline. Writes with no deadline are never aborted.
	ProcessTimeout(now time.Time) []*TrackedWrite
	// HighPreparedSeqno is the highest seqno whose durability fences, and
	// those of every earlier tracked write, are locally satisfied.
	HighPreparedSeqno() uint64
	// TrackedWrites returns the current tracking table in seqno order,
	// used when a state transition carries writes into a new monitor.
	TrackedWrites() []*TrackedWrite
	// Stats returns monitor counters for the stats surface.
	Stats() MonitorStats
}

// MonitorStats is a point-in-time counter snapshot.
type MonitorStats struct {
	Variant           string
	NumTracked        int
	HighPreparedSeqno uint64
	PersistedSeqno    uint64
	TotalCommitted    uint64
	TotalAborted      uint64
	NodeAckSeqnos     map[string]uint64 // active only
}

// trackedList is the seqno-ordered tracking table shared by both variants.
// Callers serialize access with the owning monitor's lock.
type trackedList struct {
	writes []*TrackedWrite
}

func (l *trackedList) add(w *TrackedWrite) {
	l.writes = append(l.writes, w)
}

func (l *trackedList) lastSeqno() uint64 {
	if len(l.writes) == 0 {
		return 0
	}
	return l.writes[len(l.writes)-1].Seqno
}

// removeIf extracts writes matching pred, preserving order of both the
// extracted set and the remainder.
func (l *trackedList) removeIf(pred func(*TrackedWrite) bool) []*TrackedWrite {
	var out []*TrackedWrite
	kept := l.writes[:0]
	for _, w := range l.writes {
		if pred(w) {
			out = append(out, w)
		} else {
			kept = append(kept, w)
		}
	}
	l.writes = kept
	return out
}

// activeFence reports whether level blocks the active node's HPS on its own
// persistence. Both persist levels do: persist-on-master names the active.
func activeFence(l model.DurabilityLevel) bool {
	return l.RequiresPersistence()
}

// replicaFence reports whether level blocks a replica's HPS on its own
// persistence. Only persist-to-majority does; persist-on-master is satisfied
// at a replica by receipt alone, the persistence half being the active's to
// meet.
func replicaFence(l model.DurabilityLevel) bool {
	return l == model.LevelPersistToMajority
}

// advanceHPS computes the new high-prepared-seqno: the last tracked prepare
// not blocked by an unsatisfied persistence fence. A fenced write blocks
// advancement past itself until persistedSeqno covers it, even when later
// majority-level writes are already satisfied. lastPrepare keeps HPS covering
// prepares that have since resolved and left the table.
func advanceHPS(current uint64, writes []*TrackedWrite, persistedSeqno, lastPrepare uint64, fenced func(model.DurabilityLevel) bool) uint64 {
	hps := lastPrepare
	for _, w := range writes {
		if fenced(w.Level) && persistedSeqno < w.Seqno {
			hps = w.Seqno - 1
			break
		}
	}
	if hps < current {
		return current
	}
	return hps
}
