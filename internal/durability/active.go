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

// chainStatus is the per-chain acknowledgement view of the active monitor.
type chainStatus struct {
	nodes    model.Chain
	majority int
	acked    map[string]uint64 // replica name -> highest acked seqno
}

// ActiveMonitor tracks sync writes on an active partition. Resolution inputs
// are replica seqno acks (replication receive threads) and local persistence
// (flusher thread); the monitor's own lock is the serialization point.
type ActiveMonitor struct {
	mu             sync.Mutex
	vb             model.VBucketID
	logger         *zap.Logger
	topology       model.ReplicationTopology
	chains         []*chainStatus
	tracked        trackedList
	hps            uint64
	lastPrepare    uint64
	persistedSeqno uint64
	totalCommitted uint64
	totalAborted   uint64
}

// NewActiveMonitor creates an active monitor with no topology. carryOver
// imports writes tracked by a previous monitor (replica promotion); they
// keep their levels and deadlines.
func NewActiveMonitor(vb model.VBucketID, logger *zap.Logger, carryOver []*TrackedWrite) *ActiveMonitor {
	m := &ActiveMonitor{vb: vb, logger: logger}
	for _, w := range carryOver {
		m.tracked.add(w)
		if w.Seqno > m.lastPrepare {
			m.lastPrepare = w.Seqno
		}
	}
	return m
}

// SetReplicationTopology validates and applies a topology. On failure the
// previous topology is untouched. In-flight tracked writes are preserved
// across re-application: ack positions carry over for nodes present in both
// topologies, and writes already satisfying the new topology resolve
// immediately (returned as committed).
func (m *ActiveMonitor) SetReplicationTopology(t model.ReplicationTopology) ([]*TrackedWrite, error) {
	if err := t.Validate(); err != nil {
		return nil, errors.InvalidArgument(fmt.Sprintf("invalid replication topology: %v", err), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := make(map[string]uint64)
	for _, ch := range m.chains {
		for node, seqno := range ch.acked {
			if seqno > prev[node] {
				prev[node] = seqno
			}
		}
	}

	t = t.Clone()
	chains := make([]*chainStatus, 0, len(t.Chains))
	for _, c := range t.Chains {
		cs := &chainStatus{nodes: c, majority: c.Majority(), acked: make(map[string]uint64)}
		for _, node := range c.DefinedNodes() {
			if seqno, ok := prev[node]; ok {
				cs.acked[node] = seqno
			}
		}
		chains = append(chains, cs)
	}
	m.topology = t
	m.chains = chains

	m.logger.Info("replication topology applied",
		zap.Uint16("vbucket", uint16(m.vb)),
		zap.Int("chains", len(chains)),
		zap.Int("tracked_carried", len(m.tracked.writes)))

	return m.resolveCommittedLocked(), nil
}

// Topology returns a copy of the current topology.
func (m *ActiveMonitor) Topology() model.ReplicationTopology {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topology.Clone()
}

// DurabilityPossible reports whether a sync write accepted now could ever
// reach quorum under the current topology.
func (m *ActiveMonitor) DurabilityPossible() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.durabilityPossibleLocked()
}

func (m *ActiveMonitor) durabilityPossibleLocked() error {
	if len(m.chains) == 0 {
		return errors.DurabilityImpossible("no replication topology configured")
	}
	for ci, ch := range m.chains {
		if defined := len(ch.nodes.DefinedNodes()); defined < ch.majority {
			return errors.DurabilityImpossible(fmt.Sprintf(
				"chain %d has %d defined nodes, majority requires %d", ci, defined, ch.majority))
		}
	}
	return nil
}

// AddSyncWrite implements Monitor. It fails with DurabilityImpossible when
// any configured chain cannot reach its majority with the nodes it has.
func (m *ActiveMonitor) AddSyncWrite(w *TrackedWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.durabilityPossibleLocked(); err != nil {
		return err
	}
	if w.Seqno <= m.lastPrepare {
		return errors.Internal(fmt.Sprintf(
			"sync write seqno %d not above last tracked prepare %d", w.Seqno, m.lastPrepare), nil)
	}

	m.tracked.add(w)
	m.lastPrepare = w.Seqno
	m.hps = advanceHPS(m.hps, m.tracked.writes, m.persistedSeqno, m.lastPrepare, activeFence)
	return nil
}

// ResolveCommitted re-evaluates the quorum of tracked writes and extracts
// those now committed. Needed after AddSyncWrite on topologies whose chains
// the active node satisfies alone.
func (m *ActiveMonitor) ResolveCommitted() []*TrackedWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveCommittedLocked()
}

// SeqnoAckReceived records a replica's ack position and returns writes that
// resolved as committed. A regressing ack is a programming-logic error in
// the replication layer, not a client error.
func (m *ActiveMonitor) SeqnoAckReceived(node string, seqno uint64) ([]*TrackedWrite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate across every chain before touching any, so a rejected ack
	// leaves no partial positions behind.
	var member []*chainStatus
	for _, ch := range m.chains {
		inChain := false
		for _, n := range ch.nodes {
			if n == node {
				inChain = true
				break
			}
		}
		if !inChain {
			continue
		}
		if prev, ok := ch.acked[node]; ok && seqno < prev {
			return nil, errors.Internal(fmt.Sprintf(
				"node %q acked seqno %d below previous ack %d", node, seqno, prev), nil)
		}
		member = append(member, ch)
	}
	if len(member) == 0 {
		return nil, errors.Internal(fmt.Sprintf("seqno ack from node %q not in any chain", node), nil)
	}
	for _, ch := range member {
		ch.acked[node] = seqno
	}

	return m.resolveCommittedLocked(), nil
}

// NotifyLocalPersistence implements Monitor.
func (m *ActiveMonitor) NotifyLocalPersistence(seqno uint64) []*TrackedWrite {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seqno > m.persistedSeqno {
		m.persistedSeqno = seqno
	}
	m.hps = advanceHPS(m.hps, m.tracked.writes, m.persistedSeqno, m.lastPrepare, activeFence)
	return m.resolveCommittedLocked()
}

// resolveCommittedLocked extracts writes whose quorum is now satisfied.
// A write commits only when every configured chain independently reaches its
// majority. The active node's contribution is its high-prepared-seqno, so a
// persist-level write never counts the active before local persistence.
func (m *ActiveMonitor) resolveCommittedLocked() []*TrackedWrite {
	m.hps = advanceHPS(m.hps, m.tracked.writes, m.persistedSeqno, m.lastPrepare, activeFence)

	active := m.topology.Active()
	committed := m.tracked.removeIf(func(w *TrackedWrite) bool {
		if w.Level.RequiresPersistence() && m.persistedSeqno < w.Seqno {
			return false
		}
		for _, ch := range m.chains {
			acks := 0
			for _, node := range ch.nodes {
				if node == model.UndefinedNode {
					continue
				}
				if node == active {
					if m.hps >= w.Seqno {
						acks++
					}
					continue
				}
				if ch.acked[node] >= w.Seqno {
					acks++
				}
			}
			if acks < ch.majority {
				return false
			}
		}
		return true
	})
	m.totalCommitted += uint64(len(committed))
	return committed
}

// ProcessTimeout implements Monitor. Expired writes are extracted first,
// then ordered by ascending deadline, so aborting one entry never disturbs
// the scan of the rest.
func (m *ActiveMonitor) ProcessTimeout(now time.Time) []*TrackedWrite {
	m.mu.Lock()
	defer m.mu.Unlock()

	aborted := m.tracked.removeIf(func(w *TrackedWrite) bool { return w.expired(now) })
	sort.SliceStable(aborted, func(i, j int) bool { return aborted[i].Deadline.Before(aborted[j].Deadline) })
	m.totalAborted += uint64(len(aborted))
	m.hps = advanceHPS(m.hps, m.tracked.writes, m.persistedSeqno, m.lastPrepare, activeFence)
	return aborted
}

// HighPreparedSeqno implements Monitor.
func (m *ActiveMonitor) HighPreparedSeqno() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hps
}

// TrackedWrites implements Monitor.
func (m *ActiveMonitor) TrackedWrites() []*TrackedWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*TrackedWrite(nil), m.tracked.writes...)
}

// Stats implements Monitor.
func (m *ActiveMonitor) Stats() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	acks := make(map[string]uint64)
	for _, ch := range m.chains {
		for node, seqno := range ch.acked {
			if seqno > acks[node] {
				acks[node] = seqno
			}
		}
	}
	return MonitorStats{
		Variant:           "active",
		NumTracked:        len(m.tracked.writes),
		HighPreparedSeqno: m.hps,
		PersistedSeqno:    m.persistedSeqno,
		TotalCommitted:    m.totalCommitted,
		TotalAborted:      m.totalAborted,
		NodeAckSeqnos:     acks,
	}
}
