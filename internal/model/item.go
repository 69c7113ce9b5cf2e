package model

import "time"

// VBucketID identifies a keyspace partition.
type VBucketID uint16

// VBState is the lifecycle state of a partition.
type VBState int

const (
	VBActive VBState = iota
	VBReplica
	VBPending
	VBDead
)

// String returns the state name used in logs and stats.
func (s VBState) String() string {
	switch s {
	case VBActive:
		return "active"
	case VBReplica:
		return "replica"
	case VBPending:
		return "pending"
	case VBDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Datatype is a bitfield describing the value encoding.
type Datatype uint8

const (
	DatatypeRaw    Datatype = 0x00
	DatatypeJSON   Datatype = 0x01
	DatatypeSnappy Datatype = 0x02
	DatatypeXattr  Datatype = 0x04
)

// CommittedState tracks where a stored value sits in the sync-write lifecycle.
type CommittedState int

const (
	// CommittedViaMutation is a plain committed mutation.
	CommittedViaMutation CommittedState = iota
	// CommittedViaPrepare is a committed value that originated from a
	// resolved sync write.
	CommittedViaPrepare
	// Pending is an unresolved sync-write prepare; invisible to reads.
	Pending
	// PrepareAborted is a prepare that timed out or was explicitly aborted.
	PrepareAborted
)

// DurabilityLevel is the acknowledgement strength required by a sync write.
type DurabilityLevel uint8

const (
	// LevelNone marks a plain asynchronous mutation.
	LevelNone DurabilityLevel = iota
	// LevelMajority requires a majority of each chain to ack in memory.
	LevelMajority
	// LevelMajorityAndPersistOnMaster additionally requires local persistence
	// on the active node.
	LevelMajorityAndPersistOnMaster
	// LevelPersistToMajority requires a majority of each chain to persist.
	LevelPersistToMajority
)

// String returns the level name used in logs and stats.
func (l DurabilityLevel) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelMajority:
		return "majority"
	case LevelMajorityAndPersistOnMaster:
		return "majority_and_persist_on_master"
	case LevelPersistToMajority:
		return "persist_to_majority"
	default:
		return "unknown"
	}
}

// RequiresPersistence reports whether the level fences on local persistence
// at the active node.
func (l DurabilityLevel) RequiresPersistence() bool {
	return l == LevelMajorityAndPersistOnMaster || l == LevelPersistToMajority
}

// Requirements carries the durability level and deadline of a sync write.
// A zero Timeout means "no deadline" for active writes; replicated prepares
// must always carry an explicit timeout.
type Requirements struct {
	Level   DurabilityLevel
	Timeout time.Duration
}

// Operation distinguishes queued mutation kinds in the mutation log.
type Operation int

const (
	OpMutation Operation = iota
	OpDeletion
	OpPrepare
	OpCommit
	OpAbort
	OpSetVBState
)

// ExpirySource records what triggered a lazy expiry deletion.
type ExpirySource int

const (
	ExpiryByAccess ExpirySource = iota
	ExpiryByPager
	ExpiryByCompactor
)

// String returns the attribution used in logs and stats.
func (s ExpirySource) String() string {
	switch s {
	case ExpiryByAccess:
		return "access"
	case ExpiryByPager:
		return "pager"
	case ExpiryByCompactor:
		return "compactor"
	default:
		return "unknown"
	}
}

// ItemMeta is the conflict-resolution metadata of a document revision.
type ItemMeta struct {
	CAS      uint64
	RevSeqno uint64
	Flags    uint32
	Expiry   uint32 // unix seconds, 0 = never
}

// Item is an immutable snapshot of a stored value queued into the mutation
// log. Ownership transfers to the log on enqueue; consumers read, never
// mutate.
type Item struct {
	Key       string
	Value     []byte
	Meta      ItemMeta
	Datatype  Datatype
	Seqno     uint64
	Op        Operation
	Deleted   bool
	Level     DurabilityLevel
	VBucket   VBucketID
	QueuedAt  time.Time
	ExpiredBy ExpirySource // meaningful only for expiry-driven deletions
}

// IsSyncWrite reports whether the item is a durability-requiring prepare.
func (i *Item) IsSyncWrite() bool {
	return i.Op == OpPrepare && i.Level != LevelNone
}

// SnapshotRange is a closed seqno interval [Start, End] whose items form an
// atomic visibility unit for consumers.
type SnapshotRange struct {
	Start uint64
	End   uint64
}

// Contains reports whether seqno falls inside the range.
func (r SnapshotRange) Contains(seqno uint64) bool {
	return seqno >= r.Start && seqno <= r.End
}
