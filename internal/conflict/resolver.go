// Package conflict decides whether a metadata-carrying write from a peer may
// overwrite the local revision of a document. Only the setWithMeta and
// deleteWithMeta paths consult a resolver; plain client writes use CAS
// equality at the partition.
package conflict

import (
	"github.com/kestreldb/kestrel/internal/hlc"
	"github.com/kestreldb/kestrel/internal/model"
)

// Existing describes the local revision under consideration.
type Existing struct {
	Meta    model.ItemMeta
	Deleted bool
}

// Incoming describes the candidate revision.
type Incoming struct {
	Meta     model.ItemMeta
	Datatype model.Datatype
	Deleted  bool
}

// Resolver reports whether the incoming revision wins over the existing one.
type Resolver interface {
	Resolve(existing Existing, incoming Incoming) bool
	Name() string
}

// RevSeqno resolves on revision sequence number with a strict deterministic
// tie-break chain so racing replicas converge regardless of arrival order.
type RevSeqno struct{}

// Name implements Resolver.
func (RevSeqno) Name() string { return "revseqno" }

// Resolve implements Resolver.
func (RevSeqno) Resolve(existing Existing, incoming Incoming) bool {
	e, i := existing.Meta, incoming.Meta
	if i.RevSeqno != e.RevSeqno {
		return i.RevSeqno > e.RevSeqno
	}
	return tieBreak(e, i)
}

// LastWriteWins resolves on the hybrid-logical-clock timestamp embedded in
// CAS, falling back to the revSeqno tie-break chain when timestamps collide.
type LastWriteWins struct{}

// Name implements Resolver.
func (LastWriteWins) Name() string { return "lww" }

// Resolve implements Resolver.
func (LastWriteWins) Resolve(existing Existing, incoming Incoming) bool {
	et := hlc.PhysicalTime(existing.Meta.CAS)
	it := hlc.PhysicalTime(incoming.Meta.CAS)
	if !it.Equal(et) {
		return it.After(et)
	}
	return tieBreak(existing.Meta, incoming.Meta)
}

// tieBreak orders two revisions with equal primary keys: CAS, then expiry,
// then flags, each strictly greater-than.
func tieBreak(e, i model.ItemMeta) bool {
	if i.CAS != e.CAS {
		return i.CAS > e.CAS
	}
	if i.Expiry != e.Expiry {
		return i.Expiry > e.Expiry
	}
	return i.Flags > e.Flags
}

// ForPolicy maps a configured policy name to a resolver, defaulting to
// revSeqno.
func ForPolicy(name string) Resolver {
	if name == "lww" {
		return LastWriteWins{}
	}
	return RevSeqno{}
}
