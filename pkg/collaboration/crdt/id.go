// Package crdt holds the replicated primitives the collaboration document is
// built from: replica identifiers, item ids, state vectors, id sets, the
// item store with its integration algorithm, and last-write-wins registers.
//
// Nothing in this package is safe for concurrent use. A document and the
// stores it owns belong to one logical thread; callers serialize access.
package crdt

import (
	"fmt"

	"github.com/google/uuid"
)

// ReplicaID identifies one independent participant holding a copy of a
// document. Two live processes must never share a ReplicaID.
type ReplicaID string

// NewReplicaID returns a fresh replica id derived from a random token.
func NewReplicaID() ReplicaID {
	return ReplicaID(uuid.NewString())
}

// ItemID names a single element of replicated content. An item of length n
// starting at clock c owns the ids (replica, c) .. (replica, c+n-1).
type ItemID struct {
	Replica ReplicaID `json:"replica"`
	Clock   uint64    `json:"clock"`
}

// Compare orders ids by clock, then by replica.
func (id ItemID) Compare(other ItemID) int {
	switch {
	case id.Clock < other.Clock:
		return -1
	case id.Clock > other.Clock:
		return 1
	case id.Replica < other.Replica:
		return -1
	case id.Replica > other.Replica:
		return 1
	}
	return 0
}

func (id ItemID) String() string {
	return fmt.Sprintf("%s:%d", id.Replica, id.Clock)
}

// sameID reports whether two optional ids are equal. Two nil ids are equal.
func sameID(a, b *ItemID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func idPtr(id ItemID) *ItemID {
	return &id
}
