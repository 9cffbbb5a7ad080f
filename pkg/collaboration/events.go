package collaboration

import (
	"sort"

	"github.com/developer-mesh/collabsync/pkg/collaboration/crdt"
)

// UpdateEvent is delivered to document subscribers after every transaction
// that changed the document.
type UpdateEvent struct {
	// Update holds what the transaction added: the new items and deletions
	// for a local change, the received update for a remote one.
	Update *Update
	// Local is true when the change originated on this replica.
	Local bool
}

// ChangeAction describes what happened to a map key.
type ChangeAction string

// Map key actions
const (
	ActionAdd    ChangeAction = "add"
	ActionUpdate ChangeAction = "update"
	ActionDelete ChangeAction = "delete"
)

// DeltaOp is one step of a sequence delta: retain, insert or delete.
type DeltaOp struct {
	Insert string `json:"insert,omitempty"`
	Delete int    `json:"delete,omitempty"`
	Retain int    `json:"retain,omitempty"`
}

// TextEvent describes a change to a Text as a delta over its previous value.
type TextEvent struct {
	Delta []DeltaOp
	Local bool
}

// ArrayDelta is one step of an array delta.
type ArrayDelta[T any] struct {
	Insert []T `json:"insert,omitempty"`
	Delete int `json:"delete,omitempty"`
	Retain int `json:"retain,omitempty"`
}

// ArrayEvent describes a change to an Array.
type ArrayEvent[T any] struct {
	Delta []ArrayDelta[T]
	Local bool
}

// KeyChange describes the change of one map key.
type KeyChange[T any] struct {
	Action   ChangeAction
	OldValue T
	NewValue T
}

// MapEvent describes the keys changed in a Map by one transaction.
type MapEvent[T any] struct {
	KeysChanged map[string]KeyChange[T]
	Local       bool
}

// transaction collects the effects of one mutation so that observers see
// a single event per call, however many items it touched.
type transaction struct {
	local   bool
	added   crdt.IDSet
	deleted crdt.IDSet
	changed map[string]map[string]struct{}

	// Outgoing update for local transactions
	items     []*crdt.Item
	deletions crdt.IDSet

	// Incoming update for remote transactions
	origin *Update
}

func newTransaction(local bool) *transaction {
	return &transaction{
		local:     local,
		added:     crdt.NewIDSet(),
		deleted:   crdt.NewIDSet(),
		changed:   make(map[string]map[string]struct{}),
		deletions: crdt.NewIDSet(),
	}
}

func (tx *transaction) touch(item *crdt.Item) {
	keys, ok := tx.changed[item.Parent]
	if !ok {
		keys = make(map[string]struct{})
		tx.changed[item.Parent] = keys
	}
	keys[item.ParentKey] = struct{}{}
}

func (tx *transaction) markAdded(item *crdt.Item) {
	tx.added.Add(item.ID.Replica, item.ID.Clock, uint64(item.Len()))
	tx.touch(item)
}

func (tx *transaction) markDeleted(item *crdt.Item, r crdt.Range) {
	tx.deleted.Add(item.ID.Replica, r.Start, r.Length)
	if tx.local {
		tx.deletions.Add(item.ID.Replica, r.Start, r.Length)
	}
	tx.touch(item)
}

func (tx *transaction) wasAdded(item *crdt.Item) bool {
	return tx.added.Contains(item.ID)
}

func (tx *transaction) wasDeleted(item *crdt.Item) bool {
	return tx.deleted.Contains(item.ID)
}

func (tx *transaction) isEmpty() bool {
	return len(tx.changed) == 0
}

// changedKeys returns the map keys of parent touched by the transaction.
func (tx *transaction) changedKeys(parent string) []string {
	keys := make([]string, 0, len(tx.changed[parent]))
	for key := range tx.changed[parent] {
		if key != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// sequenceChange is one run of a structure's items classified against a
// transaction.
type sequenceChange struct {
	insert []*crdt.Item
	delete int
	retain int
}

// sequenceChanges walks a sequence and reports, relative to its state before
// the transaction, what was inserted, deleted and kept. Items split during the
// transaction are classified per piece, since the added and deleted sets are
// kept per element id.
func sequenceChanges(store *crdt.ItemStore, tx *transaction) []sequenceChange {
	var out []sequenceChange
	last := func() *sequenceChange {
		if len(out) == 0 {
			return nil
		}
		return &out[len(out)-1]
	}
	store.Each(func(it *crdt.Item) bool {
		added := tx.wasAdded(it)
		switch {
		case added && it.Deleted:
		case added:
			if c := last(); c != nil && c.insert != nil {
				c.insert = append(c.insert, it)
			} else {
				out = append(out, sequenceChange{insert: []*crdt.Item{it}})
			}
		case tx.wasDeleted(it):
			if c := last(); c != nil && c.delete > 0 {
				c.delete += it.Len()
			} else {
				out = append(out, sequenceChange{delete: it.Len()})
			}
		case it.Deleted:
		default:
			if c := last(); c != nil && c.retain > 0 {
				c.retain += it.Len()
			} else {
				out = append(out, sequenceChange{retain: it.Len()})
			}
		}
		return true
	})
	if c := last(); c != nil && c.retain > 0 {
		out = out[:len(out)-1]
	}
	return out
}

// listeners is a set of callbacks that can be removed through the function
// returned when they were added.
type listeners[F any] struct {
	next    int
	entries []listenerEntry[F]
}

type listenerEntry[F any] struct {
	id int
	fn F
}

func (l *listeners[F]) add(fn F) func() {
	id := l.next
	l.next++
	l.entries = append(l.entries, listenerEntry[F]{id: id, fn: fn})
	return func() {
		for i, e := range l.entries {
			if e.id == id {
				l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
				return
			}
		}
	}
}

// snapshot returns the callbacks registered right now, so a callback may
// unsubscribe itself while being called.
func (l *listeners[F]) snapshot() []F {
	out := make([]F, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.fn
	}
	return out
}
