package crdt

import (
	"fmt"
	"sort"
)

// Index keeps every integrated item of a document ordered by clock per
// replica, independent of which structure the item belongs to. It answers
// "which item holds this element id" and performs splits on demand.
type Index struct {
	items map[ReplicaID][]*Item
}

// NewIndex creates an empty index
func NewIndex() *Index {
	return &Index{items: make(map[ReplicaID][]*Item)}
}

// State returns the last integrated clock of replica, or 0.
func (x *Index) State(replica ReplicaID) uint64 {
	items := x.items[replica]
	if len(items) == 0 {
		return 0
	}
	return items[len(items)-1].End() - 1
}

// StateVector builds the state vector of everything integrated.
func (x *Index) StateVector() StateVector {
	sv := NewStateVector()
	for replica := range x.items {
		sv.Set(replica, x.State(replica))
	}
	return sv
}

// Has reports whether the element id has been integrated.
func (x *Index) Has(id ItemID) bool {
	return id.Clock > 0 && id.Clock <= x.State(id.Replica)
}

// Add appends an item. Its first clock must directly follow the replica's
// current state.
func (x *Index) Add(item *Item) error {
	if next := x.State(item.ID.Replica) + 1; item.ID.Clock != next {
		return fmt.Errorf("item %s is not contiguous, expected clock %d", item.ID, next)
	}
	x.items[item.ID.Replica] = append(x.items[item.ID.Replica], item)
	return nil
}

// Replicas returns the replicas with integrated items, sorted.
func (x *Index) Replicas() []ReplicaID {
	replicas := make([]ReplicaID, 0, len(x.items))
	for replica := range x.items {
		replicas = append(replicas, replica)
	}
	sort.Slice(replicas, func(i, j int) bool { return replicas[i] < replicas[j] })
	return replicas
}

// Items returns the items of replica in clock order. The slice must not be
// modified.
func (x *Index) Items(replica ReplicaID) []*Item {
	return x.items[replica]
}

func (x *Index) find(id ItemID) int {
	items := x.items[id.Replica]
	i := sort.Search(len(items), func(i int) bool { return items[i].End() > id.Clock })
	if i < len(items) && items[i].ID.Clock <= id.Clock {
		return i
	}
	return -1
}

// Find returns the item holding the element id, or nil.
func (x *Index) Find(id ItemID) *Item {
	if i := x.find(id); i >= 0 {
		return x.items[id.Replica][i]
	}
	return nil
}

// Split cuts item at offset and registers the new right half.
func (x *Index) Split(item *Item, offset int) *Item {
	if offset <= 0 || offset >= item.Len() {
		return item
	}
	i := x.find(item.ID)
	right := item.split(offset)
	items := x.items[item.ID.Replica]
	items = append(items, nil)
	copy(items[i+2:], items[i+1:])
	items[i+1] = right
	x.items[item.ID.Replica] = items
	return right
}

// CleanStart returns the item that begins exactly at id, splitting the item
// holding id if needed. It returns nil if id is unknown.
func (x *Index) CleanStart(id ItemID) *Item {
	item := x.Find(id)
	if item == nil {
		return nil
	}
	return x.Split(item, int(id.Clock-item.ID.Clock))
}

// CleanEnd returns the item that ends exactly at id, splitting the item
// holding id if needed. It returns nil if id is unknown.
func (x *Index) CleanEnd(id ItemID) *Item {
	item := x.Find(id)
	if item == nil {
		return nil
	}
	x.Split(item, int(id.Clock-item.ID.Clock)+1)
	return item
}
