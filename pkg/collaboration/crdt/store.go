package crdt

import (
	"errors"
	"sort"
)

// ErrIndexOutOfRange is returned when a position lies past the live length
var ErrIndexOutOfRange = errors.New("index out of range")

// ItemStore is the ordered list of items behind one named structure. Items
// are never unlinked; deletion only sets the tombstone flag, so a deleted
// item stays a valid anchor for inserts that reference it.
type ItemStore struct {
	name    string
	index   *Index
	head    *Item
	entries map[string][]*Item
}

// NewItemStore creates the store for one structure. Splits are registered in
// index, which the owning document shares between all of its stores.
func NewItemStore(name string, index *Index) *ItemStore {
	return &ItemStore{
		name:    name,
		index:   index,
		entries: make(map[string][]*Item),
	}
}

// Name returns the structure name.
func (s *ItemStore) Name() string { return s.name }

// Head returns the first item of the sequence, deleted or not.
func (s *ItemStore) Head() *Item { return s.head }

// Integrate links item into the store.
//
// left must be the item ending at item.Origin and right the item starting
// at item.RightOrigin (nil for head and tail). The position is resolved so
// that every replica holding the same set of items ends up with the same
// order: siblings that share an origin are ordered by replica id, smaller
// first, and an item never lands inside a run that was anchored on one of
// the siblings it has already been ordered after.
func (s *ItemStore) Integrate(item, left, right *Item) {
	if item.IsMapEntry() {
		s.entries[item.ParentKey] = append(s.entries[item.ParentKey], item)
		return
	}

	o := s.head
	if left != nil {
		o = left.right
	}
	if o != right {
		conflicting := make(map[*Item]bool)
		beforeOrigin := make(map[*Item]bool)
		for o != nil && o != right {
			beforeOrigin[o] = true
			conflicting[o] = true
			if sameID(item.Origin, o.Origin) {
				if o.ID.Replica < item.ID.Replica {
					left = o
					clear(conflicting)
				} else if sameID(item.RightOrigin, o.RightOrigin) {
					break
				}
			} else if originItem := s.originOf(o); originItem != nil && beforeOrigin[originItem] {
				if !conflicting[originItem] {
					left = o
					clear(conflicting)
				}
			} else {
				break
			}
			o = o.right
		}
	}

	item.left = left
	if left == nil {
		item.right = s.head
		s.head = item
	} else {
		item.right = left.right
		left.right = item
	}
	if item.right != nil {
		item.right.left = item
	}
}

func (s *ItemStore) originOf(o *Item) *Item {
	if o.Origin == nil {
		return nil
	}
	return s.index.Find(*o.Origin)
}

// Remove tombstones item and returns the range it covered. It reports false
// if the item was already deleted.
func (s *ItemStore) Remove(item *Item) (Range, bool) {
	if item.Deleted {
		return Range{}, false
	}
	item.Deleted = true
	return Range{Start: item.ID.Clock, Length: uint64(item.Len())}, true
}

// Len returns the live length of the sequence.
func (s *ItemStore) Len() int {
	n := 0
	for it := s.head; it != nil; it = it.right {
		if !it.Deleted {
			n += it.Len()
		}
	}
	return n
}

// Each calls fn for every item of the sequence in order, deleted ones
// included, until fn returns false.
func (s *ItemStore) Each(fn func(*Item) bool) {
	for it := s.head; it != nil; it = it.right {
		if !fn(it) {
			return
		}
	}
}

// Locate finds the insertion neighbours for live position index: left is
// the item whose last element sits just before the position and right the
// item that follows it. Items are split when the position falls inside one.
func (s *ItemStore) Locate(index int) (left, right *Item, err error) {
	if index < 0 {
		return nil, nil, ErrIndexOutOfRange
	}
	right = s.head
	for right != nil && index > 0 {
		if !right.Deleted {
			if index < right.Len() {
				s.index.Split(right, index)
			}
			index -= right.Len()
		}
		left = right
		right = right.right
	}
	if index > 0 {
		return nil, nil, ErrIndexOutOfRange
	}
	return left, right, nil
}

// LiveRange returns the live items covering [index, index+length), split at
// both ends so that each returned item lies entirely inside the span. The
// span is clamped to the live length.
func (s *ItemStore) LiveRange(index, length int) ([]*Item, error) {
	_, it, err := s.Locate(index)
	if err != nil {
		return nil, err
	}
	var out []*Item
	for ; it != nil && length > 0; it = it.right {
		if it.Deleted {
			continue
		}
		if length < it.Len() {
			s.index.Split(it, length)
		}
		out = append(out, it)
		length -= it.Len()
	}
	return out, nil
}

// Entries returns every item ever stored under key, deleted or not.
func (s *ItemStore) Entries(key string) []*Item {
	return s.entries[key]
}

// Keys returns the map keys with at least one live entry, sorted.
func (s *ItemStore) Keys() []string {
	keys := make([]string, 0, len(s.entries))
	for key, items := range s.entries {
		for _, it := range items {
			if !it.Deleted {
				keys = append(keys, key)
				break
			}
		}
	}
	sort.Strings(keys)
	return keys
}

// Winner returns the entry that holds the value of key: the live entry with
// the highest clock, replica id breaking ties.
func (s *ItemStore) Winner(key string) *Item {
	return Winner(s.entries[key], func(it *Item) bool { return !it.Deleted })
}

// Winner picks the last-write-wins entry among items accepted by keep.
func Winner(items []*Item, keep func(*Item) bool) *Item {
	var reg LWWRegister
	for _, it := range items {
		if keep(it) {
			reg.Set(it, it.ID.Clock, it.ID.Replica)
		}
	}
	if winner, ok := reg.Get().(*Item); ok {
		return winner
	}
	return nil
}
