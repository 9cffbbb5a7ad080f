package collaboration

import (
	"encoding/json"
	"fmt"

	"github.com/developer-mesh/collabsync/pkg/collaboration/crdt"
)

// Array is a shared list of values of type T. Every element is its own item,
// so concurrent inserts interleave per element.
type Array[T any] struct {
	doc   *Doc
	name  string
	store *crdt.ItemStore
}

// ArrayOf returns the array structure called name, creating it if needed.
func ArrayOf[T any](d *Doc, name string) *Array[T] {
	return &Array[T]{doc: d, name: name, store: d.claim(name, kindArray)}
}

// Array returns an untyped array structure.
func (d *Doc) Array(name string) *Array[any] {
	return ArrayOf[any](d, name)
}

// Name returns the structure name
func (a *Array[T]) Name() string { return a.name }

// Push appends values.
func (a *Array[T]) Push(values ...T) error {
	return a.Insert(a.Len(), values...)
}

// Insert inserts values before the element at index. Values are stored in
// their JSON form; if any has no JSON encoding nothing is inserted and the
// error wraps crdt.ErrUnsupportedValue.
func (a *Array[T]) Insert(index int, values ...T) error {
	if len(values) == 0 {
		return nil
	}
	raw := make(crdt.AnyContent, len(values))
	for i, v := range values {
		raw[i] = v
	}
	content, err := crdt.Normalize(raw)
	if err != nil {
		return fmt.Errorf("insert at %d of %q: %w", index, a.name, err)
	}
	return a.doc.transact(true, func(tx *transaction) error {
		left, right, err := a.store.Locate(index)
		if err != nil {
			return fmt.Errorf("insert at %d of %q: %w", index, a.name, err)
		}
		for _, v := range content.Values() {
			left = a.doc.insert(tx, a.name, "", crdt.AnyContent{v}, left, right)
		}
		return nil
	})
}

// Delete removes length elements starting at index, clamped to the end.
func (a *Array[T]) Delete(index, length int) error {
	if length <= 0 {
		return nil
	}
	return a.doc.transact(true, func(tx *transaction) error {
		items, err := a.store.LiveRange(index, length)
		if err != nil {
			return fmt.Errorf("delete at %d of %q: %w", index, a.name, err)
		}
		for _, it := range items {
			a.doc.deleteRange(tx, it.ID.Replica, it.ID.Clock, it.End())
		}
		return nil
	})
}

// Get returns the element at index.
func (a *Array[T]) Get(index int) (T, bool) {
	var zero T
	if index < 0 {
		return zero, false
	}
	var (
		value T
		found bool
	)
	a.store.Each(func(it *crdt.Item) bool {
		if it.Deleted {
			return true
		}
		if index < it.Len() {
			value, found = convert[T](it.Content.Values()[index])
			return false
		}
		index -= it.Len()
		return true
	})
	return value, found
}

// ToSlice returns the elements in order. Values that cannot be converted to
// T are skipped.
func (a *Array[T]) ToSlice() []T {
	out := make([]T, 0)
	a.store.Each(func(it *crdt.Item) bool {
		if !it.Deleted {
			out = append(out, convertAll[T](it.Content.Values())...)
		}
		return true
	})
	return out
}

// Len returns the number of elements.
func (a *Array[T]) Len() int {
	return a.store.Len()
}

// Observe calls fn after every transaction that changed the array.
func (a *Array[T]) Observe(fn func(ArrayEvent[T])) func() {
	return a.doc.observe(a.name, func(tx *transaction) {
		changes := sequenceChanges(a.store, tx)
		if len(changes) == 0 {
			return
		}
		delta := make([]ArrayDelta[T], 0, len(changes))
		for _, c := range changes {
			switch {
			case c.insert != nil:
				var values []T
				for _, it := range c.insert {
					values = append(values, convertAll[T](it.Content.Values())...)
				}
				delta = append(delta, ArrayDelta[T]{Insert: values})
			case c.delete > 0:
				delta = append(delta, ArrayDelta[T]{Delete: c.delete})
			default:
				delta = append(delta, ArrayDelta[T]{Retain: c.retain})
			}
		}
		fn(ArrayEvent[T]{Delta: delta, Local: tx.local})
	})
}

// convert returns v as a T. Values received from peers arrive as decoded
// JSON, so anything that is not already a T goes through a JSON round trip.
func convert[T any](v interface{}) (T, bool) {
	if t, ok := v.(T); ok {
		return t, true
	}
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, false
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, false
	}
	return out, true
}

func convertAll[T any](values []interface{}) []T {
	out := make([]T, 0, len(values))
	for _, v := range values {
		if t, ok := convert[T](v); ok {
			out = append(out, t)
		}
	}
	return out
}
