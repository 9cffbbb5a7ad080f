package collaboration

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/developer-mesh/collabsync/pkg/collaboration/crdt"
)

var (
	// ErrEmptyKey is returned when setting a map entry without a key.
	ErrEmptyKey = errors.New("map key must not be empty")
	// ErrInvalidKey is returned for a key that is not valid UTF-8.
	ErrInvalidKey = errors.New("map key must be valid UTF-8")
)

// Map is a shared string-keyed map of values of type T. Each key holds the
// last write by clock; concurrent writes with equal clocks resolve to the
// higher replica id.
type Map[T any] struct {
	doc   *Doc
	name  string
	store *crdt.ItemStore
}

// MapOf returns the map structure called name, creating it if needed.
func MapOf[T any](d *Doc, name string) *Map[T] {
	return &Map[T]{doc: d, name: name, store: d.claim(name, kindMap)}
}

// Map returns an untyped map structure.
func (d *Doc) Map(name string) *Map[any] {
	return MapOf[any](d, name)
}

// Name returns the structure name
func (m *Map[T]) Name() string { return m.name }

// Set stores value under key, superseding every entry this replica has seen.
// The value is stored in its JSON form, the same one peers decode, so a
// value without a JSON encoding is rejected with crdt.ErrUnsupportedValue.
func (m *Map[T]) Set(key string, value T) error {
	if key == "" {
		return ErrEmptyKey
	}
	if !utf8.ValidString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	content, err := crdt.Normalize(crdt.AnyContent{value})
	if err != nil {
		return fmt.Errorf("set %q in %q: %w", key, m.name, err)
	}
	return m.doc.transact(true, func(tx *transaction) error {
		m.tombstone(tx, key)
		m.doc.insert(tx, m.name, key, content, nil, nil)
		return nil
	})
}

// Delete removes key. Deleting a missing key is a no-op.
func (m *Map[T]) Delete(key string) error {
	return m.doc.transact(true, func(tx *transaction) error {
		m.tombstone(tx, key)
		return nil
	})
}

func (m *Map[T]) tombstone(tx *transaction, key string) {
	for _, it := range m.store.Entries(key) {
		if !it.Deleted {
			m.doc.deleteRange(tx, it.ID.Replica, it.ID.Clock, it.End())
		}
	}
}

// Get returns the value of key.
func (m *Map[T]) Get(key string) (T, bool) {
	winner := m.store.Winner(key)
	if winner == nil {
		var zero T
		return zero, false
	}
	return convert[T](winner.Content.Values()[0])
}

// Has reports whether key holds a value.
func (m *Map[T]) Has(key string) bool {
	return m.store.Winner(key) != nil
}

// Keys returns the keys holding a value, sorted.
func (m *Map[T]) Keys() []string {
	return m.store.Keys()
}

// Entries returns a copy of the map.
func (m *Map[T]) Entries() map[string]T {
	out := make(map[string]T)
	for _, key := range m.store.Keys() {
		if v, ok := m.Get(key); ok {
			out[key] = v
		}
	}
	return out
}

// Len returns the number of keys holding a value.
func (m *Map[T]) Len() int {
	return len(m.store.Keys())
}

// Observe calls fn after every transaction that changed a key's value.
func (m *Map[T]) Observe(fn func(MapEvent[T])) func() {
	return m.doc.observe(m.name, func(tx *transaction) {
		changed := make(map[string]KeyChange[T])
		for _, key := range tx.changedKeys(m.name) {
			entries := m.store.Entries(key)
			before := crdt.Winner(entries, func(it *crdt.Item) bool {
				return !tx.wasAdded(it) && (!it.Deleted || tx.wasDeleted(it))
			})
			after := m.store.Winner(key)
			if before == after {
				continue
			}
			var change KeyChange[T]
			switch {
			case before == nil:
				change.Action = ActionAdd
			case after == nil:
				change.Action = ActionDelete
			default:
				change.Action = ActionUpdate
			}
			if before != nil {
				change.OldValue, _ = convert[T](before.Content.Values()[0])
			}
			if after != nil {
				change.NewValue, _ = convert[T](after.Content.Values()[0])
			}
			changed[key] = change
		}
		if len(changed) > 0 {
			fn(MapEvent[T]{KeysChanged: changed, Local: tx.local})
		}
	})
}
