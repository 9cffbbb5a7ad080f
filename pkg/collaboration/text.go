package collaboration

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/developer-mesh/collabsync/pkg/collaboration/crdt"
)

// ErrInvalidDelta is returned by ApplyDelta for an operation that is not
// exactly one of insert, delete or retain.
var ErrInvalidDelta = errors.New("invalid delta operation")

// Text is a shared string. Positions and lengths count runes.
type Text struct {
	doc   *Doc
	name  string
	store *crdt.ItemStore
}

// Text returns the text structure called name, creating it if needed.
func (d *Doc) Text(name string) *Text {
	return &Text{doc: d, name: name, store: d.claim(name, kindText)}
}

// Name returns the structure name
func (t *Text) Name() string { return t.name }

// Insert inserts s before the rune at index. Invalid UTF-8 is stored as
// U+FFFD.
func (t *Text) Insert(index int, s string) error {
	if s == "" {
		return nil
	}
	s = crdt.ValidText(s)
	return t.doc.transact(true, func(tx *transaction) error {
		return t.insert(tx, index, s)
	})
}

func (t *Text) insert(tx *transaction, index int, s string) error {
	left, right, err := t.store.Locate(index)
	if err != nil {
		return fmt.Errorf("insert at %d of %q: %w", index, t.name, err)
	}
	t.doc.insert(tx, t.name, "", crdt.StringContent(s), left, right)
	return nil
}

// Delete removes length runes starting at index. Items only partly covered
// are split so exactly length runes are tombstoned; a span running past the
// end is clamped.
func (t *Text) Delete(index, length int) error {
	if length <= 0 {
		return nil
	}
	return t.doc.transact(true, func(tx *transaction) error {
		return t.delete(tx, index, length)
	})
}

func (t *Text) delete(tx *transaction, index, length int) error {
	items, err := t.store.LiveRange(index, length)
	if err != nil {
		return fmt.Errorf("delete at %d of %q: %w", index, t.name, err)
	}
	for _, it := range items {
		t.doc.deleteRange(tx, it.ID.Replica, it.ID.Clock, it.End())
	}
	return nil
}

// ApplyDelta applies a sequence of retain, insert and delete operations in
// one transaction. The whole delta is checked against the current length
// first; an invalid one changes nothing.
func (t *Text) ApplyDelta(ops []DeltaOp) error {
	clean := make([]DeltaOp, len(ops))
	length, pos := t.store.Len(), 0
	for i, op := range ops {
		set := 0
		if op.Insert != "" {
			set++
		}
		if op.Delete > 0 {
			set++
		}
		if op.Retain > 0 {
			set++
		}
		if set != 1 {
			return fmt.Errorf("%w: op %d", ErrInvalidDelta, i)
		}

		switch {
		case op.Retain > 0:
			if pos+op.Retain > length {
				return fmt.Errorf("retain %d at %d of %q: %w", op.Retain, pos, t.name, crdt.ErrIndexOutOfRange)
			}
			pos += op.Retain
		case op.Insert != "":
			op.Insert = crdt.ValidText(op.Insert)
			n := utf8.RuneCountInString(op.Insert)
			pos += n
			length += n
		default:
			length -= min(op.Delete, length-pos)
		}
		clean[i] = op
	}

	return t.doc.transact(true, func(tx *transaction) error {
		pos := 0
		for _, op := range clean {
			switch {
			case op.Retain > 0:
				pos += op.Retain
			case op.Insert != "":
				if err := t.insert(tx, pos, op.Insert); err != nil {
					return err
				}
				pos += utf8.RuneCountInString(op.Insert)
			default:
				if err := t.delete(tx, pos, op.Delete); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// String returns the current value.
func (t *Text) String() string {
	var b strings.Builder
	t.store.Each(func(it *crdt.Item) bool {
		if !it.Deleted {
			if s, ok := it.Content.(crdt.StringContent); ok {
				b.WriteString(string(s))
			}
		}
		return true
	})
	return b.String()
}

// Len returns the number of runes.
func (t *Text) Len() int {
	return t.store.Len()
}

// ToDelta returns the current value as a delta that recreates it from an
// empty text.
func (t *Text) ToDelta() []DeltaOp {
	s := t.String()
	if s == "" {
		return nil
	}
	return []DeltaOp{{Insert: s}}
}

// Observe calls fn after every transaction that changed the text.
func (t *Text) Observe(fn func(TextEvent)) func() {
	return t.doc.observe(t.name, func(tx *transaction) {
		changes := sequenceChanges(t.store, tx)
		if len(changes) == 0 {
			return
		}
		delta := make([]DeltaOp, 0, len(changes))
		for _, c := range changes {
			switch {
			case c.insert != nil:
				var b strings.Builder
				for _, it := range c.insert {
					if s, ok := it.Content.(crdt.StringContent); ok {
						b.WriteString(string(s))
					}
				}
				delta = append(delta, DeltaOp{Insert: b.String()})
			case c.delete > 0:
				delta = append(delta, DeltaOp{Delete: c.delete})
			default:
				delta = append(delta, DeltaOp{Retain: c.retain})
			}
		}
		fn(TextEvent{Delta: delta, Local: tx.local})
	})
}
