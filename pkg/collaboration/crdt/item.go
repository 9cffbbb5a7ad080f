package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Item is the atomic unit of replicated content.
//
// ID, Origin, RightOrigin and Content never change once an item exists.
// Splitting an item produces two items that cover disjoint parts of the
// same content, so element ids are stable for the lifetime of a document.
// Deleted only ever moves from false to true.
type Item struct {
	ID ItemID
	// Origin is the element immediately left of the item when it was created,
	// nil when it was inserted at the head.
	Origin *ItemID
	// RightOrigin is the element immediately right at creation, nil at tail.
	RightOrigin *ItemID
	Parent      string
	// ParentKey is set only for map entries.
	ParentKey string
	Content   Content
	Deleted   bool

	left, right *Item
}

// Len is the number of clocks the item occupies.
func (it *Item) Len() int {
	return it.Content.Len()
}

// LastID is the id of the item's final element.
func (it *Item) LastID() ItemID {
	return ItemID{Replica: it.ID.Replica, Clock: it.ID.Clock + uint64(it.Len()) - 1}
}

// End is the first clock after the item.
func (it *Item) End() uint64 {
	return it.ID.Clock + uint64(it.Len())
}

// Contains reports whether id names one of the item's elements.
func (it *Item) Contains(id ItemID) bool {
	return id.Replica == it.ID.Replica && id.Clock >= it.ID.Clock && id.Clock < it.End()
}

// Left returns the previous item in the sequence, deleted or not.
func (it *Item) Left() *Item { return it.left }

// Right returns the next item in the sequence, deleted or not.
func (it *Item) Right() *Item { return it.right }

// IsMapEntry reports whether the item belongs to a map key rather than a
// sequence.
func (it *Item) IsMapEntry() bool {
	return it.ParentKey != ""
}

// split cuts the item at offset. The receiver keeps [0, offset) and the
// returned item holds the rest, linked immediately to its right.
func (it *Item) split(offset int) *Item {
	leftContent, rightContent := it.Content.Split(offset)
	right := &Item{
		ID:          ItemID{Replica: it.ID.Replica, Clock: it.ID.Clock + uint64(offset)},
		Origin:      idPtr(ItemID{Replica: it.ID.Replica, Clock: it.ID.Clock + uint64(offset) - 1}),
		RightOrigin: it.RightOrigin,
		Parent:      it.Parent,
		ParentKey:   it.ParentKey,
		Content:     rightContent,
		Deleted:     it.Deleted,
		left:        it,
		right:       it.right,
	}
	if it.right != nil {
		it.right.left = right
	}
	it.right = right
	it.Content = leftContent
	return right
}

// Slice returns a detached copy of the item starting at offset, with its
// origin pointing at the element just before the cut.
func (it *Item) Slice(offset int) *Item {
	if offset <= 0 {
		return it.Detach()
	}
	_, rest := it.Content.Split(offset)
	return &Item{
		ID:          ItemID{Replica: it.ID.Replica, Clock: it.ID.Clock + uint64(offset)},
		Origin:      idPtr(ItemID{Replica: it.ID.Replica, Clock: it.ID.Clock + uint64(offset) - 1}),
		RightOrigin: copyID(it.RightOrigin),
		Parent:      it.Parent,
		ParentKey:   it.ParentKey,
		Content:     rest,
	}
}

// Detach returns a copy without sequence links or the deleted flag, suitable
// for putting on the wire.
func (it *Item) Detach() *Item {
	return &Item{
		ID:          it.ID,
		Origin:      copyID(it.Origin),
		RightOrigin: copyID(it.RightOrigin),
		Parent:      it.Parent,
		ParentKey:   it.ParentKey,
		Content:     it.Content,
	}
}

func copyID(id *ItemID) *ItemID {
	if id == nil {
		return nil
	}
	return idPtr(*id)
}

// Errors returned by Item.Validate
var (
	ErrInvalidItem  = errors.New("invalid item")
	ErrLengthDiffer = errors.New("declared length does not match content")
)

// Validate checks the structural invariants of an item received from a peer.
func (it *Item) Validate() error {
	switch {
	case it.ID.Replica == "":
		return fmt.Errorf("%w: missing replica", ErrInvalidItem)
	case it.ID.Clock == 0:
		return fmt.Errorf("%w: clock must start at 1", ErrInvalidItem)
	case it.Parent == "":
		return fmt.Errorf("%w: missing parent", ErrInvalidItem)
	case it.Content == nil || it.Content.Len() == 0:
		return fmt.Errorf("%w: empty content", ErrInvalidItem)
	case it.Origin != nil && it.Origin.Replica == it.ID.Replica && it.Origin.Clock >= it.ID.Clock:
		return fmt.Errorf("%w: origin %s does not precede %s", ErrInvalidItem, it.Origin, it.ID)
	case it.RightOrigin != nil && it.RightOrigin.Replica == it.ID.Replica && it.RightOrigin.Clock >= it.ID.Clock:
		return fmt.Errorf("%w: right origin %s does not precede %s", ErrInvalidItem, it.RightOrigin, it.ID)
	}
	return nil
}

type wireItem struct {
	ID          ItemID          `json:"id"`
	Origin      *ItemID         `json:"origin"`
	RightOrigin *ItemID         `json:"rightOrigin"`
	Parent      string          `json:"parent"`
	ParentKey   string          `json:"parentKey,omitempty"`
	ContentType ContentType     `json:"contentType"`
	Content     json.RawMessage `json:"content"`
	Length      int             `json:"length"`
}

// MarshalJSON encodes the wire shape of an item.
func (it *Item) MarshalJSON() ([]byte, error) {
	var payload interface{} = it.Content
	if s, ok := it.Content.(StringContent); ok {
		payload = string(s)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode content of %s: %w", it.ID, err)
	}
	return json.Marshal(wireItem{
		ID:          it.ID,
		Origin:      it.Origin,
		RightOrigin: it.RightOrigin,
		Parent:      it.Parent,
		ParentKey:   it.ParentKey,
		ContentType: it.Content.Type(),
		Content:     raw,
		Length:      it.Len(),
	})
}

// UnmarshalJSON decodes the wire shape of an item and checks the declared
// length against the content.
func (it *Item) UnmarshalJSON(data []byte) error {
	var w wireItem
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	content, err := decodeContent(w.ContentType, w.Content)
	if err != nil {
		return err
	}
	if content.Len() != w.Length {
		return fmt.Errorf("%w: item %s declares %d, holds %d", ErrLengthDiffer, w.ID, w.Length, content.Len())
	}
	*it = Item{
		ID:          w.ID,
		Origin:      w.Origin,
		RightOrigin: w.RightOrigin,
		Parent:      w.Parent,
		ParentKey:   w.ParentKey,
		Content:     content,
	}
	return nil
}
