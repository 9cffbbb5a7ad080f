package crdt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textItem(replica ReplicaID, clock uint64, text string, origin, right *ItemID) *Item {
	return &Item{
		ID:          ItemID{Replica: replica, Clock: clock},
		Origin:      origin,
		RightOrigin: right,
		Parent:      "text",
		Content:     StringContent(text),
	}
}

func id(replica ReplicaID, clock uint64) *ItemID {
	return &ItemID{Replica: replica, Clock: clock}
}

func integrateAll(t *testing.T, items []*Item) (*Index, *ItemStore) {
	t.Helper()
	x := NewIndex()
	s := NewItemStore("text", x)
	for _, it := range items {
		it = it.Detach()
		var left, right *Item
		if it.Origin != nil {
			left = x.CleanEnd(*it.Origin)
			require.NotNil(t, left, "origin %s must be integrated first", it.Origin)
		}
		if it.RightOrigin != nil {
			right = x.CleanStart(*it.RightOrigin)
			require.NotNil(t, right, "right origin %s must be integrated first", it.RightOrigin)
		}
		s.Integrate(it, left, right)
		require.NoError(t, x.Add(it))
	}
	return x, s
}

func render(s *ItemStore, withDeleted bool) string {
	var b strings.Builder
	s.Each(func(it *Item) bool {
		if withDeleted || !it.Deleted {
			b.WriteString(string(it.Content.(StringContent)))
		}
		return true
	})
	return b.String()
}

func permutations(items []*Item) [][]*Item {
	if len(items) <= 1 {
		return [][]*Item{items}
	}
	var out [][]*Item
	for i := range items {
		rest := make([]*Item, 0, len(items)-1)
		rest = append(rest, items[:i]...)
		rest = append(rest, items[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]*Item{items[i]}, p...))
		}
	}
	return out
}

func TestItemStoreIntegrate(t *testing.T) {
	t.Run("Concurrent head inserts order smaller replica first", func(t *testing.T) {
		items := []*Item{
			textItem("b", 1, "B", nil, nil),
			textItem("a", 1, "A", nil, nil),
			textItem("c", 1, "C", nil, nil),
		}
		for _, order := range permutations(items) {
			_, s := integrateAll(t, order)
			assert.Equal(t, "ABC", render(s, true))
		}
	})

	t.Run("Concurrent inserts between the same neighbours converge", func(t *testing.T) {
		base := textItem("a", 1, "AB", nil, nil)
		concurrent := []*Item{
			textItem("b", 1, "X", id("a", 1), id("a", 2)),
			textItem("a", 3, "Y", id("a", 1), id("a", 2)),
			textItem("c", 1, "Z", id("a", 1), id("a", 2)),
		}
		var results []string
		for _, order := range permutations(concurrent) {
			_, s := integrateAll(t, append([]*Item{base}, order...))
			results = append(results, render(s, true))
		}
		for _, r := range results {
			assert.Equal(t, results[0], r)
		}
		assert.Equal(t, "AYXZB", results[0])
	})

	t.Run("Runs anchored on a sibling stay with it", func(t *testing.T) {
		// b types "BB" at head as two items, a types "A" at head concurrently.
		items := []*Item{
			textItem("b", 1, "B", nil, nil),
			textItem("b", 2, "b", id("b", 1), nil),
			textItem("a", 1, "A", nil, nil),
		}
		orders := [][]*Item{
			{items[0], items[1], items[2]},
			{items[2], items[0], items[1]},
			{items[0], items[2], items[1]},
		}
		for _, order := range orders {
			_, s := integrateAll(t, order)
			assert.Equal(t, "ABb", render(s, true))
		}
	})

	t.Run("Deleted items remain anchors", func(t *testing.T) {
		x, s := integrateAll(t, []*Item{textItem("a", 1, "abc", nil, nil)})
		mid := x.CleanStart(ItemID{Replica: "a", Clock: 2})
		x.CleanEnd(ItemID{Replica: "a", Clock: 2})
		r, ok := s.Remove(mid)
		require.True(t, ok)
		assert.Equal(t, Range{Start: 2, Length: 1}, r)

		_, again := s.Remove(mid)
		assert.False(t, again)

		ins := textItem("b", 1, "X", id("a", 2), id("a", 3))
		s.Integrate(ins, x.CleanEnd(*ins.Origin), x.CleanStart(*ins.RightOrigin))
		require.NoError(t, x.Add(ins))
		assert.Equal(t, "aXc", render(s, false))
		assert.Equal(t, "abXc", render(s, true))
	})

	t.Run("Map entries bypass the sequence", func(t *testing.T) {
		x := NewIndex()
		s := NewItemStore("map", x)
		e1 := &Item{ID: ItemID{Replica: "a", Clock: 1}, Parent: "map", ParentKey: "k", Content: AnyContent{1}}
		e2 := &Item{ID: ItemID{Replica: "b", Clock: 1}, Parent: "map", ParentKey: "k", Content: AnyContent{2}}
		s.Integrate(e1, nil, nil)
		s.Integrate(e2, nil, nil)
		assert.Nil(t, s.Head())
		assert.Equal(t, []string{"k"}, s.Keys())
		assert.Same(t, e2, s.Winner("k"))

		e2.Deleted = true
		assert.Same(t, e1, s.Winner("k"))
		e1.Deleted = true
		assert.Nil(t, s.Winner("k"))
		assert.Empty(t, s.Keys())
	})
}

func TestItemStoreLocate(t *testing.T) {
	x, s := integrateAll(t, []*Item{textItem("a", 1, "hello", nil, nil)})

	left, right, err := s.Locate(0)
	require.NoError(t, err)
	assert.Nil(t, left)
	assert.Equal(t, "hello", string(right.Content.(StringContent)))

	left, right, err = s.Locate(2)
	require.NoError(t, err)
	assert.Equal(t, "he", string(left.Content.(StringContent)))
	assert.Equal(t, "llo", string(right.Content.(StringContent)))
	assert.Equal(t, ItemID{Replica: "a", Clock: 3}, right.ID)
	assert.Len(t, x.Items("a"), 2)

	left, right, err = s.Locate(5)
	require.NoError(t, err)
	assert.Equal(t, ItemID{Replica: "a", Clock: 5}, left.LastID())
	assert.Nil(t, right)

	_, _, err = s.Locate(6)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	_, _, err = s.Locate(-1)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestItemStoreLiveRange(t *testing.T) {
	x, s := integrateAll(t, []*Item{textItem("a", 1, "abcdef", nil, nil)})

	items, err := s.LiveRange(1, 3)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "bcd", string(items[0].Content.(StringContent)))
	for _, it := range items {
		s.Remove(it)
	}
	assert.Equal(t, "aef", render(s, false))
	assert.Equal(t, 3, s.Len())

	// Clamped past the end, skipping the tombstone.
	items, err = s.LiveRange(0, 10)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, uint64(6), x.State("a"))
}

func TestIndex(t *testing.T) {
	x := NewIndex()
	require.NoError(t, x.Add(textItem("a", 1, "abc", nil, nil)))
	assert.Error(t, x.Add(textItem("a", 5, "x", nil, nil)))
	require.NoError(t, x.Add(textItem("a", 4, "de", nil, nil)))

	assert.Equal(t, uint64(5), x.State("a"))
	assert.Equal(t, StateVector{"a": 5}, x.StateVector())
	assert.True(t, x.Has(ItemID{Replica: "a", Clock: 5}))
	assert.False(t, x.Has(ItemID{Replica: "a", Clock: 6}))
	assert.Nil(t, x.Find(ItemID{Replica: "b", Clock: 1}))

	it := x.CleanStart(ItemID{Replica: "a", Clock: 2})
	assert.Equal(t, "bc", string(it.Content.(StringContent)))
	it = x.CleanEnd(ItemID{Replica: "a", Clock: 4})
	assert.Equal(t, "d", string(it.Content.(StringContent)))
	assert.Len(t, x.Items("a"), 4)
	assert.Equal(t, []ReplicaID{"a"}, x.Replicas())
}

func TestItemJSON(t *testing.T) {
	it := textItem("a", 3, "héllo", id("a", 2), nil)
	data, err := it.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":{"replica":"a","clock":3},"origin":{"replica":"a","clock":2},"rightOrigin":null,
		"parent":"text","contentType":"string","content":"héllo","length":5}`, string(data))

	var decoded Item
	require.NoError(t, decoded.UnmarshalJSON(data))
	assert.Equal(t, it.ID, decoded.ID)
	assert.Equal(t, StringContent("héllo"), decoded.Content)
	require.NoError(t, decoded.Validate())

	bad := []byte(`{"id":{"replica":"a","clock":1},"parent":"t","contentType":"string","content":"ab","length":3}`)
	assert.ErrorIs(t, decoded.UnmarshalJSON(bad), ErrLengthDiffer)

	unknown := []byte(`{"id":{"replica":"a","clock":1},"parent":"t","contentType":"blob","content":"ab","length":2}`)
	assert.ErrorIs(t, decoded.UnmarshalJSON(unknown), ErrUnknownContentType)

	assert.ErrorIs(t, (&Item{ID: ItemID{Replica: "a"}, Parent: "t", Content: StringContent("x")}).Validate(), ErrInvalidItem)
	assert.ErrorIs(t, textItem("a", 2, "x", id("a", 2), nil).Validate(), ErrInvalidItem)
}

func TestItemSlice(t *testing.T) {
	it := &Item{ID: ItemID{Replica: "a", Clock: 1}, Parent: "arr", Content: AnyContent{1, 2, 3}}
	rest := it.Slice(1)
	assert.Equal(t, ItemID{Replica: "a", Clock: 2}, rest.ID)
	assert.Equal(t, &ItemID{Replica: "a", Clock: 1}, rest.Origin)
	assert.Equal(t, AnyContent{2, 3}, rest.Content)
	assert.Equal(t, AnyContent{1, 2, 3}, it.Content)
}
