package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateVector(t *testing.T) {
	t.Run("New state vector is empty", func(t *testing.T) {
		sv := NewStateVector()
		assert.NotNil(t, sv)
		assert.Equal(t, 0, len(sv))
		assert.Equal(t, uint64(0), sv.Get("node1"))
	})

	t.Run("Set never moves backwards", func(t *testing.T) {
		sv := NewStateVector()
		sv.Set("node1", 4)
		sv.Set("node1", 2)
		assert.Equal(t, uint64(4), sv.Get("node1"))
	})

	t.Run("Merge takes maximum values", func(t *testing.T) {
		sv1 := StateVector{"node1": 5, "node2": 3}
		sv2 := StateVector{"node1": 3, "node2": 5, "node3": 1}

		sv1.Merge(sv2)

		assert.Equal(t, uint64(5), sv1["node1"])
		assert.Equal(t, uint64(5), sv1["node2"])
		assert.Equal(t, uint64(1), sv1["node3"])
	})

	t.Run("Equal treats missing entries as zero", func(t *testing.T) {
		assert.True(t, StateVector{"a": 0}.Equal(StateVector{}))
		assert.False(t, StateVector{"a": 1}.Equal(StateVector{}))
	})

	t.Run("Covers", func(t *testing.T) {
		assert.True(t, StateVector{"a": 3, "b": 1}.Covers(StateVector{"a": 2}))
		assert.False(t, StateVector{"a": 3}.Covers(StateVector{"b": 1}))
	})

	t.Run("Clone creates independent copy", func(t *testing.T) {
		sv1 := StateVector{"node1": 1, "node2": 2}
		sv2 := sv1.Clone()
		sv2.Set("node1", 7)
		assert.Equal(t, uint64(1), sv1["node1"])
		assert.Equal(t, uint64(7), sv2["node1"])
	})

	t.Run("Replicas are sorted and skip zeros", func(t *testing.T) {
		sv := StateVector{"c": 1, "a": 2, "b": 0}
		assert.Equal(t, []ReplicaID{"a", "c"}, sv.Replicas())
	})
}

func TestIDSet(t *testing.T) {
	t.Run("Add coalesces adjacent and overlapping ranges", func(t *testing.T) {
		s := NewIDSet()
		s.Add("a", 5, 2)
		s.Add("a", 1, 2)
		s.Add("a", 3, 2)
		s.Add("a", 6, 4)
		assert.Equal(t, []Range{{Start: 1, Length: 9}}, s["a"])
	})

	t.Run("Contains", func(t *testing.T) {
		s := NewIDSet()
		s.Add("a", 2, 3)
		s.Add("a", 10, 1)
		assert.False(t, s.Contains(ItemID{Replica: "a", Clock: 1}))
		assert.True(t, s.Contains(ItemID{Replica: "a", Clock: 2}))
		assert.True(t, s.Contains(ItemID{Replica: "a", Clock: 4}))
		assert.False(t, s.Contains(ItemID{Replica: "a", Clock: 5}))
		assert.True(t, s.Contains(ItemID{Replica: "a", Clock: 10}))
		assert.False(t, s.Contains(ItemID{Replica: "b", Clock: 2}))
	})

	t.Run("Merge is idempotent", func(t *testing.T) {
		s := NewIDSet()
		s.Add("a", 1, 1)
		other := NewIDSet()
		other.Add("a", 4, 2)
		other.Add("b", 1, 1)

		s.Merge(other)
		once := s.Clone()
		s.Merge(other)
		assert.Equal(t, once, s)
		assert.Equal(t, []Range{{Start: 1, Length: 1}, {Start: 4, Length: 2}}, s["a"])
	})

	t.Run("Overlapping clips to window", func(t *testing.T) {
		s := NewIDSet()
		s.Add("a", 1, 3)
		s.Add("a", 6, 3)
		assert.Equal(t, []Range{{Start: 2, Length: 2}, {Start: 6, Length: 1}}, s.Overlapping("a", 2, 7))
		assert.Empty(t, s.Overlapping("a", 4, 6))
	})

	t.Run("Covers", func(t *testing.T) {
		s := NewIDSet()
		s.Add("a", 1, 5)
		s.Add("b", 3, 1)

		other := NewIDSet()
		other.Add("a", 2, 3)
		assert.True(t, s.Covers(other))
		assert.True(t, s.Covers(NewIDSet()))

		other.Add("a", 5, 2)
		assert.False(t, s.Covers(other), "range runs past the end")
		assert.False(t, NewIDSet().Covers(s))
	})

	t.Run("Zero length is ignored", func(t *testing.T) {
		s := NewIDSet()
		s.Add("a", 1, 0)
		assert.True(t, s.IsEmpty())
	})
}

func BenchmarkStateVectorMerge(b *testing.B) {
	sv1 := StateVector{"node1": 100, "node2": 200, "node3": 300}
	sv2 := StateVector{"node1": 150, "node2": 150, "node4": 100}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sv3 := sv1.Clone()
		sv3.Merge(sv2)
	}
}
