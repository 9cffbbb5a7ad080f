package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLWWRegister(t *testing.T) {
	t.Run("New register has nil value", func(t *testing.T) {
		var reg LWWRegister
		assert.Nil(t, reg.Get())
		assert.True(t, reg.Wins(0, "a"))
	})

	t.Run("Higher clock wins", func(t *testing.T) {
		var reg LWWRegister

		assert.True(t, reg.Set("first value", 1, "node1"))
		assert.Equal(t, "first value", reg.Get())

		assert.True(t, reg.Set("second value", 2, "node2"))
		assert.Equal(t, "second value", reg.Get())

		// Lower clock is ignored
		assert.False(t, reg.Set("third value", 1, "node3"))
		assert.Equal(t, "second value", reg.Get())
	})

	t.Run("Tie-breaking with replica ID", func(t *testing.T) {
		var reg LWWRegister

		reg.Set("value from node2", 5, "node2")
		reg.Set("value from node1", 5, "node1")

		// node2 > node1
		assert.Equal(t, "value from node2", reg.Get())
	})

	t.Run("Same replica same clock is rejected", func(t *testing.T) {
		var reg LWWRegister
		reg.Set("v1", 1, "a")
		assert.False(t, reg.Set("v0", 1, "a"))
		assert.Equal(t, "v1", reg.Get())
	})
}

func BenchmarkLWWRegisterSet(b *testing.B) {
	var reg LWWRegister

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reg.Set(i, uint64(i), "node1")
	}
}
