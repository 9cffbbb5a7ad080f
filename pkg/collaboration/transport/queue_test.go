package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue(t *testing.T) {
	q := NewQueue(2)
	assert.False(t, q.Push([]byte("a")))
	assert.False(t, q.Push([]byte("b")))
	assert.True(t, q.Push([]byte("c")), "oldest is evicted when full")
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, uint64(1), q.Dropped())

	data, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "b", string(data))

	assert.True(t, q.PushFront(data))
	assert.False(t, q.PushFront([]byte("z")), "no room to return a message")
	assert.Equal(t, uint64(2), q.Dropped())

	data, _ = q.Pop()
	assert.Equal(t, "b", string(data))
	data, _ = q.Pop()
	assert.Equal(t, "c", string(data))
	_, ok = q.Pop()
	assert.False(t, ok)
}
