package transport

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	messages []string
}

func (i *inbox) receive(data []byte) {
	i.messages = append(i.messages, string(data))
}

func connectPeers(t *testing.T, network *MemoryNetwork, n int) ([]*MemoryTransport, []*inbox) {
	t.Helper()
	peers := make([]*MemoryTransport, n)
	inboxes := make([]*inbox, n)
	for i := range peers {
		peers[i] = network.NewTransport()
		inboxes[i] = &inbox{}
		peers[i].OnMessage(inboxes[i].receive)
		require.NoError(t, peers[i].Connect(context.Background()))
	}
	return peers, inboxes
}

func TestMemoryBroadcast(t *testing.T) {
	network := NewMemoryNetwork(MemoryConfig{})
	peers, inboxes := connectPeers(t, network, 3)
	ctx := context.Background()

	require.NoError(t, peers[0].Send(ctx, []byte("hello")))
	assert.Equal(t, 2, network.Pending())
	assert.Empty(t, inboxes[1].messages, "nothing arrives before Flush")

	assert.Equal(t, 2, network.Flush())
	assert.Empty(t, inboxes[0].messages)
	assert.Equal(t, []string{"hello"}, inboxes[1].messages)
	assert.Equal(t, []string{"hello"}, inboxes[2].messages)
}

func TestMemoryFlushDeliversReplies(t *testing.T) {
	network := NewMemoryNetwork(MemoryConfig{})
	a := network.NewTransport()
	b := network.NewTransport()
	var got []string
	a.OnMessage(func(data []byte) { got = append(got, string(data)) })
	b.OnMessage(func(data []byte) {
		if string(data) == "ping" {
			_ = b.Send(context.Background(), []byte("pong"))
		}
	})
	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, b.Connect(context.Background()))

	require.NoError(t, a.Send(context.Background(), []byte("ping")))
	assert.Equal(t, 2, network.Flush())
	assert.Equal(t, []string{"pong"}, got)
}

func TestMemoryFaults(t *testing.T) {
	t.Run("Drop everything", func(t *testing.T) {
		network := NewMemoryNetwork(MemoryConfig{DropRate: 1})
		peers, inboxes := connectPeers(t, network, 2)
		require.NoError(t, peers[0].Send(context.Background(), []byte("lost")))
		network.Flush()
		assert.Empty(t, inboxes[1].messages)
		assert.Equal(t, 1, network.Stats().Dropped)
	})

	t.Run("Duplicate everything", func(t *testing.T) {
		network := NewMemoryNetwork(MemoryConfig{DuplicateRate: 1})
		peers, inboxes := connectPeers(t, network, 2)
		require.NoError(t, peers[0].Send(context.Background(), []byte("twice")))
		network.Flush()
		assert.Equal(t, []string{"twice", "twice"}, inboxes[1].messages)
	})

	t.Run("Reorder is reproducible", func(t *testing.T) {
		run := func() []string {
			network := NewMemoryNetwork(MemoryConfig{ReorderRate: 0.5, Seed: 7})
			peers, inboxes := connectPeers(t, network, 2)
			for i := 0; i < 20; i++ {
				require.NoError(t, peers[0].Send(context.Background(), []byte(fmt.Sprint(i))))
			}
			network.Flush()
			return inboxes[1].messages
		}
		first := run()
		assert.Len(t, first, 20)
		assert.Equal(t, first, run())
	})
}

func TestMemoryDisconnect(t *testing.T) {
	network := NewMemoryNetwork(MemoryConfig{})
	peers, inboxes := connectPeers(t, network, 2)
	var statuses []Status
	peers[1].OnStatus(func(s Status) { statuses = append(statuses, s) })
	ctx := context.Background()

	require.NoError(t, peers[0].Send(ctx, []byte("in flight")))
	require.NoError(t, peers[1].Disconnect())
	require.NoError(t, peers[1].Disconnect())
	assert.Zero(t, network.Pending())
	assert.ErrorIs(t, peers[1].Send(ctx, []byte("x")), ErrNotConnected)

	require.NoError(t, peers[0].Send(ctx, []byte("missed")))
	network.Flush()
	assert.Empty(t, inboxes[1].messages)

	require.NoError(t, peers[1].Connect(ctx))
	assert.ErrorIs(t, peers[1].Connect(ctx), ErrAlreadyConnected)
	require.NoError(t, peers[0].Send(ctx, []byte("back")))
	network.Flush()
	assert.Equal(t, []string{"back"}, inboxes[1].messages)
	assert.Equal(t, []Status{StatusDisconnected, StatusConnected}, statuses)
}
