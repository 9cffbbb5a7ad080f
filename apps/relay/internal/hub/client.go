package hub

import (
	"sync"

	"github.com/coder/websocket"
	"github.com/developer-mesh/collabsync/pkg/collaboration/crdt"
	"golang.org/x/time/rate"
)

// client is one websocket connection in a room
type client struct {
	id      string
	room    string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	// replicas seen on this connection; only the read loop touches it
	replicas map[crdt.ReplicaID]struct{}

	kickOnce sync.Once
}

func (c *client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) kick() {
	c.kickOnce.Do(func() {
		_ = c.conn.CloseNow()
	})
}
