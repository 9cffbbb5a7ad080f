package transport

import (
	"context"
	"math/rand/v2"
	"slices"
	"sync"
)

// maxFlushRounds bounds Flush when peers keep answering each other.
const maxFlushRounds = 10000

// MemoryConfig sets the faults a MemoryNetwork injects. Rates are
// probabilities in [0, 1].
type MemoryConfig struct {
	DropRate      float64
	DuplicateRate float64
	ReorderRate   float64
	Seed          uint64
}

// NetworkStats counts what a MemoryNetwork did with messages.
type NetworkStats struct {
	Sent       int
	Delivered  int
	Dropped    int
	Duplicated int
}

// MemoryNetwork connects MemoryTransports in one process. Every message is
// broadcast to the other connected transports and held in flight until
// Flush, which delivers on the calling goroutine. Faults are drawn from a
// seeded generator so runs are reproducible.
type MemoryNetwork struct {
	mu       sync.Mutex
	cfg      MemoryConfig
	rng      *rand.Rand
	peers    []*MemoryTransport
	inflight []delivery
	stats    NetworkStats
}

type delivery struct {
	to   *MemoryTransport
	data []byte
}

// NewMemoryNetwork creates an in-memory network.
func NewMemoryNetwork(cfg MemoryConfig) *MemoryNetwork {
	return &MemoryNetwork{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

// NewTransport creates a transport attached to the network. It starts
// disconnected.
func (n *MemoryNetwork) NewTransport() *MemoryTransport {
	return &MemoryTransport{network: n}
}

// Pending returns the number of messages in flight.
func (n *MemoryNetwork) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.inflight)
}

// Stats returns the network counters.
func (n *MemoryNetwork) Stats() NetworkStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// SetFaults replaces the fault rates, keeping the generator state.
func (n *MemoryNetwork) SetFaults(drop, duplicate, reorder float64) {
	n.mu.Lock()
	n.cfg.DropRate = drop
	n.cfg.DuplicateRate = duplicate
	n.cfg.ReorderRate = reorder
	n.mu.Unlock()
}

// Flush delivers messages in flight, including the ones sent in response,
// until the network is quiet. It returns the number delivered.
func (n *MemoryNetwork) Flush() int {
	total := 0
	for round := 0; round < maxFlushRounds; round++ {
		batch := n.take()
		if len(batch) == 0 {
			break
		}
		for _, d := range batch {
			if d.to.deliver(d.data) {
				total++
			}
		}
	}

	n.mu.Lock()
	n.stats.Delivered += total
	n.mu.Unlock()
	return total
}

func (n *MemoryNetwork) take() []delivery {
	n.mu.Lock()
	defer n.mu.Unlock()

	batch := n.inflight
	n.inflight = nil
	if n.cfg.ReorderRate > 0 {
		for i := range batch {
			if n.rng.Float64() < n.cfg.ReorderRate {
				j := n.rng.IntN(len(batch))
				batch[i], batch[j] = batch[j], batch[i]
			}
		}
	}
	return batch
}

func (n *MemoryNetwork) join(t *MemoryTransport) {
	n.mu.Lock()
	n.peers = append(n.peers, t)
	n.mu.Unlock()
}

func (n *MemoryNetwork) leave(t *MemoryTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.peers = slices.DeleteFunc(n.peers, func(p *MemoryTransport) bool { return p == t })
	n.inflight = slices.DeleteFunc(n.inflight, func(d delivery) bool { return d.to == t })
}

func (n *MemoryNetwork) broadcast(from *MemoryTransport, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.stats.Sent++
	for _, p := range n.peers {
		if p == from {
			continue
		}
		if n.rng.Float64() < n.cfg.DropRate {
			n.stats.Dropped++
			continue
		}
		copies := 1
		if n.rng.Float64() < n.cfg.DuplicateRate {
			n.stats.Duplicated++
			copies = 2
		}
		for i := 0; i < copies; i++ {
			n.inflight = append(n.inflight, delivery{to: p, data: slices.Clone(data)})
		}
	}
}

// MemoryTransport is a Transport on a MemoryNetwork. Unlike WebSocket it
// can be connected again after Disconnect, which models a partition.
type MemoryTransport struct {
	network *MemoryNetwork

	mu        sync.Mutex
	connected bool
	onMessage func([]byte)
	onStatus  func(Status)
}

var _ Transport = (*MemoryTransport)(nil)

// Connect implements Transport
func (t *MemoryTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.connected = true
	fn := t.onStatus
	t.mu.Unlock()

	t.network.join(t)
	if fn != nil {
		fn(StatusConnected)
	}
	return nil
}

// Send implements Transport. Messages sent while disconnected are lost.
func (t *MemoryTransport) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.Connected() {
		return ErrNotConnected
	}
	t.network.broadcast(t, data)
	return nil
}

// OnMessage implements Transport
func (t *MemoryTransport) OnMessage(fn func([]byte)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

// OnStatus implements Transport
func (t *MemoryTransport) OnStatus(fn func(Status)) {
	t.mu.Lock()
	t.onStatus = fn
	t.mu.Unlock()
}

// Disconnect implements Transport. Messages in flight to t are discarded.
func (t *MemoryTransport) Disconnect() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	fn := t.onStatus
	t.mu.Unlock()

	t.network.leave(t)
	if fn != nil {
		fn(StatusDisconnected)
	}
	return nil
}

// Connected reports whether t is attached to the network.
func (t *MemoryTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *MemoryTransport) deliver(data []byte) bool {
	t.mu.Lock()
	connected, fn := t.connected, t.onMessage
	t.mu.Unlock()

	if !connected || fn == nil {
		return false
	}
	fn(data)
	return true
}
