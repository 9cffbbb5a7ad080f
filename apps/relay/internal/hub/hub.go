// Package hub fans envelopes out to the connections of a room. The relay is
// not a replica: it reads only the envelope header and forwards the bytes
// unchanged.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/developer-mesh/collabsync/apps/relay/internal/metrics"
	"github.com/developer-mesh/collabsync/pkg/collaboration/crdt"
	"github.com/developer-mesh/collabsync/pkg/collaboration/protocol"
	"github.com/developer-mesh/collabsync/pkg/config"
	"github.com/developer-mesh/collabsync/pkg/observability"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrTooManyConnections is returned by Serve when the hub is full.
var ErrTooManyConnections = errors.New("too many connections")

// ErrRateLimited is returned by Serve when a client exceeded its message rate
// with a document message.
var ErrRateLimited = errors.New("rate limit exceeded")

// relayReplica identifies envelopes the relay itself originates.
const relayReplica crdt.ReplicaID = "relay"

// Publisher forwards envelopes to other relay instances.
type Publisher interface {
	Publish(ctx context.Context, room, id string, data []byte) error
}

// Config holds hub settings
type Config struct {
	MaxConnections int
	SendQueueSize  int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	RateLimit      rate.Limit
	RateBurst      int
}

// DefaultConfig returns the hub defaults
func DefaultConfig() Config {
	return Config{
		MaxConnections: 10000,
		SendQueueSize:  256,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		RateLimit:      100,
		RateBurst:      200,
	}
}

// ConfigFrom maps relay settings onto hub settings
func ConfigFrom(cfg config.RelayConfig) Config {
	return Config{
		MaxConnections: cfg.MaxConnections,
		SendQueueSize:  cfg.SendQueueSize,
		WriteTimeout:   cfg.WriteTimeout,
		PingInterval:   cfg.PingInterval,
		RateLimit:      rate.Limit(cfg.RateLimit.Rate),
		RateBurst:      cfg.RateLimit.Burst,
	}
}

// header is the part of an envelope the relay looks at.
type header struct {
	ID      string               `json:"id"`
	Type    protocol.MessageType `json:"type"`
	RoomID  string               `json:"roomId"`
	Replica crdt.ReplicaID       `json:"replica"`
}

func (h header) valid() bool {
	return h.ID != "" && h.Type != "" && h.RoomID != "" && h.Replica != ""
}

// Hub tracks connections per room
type Hub struct {
	cfg     Config
	logger  observability.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	rooms     map[string]map[*client]struct{}
	count     int
	publisher Publisher
}

// New creates a hub
func New(cfg Config, logger observability.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultConfig().SendQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = rate.Inf
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		rooms:   make(map[string]map[*client]struct{}),
	}
}

// SetPublisher connects the hub to other relay instances.
func (h *Hub) SetPublisher(p Publisher) {
	h.mu.Lock()
	h.publisher = p
	h.mu.Unlock()
}

// ConnectionCount returns the number of open connections
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// RoomCount returns the number of rooms with connections
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Serve relays messages for conn until it closes. When it does, peers are
// told that every replica seen on conn left, unless the replica said so
// itself.
func (h *Hub) Serve(ctx context.Context, room string, conn *websocket.Conn) error {
	c, err := h.register(room, conn)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(ctx, c)
		cancel()
	}()

	err = h.readLoop(ctx, c)
	cancel()
	h.unregister(c)
	<-done
	h.announceLeaves(c)

	if isClosure(err) {
		return nil
	}
	return err
}

// Deliver fans out an envelope received from another relay instance.
func (h *Hub) Deliver(room string, data []byte) {
	var hdr header
	if err := json.Unmarshal(data, &hdr); err != nil || !hdr.valid() || hdr.RoomID != room {
		h.metrics.Dropped("malformed")
		return
	}
	h.metrics.Forwarded(string(hdr.Type), h.fanout(room, data, nil))
}

// Shutdown closes every connection with a going-away status.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	var clients []*client
	for _, members := range h.rooms {
		for c := range members {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	var g errgroup.Group
	for _, c := range clients {
		g.Go(func() error {
			return c.conn.Close(websocket.StatusGoingAway, "relay shutting down")
		})
	}
	_ = g.Wait()
}

func (h *Hub) register(room string, conn *websocket.Conn) (*client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cfg.MaxConnections > 0 && h.count >= h.cfg.MaxConnections {
		h.metrics.Dropped("max_connections")
		return nil, ErrTooManyConnections
	}

	c := &client{
		id:       uuid.NewString(),
		room:     room,
		conn:     conn,
		send:     make(chan []byte, h.cfg.SendQueueSize),
		limiter:  rate.NewLimiter(h.cfg.RateLimit, h.cfg.RateBurst),
		replicas: make(map[crdt.ReplicaID]struct{}),
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	h.count++

	h.metrics.Connected()
	h.metrics.Rooms(len(h.rooms))
	h.logger.Info("Client joined", map[string]interface{}{
		"room":        room,
		"client_id":   c.id,
		"connections": h.count,
	})
	return c, nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.rooms[c.room]
	if _, ok := members[c]; !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, c.room)
	}
	h.count--
	close(c.send)

	h.metrics.Disconnected()
	h.metrics.Rooms(len(h.rooms))
	h.logger.Info("Client left", map[string]interface{}{
		"room":      c.room,
		"client_id": c.id,
	})
}

func (h *Hub) readLoop(ctx context.Context, c *client) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		allowed := c.limiter.Allow()

		var hdr header
		if err := json.Unmarshal(data, &hdr); err != nil || !hdr.valid() {
			h.metrics.Dropped("malformed")
			continue
		}
		if hdr.RoomID != c.room {
			h.metrics.Dropped("wrong_room")
			continue
		}
		if !allowed {
			h.metrics.Dropped("rate_limited")
			if hdr.Type == protocol.TypeAwareness || hdr.Type == protocol.TypePing {
				continue
			}
			// A lost document message would leave every later update from
			// this replica pending on its peers. Disconnecting makes the
			// client resync when it reconnects.
			h.logger.Warn("Disconnecting rate limited client", map[string]interface{}{
				"room":      c.room,
				"client_id": c.id,
				"type":      string(hdr.Type),
			})
			return ErrRateLimited
		}
		h.metrics.Received(string(hdr.Type))

		switch hdr.Type {
		case protocol.TypePing:
			if pong, err := encode(protocol.NewEnvelope(protocol.TypePong, c.room, relayReplica, nil)); err == nil {
				if !c.enqueue(pong) {
					h.metrics.Dropped("slow_consumer")
					c.kick()
				}
			}
			continue
		case protocol.TypeLeave:
			delete(c.replicas, hdr.Replica)
		default:
			c.replicas[hdr.Replica] = struct{}{}
		}
		h.broadcast(ctx, c.room, hdr, data, c)
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	var tick <-chan time.Time
	if h.cfg.PingInterval > 0 {
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.logger.Debug("Write failed", map[string]interface{}{
					"client_id": c.id,
					"error":     err.Error(),
				})
				return
			}
		case <-tick:
			pingCtx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// broadcast sends data to the room's other connections and to other relay
// instances.
func (h *Hub) broadcast(ctx context.Context, room string, hdr header, data []byte, from *client) {
	ctx, span := observability.StartSpan(ctx, "relay.fanout",
		observability.RoomAttributeKey.String(room),
		observability.MessageTypeAttributeKey.String(string(hdr.Type)),
		observability.PeerAttributeKey.String(string(hdr.Replica)),
	)
	defer span.End()

	n := h.fanout(room, data, from)
	span.SetAttributes(attribute.Int("collab.recipients", n))
	h.metrics.Forwarded(string(hdr.Type), n)

	h.mu.RLock()
	publisher := h.publisher
	h.mu.RUnlock()
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, room, hdr.ID, data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bridge publish failed")
		h.metrics.Dropped("bridge_publish")
		h.logger.Warn("Bridge publish failed", map[string]interface{}{
			"room":  room,
			"error": err.Error(),
		})
	}
}

func (h *Hub) fanout(room string, data []byte, from *client) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for c := range h.rooms[room] {
		if c == from {
			continue
		}
		if c.enqueue(data) {
			n++
			continue
		}
		// A client that cannot keep up is disconnected; it resyncs when it
		// reconnects.
		h.metrics.Dropped("slow_consumer")
		c.kick()
	}
	return n
}

func (h *Hub) announceLeaves(c *client) {
	if len(c.replicas) == 0 {
		return
	}
	replicas := make([]crdt.ReplicaID, 0, len(c.replicas))
	for r := range c.replicas {
		replicas = append(replicas, r)
	}
	sort.Slice(replicas, func(i, j int) bool { return replicas[i] < replicas[j] })

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteTimeout)
	defer cancel()
	for _, r := range replicas {
		env, err := protocol.NewLeave(c.room, r, nil)
		if err != nil {
			continue
		}
		data, err := json.Marshal(env)
		if err != nil {
			continue
		}
		h.metrics.SyntheticLeave()
		h.logger.Debug("Announcing leave", map[string]interface{}{
			"room":    c.room,
			"replica": string(r),
		})
		h.broadcast(ctx, c.room, header{ID: env.ID, Type: env.Type, RoomID: c.room, Replica: r}, data, nil)
	}
}

func encode(env *protocol.Envelope, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func isClosure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
