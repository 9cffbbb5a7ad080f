// Package bridge links relay instances through Redis pub/sub so that clients
// of one room may connect to different instances.
package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/developer-mesh/collabsync/apps/relay/internal/metrics"
	"github.com/developer-mesh/collabsync/pkg/observability"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// ErrStopped is returned by Publish after Stop.
var ErrStopped = errors.New("bridge stopped")

// Sink receives envelopes published by other instances.
type Sink interface {
	Deliver(room string, data []byte)
}

// Config holds bridge settings
type Config struct {
	ChannelPrefix  string
	EchoCacheSize  int
	MaxFailures    uint32
	BreakerTimeout time.Duration
}

// Bridge publishes local envelopes to Redis and delivers remote ones to a
// Sink. Envelope ids already seen, including our own, are not delivered.
type Bridge struct {
	client  redis.UniversalClient
	cfg     Config
	sink    Sink
	logger  observability.Logger
	metrics *metrics.Metrics
	breaker *gobreaker.CircuitBreaker
	seen    *lru.Cache[string, struct{}]

	mu      sync.Mutex
	pubsub  *redis.PubSub
	stopped bool
	wg      sync.WaitGroup
}

// New creates a bridge over client
func New(client redis.UniversalClient, cfg Config, sink Sink, logger observability.Logger, m *metrics.Metrics) (*Bridge, error) {
	if client == nil || sink == nil {
		return nil, errors.New("bridge requires a redis client and a sink")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "collabsync:room:"
	}
	if cfg.EchoCacheSize <= 0 {
		cfg.EchoCacheSize = 4096
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	seen, err := lru.New[string, struct{}](cfg.EchoCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create echo cache")
	}

	b := &Bridge{
		client:  client,
		cfg:     cfg,
		sink:    sink,
		logger:  logger.WithPrefix("bridge"),
		metrics: m,
		seen:    seen,
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "redis-bridge",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.metrics.Breaker(int(to))
			b.logger.Warn("Circuit breaker state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
	return b, nil
}

// Start subscribes to every room channel and begins delivering.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrStopped
	}
	if b.pubsub != nil {
		return errors.New("bridge already started")
	}

	pubsub := b.client.PSubscribe(ctx, b.cfg.ChannelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return errors.Wrap(err, "failed to subscribe to room channels")
	}
	b.pubsub = pubsub

	b.wg.Add(1)
	go b.receive(pubsub.Channel())

	b.logger.Info("Bridge subscribed", map[string]interface{}{
		"pattern": b.cfg.ChannelPrefix + "*",
	})
	return nil
}

// Stop unsubscribes and waits for the delivery goroutine.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	pubsub := b.pubsub
	b.mu.Unlock()

	var err error
	if pubsub != nil {
		err = pubsub.Close()
	}
	b.wg.Wait()
	return err
}

// Publish sends an envelope to the other instances serving room.
func (b *Bridge) Publish(ctx context.Context, room, id string, data []byte) error {
	b.mu.Lock()
	stopped := b.stopped
	b.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	b.seen.Add(id, struct{}{})
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.client.Publish(ctx, b.channel(room), data).Err()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return errors.Wrap(err, "redis bridge unavailable")
		}
		return errors.Wrapf(err, "failed to publish to room %s", room)
	}
	b.metrics.Bridged("out")
	return nil
}

// Healthy reports whether publishes are being attempted.
func (b *Bridge) Healthy() bool {
	return b.breaker.State() != gobreaker.StateOpen
}

func (b *Bridge) channel(room string) string {
	return b.cfg.ChannelPrefix + room
}

func (b *Bridge) receive(ch <-chan *redis.Message) {
	defer b.wg.Done()
	for msg := range ch {
		room := strings.TrimPrefix(msg.Channel, b.cfg.ChannelPrefix)
		if room == msg.Channel || room == "" {
			continue
		}

		var hdr struct {
			ID string `json:"id"`
		}
		data := []byte(msg.Payload)
		if err := json.Unmarshal(data, &hdr); err != nil || hdr.ID == "" {
			b.metrics.Dropped("bridge_malformed")
			continue
		}
		// ContainsOrAdd reports true for our own envelopes and repeats
		if seen, _ := b.seen.ContainsOrAdd(hdr.ID, struct{}{}); seen {
			continue
		}

		b.metrics.Bridged("in")
		b.sink.Deliver(room, data)
	}
}
