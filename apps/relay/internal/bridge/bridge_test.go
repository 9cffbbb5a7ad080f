package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/developer-mesh/collabsync/apps/relay/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	room string
	data string
}

type recordingSink struct {
	mu  sync.Mutex
	got []delivery
}

func (s *recordingSink) Deliver(room string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, delivery{room: room, data: string(data)})
}

func (s *recordingSink) deliveries() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivery(nil), s.got...)
}

func envelope(id string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":"sync","roomId":"doc","replica":"a"}`, id))
}

func newBridge(t *testing.T, mr *miniredis.Miniredis, cfg Config) (*Bridge, *recordingSink, *metrics.Metrics) {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	t.Cleanup(func() { _ = client.Close() })

	sink := &recordingSink{}
	m := metrics.New(prometheus.NewRegistry())
	b, err := New(client, cfg, sink, nil, m)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop() })
	return b, sink, m
}

func TestBridgeDeliversAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	one, oneSink, _ := newBridge(t, mr, Config{})
	_, twoSink, twoMetrics := newBridge(t, mr, Config{})

	require.NoError(t, one.Publish(context.Background(), "doc", "e1", envelope("e1")))

	require.Eventually(t, func() bool { return len(twoSink.deliveries()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, delivery{room: "doc", data: string(envelope("e1"))}, twoSink.deliveries()[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(twoMetrics.BridgeMessages.WithLabelValues("in")))

	// The publisher never sees its own envelope
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, oneSink.deliveries())
}

func TestBridgeSuppressesRepeats(t *testing.T) {
	mr := miniredis.RunT(t)
	_, sink, _ := newBridge(t, mr, Config{ChannelPrefix: "test:"})

	mr.Publish("test:doc", string(envelope("e1")))
	mr.Publish("test:doc", string(envelope("e1")))
	mr.Publish("test:doc", string(envelope("e2")))
	mr.Publish("unrelated", string(envelope("e3")))

	require.Eventually(t, func() bool { return len(sink.deliveries()) == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sink.deliveries(), 2)
}

func TestBridgeDropsMalformed(t *testing.T) {
	mr := miniredis.RunT(t)
	_, sink, m := newBridge(t, mr, Config{})

	mr.Publish("collabsync:room:doc", "garbage")
	mr.Publish("collabsync:room:doc", string(envelope("ok")))

	require.Eventually(t, func() bool { return len(sink.deliveries()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("bridge_malformed")))
}

func TestBridgeBreakerOpens(t *testing.T) {
	mr := miniredis.RunT(t)
	b, _, m := newBridge(t, mr, Config{MaxFailures: 2, BreakerTimeout: time.Minute})
	mr.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		err := b.Publish(ctx, "doc", fmt.Sprintf("f%d", i), envelope("f"))
		require.Error(t, err)
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}

	err := b.Publish(ctx, "doc", "f2", envelope("f2"))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, float64(gobreaker.StateOpen), testutil.ToFloat64(m.BreakerState))
}

func TestBridgeStop(t *testing.T) {
	mr := miniredis.RunT(t)
	b, _, _ := newBridge(t, mr, Config{})

	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop())
	assert.ErrorIs(t, b.Publish(context.Background(), "doc", "x", envelope("x")), ErrStopped)
	assert.ErrorIs(t, b.Start(context.Background()), ErrStopped)
}

func TestNewRequiresClientAndSink(t *testing.T) {
	_, err := New(nil, Config{}, &recordingSink{}, nil, nil)
	assert.Error(t, err)
}
