package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/developer-mesh/collabsync/apps/relay/internal/metrics"
	"github.com/developer-mesh/collabsync/pkg/collaboration/awareness"
	"github.com/developer-mesh/collabsync/pkg/collaboration/crdt"
	"github.com/developer-mesh/collabsync/pkg/collaboration/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type recordingPublisher struct {
	mu  sync.Mutex
	ids []string
}

func (p *recordingPublisher) Publish(_ context.Context, _, id string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, id)
	return nil
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

func newTestHub(t *testing.T, cfg Config) (*Hub, *metrics.Metrics, string) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	h := New(cfg, nil, m)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		err = h.Serve(r.Context(), strings.TrimPrefix(r.URL.Path, "/"), conn)
		if errors.Is(err, ErrTooManyConnections) {
			_ = conn.Close(websocket.StatusTryAgainLater, "relay full")
			return
		}
		if errors.Is(err, ErrRateLimited) {
			_ = conn.Close(websocket.StatusPolicyViolation, "rate limit exceeded")
			return
		}
		_ = conn.CloseNow()
	}))
	t.Cleanup(func() {
		h.Shutdown()
		srv.Close()
	})
	return h, m, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, h *Hub, url, room string) *websocket.Conn {
	t.Helper()
	before := h.ConnectionCount()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url+"/"+room, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	require.Eventually(t, func() bool { return h.ConnectionCount() > before }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func write(t *testing.T, conn *websocket.Conn, env *protocol.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, data))
}

func read(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return &env
}

func presence(t *testing.T, room string, replica crdt.ReplicaID) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewAwareness(room, awareness.State{
		Replica: replica,
		Clock:   1,
		State:   map[string]interface{}{"name": string(replica)},
	})
	require.NoError(t, err)
	return env
}

func TestHubFansOutWithinRoom(t *testing.T) {
	h, m, url := newTestHub(t, DefaultConfig())
	a := dial(t, h, url, "doc")
	b := dial(t, h, url, "doc")
	c := dial(t, h, url, "other")
	assert.Equal(t, 2, h.RoomCount())

	sent := presence(t, "doc", "a")
	write(t, a, sent)

	got := read(t, b)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, protocol.TypeAwareness, got.Type)
	assert.JSONEq(t, string(sent.Payload), string(got.Payload))

	// Neither the sender nor another room sees it; the next thing they read
	// is a pong to their own ping.
	for _, conn := range []*websocket.Conn{a, c} {
		room := "doc"
		if conn == c {
			room = "other"
		}
		ping, err := protocol.NewEnvelope(protocol.TypePing, room, "pinger", nil)
		require.NoError(t, err)
		write(t, conn, ping)
		assert.Equal(t, protocol.TypePong, read(t, conn).Type)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesForwarded.WithLabelValues("awareness")))
}

func TestHubAnswersPingLocally(t *testing.T) {
	h, m, url := newTestHub(t, DefaultConfig())
	a := dial(t, h, url, "doc")
	b := dial(t, h, url, "doc")

	ping, err := protocol.NewEnvelope(protocol.TypePing, "doc", "a", nil)
	require.NoError(t, err)
	write(t, a, ping)

	pong := read(t, a)
	assert.Equal(t, protocol.TypePong, pong.Type)
	assert.Equal(t, "doc", pong.RoomID)

	// b only ever sees the marker
	marker := presence(t, "doc", "a")
	write(t, a, marker)
	assert.Equal(t, marker.ID, read(t, b).ID)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.MessagesForwarded.WithLabelValues("ping")))
}

func TestHubDropsBadEnvelopes(t *testing.T) {
	h, m, url := newTestHub(t, DefaultConfig())
	a := dial(t, h, url, "doc")
	b := dial(t, h, url, "doc")

	require.NoError(t, a.Write(context.Background(), websocket.MessageText, []byte("not json")))
	require.NoError(t, a.Write(context.Background(), websocket.MessageText, []byte(`{"type":"sync"}`)))
	write(t, a, presence(t, "elsewhere", "a"))

	marker := presence(t, "doc", "a")
	write(t, a, marker)
	assert.Equal(t, marker.ID, read(t, b).ID)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("malformed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("wrong_room")))
}

func TestHubAnnouncesLeaveForVanishedConnections(t *testing.T) {
	h, m, url := newTestHub(t, DefaultConfig())
	a := dial(t, h, url, "doc")
	b := dial(t, h, url, "doc")

	write(t, a, presence(t, "doc", "a"))
	read(t, b)

	require.NoError(t, a.CloseNow())

	leave := read(t, b)
	assert.Equal(t, protocol.TypeLeave, leave.Type)
	assert.Equal(t, crdt.ReplicaID("a"), leave.Replica)
	final, err := leave.Leave()
	require.NoError(t, err)
	assert.Nil(t, final)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyntheticLeaves))
	assert.Eventually(t, func() bool { return h.ConnectionCount() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestHubSkipsLeaveAlreadyAnnounced(t *testing.T) {
	h, m, url := newTestHub(t, DefaultConfig())
	a := dial(t, h, url, "doc")
	b := dial(t, h, url, "doc")

	write(t, a, presence(t, "doc", "a"))
	read(t, b)
	final := awareness.State{Replica: "a", Clock: 2}
	leave, err := protocol.NewLeave("doc", "a", &final)
	require.NoError(t, err)
	write(t, a, leave)
	assert.Equal(t, leave.ID, read(t, b).ID)

	require.NoError(t, a.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return h.ConnectionCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SyntheticLeaves))
}

func TestHubRateLimitsConnections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = rate.Every(time.Hour)
	cfg.RateBurst = 1
	h, m, url := newTestHub(t, cfg)
	a := dial(t, h, url, "doc")
	b := dial(t, h, url, "doc")

	first := presence(t, "doc", "a")
	write(t, a, first)
	for i := 0; i < 3; i++ {
		write(t, a, presence(t, "doc", "a"))
	}

	assert.Equal(t, first.ID, read(t, b).ID)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.MessagesDropped.WithLabelValues("rate_limited")) == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHubDisconnectsClientsRateLimitedOnSync(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = rate.Every(time.Hour)
	cfg.RateBurst = 1
	h, m, url := newTestHub(t, cfg)
	a := dial(t, h, url, "doc")
	b := dial(t, h, url, "doc")

	step1 := func() *protocol.Envelope {
		env, err := protocol.NewSyncStep1("doc", "a", crdt.NewStateVector())
		require.NoError(t, err)
		return env
	}
	first := step1()
	write(t, a, first)
	assert.Equal(t, first.ID, read(t, b).ID)

	write(t, a, step1())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := a.Read(ctx)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("rate_limited")))
	require.Eventually(t, func() bool { return h.ConnectionCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	// b is told that a's replica is gone.
	leave := read(t, b)
	assert.Equal(t, protocol.TypeLeave, leave.Type)
	assert.Equal(t, crdt.ReplicaID("a"), leave.Replica)
}

func TestHubRejectsBeyondMaxConnections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	h, _, url := newTestHub(t, cfg)
	dial(t, h, url, "doc")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url+"/doc", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusTryAgainLater, websocket.CloseStatus(err))
	assert.Equal(t, 1, h.ConnectionCount())
}

func TestHubPublishesAndDelivers(t *testing.T) {
	h, m, url := newTestHub(t, DefaultConfig())
	pub := &recordingPublisher{}
	h.SetPublisher(pub)
	a := dial(t, h, url, "doc")
	b := dial(t, h, url, "doc")

	sent := presence(t, "doc", "a")
	write(t, a, sent)
	read(t, b)
	assert.Equal(t, []string{sent.ID}, pub.published())

	// Envelopes from other instances reach every local connection
	remote := presence(t, "doc", "z")
	data, err := json.Marshal(remote)
	require.NoError(t, err)
	h.Deliver("doc", data)
	assert.Equal(t, remote.ID, read(t, a).ID)
	assert.Equal(t, remote.ID, read(t, b).ID)
	assert.Len(t, pub.published(), 1, "delivered envelopes are not republished")

	h.Deliver("other", data)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("malformed")))
}
