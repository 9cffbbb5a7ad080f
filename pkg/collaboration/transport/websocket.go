package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/developer-mesh/collabsync/pkg/observability"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// WebSocketConfig configures a WebSocket transport.
type WebSocketConfig struct {
	URL    string
	Header http.Header

	// QueueSize bounds the outgoing queue. The oldest message is dropped
	// when it overflows.
	QueueSize int
	// PingInterval is the keepalive period. Negative disables keepalives.
	PingInterval time.Duration
	PingTimeout  time.Duration
	// Keepalive builds an application-level ping message. When nil, a
	// WebSocket ping frame is sent instead.
	Keepalive func() []byte

	DialTimeout    time.Duration
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// SendRate limits outgoing messages per second. Zero means unlimited.
	SendRate  rate.Limit
	SendBurst int
	ReadLimit int64
}

func (c *WebSocketConfig) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.PingInterval == 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 10
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.SendRate <= 0 {
		c.SendRate = rate.Inf
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 1
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 8 * 1024 * 1024
	}
}

// WebSocketOption configures a WebSocket transport
type WebSocketOption func(*WebSocket)

// WithLogger sets the transport logger
func WithLogger(logger observability.Logger) WebSocketOption {
	return func(w *WebSocket) {
		w.logger = logger
	}
}

// WithMetrics sets the transport metrics
func WithMetrics(m *observability.Metrics) WebSocketOption {
	return func(w *WebSocket) {
		w.metrics = m
	}
}

// WebSocket is a Transport over a WebSocket connection. It queues messages
// while disconnected and reconnects with exponential backoff until
// MaxRetries consecutive attempts fail.
type WebSocket struct {
	cfg     WebSocketConfig
	queue   *Queue
	limiter *rate.Limiter
	wake    chan struct{}
	logger  observability.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	conn      *websocket.Conn
	status    Status
	onMessage func([]byte)
	onStatus  func(Status)
	started   bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Transport = (*WebSocket)(nil)

// NewWebSocket creates a WebSocket transport. It does not connect.
func NewWebSocket(cfg WebSocketConfig, opts ...WebSocketOption) *WebSocket {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	w := &WebSocket{
		cfg:     cfg,
		queue:   NewQueue(cfg.QueueSize),
		limiter: rate.NewLimiter(cfg.SendRate, cfg.SendBurst),
		wake:    make(chan struct{}, 1),
		logger:  observability.NewNoopLogger(),
		status:  StatusDisconnected,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnMessage implements Transport
func (w *WebSocket) OnMessage(fn func([]byte)) {
	w.mu.Lock()
	w.onMessage = fn
	w.mu.Unlock()
}

// OnStatus implements Transport
func (w *WebSocket) OnStatus(fn func(Status)) {
	w.mu.Lock()
	w.onStatus = fn
	w.mu.Unlock()
}

// Status returns the current connection state.
func (w *WebSocket) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Queued returns the number of messages waiting to be written.
func (w *WebSocket) Queued() int {
	return w.queue.Len()
}

// Connect dials the server. ctx bounds only the first dial; reconnection
// continues in the background until Disconnect.
func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyConnected
	}
	w.started = true
	w.mu.Unlock()

	w.setStatus(StatusConnecting)
	conn, err := w.dial(ctx)
	if err != nil {
		w.mu.Lock()
		w.started = false
		w.mu.Unlock()
		w.setStatus(StatusDisconnected)
		return errors.Wrapf(err, "connect to %s", w.cfg.URL)
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		_ = conn.CloseNow()
		return ErrClosed
	}
	w.conn = conn
	w.wg.Add(1)
	w.mu.Unlock()

	w.logger.Info("Connected", map[string]interface{}{"url": w.cfg.URL})
	w.setStatus(StatusConnected)
	go w.run(conn)
	return nil
}

// Send queues data for delivery. Messages sent while disconnected are kept
// until the connection is back, up to QueueSize.
func (w *WebSocket) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	closed, status := w.closed, w.status
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if status == StatusFailed {
		return ErrNotConnected
	}
	w.enqueue(data)
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (w *WebSocket) Disconnect() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			w.logger.Debug("Close handshake failed", map[string]interface{}{"error": err.Error()})
		}
	}
	w.cancel()
	w.wg.Wait()
	w.setStatus(StatusDisconnected)
	return nil
}

func (w *WebSocket) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// setConn records the live connection, refusing it after Disconnect.
func (w *WebSocket) setConn(conn *websocket.Conn) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		_ = conn.CloseNow()
		return false
	}
	w.conn = conn
	return true
}

func (w *WebSocket) setStatus(s Status) {
	w.mu.Lock()
	if w.status == s {
		w.mu.Unlock()
		return
	}
	w.status = s
	fn := w.onStatus
	w.mu.Unlock()

	if fn != nil {
		fn(s)
	}
}

func (w *WebSocket) enqueue(data []byte) {
	if w.queue.Push(data) {
		w.metrics.Dropped("queue_full")
		w.logger.Debug("Outgoing queue full, dropped oldest message", map[string]interface{}{
			"queue_size": w.cfg.QueueSize,
		})
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *WebSocket) requeue(data []byte) {
	if !w.queue.PushFront(data) {
		w.metrics.Dropped("queue_full")
	}
}

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, w.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, w.cfg.URL, &websocket.DialOptions{
		HTTPHeader: w.cfg.Header,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(w.cfg.ReadLimit)
	return conn, nil
}

func (w *WebSocket) run(conn *websocket.Conn) {
	defer w.wg.Done()

	for {
		err := w.serve(conn)
		if w.isClosed() {
			return
		}
		w.logger.Warn("Connection lost", map[string]interface{}{
			"url":   w.cfg.URL,
			"error": errString(err),
		})
		w.setStatus(StatusReconnecting)

		conn, err = w.reconnect()
		if err != nil {
			if w.isClosed() {
				return
			}
			w.logger.Error("Giving up reconnecting", map[string]interface{}{
				"url":         w.cfg.URL,
				"max_retries": w.cfg.MaxRetries,
				"error":       err.Error(),
			})
			w.setStatus(StatusFailed)
			return
		}
		if !w.setConn(conn) {
			return
		}
		w.metrics.Reconnected()
		w.logger.Info("Reconnected", map[string]interface{}{"url": w.cfg.URL})
		w.setStatus(StatusConnected)
	}
}

// serve pumps one connection until it fails or the transport closes.
func (w *WebSocket) serve(conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(w.ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		readErr <- w.readLoop(ctx, conn)
		cancel()
	}()

	err := w.writeLoop(ctx, conn)
	cancel()
	rerr := <-readErr
	_ = conn.CloseNow()
	if err == nil {
		err = rerr
	}
	return err
}

func (w *WebSocket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		w.mu.Lock()
		fn := w.onMessage
		w.mu.Unlock()
		if fn != nil {
			fn(data)
		}
	}
}

func (w *WebSocket) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	var tick <-chan time.Time
	if w.cfg.PingInterval > 0 {
		ticker := time.NewTicker(w.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if err := w.flush(ctx, conn); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-w.wake:
		case <-tick:
			if err := w.keepalive(ctx, conn); err != nil {
				return err
			}
		}
	}
}

func (w *WebSocket) flush(ctx context.Context, conn *websocket.Conn) error {
	for {
		data, ok := w.queue.Pop()
		if !ok {
			return nil
		}
		if err := w.limiter.Wait(ctx); err != nil {
			w.requeue(data)
			return nil
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			w.requeue(data)
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "write")
		}
	}
}

func (w *WebSocket) keepalive(ctx context.Context, conn *websocket.Conn) error {
	if w.cfg.Keepalive != nil {
		if msg := w.cfg.Keepalive(); msg != nil {
			w.enqueue(msg)
		}
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, w.cfg.PingTimeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "ping")
	}
	return nil
}

func (w *WebSocket) reconnect() (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialBackoff
	b.MaxInterval = w.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	var conn *websocket.Conn
	attempt := 0
	operation := func() error {
		if w.isClosed() {
			return backoff.Permanent(ErrClosed)
		}
		attempt++
		c, err := w.dial(w.ctx)
		if err != nil {
			w.logger.Debug("Reconnect attempt failed", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			})
			return err
		}
		conn = c
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, w.cfg.MaxRetries), w.ctx))
	return conn, err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
