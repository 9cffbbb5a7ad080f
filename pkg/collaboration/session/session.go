// Package session keeps one document and its awareness in sync with the
// other replicas of a room over a transport.
//
// A Session is the only owner of its Doc while it runs. Inbound messages
// are handled one at a time under the session lock, and local edits go
// through Do so they are serialized with them.
package session

import (
	"context"
	"sync"

	"github.com/developer-mesh/collabsync/pkg/collaboration"
	"github.com/developer-mesh/collabsync/pkg/collaboration/awareness"
	"github.com/developer-mesh/collabsync/pkg/collaboration/crdt"
	"github.com/developer-mesh/collabsync/pkg/collaboration/protocol"
	"github.com/developer-mesh/collabsync/pkg/collaboration/transport"
	"github.com/developer-mesh/collabsync/pkg/observability"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/codes"
)

// Session errors
var (
	ErrClosed          = errors.New("session closed")
	ErrAlreadyStarted  = errors.New("session already started")
	ErrTransportFailed = errors.New("transport gave up reconnecting")
)

// Option configures a Session
type Option func(*Session)

// WithLogger sets the session logger
func WithLogger(logger observability.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithMetrics sets the session metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithCodec shares a codec between sessions. The caller keeps ownership.
func WithCodec(c *protocol.Codec) Option {
	return func(s *Session) {
		s.codec = c
	}
}

// Session binds a Doc and an Awareness to a Transport for one room.
type Session struct {
	room      string
	doc       *collaboration.Doc
	awareness *awareness.Awareness
	transport transport.Transport
	codec     *protocol.Codec
	ownsCodec bool
	logger    observability.Logger
	metrics   *observability.Metrics

	mu          sync.Mutex
	started     bool
	closed      bool
	onError     func(error)
	unsubscribe func()
}

// New creates a session. doc and aw must belong to the same replica.
func New(room string, doc *collaboration.Doc, aw *awareness.Awareness, t transport.Transport, opts ...Option) (*Session, error) {
	if room == "" {
		return nil, errors.New("session: empty room")
	}
	if doc.ReplicaID() != aw.Replica() {
		return nil, errors.Errorf("session: document replica %s differs from awareness replica %s", doc.ReplicaID(), aw.Replica())
	}

	s := &Session{
		room:      room,
		doc:       doc,
		awareness: aw,
		transport: t,
		logger:    observability.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.codec == nil {
		codec, err := protocol.NewCodec()
		if err != nil {
			return nil, err
		}
		s.codec = codec
		s.ownsCodec = true
	}
	s.logger = s.logger.With(map[string]interface{}{
		"room":    room,
		"replica": string(doc.ReplicaID()),
	})
	return s, nil
}

// Room returns the room name
func (s *Session) Room() string {
	return s.room
}

// Replica returns the local replica id
func (s *Session) Replica() crdt.ReplicaID {
	return s.doc.ReplicaID()
}

// Awareness returns the presence tracker. It is safe for concurrent use.
func (s *Session) Awareness() *awareness.Awareness {
	return s.awareness
}

// OnError registers a handler for rejected inbound messages and transport
// failures. It runs on the goroutine that hit the error and must not call
// Close.
func (s *Session) OnError(fn func(error)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// Do runs fn with exclusive access to the document. Local changes made by
// fn are broadcast to the room.
func (s *Session) Do(fn func(doc *collaboration.Doc) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return fn(s.doc)
}

// Start wires the session to the transport and connects it.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.unsubscribe = s.doc.Subscribe(s.onDocUpdate)
	s.mu.Unlock()

	s.transport.OnMessage(s.handleMessage)
	s.transport.OnStatus(s.handleStatus)
	if err := s.awareness.Start(s.onAwarenessUpdate); err != nil {
		return errors.Wrap(err, "start awareness")
	}
	if err := s.transport.Connect(ctx); err != nil {
		return errors.Wrapf(err, "connect room %s", s.room)
	}
	return nil
}

// Close announces the departure of the local replica and disconnects.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.awareness.Stop()
	err := s.transport.Disconnect()
	if s.ownsCodec {
		s.codec.Close()
	}
	s.logger.Info("Session closed", nil)
	return err
}

// Resync asks the room for everything the local replica is missing.
func (s *Session) Resync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.send(protocol.NewSyncStep1(s.room, s.Replica(), s.doc.StateVector()))
}

func (s *Session) handleStatus(status transport.Status) {
	s.logger.Debug("Transport status changed", map[string]interface{}{"status": string(status)})

	switch status {
	case transport.StatusConnected:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		s.send(protocol.NewSyncStep1(s.room, s.Replica(), s.doc.StateVector()))
		if local := s.awareness.LocalState(); local.State != nil {
			s.send(protocol.NewAwareness(s.room, local))
		}
	case transport.StatusFailed:
		s.logger.Error("Transport failed", nil)
		s.reportError(ErrTransportFailed)
	}
}

func (s *Session) onDocUpdate(event collaboration.UpdateEvent) {
	if !event.Local || event.Update.IsEmpty() {
		return
	}
	s.send(protocol.NewSyncUpdate(s.room, s.Replica(), event.Update))
}

func (s *Session) onAwarenessUpdate(state awareness.State) {
	if state.State == nil {
		s.send(protocol.NewLeave(s.room, s.Replica(), &state))
		return
	}
	s.send(protocol.NewAwareness(s.room, state))
}

func (s *Session) handleMessage(data []byte) {
	env, err := s.codec.Decode(data)
	if err != nil {
		s.reject(err)
		return
	}
	if env.RoomID != s.room {
		s.reject(errors.Wrapf(protocol.ErrMalformed, "envelope %s is for room %s", env.ID, env.RoomID))
		return
	}
	if env.Replica == s.Replica() {
		return
	}
	s.metrics.Received(string(env.Type))

	_, span := observability.StartSpan(context.Background(), "session.handle",
		observability.RoomAttributeKey.String(s.room),
		observability.MessageTypeAttributeKey.String(string(env.Type)),
		observability.PeerAttributeKey.String(string(env.Replica)),
	)
	defer span.End()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	err = s.dispatch(env)
	s.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.reject(err)
	}
}

func (s *Session) dispatch(env *protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeSync:
		return s.handleSync(env)
	case protocol.TypeAwareness:
		state, err := env.Awareness()
		if err != nil {
			return err
		}
		s.awareness.HandleRemoteUpdate(*state)
	case protocol.TypeLeave:
		final, err := env.Leave()
		if err != nil {
			return err
		}
		if final != nil {
			s.awareness.HandleRemoteUpdate(*final)
		} else {
			s.awareness.HandleClientLeave(env.Replica)
		}
	case protocol.TypePing:
		s.send(protocol.NewEnvelope(protocol.TypePong, s.room, s.Replica(), nil))
	case protocol.TypePong:
	}
	return nil
}

// handleSync answers step 1 with the peer's missing items and pushes back
// whatever the peer still lacks after a step 2.
func (s *Session) handleSync(env *protocol.Envelope) error {
	payload, err := env.Sync()
	if err != nil {
		return err
	}

	switch payload.Step {
	case protocol.StepStateVector:
		s.send(protocol.NewSyncStep2(s.room, s.Replica(), s.doc.GetUpdate(payload.StateVector)))
		if !s.doc.StateVector().Covers(payload.StateVector) {
			s.send(protocol.NewSyncStep1(s.room, s.Replica(), s.doc.StateVector()))
		}
	case protocol.StepDiff:
		if err := s.apply(env, payload.Update); err != nil {
			return err
		}
		peer := payload.Update.StateVector
		if peer == nil {
			return nil
		}
		deletes := payload.Update.Deletions
		if deletes == nil {
			deletes = crdt.NewIDSet()
		}
		if !peer.Covers(s.doc.StateVector()) || !deletes.Covers(s.doc.DeleteSet()) {
			s.send(protocol.NewSyncUpdate(s.room, s.Replica(), s.doc.GetUpdate(peer)))
		}
	case protocol.StepUpdate:
		return s.apply(env, payload.Update)
	}
	return nil
}

func (s *Session) apply(env *protocol.Envelope, u *collaboration.Update) error {
	if u.Origin == "" {
		u.Origin = env.Replica
	}
	if err := s.doc.ApplyUpdate(u); err != nil {
		return errors.Wrapf(err, "apply update %s from %s", env.ID, env.Replica)
	}
	return nil
}

// send encodes and queues env. Send failures are logged and counted; the
// sync exchange recovers from lost messages on the next connection.
func (s *Session) send(env *protocol.Envelope, err error) {
	if err != nil {
		s.logger.Error("Failed to build message", map[string]interface{}{"error": err.Error()})
		return
	}
	data, err := s.codec.Encode(env)
	if err != nil {
		s.logger.Error("Failed to encode message", map[string]interface{}{
			"type":  string(env.Type),
			"error": err.Error(),
		})
		return
	}
	if err := s.transport.Send(context.Background(), data); err != nil {
		s.metrics.Dropped("send_failed")
		s.logger.Debug("Send failed", map[string]interface{}{
			"type":  string(env.Type),
			"error": err.Error(),
		})
		return
	}
	s.metrics.Sent(string(env.Type))
}

func (s *Session) reject(err error) {
	s.metrics.Dropped("malformed")
	s.logger.Warn("Dropped inbound message", map[string]interface{}{"error": err.Error()})
	s.reportError(err)
}

func (s *Session) reportError(err error) {
	s.mu.Lock()
	fn := s.onError
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
