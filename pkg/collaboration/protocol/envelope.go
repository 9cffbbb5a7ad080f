// Package protocol defines the messages replicas exchange through a
// transport: an envelope carrying document sync steps, awareness states and
// keepalive pings, plus the codec that validates and compresses them.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/developer-mesh/collabsync/pkg/collaboration"
	"github.com/developer-mesh/collabsync/pkg/collaboration/awareness"
	"github.com/developer-mesh/collabsync/pkg/collaboration/crdt"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrMalformed is returned for messages that fail decoding or validation.
var ErrMalformed = errors.New("malformed message")

// MessageType identifies the payload of an envelope.
type MessageType string

// Message types
const (
	TypeSync      MessageType = "sync"
	TypeAwareness MessageType = "awareness"
	TypePing      MessageType = "ping"
	TypePong      MessageType = "pong"
	TypeLeave     MessageType = "leave"
)

// EncodingZstd marks a payload compressed with zstd and base64 encoded.
const EncodingZstd = "zstd"

// Envelope is the transport-level message.
type Envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	RoomID    string          `json:"roomId"`
	Replica   crdt.ReplicaID  `json:"replica"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Encoding  string          `json:"encoding,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// SyncStep identifies the stage of the sync exchange.
type SyncStep string

// Sync steps
const (
	// StepStateVector carries the sender's state vector and asks for what it
	// is missing.
	StepStateVector SyncStep = "1"
	// StepDiff answers a StepStateVector with a differential update.
	StepDiff SyncStep = "2"
	// StepUpdate carries a local change as it happens.
	StepUpdate SyncStep = "update"
)

// SyncPayload is the payload of a sync envelope.
type SyncPayload struct {
	Step        SyncStep              `json:"step"`
	StateVector crdt.StateVector      `json:"stateVector,omitempty"`
	Update      *collaboration.Update `json:"update,omitempty"`
}

// NewEnvelope builds an envelope with a fresh id and the current time,
// marshaling payload unless it is nil.
func NewEnvelope(t MessageType, room string, replica crdt.ReplicaID, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		ID:        uuid.NewString(),
		Type:      t,
		RoomID:    room,
		Replica:   replica,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal %s payload", t)
		}
		env.Payload = raw
	}
	return env, nil
}

// NewSyncStep1 builds the opening message of a sync exchange.
func NewSyncStep1(room string, replica crdt.ReplicaID, sv crdt.StateVector) (*Envelope, error) {
	return NewEnvelope(TypeSync, room, replica, SyncPayload{Step: StepStateVector, StateVector: sv})
}

// NewSyncStep2 builds the answer to a step 1.
func NewSyncStep2(room string, replica crdt.ReplicaID, u *collaboration.Update) (*Envelope, error) {
	return NewEnvelope(TypeSync, room, replica, SyncPayload{Step: StepDiff, Update: u})
}

// NewSyncUpdate builds a message carrying a live change.
func NewSyncUpdate(room string, replica crdt.ReplicaID, u *collaboration.Update) (*Envelope, error) {
	return NewEnvelope(TypeSync, room, replica, SyncPayload{Step: StepUpdate, Update: u})
}

// NewAwareness builds a message carrying a presence state.
func NewAwareness(room string, state awareness.State) (*Envelope, error) {
	return NewEnvelope(TypeAwareness, room, state.Replica, state)
}

// NewLeave builds a message announcing that replica left the room. final,
// when not nil, is the replica's last awareness state.
func NewLeave(room string, replica crdt.ReplicaID, final *awareness.State) (*Envelope, error) {
	if final == nil {
		return NewEnvelope(TypeLeave, room, replica, nil)
	}
	return NewEnvelope(TypeLeave, room, replica, final)
}

// Keepalive returns a builder of encoded ping messages, suitable for a
// transport's keepalive hook.
func Keepalive(room string, replica crdt.ReplicaID) func() []byte {
	return func() []byte {
		env, err := NewEnvelope(TypePing, room, replica, nil)
		if err != nil {
			return nil
		}
		data, err := json.Marshal(env)
		if err != nil {
			return nil
		}
		return data
	}
}

// Sync decodes and validates the payload of a sync envelope.
func (e *Envelope) Sync() (*SyncPayload, error) {
	if e.Type != TypeSync {
		return nil, errors.Wrapf(ErrMalformed, "envelope %s is %s, not sync", e.ID, e.Type)
	}
	if err := validate(syncSchema, e.Payload); err != nil {
		return nil, errors.Wrapf(err, "sync payload of %s", e.ID)
	}
	var p SyncPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "sync payload of %s: %v", e.ID, err)
	}
	switch p.Step {
	case StepStateVector:
		if p.StateVector == nil {
			p.StateVector = crdt.NewStateVector()
		}
	case StepDiff, StepUpdate:
		if p.Update == nil {
			return nil, errors.Wrapf(ErrMalformed, "sync step %s of %s without update", p.Step, e.ID)
		}
		if err := p.Update.Validate(); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "update in %s: %v", e.ID, err)
		}
	}
	return &p, nil
}

// Awareness decodes and validates the payload of an awareness envelope.
func (e *Envelope) Awareness() (*awareness.State, error) {
	if e.Type != TypeAwareness {
		return nil, errors.Wrapf(ErrMalformed, "envelope %s is %s, not awareness", e.ID, e.Type)
	}
	return e.decodeAwareness()
}

// Leave decodes the final awareness state of a leave envelope. It returns
// nil when the envelope carries none.
func (e *Envelope) Leave() (*awareness.State, error) {
	if e.Type != TypeLeave {
		return nil, errors.Wrapf(ErrMalformed, "envelope %s is %s, not leave", e.ID, e.Type)
	}
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil, nil
	}
	s, err := e.decodeAwareness()
	if err != nil {
		return nil, err
	}
	if s.State != nil {
		return nil, errors.Wrapf(ErrMalformed, "leave %s carries a live state", e.ID)
	}
	return s, nil
}

func (e *Envelope) decodeAwareness() (*awareness.State, error) {
	if err := validate(awarenessSchema, e.Payload); err != nil {
		return nil, errors.Wrapf(err, "awareness payload of %s", e.ID)
	}
	var s awareness.State
	if err := json.Unmarshal(e.Payload, &s); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "awareness payload of %s: %v", e.ID, err)
	}
	if s.Replica != e.Replica {
		return nil, errors.Wrapf(ErrMalformed, "awareness of %s sent by %s", s.Replica, e.Replica)
	}
	return &s, nil
}
