// Package transport moves encoded protocol messages between replicas. It
// provides a reconnecting WebSocket client and an in-memory network for
// tests and simulations.
package transport

import (
	"context"

	"github.com/pkg/errors"
)

// Status is the connection state reported to OnStatus handlers.
type Status string

// Connection states
const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
	// StatusFailed is reported once reconnection gives up. It is terminal.
	StatusFailed Status = "failed"
)

// Transport errors
var (
	ErrClosed           = errors.New("transport closed")
	ErrNotConnected     = errors.New("transport not connected")
	ErrAlreadyConnected = errors.New("transport already connected")
)

// Transport is a message-oriented, best-effort link to a room. Handlers are
// invoked from the transport's own goroutines and must not call Disconnect.
type Transport interface {
	// Connect opens the link. It returns once the first connection attempt
	// succeeds or fails.
	Connect(ctx context.Context) error
	// Send queues one message for delivery.
	Send(ctx context.Context, data []byte) error
	// OnMessage registers the handler for received messages.
	OnMessage(fn func(data []byte))
	// OnStatus registers the handler for connection state changes.
	OnStatus(fn func(Status))
	// Disconnect closes the link. It is idempotent.
	Disconnect() error
}
