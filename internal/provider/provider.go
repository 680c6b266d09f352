// Package provider connects a session to the realtime voice provider.
//
// DESIGN: The provider owns audio transport; this package only cares about the
// connection lifecycle. Implementations report lifecycle changes as Events on a
// channel that is closed once the connection is gone:
//
//	connected     provider accepted the session, billing time starts
//	disconnected  connection closed by either side
//	error         provider reported a failure (Reason carries the message)
//	activity      any streaming traffic; informational, never billed
//
// FILES:
//   - provider.go:  Provider interface and event types
//   - websocket.go: WebSocket relay implementation
package provider

import (
	"context"
	"time"
)

// EventKind classifies a provider event.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventError        EventKind = "error"
	EventActivity     EventKind = "activity"
)

// Terminal reports whether the event ends the connection.
func (k EventKind) Terminal() bool {
	return k == EventDisconnected || k == EventError
}

// Event is one lifecycle or activity notification.
type Event struct {
	Kind   EventKind
	Reason string // Set for error and, when known, disconnected
	Type   string // Raw frame type, for activity
	At     time.Time
}

// Provider is a live voice session connection.
type Provider interface {
	// Connect opens the connection. Returning nil does not mean the session is
	// live; wait for EventConnected.
	Connect(ctx context.Context) error
	// Disconnect closes the connection. Safe to call more than once.
	Disconnect(ctx context.Context) error
	// Events delivers lifecycle events. Closed after the connection ends.
	Events() <-chan Event
}

// Factory creates the provider connection for one session.
type Factory func(sessionID string) Provider
