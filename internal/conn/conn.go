// Package conn owns the single realtime connection to the appliance. It knows
// how to dial with a bearer credential, notice when the transport dies, and
// schedule reconnects with a capped exponential backoff. It has no idea what
// topics mean; on every successful connect it asks its Router to re-establish
// whatever topics are registered and forwards inbound messages to it.
package conn

import (
	"context"
	"errors"
	"time"
)

// ErrUnauthorized is returned by a Dialer when the appliance rejects the
// credential. The manager does not retry it.
var ErrUnauthorized = errors.New("credential rejected")

// ErrClosedByClient is the disconnect reason reported after Disconnect.
var ErrClosedByClient = errors.New("disconnect requested")

// DeliverFunc receives one inbound message. Transports call it from a single
// goroutine, in wire order.
type DeliverFunc func(topic string, body []byte)

// Transport is one live connection. Done is closed when the connection ends
// for any reason, after which Err reports why.
type Transport interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens a Transport authenticated with credential.
type Dialer interface {
	Dial(ctx context.Context, credential string, deliver DeliverFunc) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, credential string, deliver DeliverFunc) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, credential string, deliver DeliverFunc) (Transport, error) {
	return f(ctx, credential, deliver)
}

// Router is the layer above the manager. Resubscribe is called after every
// successful connect and must call SubscribeTopic for each registered topic.
type Router interface {
	Resubscribe()
	Dispatch(topic string, body []byte)
}

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

// EventType identifies a lifecycle event.
type EventType string

const (
	EventConnected          EventType = "connected"
	EventDisconnected       EventType = "disconnected"
	EventReconnectScheduled EventType = "reconnect_scheduled"
	EventUnauthorized       EventType = "unauthorized"
)

// Event is a lifecycle notification. Reason is set for disconnects and
// unauthorized events, Delay for scheduled reconnects.
type Event struct {
	Type   EventType
	Reason error
	Delay  time.Duration
	At     time.Time
}
