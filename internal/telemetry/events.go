// Package telemetry defines the typed events pourlinkd streams to local
// observers over its /ws endpoint. Every event embeds Event so clients can
// switch on Type before decoding the rest.
package telemetry

import (
	"time"

	"github.com/large-farva/pourlink/internal/order"
	"github.com/large-farva/pourlink/internal/production"
	"github.com/large-farva/pourlink/internal/pump"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventHeartbeat   EventType = "heartbeat"
	EventConnection  EventType = "connection"
	EventProduction  EventType = "production"
	EventPump        EventType = "pump"
	EventFeasibility EventType = "feasibility"
	EventLog         EventType = "log"
)

// Event is the envelope shared by every event type.
type Event struct {
	Type EventType `json:"type"`
	TS   string    `json:"ts"`
}

// NowTS returns the current UTC time as an RFC 3339 nano string.
func NowTS() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func envelope(t EventType) Event {
	return Event{Type: t, TS: NowTS()}
}

// Heartbeat is sent periodically so observers can detect a stalled daemon.
type Heartbeat struct {
	Event
	Connection    string `json:"connection"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// NewHeartbeat builds a heartbeat event.
func NewHeartbeat(connection string, uptime time.Duration) Heartbeat {
	return Heartbeat{Event: envelope(EventHeartbeat), Connection: connection, UptimeSeconds: int64(uptime.Seconds())}
}

// Connection reports a connection lifecycle event.
type Connection struct {
	Event
	State   string `json:"state"`
	Change  string `json:"change"`
	Reason  string `json:"reason,omitempty"`
	RetryIn int    `json:"retry_in_seconds,omitempty"`
}

// NewConnection builds a connection event.
func NewConnection(state, change, reason string, retryIn time.Duration) Connection {
	return Connection{
		Event:   envelope(EventConnection),
		State:   state,
		Change:  change,
		Reason:  reason,
		RetryIn: int(retryIn.Round(time.Second).Seconds()),
	}
}

// Production carries a production session snapshot.
type Production struct {
	Event
	Session production.Snapshot `json:"session"`
}

// NewProduction builds a production event.
func NewProduction(s production.Snapshot) Production {
	return Production{Event: envelope(EventProduction), Session: s}
}

// Pump carries the latest state of one pump.
type Pump struct {
	Event
	Pump pump.JobState `json:"pump"`
}

// NewPump builds a pump event.
func NewPump(s pump.JobState) Pump {
	return Pump{Event: envelope(EventPump), Pump: s}
}

// Feasibility carries the most recently applied feasibility check.
type Feasibility struct {
	Event
	Check order.Check `json:"check"`
}

// NewFeasibility builds a feasibility event.
func NewFeasibility(c order.Check) Feasibility {
	return Feasibility{Event: envelope(EventFeasibility), Check: c}
}

// LogLine carries a human-readable message at a severity level.
type LogLine struct {
	Event
	Level     string `json:"level"`
	Component string `json:"component,omitempty"`
	Message   string `json:"message"`
}

// NewLogLine builds a log event.
func NewLogLine(level, component, msg string) LogLine {
	return LogLine{Event: envelope(EventLog), Level: level, Component: component, Message: msg}
}
