// Package protocol defines the event vocabulary exchanged between mingle
// clients and the server over the WebSocket channel.
//
// All events are JSON-encoded with a "type" discriminator field. Signal
// payloads are carried as raw JSON and never re-encoded, so the bytes a
// client sends are the bytes its partner receives.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MaxSignalBytes is the largest serialized signal payload the relay accepts.
// Larger payloads are dropped without a response.
const MaxSignalBytes = 50000

// Event is the interface implemented by all protocol events.
// Each event corresponds to a JSON object with a "type" discriminator field.
type Event interface {
	// EventType returns the wire-format type string (e.g. "join", "paired").
	EventType() string
}

// JoinEvent asks the server to place this connection in the waiting pool
// or pair it immediately if someone is already waiting.
type JoinEvent struct{}

func (JoinEvent) EventType() string { return "join" }

// NextEvent dissolves the current pair (if any) and requests a fresh match.
type NextEvent struct{}

func (NextEvent) EventType() string { return "next" }

// LeaveEvent withdraws the connection from matchmaking entirely.
type LeaveEvent struct{}

func (LeaveEvent) EventType() string { return "leave" }

// SignalEvent carries an opaque media-negotiation payload between paired
// connections. Inbound, Peer names the intended recipient; outbound the
// server rewrites Peer to the sender's connection id.
type SignalEvent struct {
	Peer   string          `json:"peer"`
	Signal json.RawMessage `json:"signal"`
}

func (SignalEvent) EventType() string { return "signal" }

// ReportEvent reports the current partner for abusive behavior.
type ReportEvent struct {
	Peer   string `json:"peer"`
	Reason string `json:"reason"`
}

func (ReportEvent) EventType() string { return "report" }

// ConnectedEvent is the greeting sent once at admission, telling the client
// its connection id.
type ConnectedEvent struct {
	ID string `json:"id"`
}

func (ConnectedEvent) EventType() string { return "connected" }

// WaitingEvent tells the client it has been placed in the waiting pool.
type WaitingEvent struct{}

func (WaitingEvent) EventType() string { return "waiting" }

// PairedEvent tells the client it has been matched. The initiator side is
// expected to produce the first media-negotiation message.
type PairedEvent struct {
	Peer      string `json:"peer"`
	Initiator bool   `json:"initiator"`
}

func (PairedEvent) EventType() string { return "paired" }

// PartnerDisconnectedEvent tells the client its pair has been dissolved.
type PartnerDisconnectedEvent struct{}

func (PartnerDisconnectedEvent) EventType() string { return "partner-disconnected" }

// LeftEvent acknowledges a LeaveEvent.
type LeftEvent struct{}

func (LeftEvent) EventType() string { return "left" }

// ErrorEvent reports an operation failure to the client.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (ErrorEvent) EventType() string { return "error" }

// BannedEvent is delivered immediately before a banned connection is closed.
type BannedEvent struct {
	Reason string `json:"reason"`
}

func (BannedEvent) EventType() string { return "banned" }

// ReportSubmittedEvent acknowledges a ReportEvent.
type ReportSubmittedEvent struct {
	Success bool `json:"success"`
}

func (ReportSubmittedEvent) EventType() string { return "report-submitted" }

// eventTypes maps wire-format type strings to factory functions
// that produce zero-value pointers of the corresponding event type.
var eventTypes = map[string]func() Event{
	"join":                 func() Event { return &JoinEvent{} },
	"next":                 func() Event { return &NextEvent{} },
	"leave":                func() Event { return &LeaveEvent{} },
	"signal":               func() Event { return &SignalEvent{} },
	"report":               func() Event { return &ReportEvent{} },
	"connected":            func() Event { return &ConnectedEvent{} },
	"waiting":              func() Event { return &WaitingEvent{} },
	"paired":               func() Event { return &PairedEvent{} },
	"partner-disconnected": func() Event { return &PartnerDisconnectedEvent{} },
	"left":                 func() Event { return &LeftEvent{} },
	"error":                func() Event { return &ErrorEvent{} },
	"banned":               func() Event { return &BannedEvent{} },
	"report-submitted":     func() Event { return &ReportSubmittedEvent{} },
}

// Marshal serializes an Event to JSON, injecting the "type" discriminator
// field. Signal events take a dedicated path: encoding/json compacts and
// HTML-escapes json.RawMessage values on re-encode, and a relayed signal
// must arrive exactly as the sender serialized it.
func Marshal(ev Event) ([]byte, error) {
	if sig, ok := ev.(*SignalEvent); ok {
		return marshalSignal(sig)
	}
	// First, marshal the event to get its fields as raw JSON.
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshaling event payload: %w", err)
	}

	// Decode into a generic map so we can inject the "type" field.
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("re-decoding event payload: %w", err)
	}

	typeBytes, err := json.Marshal(ev.EventType())
	if err != nil {
		return nil, fmt.Errorf("marshaling event type: %w", err)
	}
	obj["type"] = typeBytes

	return json.Marshal(obj)
}

// marshalSignal assembles the signal frame by hand, splicing the payload
// bytes in untouched.
func marshalSignal(sig *SignalEvent) ([]byte, error) {
	peer, err := json.Marshal(sig.Peer)
	if err != nil {
		return nil, fmt.Errorf("marshaling peer: %w", err)
	}
	signal := sig.Signal
	if len(signal) == 0 {
		signal = json.RawMessage("null")
	} else if !json.Valid(signal) {
		return nil, fmt.Errorf("signal payload is not valid JSON")
	}

	var buf bytes.Buffer
	buf.Grow(len(peer) + len(signal) + 32)
	buf.WriteString(`{"type":"signal","peer":`)
	buf.Write(peer)
	buf.WriteString(`,"signal":`)
	buf.Write(signal)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Unmarshal deserializes a JSON event, using the "type" discriminator
// to decode into the correct concrete Event type.
func Unmarshal(data []byte) (Event, error) {
	// First pass: extract the type field.
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding event envelope: %w", err)
	}

	factory, ok := eventTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown event type: %q", env.Type)
	}

	// Second pass: decode into the concrete type.
	ev := factory()
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decoding %q event: %w", env.Type, err)
	}

	return ev, nil
}

// IsObject reports whether raw is a JSON object. Signal payloads must be
// structured objects; bare strings, numbers, and arrays are rejected.
func IsObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(raw)
}
