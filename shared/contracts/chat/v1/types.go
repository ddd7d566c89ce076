// Package v1 defines the relay chat protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Event constants. The externally visible chat events (firstConnect,
// "chat message", userDisconnected) are wire-stable and must not be renamed:
// existing clients match on them literally.
const (
	// EventHello starts a session (client -> server). Carries the client's
	// connect-time claim: last seen message id and whether the transport
	// already restored the session.
	EventHello = "hello"
	// EventHelloAck acknowledges the session handshake (server -> client).
	EventHelloAck = "hello.ack"

	// EventFirstConnect announces an arrival to every connected client.
	EventFirstConnect = "firstConnect"

	// EventChatMessage is both the publish request (client -> server) and the
	// broadcast of a stored message (server -> all). Direction disambiguates
	// the payload shape.
	EventChatMessage = "chat message"

	// EventAck acknowledges a publish request (server -> publisher).
	EventAck = "ack"

	// EventUserDisconnected announces a departure to every other client.
	EventUserDisconnected = "userDisconnected"

	// EventError is a generic error envelope (server -> client).
	EventError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Event) == "" {
		return errors.New("missing field: event")
	}

	switch e.Event {
	case EventHello,
		EventHelloAck,
		EventFirstConnect,
		EventChatMessage,
		EventAck,
		EventUserDisconnected,
		EventError:
		return nil
	default:
		return fmt.Errorf("unknown event: %q", e.Event)
	}
}

// ---- Payloads ----

// HelloPayload is the connect-time claim sent by the client.
//
// The serverOffset key matches the legacy handshake auth field and must stay
// as-is on the wire.
type HelloPayload struct {
	ServerOffset int64 `json:"serverOffset,omitempty"`
	Recovered    bool  `json:"recovered,omitempty"`
}

// HelloAckPayload confirms the session and returns its server-side id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// NoticePayload carries presence announcements (firstConnect, userDisconnected).
type NoticePayload struct {
	Message string `json:"message"`
}

// PublishPayload is a client publish request.
//
// ClientLocalID is opaque to the server: it is echoed back verbatim in the ack
// so the publisher can correlate it with its local outbound queue entry.
type PublishPayload struct {
	Content       string          `json:"content"`
	DedupKey      string          `json:"dedup_key"`
	ClientLocalID json.RawMessage `json:"client_local_id,omitempty"`
}

// AckPayload resolves a publish request. Duplicate means the dedup key was
// already stored: the publisher should stop retrying, no new broadcast was
// produced.
type AckPayload struct {
	ClientLocalID json.RawMessage `json:"client_local_id,omitempty"`
	ID            int64           `json:"id"`
	Duplicate     bool            `json:"duplicate,omitempty"`
}

// BroadcastPayload is a stored message fanned out to all clients.
// ClientLocalID is only present on the copy delivered alongside the ack path
// of the original publisher's fanout; replayed messages never carry it.
type BroadcastPayload struct {
	Content       string          `json:"content"`
	ID            int64           `json:"id"`
	ClientLocalID json.RawMessage `json:"client_local_id,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Presence notice texts, wire-stable.
const (
	NoticeConnected    = "*connected*"
	NoticeDisconnected = "*disconnected*"
)
