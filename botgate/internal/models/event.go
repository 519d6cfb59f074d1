package models

import (
	"fmt"
	"time"
)

// Transport identifies where a payload entered the process.
type Transport int

const (
	TransportGateway Transport = iota + 1
	TransportWebhook
)

func (t Transport) String() string {
	switch t {
	case TransportGateway:
		return "gateway"
	case TransportWebhook:
		return "webhook"
	default:
		return fmt.Sprintf("transport(%d)", int(t))
	}
}

// RawPayload is an inbound frame or callback body before normalization.
type RawPayload struct {
	Transport  Transport
	Body       []byte
	ReceivedAt time.Time

	// Webhook only: claimed signature and the signed header values.
	Signature string
	Timestamp string
	Nonce     string

	// Gateway only: session that read the frame.
	SessionID string
}

// EventKind names a CanonicalEvent variant.
type EventKind string

const (
	KindMessageCreated EventKind = "message.created"
	KindDirectMessage  EventKind = "message.direct"
	KindGroupMessage   EventKind = "message.group"
	KindC2CMessage     EventKind = "message.c2c"
	KindMessageDeleted EventKind = "message.deleted"
	KindHello          EventKind = "session.hello"
	KindSessionReady   EventKind = "session.ready"
	KindSessionResumed EventKind = "session.resumed"
	KindHeartbeatAck   EventKind = "heartbeat.ack"
	KindReconnect      EventKind = "session.reconnect"
	KindInvalidSession EventKind = "session.invalid"
	KindCallbackAck    EventKind = "callback.ack"
	KindUnknown        EventKind = "unknown"
)

// IsMessage reports whether events of this kind carry a Message.
func (k EventKind) IsMessage() bool {
	switch k {
	case KindMessageCreated, KindDirectMessage, KindGroupMessage, KindC2CMessage, KindMessageDeleted:
		return true
	}
	return false
}

// Author is the sender of a message.
type Author struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Bot      bool   `json:"bot,omitempty"`
}

// Message is the structured body of a message event.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id,omitempty"`
	GuildID   string    `json:"guild_id,omitempty"`
	GroupID   string    `json:"group_id,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Author    Author    `json:"author"`
}

// Destination returns where a reply to this message should be sent.
func (m *Message) Destination() string {
	switch {
	case m.ChannelID != "":
		return m.ChannelID
	case m.GroupID != "":
		return m.GroupID
	default:
		return m.Author.ID
	}
}

// CanonicalEvent is the transport-agnostic event handlers operate on.
// It must not be modified after the normalizer hands it to the dispatcher.
type CanonicalEvent struct {
	ID         string         `json:"id"`
	Kind       EventKind      `json:"kind"`
	Origin     Transport      `json:"origin"`
	Type       string         `json:"type,omitempty"`
	Seq        int64          `json:"seq,omitempty"`
	HasSeq     bool           `json:"has_seq,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
	Message    *Message       `json:"message,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Raw        []byte         `json:"raw,omitempty"`
}
