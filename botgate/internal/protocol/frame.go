// Package protocol encodes and decodes bot platform frames. The same
// {op, d, s, t, id} envelope is used on the gateway socket and in webhook
// callback bodies.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	gojson "github.com/goccy/go-json"
)

// Op is a frame opcode.
type Op int

const (
	OpDispatch          Op = 0
	OpHeartbeat         Op = 1
	OpIdentify          Op = 2
	OpResume            Op = 6
	OpReconnect         Op = 7
	OpInvalidSession    Op = 9
	OpHello             Op = 10
	OpHeartbeatAck      Op = 11
	OpCallbackAck       Op = 12
	OpCallbackChallenge Op = 13
)

func (o Op) String() string {
	switch o {
	case OpDispatch:
		return "dispatch"
	case OpHeartbeat:
		return "heartbeat"
	case OpIdentify:
		return "identify"
	case OpResume:
		return "resume"
	case OpReconnect:
		return "reconnect"
	case OpInvalidSession:
		return "invalid_session"
	case OpHello:
		return "hello"
	case OpHeartbeatAck:
		return "heartbeat_ack"
	case OpCallbackAck:
		return "callback_ack"
	case OpCallbackChallenge:
		return "callback_challenge"
	default:
		return "op(" + strconv.Itoa(int(o)) + ")"
	}
}

// Dispatch event types.
const (
	EventReady               = "READY"
	EventResumed             = "RESUMED"
	EventAtMessageCreate     = "AT_MESSAGE_CREATE"
	EventMessageCreate       = "MESSAGE_CREATE"
	EventDirectMessageCreate = "DIRECT_MESSAGE_CREATE"
	EventGroupAtMessage      = "GROUP_AT_MESSAGE_CREATE"
	EventC2CMessageCreate    = "C2C_MESSAGE_CREATE"
	EventMessageDelete       = "MESSAGE_DELETE"
	EventPublicMessageDelete = "PUBLIC_MESSAGE_DELETE"
	EventDirectMessageDelete = "DIRECT_MESSAGE_DELETE"

	// EventMessageSend tags outbound reply frames written to the gateway.
	EventMessageSend = "MESSAGE_SEND"
)

// ErrMissingOp is returned when a frame has no opcode.
var ErrMissingOp = errors.New("frame has no op field")

// Frame is one decoded protocol envelope.
type Frame struct {
	Op     Op
	Data   json.RawMessage
	Seq    int64
	HasSeq bool
	Type   string
	ID     string
}

// Codec converts between wire bytes and frames.
type Codec interface {
	Decode(data []byte) (Frame, error)
	Encode(f Frame) ([]byte, error)
}

type wireFrame struct {
	Op   *Op             `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
	ID   string          `json:"id,omitempty"`
}

// JSONCodec is the JSON text-frame codec used by the QQ bot platform.
// Payloads stay raw until a consumer decodes them.
type JSONCodec struct{}

func (JSONCodec) Decode(data []byte) (Frame, error) {
	var w wireFrame
	if err := gojson.Unmarshal(data, &w); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if w.Op == nil {
		return Frame{}, ErrMissingOp
	}

	f := Frame{Op: *w.Op, Data: w.Data, Type: w.Type, ID: w.ID}
	if w.Seq != nil {
		f.Seq = *w.Seq
		f.HasSeq = true
	}
	return f, nil
}

func (JSONCodec) Encode(f Frame) ([]byte, error) {
	op := f.Op
	w := wireFrame{Op: &op, Data: f.Data, Type: f.Type, ID: f.ID}
	if f.HasSeq {
		seq := f.Seq
		w.Seq = &seq
	}
	data, err := gojson.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Op, err)
	}
	return data, nil
}

// Hello is the server greeting that opens every connection.
type Hello struct {
	HeartbeatInterval time.Duration
}

// Hello decodes the heartbeat interval carried by an OpHello frame.
func (f Frame) Hello() (Hello, error) {
	var d struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err := gojson.Unmarshal(f.Data, &d); err != nil {
		return Hello{}, fmt.Errorf("decode hello: %w", err)
	}
	if d.HeartbeatInterval <= 0 {
		return Hello{}, fmt.Errorf("hello has invalid heartbeat interval %d", d.HeartbeatInterval)
	}
	return Hello{HeartbeatInterval: time.Duration(d.HeartbeatInterval) * time.Millisecond}, nil
}

// BotUser identifies the bot account in a READY event.
type BotUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

// Ready is the handshake acknowledgement.
type Ready struct {
	Version   int     `json:"version"`
	SessionID string  `json:"session_id"`
	User      BotUser `json:"user"`
	Shard     [2]int  `json:"shard"`
}

// Ready decodes a READY dispatch.
func (f Frame) Ready() (Ready, error) {
	var r Ready
	if err := gojson.Unmarshal(f.Data, &r); err != nil {
		return Ready{}, fmt.Errorf("decode ready: %w", err)
	}
	if r.SessionID == "" {
		return Ready{}, errors.New("ready has no session_id")
	}
	return r, nil
}

// IsDispatch reports whether f is a dispatch of the given event type.
func (f Frame) IsDispatch(eventType string) bool {
	return f.Op == OpDispatch && f.Type == eventType
}
