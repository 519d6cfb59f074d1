package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	gojson "github.com/goccy/go-json"

	"github.com/telhawk-systems/botgate/botgate/internal/models"
)

// Identify opens a fresh session.
type Identify struct {
	Token      string            `json:"token"`
	Intents    uint32            `json:"intents"`
	Shard      [2]int            `json:"shard"`
	Properties map[string]string `json:"properties"`
}

// Resume reattaches to an existing session.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Challenge is the body of an OpCallbackChallenge webhook request.
type Challenge struct {
	PlainToken string `json:"plain_token"`
	EventTS    string `json:"event_ts"`
}

// ChallengeResponse answers a Challenge.
type ChallengeResponse struct {
	PlainToken string `json:"plain_token"`
	Signature  string `json:"signature"`
}

// OutboundMessage is the data of an EventMessageSend frame.
type OutboundMessage struct {
	Destination string `json:"channel_id"`
	MsgID       string `json:"msg_id,omitempty"`
	Content     string `json:"content"`
}

func IdentifyFrame(id Identify) (Frame, error) {
	if id.Properties == nil {
		id.Properties = map[string]string{}
	}
	return dataFrame(OpIdentify, id)
}

func ResumeFrame(r Resume) (Frame, error) {
	return dataFrame(OpResume, r)
}

// HeartbeatFrame carries the last seen sequence, or null before any.
func HeartbeatFrame(seq int64, hasSeq bool) Frame {
	data := json.RawMessage("null")
	if hasSeq {
		data = json.RawMessage(strconv.FormatInt(seq, 10))
	}
	return Frame{Op: OpHeartbeat, Data: data}
}

// MessageFrame wraps a handler reply for the gateway writer.
func MessageFrame(reply models.Reply) (Frame, error) {
	f, err := dataFrame(OpDispatch, OutboundMessage{
		Destination: reply.Destination,
		MsgID:       reply.InReplyTo,
		Content:     reply.Content,
	})
	if err != nil {
		return Frame{}, err
	}
	f.Type = EventMessageSend
	return f, nil
}

// Challenge decodes an endpoint validation challenge.
func (f Frame) Challenge() (Challenge, error) {
	var c Challenge
	if err := gojson.Unmarshal(f.Data, &c); err != nil {
		return Challenge{}, fmt.Errorf("decode challenge: %w", err)
	}
	if c.PlainToken == "" || c.EventTS == "" {
		return Challenge{}, errors.New("challenge missing plain_token or event_ts")
	}
	return c, nil
}

func dataFrame(op Op, v any) (Frame, error) {
	data, err := gojson.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", op, err)
	}
	return Frame{Op: op, Data: data}, nil
}

// AuthToken formats an access token for the Authorization header and the
// identify/resume token field.
func AuthToken(token string) string {
	return "QQBot " + token
}
