package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/telhawk-systems/botgate/botgate/internal/models"
	"github.com/telhawk-systems/botgate/botgate/internal/protocol"
)

var dispatchKinds = map[string]models.EventKind{
	protocol.EventAtMessageCreate:     models.KindMessageCreated,
	protocol.EventMessageCreate:       models.KindMessageCreated,
	protocol.EventDirectMessageCreate: models.KindDirectMessage,
	protocol.EventGroupAtMessage:      models.KindGroupMessage,
	protocol.EventC2CMessageCreate:    models.KindC2CMessage,
	protocol.EventMessageDelete:       models.KindMessageDeleted,
	protocol.EventPublicMessageDelete: models.KindMessageDeleted,
	protocol.EventDirectMessageDelete: models.KindMessageDeleted,
	protocol.EventReady:               models.KindSessionReady,
	protocol.EventResumed:             models.KindSessionResumed,
}

var controlKinds = map[protocol.Op]models.EventKind{
	protocol.OpHello:          models.KindHello,
	protocol.OpHeartbeatAck:   models.KindHeartbeatAck,
	protocol.OpReconnect:      models.KindReconnect,
	protocol.OpInvalidSession: models.KindInvalidSession,
	protocol.OpCallbackAck:    models.KindCallbackAck,
}

// kindOf maps a frame to its event kind. Anything unrecognized is Unknown.
func kindOf(f protocol.Frame) models.EventKind {
	if f.Op == protocol.OpDispatch {
		if k, ok := dispatchKinds[f.Type]; ok {
			return k
		}
		return models.KindUnknown
	}
	if k, ok := controlKinds[f.Op]; ok {
		return k
	}
	return models.KindUnknown
}

var errMissingMessageID = errors.New("message has no id")

type wireAuthor struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Bot          bool   `json:"bot"`
	MemberOpenID string `json:"member_openid"`
	UserOpenID   string `json:"user_openid"`
}

type wireMessage struct {
	ID          string     `json:"id"`
	ChannelID   string     `json:"channel_id"`
	GuildID     string     `json:"guild_id"`
	GroupID     string     `json:"group_id"`
	GroupOpenID string     `json:"group_openid"`
	Content     string     `json:"content"`
	Timestamp   string     `json:"timestamp"`
	Author      wireAuthor `json:"author"`
}

type wireDelete struct {
	Message wireMessage `json:"message"`
}

// parseMessage extracts the message body of a message-kind dispatch.
func parseMessage(kind models.EventKind, data json.RawMessage) (*models.Message, error) {
	var wm wireMessage
	if kind == models.KindMessageDeleted {
		var wd wireDelete
		if err := gojson.Unmarshal(data, &wd); err != nil {
			return nil, fmt.Errorf("decode deleted message: %w", err)
		}
		wm = wd.Message
	} else if err := gojson.Unmarshal(data, &wm); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	if wm.ID == "" {
		return nil, errMissingMessageID
	}

	msg := &models.Message{
		ID:        wm.ID,
		ChannelID: wm.ChannelID,
		GuildID:   wm.GuildID,
		GroupID:   firstNonEmpty(wm.GroupID, wm.GroupOpenID),
		Content:   wm.Content,
		Author: models.Author{
			ID:       firstNonEmpty(wm.Author.ID, wm.Author.MemberOpenID, wm.Author.UserOpenID),
			Username: wm.Author.Username,
			Bot:      wm.Author.Bot,
		},
	}
	if wm.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, wm.Timestamp); err == nil {
			msg.Timestamp = ts
		}
	}
	return msg, nil
}

// decodeFields turns frame data into a field map. Non-object data is kept
// under "d"; the result is never nil.
func decodeFields(data json.RawMessage) map[string]any {
	fields := map[string]any{}
	if len(data) == 0 {
		return fields
	}
	if err := gojson.Unmarshal(data, &fields); err == nil {
		if fields == nil {
			fields = map[string]any{}
		}
		return fields
	}

	fields = map[string]any{}
	var v any
	if err := gojson.Unmarshal(data, &v); err == nil {
		if v != nil {
			fields["d"] = v
		}
		return fields
	}
	fields["d"] = string(data)
	return fields
}

// salvageFields recovers what it can from a body the codec rejected.
func salvageFields(body []byte, decodeErr error) map[string]any {
	fields := map[string]any{}
	if err := gojson.Unmarshal(body, &fields); err != nil || fields == nil {
		fields = map[string]any{}
		fields["body"] = string(body)
	}
	fields["decode_error"] = decodeErr.Error()
	return fields
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
