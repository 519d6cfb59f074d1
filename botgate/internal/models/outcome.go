package models

import (
	"fmt"
	"time"
)

// OutcomeStatus is the result class of one handler invocation.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeTimedOut  OutcomeStatus = "timed_out"
)

// Reply is an outbound message produced by a handler.
type Reply struct {
	Destination string `json:"destination"`
	InReplyTo   string `json:"in_reply_to,omitempty"`
	Content     string `json:"content"`
}

// ReplyTo builds a reply addressed to the sender of msg.
func ReplyTo(msg *Message, content string) Reply {
	return Reply{
		Destination: msg.Destination(),
		InReplyTo:   msg.ID,
		Content:     content,
	}
}

// Outcome is what a handler invocation produced.
type Outcome struct {
	Status  OutcomeStatus
	Reason  string
	Replies []Reply
}

func Succeeded(replies ...Reply) Outcome {
	return Outcome{Status: OutcomeSucceeded, Replies: replies}
}

func Failed(reason string) Outcome {
	return Outcome{Status: OutcomeFailed, Reason: reason}
}

func TimedOut(after time.Duration) Outcome {
	return Outcome{Status: OutcomeTimedOut, Reason: fmt.Sprintf("handler exceeded %s", after)}
}

func (o Outcome) OK() bool {
	return o.Status == OutcomeSucceeded
}
