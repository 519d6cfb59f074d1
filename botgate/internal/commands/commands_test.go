package commands

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/botgate/botgate/internal/models"
)

func messageEvent(authorID, content string) *models.CanonicalEvent {
	return &models.CanonicalEvent{
		ID:     "gw:m1",
		Kind:   models.KindMessageCreated,
		Origin: models.TransportGateway,
		Message: &models.Message{
			ID:        "m1",
			ChannelID: "c1",
			Content:   content,
			Author:    models.Author{ID: authorID},
		},
	}
}

func TestClean(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"<@!1234> /ping", "ping"},
		{"<@botid>   help  ", "help"},
		{"/echo   a   b", "echo a b"},
		{"<@!1> <@!2>", ""},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Clean(tt.in))
		})
	}
}

func TestRouter_Ping(t *testing.T) {
	r := NewRouter(nil, nil)

	out := r.Handle(context.Background(), messageEvent("u1", "<@!99> /ping"))

	require.True(t, out.OK())
	require.Len(t, out.Replies, 1)
	assert.Equal(t, models.Reply{Destination: "c1", InReplyTo: "m1", Content: "pong"}, out.Replies[0])
}

func TestRouter_HelpListsCommands(t *testing.T) {
	r := NewRouter(nil, nil)
	require.NoError(t, r.Add("echo", "echo <text> - repeat text", func(_ context.Context, _ *models.Message, args string) (string, error) {
		return args, nil
	}))

	out := r.Handle(context.Background(), messageEvent("u1", "help"))

	require.Len(t, out.Replies, 1)
	assert.Equal(t, "echo <text> - repeat text\nhelp - list commands\nping - check the bot is alive", out.Replies[0].Content)
}

func TestRouter_ArgsAndCase(t *testing.T) {
	r := NewRouter(nil, nil)
	var gotArgs string
	require.NoError(t, r.Add("Echo", "", func(_ context.Context, _ *models.Message, args string) (string, error) {
		gotArgs = args
		return args, nil
	}))

	out := r.Handle(context.Background(), messageEvent("u1", "<@!9> ECHO hello   world"))

	assert.Equal(t, "hello world", gotArgs)
	require.Len(t, out.Replies, 1)
	assert.Equal(t, "hello world", out.Replies[0].Content)
}

func TestRouter_Unsupported(t *testing.T) {
	r := NewRouter(nil, nil)

	out := r.Handle(context.Background(), messageEvent("u1", "launch rockets"))

	require.Len(t, out.Replies, 1)
	assert.Equal(t, UnsupportedReply, out.Replies[0].Content)
}

func TestRouter_Allowlist(t *testing.T) {
	r := NewRouter([]string{"admin", " "}, nil)

	out := r.Handle(context.Background(), messageEvent("stranger", "ping"))
	assert.True(t, out.OK())
	assert.Empty(t, out.Replies)

	out = r.Handle(context.Background(), messageEvent("admin", "ping"))
	assert.Len(t, out.Replies, 1)
}

func TestRouter_IgnoresBotsAndEmpty(t *testing.T) {
	r := NewRouter(nil, nil)

	ev := messageEvent("u1", "ping")
	ev.Message.Author.Bot = true
	assert.Empty(t, r.Handle(context.Background(), ev).Replies)

	assert.Empty(t, r.Handle(context.Background(), messageEvent("u1", "<@!1>")).Replies)
	assert.Empty(t, r.Handle(context.Background(), &models.CanonicalEvent{Kind: models.KindMessageCreated}).Replies)
}

func TestRouter_CommandError(t *testing.T) {
	r := NewRouter(nil, nil)
	require.NoError(t, r.Add("fail", "", func(context.Context, *models.Message, string) (string, error) {
		return "", errors.New("backend down")
	}))

	out := r.Handle(context.Background(), messageEvent("u1", "fail"))

	assert.Equal(t, models.OutcomeFailed, out.Status)
	assert.Contains(t, out.Reason, "backend down")
}

func TestRouter_EmptyReplySendsNothing(t *testing.T) {
	r := NewRouter(nil, nil)
	require.NoError(t, r.Add("quiet", "", func(context.Context, *models.Message, string) (string, error) {
		return "", nil
	}))

	out := r.Handle(context.Background(), messageEvent("u1", "quiet"))

	assert.True(t, out.OK())
	assert.Empty(t, out.Replies)
}

func TestRouter_Add(t *testing.T) {
	r := NewRouter(nil, nil)
	noop := func(context.Context, *models.Message, string) (string, error) { return "", nil }

	assert.Error(t, r.Add("", "", noop))
	assert.Error(t, r.Add("two words", "", noop))
	assert.Error(t, r.Add("x", "", nil))
	assert.Error(t, r.Add("PING", "", noop), "names collide case-insensitively")
	assert.NoError(t, r.Add("x", "", noop))
}

func TestRouter_Kinds(t *testing.T) {
	kinds := NewRouter(nil, nil).Kinds()
	assert.NotContains(t, kinds, models.KindMessageDeleted)
	assert.Contains(t, kinds, models.KindC2CMessage)
}
