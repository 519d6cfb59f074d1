// Package commands turns mention-addressed chat messages into bot commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/telhawk-systems/botgate/botgate/internal/models"
	"github.com/telhawk-systems/botgate/common/logging"
)

// UnsupportedReply answers a message that names no registered command.
const UnsupportedReply = "unsupported command, send help for a list"

var mentionPattern = regexp.MustCompile(`<@!?\w+>`)

// Func executes a command. args is the text after the command name.
type Func func(ctx context.Context, msg *models.Message, args string) (string, error)

type command struct {
	name  string
	usage string
	fn    Func
}

// Router implements dispatcher.Handler for message events. Commands must be
// added before the router is registered with a dispatcher.
type Router struct {
	commands map[string]command
	allowed  map[string]struct{}
	log      *logging.Logger
}

// NewRouter returns a router with the help and ping commands. An empty
// allowedAuthors accepts every author.
func NewRouter(allowedAuthors []string, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.Default()
	}
	r := &Router{
		commands: make(map[string]command),
		allowed:  make(map[string]struct{}, len(allowedAuthors)),
		log:      logger.Component("commands"),
	}
	for _, id := range allowedAuthors {
		if id = strings.TrimSpace(id); id != "" {
			r.allowed[id] = struct{}{}
		}
	}

	r.mustAdd("help", "help - list commands", r.help)
	r.mustAdd("ping", "ping - check the bot is alive", func(context.Context, *models.Message, string) (string, error) {
		return "pong", nil
	})
	return r
}

// Add registers a command. Names are matched case-insensitively.
func (r *Router) Add(name, usage string, fn Func) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || strings.ContainsAny(name, " \t\n") {
		return fmt.Errorf("invalid command name %q", name)
	}
	if fn == nil {
		return errors.New("command func is nil")
	}
	if _, exists := r.commands[name]; exists {
		return fmt.Errorf("command %q already registered", name)
	}
	r.commands[name] = command{name: name, usage: usage, fn: fn}
	return nil
}

func (r *Router) mustAdd(name, usage string, fn Func) {
	if err := r.Add(name, usage, fn); err != nil {
		panic(err)
	}
}

// Kinds lists the event kinds the router wants to receive.
func (r *Router) Kinds() []models.EventKind {
	return []models.EventKind{
		models.KindMessageCreated,
		models.KindDirectMessage,
		models.KindGroupMessage,
		models.KindC2CMessage,
	}
}

func (r *Router) Handle(ctx context.Context, ev *models.CanonicalEvent) models.Outcome {
	msg := ev.Message
	if msg == nil || msg.Author.Bot {
		return models.Succeeded()
	}
	if len(r.allowed) > 0 {
		if _, ok := r.allowed[msg.Author.ID]; !ok {
			r.log.Info("author not allowed, ignoring message",
				logging.EventID(ev.ID),
				slog.String("author_id", msg.Author.ID),
			)
			return models.Succeeded()
		}
	}

	text := Clean(msg.Content)
	if text == "" {
		return models.Succeeded()
	}
	name, args, _ := strings.Cut(text, " ")
	name = strings.ToLower(name)
	args = strings.TrimSpace(args)

	r.log.Debug("command received",
		logging.EventID(ev.ID),
		slog.String("command", name),
	)

	cmd, ok := r.commands[name]
	if !ok {
		return models.Succeeded(models.ReplyTo(msg, UnsupportedReply))
	}

	reply, err := cmd.fn(ctx, msg, args)
	if err != nil {
		return models.Failed(fmt.Sprintf("command %s: %v", name, err))
	}
	if reply == "" {
		return models.Succeeded()
	}
	return models.Succeeded(models.ReplyTo(msg, reply))
}

func (r *Router) help(context.Context, *models.Message, string) (string, error) {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		usage := r.commands[name].usage
		if usage == "" {
			usage = name
		}
		lines = append(lines, usage)
	}
	return strings.Join(lines, "\n"), nil
}

// Clean strips mentions and a leading slash from message content.
func Clean(content string) string {
	s := mentionPattern.ReplaceAllString(content, "")
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "/")
	return strings.Join(strings.Fields(s), " ")
}
