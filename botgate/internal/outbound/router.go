// Package outbound routes handler replies back to the transport an event
// arrived on.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/telhawk-systems/botgate/botgate/internal/metrics"
	"github.com/telhawk-systems/botgate/botgate/internal/models"
)

// ErrNoRoute is returned when no sender is registered for a transport.
var ErrNoRoute = errors.New("no outbound route for transport")

// Sender delivers one reply.
type Sender interface {
	Send(ctx context.Context, reply models.Reply) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, reply models.Reply) error

func (f SenderFunc) Send(ctx context.Context, reply models.Reply) error {
	return f(ctx, reply)
}

// Router maps origin transports to senders.
type Router struct {
	mu     sync.RWMutex
	routes map[models.Transport]Sender
}

func NewRouter() *Router {
	return &Router{routes: make(map[models.Transport]Sender)}
}

// Route registers s for replies to events that arrived on t, replacing any
// previous sender.
func (r *Router) Route(t models.Transport, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[t] = s
}

// Send delivers reply through the sender registered for origin. Senders
// count their own deliveries; the router only counts routing results.
func (r *Router) Send(ctx context.Context, origin models.Transport, reply models.Reply) error {
	r.mu.RLock()
	s, ok := r.routes[origin]
	r.mu.RUnlock()

	if !ok {
		metrics.OutboundRouted.WithLabelValues(origin.String(), "no_route").Inc()
		return fmt.Errorf("%w: %s", ErrNoRoute, origin)
	}

	if err := s.Send(ctx, reply); err != nil {
		metrics.OutboundRouted.WithLabelValues(origin.String(), "error").Inc()
		return fmt.Errorf("send %s reply to %s: %w", origin, reply.Destination, err)
	}
	metrics.OutboundRouted.WithLabelValues(origin.String(), "ok").Inc()
	return nil
}
