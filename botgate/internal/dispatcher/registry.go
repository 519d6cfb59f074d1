package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/telhawk-systems/botgate/botgate/internal/models"
)

// Handler processes one event. Implementations must honour ctx; a handler
// still running at its deadline is abandoned.
type Handler interface {
	Handle(ctx context.Context, ev *models.CanonicalEvent) models.Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev *models.CanonicalEvent) models.Outcome

func (f HandlerFunc) Handle(ctx context.Context, ev *models.CanonicalEvent) models.Outcome {
	return f(ctx, ev)
}

type registration struct {
	name    string
	kinds   map[models.EventKind]struct{}
	handler Handler
}

func (r registration) matches(kind models.EventKind) bool {
	if len(r.kinds) == 0 {
		return true
	}
	_, ok := r.kinds[kind]
	return ok
}

// Registry holds named handlers in registration order.
type Registry struct {
	mu      sync.RWMutex
	entries []registration
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds h under name for the given kinds. No kinds means every kind.
func (r *Registry) Register(name string, kinds []models.EventKind, h Handler) error {
	if name == "" {
		return errors.New("handler name is required")
	}
	if h == nil {
		return fmt.Errorf("handler %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.name == name {
			return fmt.Errorf("handler %q already registered", name)
		}
	}

	set := make(map[models.EventKind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	r.entries = append(r.entries, registration{name: name, kinds: set, handler: h})
	return nil
}

// Names returns registered handler names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.name
	}
	return names
}

func (r *Registry) match(kind models.EventKind) []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []registration
	for _, e := range r.entries {
		if e.matches(kind) {
			out = append(out, e)
		}
	}
	return out
}
