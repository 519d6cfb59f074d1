// Package dispatcher fans canonical events out to registered handlers with
// a bounded queue, bounded concurrency and per-handler deadlines.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telhawk-systems/botgate/botgate/internal/dlq"
	"github.com/telhawk-systems/botgate/botgate/internal/metrics"
	"github.com/telhawk-systems/botgate/botgate/internal/models"
	"github.com/telhawk-systems/botgate/common/logging"
)

var (
	ErrQueueFull    = errors.New("dispatch queue full")
	ErrShuttingDown = errors.New("dispatcher shutting down")
)

// ReplySender delivers replies to the transport an event came from.
type ReplySender interface {
	Send(ctx context.Context, origin models.Transport, reply models.Reply) error
}

type Config struct {
	QueueSize      int
	MaxInFlight    int
	HandlerTimeout time.Duration
	ShutdownGrace  time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 16
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 10 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 15 * time.Second
	}
	return c
}

type Dispatcher struct {
	cfg      Config
	registry *Registry
	replies  ReplySender
	dead     dlq.Writer
	log      *logging.Logger

	queue chan *models.CanonicalEvent

	// guards closed and the close of queue against concurrent Submit
	mu     sync.RWMutex
	closed bool

	// parent of every handler context; cancelled when the grace period ends
	base       context.Context
	hardCancel context.CancelFunc

	startOnce    sync.Once
	shutdownOnce sync.Once
	workers      sync.WaitGroup
	done         chan struct{}
}

// New creates a Dispatcher. replies and dead may be nil.
func New(cfg Config, registry *Registry, replies ReplySender, dead dlq.Writer, logger *logging.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = logging.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:        cfg,
		registry:   registry,
		replies:    replies,
		dead:       dead,
		log:        logger.Component("dispatcher"),
		queue:      make(chan *models.CanonicalEvent, cfg.QueueSize),
		base:       base,
		hardCancel: cancel,
		done:       make(chan struct{}),
	}
}

// Registry returns the handler registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Submit enqueues ev without blocking. A full queue rejects ev, never an
// event that was already accepted.
func (d *Dispatcher) Submit(ev *models.CanonicalEvent) error {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrShuttingDown
	}
	select {
	case d.queue <- ev:
		d.mu.RUnlock()
		metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		d.mu.RUnlock()
	}

	metrics.DispatchRejected.Inc()
	d.log.Warn("dispatch queue full, rejecting event",
		logging.EventID(ev.ID),
		logging.EventKind(string(ev.Kind)),
		slog.Int("queue_size", d.cfg.QueueSize),
	)
	d.deadLetter(ev, "", dlq.ReasonQueueFull, ErrQueueFull)
	return ErrQueueFull
}

// Start launches the worker pool. It is safe to call more than once.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.cfg.MaxInFlight; i++ {
			d.workers.Add(1)
			go d.worker()
		}
		go func() {
			d.workers.Wait()
			close(d.done)
		}()
	})
}

// Run starts the workers and blocks until ctx is cancelled, then shuts down
// within the configured grace period.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.Start()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownGrace)
	defer cancel()
	if err := d.Shutdown(shutdownCtx); err != nil {
		d.log.Warn("dispatcher did not drain before the grace period ended", logging.Error(err))
	}
	return nil
}

// Shutdown stops intake and waits for queued events to be handled. When ctx
// ends first, in-flight handler contexts are cancelled and ctx.Err() is
// returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.shutdownOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
		d.Start()
	})

	select {
	case <-d.done:
		d.hardCancel()
		return nil
	case <-ctx.Done():
		d.hardCancel()
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.workers.Done()
	for ev := range d.queue {
		metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
		metrics.DispatchInFlight.Inc()
		d.dispatch(ev)
		metrics.DispatchInFlight.Dec()
	}
}

// dispatch runs every matching handler concurrently and returns when each
// has produced an outcome or been abandoned.
func (d *Dispatcher) dispatch(ev *models.CanonicalEvent) {
	regs := d.registry.match(ev.Kind)
	if len(regs) == 0 {
		d.log.Debug("no handler for event", logging.EventID(ev.ID), logging.EventKind(string(ev.Kind)))
		return
	}

	var wg sync.WaitGroup
	for _, reg := range regs {
		wg.Add(1)
		go func(reg registration) {
			defer wg.Done()
			d.invoke(reg, ev)
		}(reg)
	}
	wg.Wait()
}

func (d *Dispatcher) invoke(reg registration, ev *models.CanonicalEvent) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(d.base, d.cfg.HandlerTimeout)
	defer cancel()

	result := make(chan models.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- models.Failed(fmt.Sprintf("handler panicked: %v", r))
			}
		}()
		result <- reg.handler.Handle(ctx, ev)
	}()

	var out models.Outcome
	select {
	case out = <-result:
		if out.Status == "" {
			out.Status = models.OutcomeSucceeded
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			out = models.TimedOut(d.cfg.HandlerTimeout)
		} else {
			out = models.Failed("cancelled during shutdown")
		}
	}

	elapsed := time.Since(start)
	metrics.HandlerDuration.WithLabelValues(reg.name).Observe(elapsed.Seconds())
	metrics.HandlerOutcomes.WithLabelValues(reg.name, string(out.Status)).Inc()

	d.settle(reg.name, ev, out, elapsed)
}

func (d *Dispatcher) settle(handler string, ev *models.CanonicalEvent, out models.Outcome, elapsed time.Duration) {
	switch out.Status {
	case models.OutcomeSucceeded:
		d.sendReplies(handler, ev, out.Replies)
	case models.OutcomeTimedOut:
		d.log.Warn("handler timed out",
			logging.Handler(handler),
			logging.EventID(ev.ID),
			logging.EventKind(string(ev.Kind)),
			logging.Duration(elapsed),
		)
		d.deadLetter(ev, handler, dlq.ReasonHandlerTimeout, errors.New(out.Reason))
	default:
		d.log.Warn("handler failed",
			logging.Handler(handler),
			logging.EventID(ev.ID),
			logging.EventKind(string(ev.Kind)),
			slog.String("reason", out.Reason),
		)
		d.deadLetter(ev, handler, dlq.ReasonHandlerFailed, errors.New(out.Reason))
	}
}

func (d *Dispatcher) sendReplies(handler string, ev *models.CanonicalEvent, replies []models.Reply) {
	if len(replies) == 0 {
		return
	}
	if d.replies == nil {
		d.log.Warn("handler produced replies but no outbound route is configured",
			logging.Handler(handler),
			logging.EventID(ev.ID),
		)
		return
	}

	ctx, cancel := context.WithTimeout(d.base, d.cfg.HandlerTimeout)
	defer cancel()

	for _, reply := range replies {
		if err := d.replies.Send(ctx, ev.Origin, reply); err != nil {
			d.log.WarnContext(ctx, "reply not sent",
				logging.Handler(handler),
				logging.EventID(ev.ID),
				logging.Transport(ev.Origin.String()),
				logging.Error(err),
			)
		}
	}
}

func (d *Dispatcher) deadLetter(ev *models.CanonicalEvent, handler, reason string, cause error) {
	if d.dead == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.dead.Write(ctx, dlq.NewFailedEvent(ev, handler, reason, cause)); err != nil {
		d.log.ErrorContext(ctx, "dlq write failed",
			logging.EventID(ev.ID),
			slog.String("reason", reason),
			logging.Error(err),
		)
	}
}
