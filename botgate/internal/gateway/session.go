// Package gateway maintains the persistent websocket session with the bot
// platform gateway: handshake, heartbeats, reconnect with backoff, resume
// and a single serialized writer for outbound frames.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/botgate/botgate/internal/metrics"
	"github.com/telhawk-systems/botgate/botgate/internal/models"
	"github.com/telhawk-systems/botgate/botgate/internal/protocol"
	"github.com/telhawk-systems/botgate/common/logging"
)

var (
	// ErrRetryBudgetExhausted is returned by Run when MaxRetries consecutive
	// attempts failed.
	ErrRetryBudgetExhausted = errors.New("gateway retry budget exhausted")
	// ErrSessionClosed is returned by Send after Run has returned.
	ErrSessionClosed = errors.New("gateway session closed")

	errHeartbeatTimeout   = errors.New("heartbeat acknowledgements missed")
	errReconnectRequested = errors.New("gateway requested reconnect")
	errInvalidSession     = errors.New("gateway invalidated the session")
)

const maxMissedHeartbeats = 2

// TokenSource supplies the access token used to identify and resume.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// URLResolver discovers the gateway URL when none is configured.
type URLResolver interface {
	GatewayURL(ctx context.Context) (string, error)
}

type Options struct {
	URL      string
	Resolver URLResolver
	Tokens   TokenSource

	Intents uint32
	Shard   [2]int

	Codec  protocol.Codec
	Dialer Dialer
	Clock  Clock

	Backoff           Backoff
	MaxRetries        int
	MaxResumeAttempts int
	HandshakeTimeout  time.Duration
	OutboundQueueSize int

	// Observer, if set, is called from the session loop on every state change.
	Observer func(from, to State)
	Logger   *logging.Logger
}

// Session owns one logical gateway session across reconnects. Run drives
// the connection; every other method is safe to call concurrently.
type Session struct {
	opts     Options
	log      *logging.Logger
	out      chan<- models.RawPayload
	machine  *Machine
	state    atomic.Int32
	outbound *OutboundQueue
	wake     chan struct{}
	closed   atomic.Bool

	// session id as seen by the reader goroutine, used to tag payloads
	tag atomic.Value

	// owned by the Run goroutine
	sessionID      string
	lastSeq        int64
	hasSeq         bool
	attempts       int
	resumeAttempts int
}

// NewSession creates a session that forwards every inbound frame to out.
func NewSession(opts Options, out chan<- models.RawPayload) (*Session, error) {
	if out == nil {
		return nil, errors.New("gateway: payload channel is nil")
	}
	if opts.URL == "" && opts.Resolver == nil {
		return nil, errors.New("gateway: no URL and no resolver configured")
	}
	if opts.Tokens == nil {
		return nil, errors.New("gateway: token source is required")
	}
	if opts.Codec == nil {
		opts.Codec = protocol.JSONCodec{}
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{HandshakeTimeout: opts.HandshakeTimeout}
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.OutboundQueueSize <= 0 {
		opts.OutboundQueueSize = 256
	}
	if opts.MaxResumeAttempts <= 0 {
		opts.MaxResumeAttempts = 3
	}
	if opts.Shard == [2]int{} {
		opts.Shard = [2]int{0, 1}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	s := &Session{
		opts:     opts,
		log:      opts.Logger.Component("gateway"),
		out:      out,
		outbound: NewOutboundQueue(opts.OutboundQueueSize),
		wake:     make(chan struct{}, 1),
	}
	s.tag.Store("")
	s.machine = NewMachine(s.onTransition)
	return s, nil
}

// State returns the current session state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Dropped returns how many queued replies were discarded.
func (s *Session) Dropped() uint64 {
	return s.outbound.Dropped()
}

// Send queues a reply for the gateway writer. Replies are written in order
// once the session is Ready; a full queue drops its oldest entry.
func (s *Session) Send(ctx context.Context, reply models.Reply) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	frame, err := protocol.MessageFrame(reply)
	if err != nil {
		return err
	}
	data, err := s.opts.Codec.Encode(frame)
	if err != nil {
		return err
	}

	if s.outbound.Push(data) {
		metrics.OutboundDropped.Inc()
		s.log.Warn("gateway outbound queue full, dropped oldest reply",
			slog.Uint64("dropped_total", s.outbound.Dropped()),
			logging.State(s.State().String()),
		)
	}
	metrics.OutboundQueued.Set(float64(s.outbound.Len()))

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run connects and keeps the session alive until ctx is cancelled. It only
// returns an error when a configured retry budget is exhausted.
func (s *Session) Run(ctx context.Context) error {
	defer func() {
		s.closed.Store(true)
		s.fire(TriggerStop)
	}()

	for {
		err := s.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if s.opts.MaxRetries > 0 && s.attempts >= s.opts.MaxRetries {
			return fmt.Errorf("%w after %d attempts: %w", ErrRetryBudgetExhausted, s.attempts, err)
		}

		delay := s.opts.Backoff.Delay(s.attempts)
		s.attempts++
		s.log.Warn("gateway connection ended, reconnecting",
			logging.Error(err),
			logging.State(s.machine.State().String()),
			slog.Int("attempt", s.attempts),
			slog.Duration("delay", delay),
		)
		if err := s.opts.Clock.Sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

func (s *Session) connect(ctx context.Context) error {
	resuming := s.machine.State() == Degraded && s.sessionID != ""
	if resuming {
		s.fire(TriggerResume)
		metrics.GatewayReconnects.WithLabelValues("resume").Inc()
	} else {
		if s.machine.State() == Degraded {
			s.fire(TriggerFailed)
		}
		s.fire(TriggerStart)
		metrics.GatewayReconnects.WithLabelValues("identify").Inc()
	}

	conn, err := s.dial(ctx)
	if err != nil {
		s.establishFailed(resuming)
		return err
	}
	defer conn.Close()

	if !resuming {
		s.fire(TriggerConnected)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan protocol.Frame, 64)
	readErr := make(chan error, 1)
	go s.readLoop(connCtx, conn, frames, readErr)

	hello, err := s.handshake(ctx, conn, frames, readErr, resuming)
	if err != nil {
		return err
	}
	return s.serve(ctx, conn, frames, readErr, hello.HeartbeatInterval)
}

func (s *Session) dial(ctx context.Context) (Conn, error) {
	url := s.opts.URL
	if url == "" {
		var err error
		if url, err = s.opts.Resolver.GatewayURL(ctx); err != nil {
			return nil, fmt.Errorf("resolve gateway url: %w", err)
		}
	}
	return s.opts.Dialer.Dial(ctx, url)
}

// establishFailed records a failed connect, handshake or resume.
func (s *Session) establishFailed(resuming bool) {
	if !resuming {
		s.fire(TriggerFailed)
		return
	}
	s.resumeAttempts++
	s.fire(TriggerConnectionLost)
	if s.resumeAttempts >= s.opts.MaxResumeAttempts {
		s.log.Warn("resume attempts exhausted, starting a fresh session",
			logging.SessionID(s.sessionID),
			slog.Int("resume_attempts", s.resumeAttempts),
		)
		s.dropSession()
		s.fire(TriggerFailed)
	}
}

func (s *Session) handshake(ctx context.Context, conn Conn, frames <-chan protocol.Frame, readErr <-chan error, resuming bool) (protocol.Hello, error) {
	hsCtx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	f, err := s.await(hsCtx, frames, readErr, func(f protocol.Frame) bool { return f.Op == protocol.OpHello })
	if err != nil {
		s.establishFailed(resuming)
		return protocol.Hello{}, err
	}
	hello, err := f.Hello()
	if err != nil {
		s.establishFailed(resuming)
		return protocol.Hello{}, err
	}

	token, err := s.opts.Tokens.Token(hsCtx)
	if err != nil {
		s.establishFailed(resuming)
		return protocol.Hello{}, fmt.Errorf("fetch access token: %w", err)
	}
	auth := protocol.AuthToken(token)

	if resuming {
		frame, err := protocol.ResumeFrame(protocol.Resume{Token: auth, SessionID: s.sessionID, Seq: s.lastSeq})
		if err == nil {
			err = s.writeFrame(conn, frame)
		}
		if err != nil {
			s.establishFailed(true)
			return protocol.Hello{}, err
		}

		_, err = s.await(hsCtx, frames, readErr, func(f protocol.Frame) bool { return f.IsDispatch(protocol.EventResumed) })
		if errors.Is(err, errInvalidSession) {
			s.dropSession()
			s.fire(TriggerRejected)
			return protocol.Hello{}, err
		}
		if err != nil {
			s.establishFailed(true)
			return protocol.Hello{}, err
		}
		s.fire(TriggerResumeAck)
	} else {
		s.lastSeq, s.hasSeq = 0, false
		frame, err := protocol.IdentifyFrame(protocol.Identify{Token: auth, Intents: s.opts.Intents, Shard: s.opts.Shard})
		if err == nil {
			err = s.writeFrame(conn, frame)
		}
		if err != nil {
			s.establishFailed(false)
			return protocol.Hello{}, err
		}

		f, err := s.await(hsCtx, frames, readErr, func(f protocol.Frame) bool { return f.IsDispatch(protocol.EventReady) })
		if err != nil {
			s.establishFailed(false)
			return protocol.Hello{}, err
		}
		ready, err := f.Ready()
		if err != nil {
			s.establishFailed(false)
			return protocol.Hello{}, err
		}
		s.sessionID = ready.SessionID
		s.fire(TriggerHandshakeAck)
	}

	s.attempts = 0
	s.resumeAttempts = 0
	return hello, nil
}

// await reads frames until match accepts one. An invalid-session frame
// aborts the wait.
func (s *Session) await(ctx context.Context, frames <-chan protocol.Frame, readErr <-chan error, match func(protocol.Frame) bool) (protocol.Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return protocol.Frame{}, fmt.Errorf("handshake: %w", ctx.Err())
		case err := <-readErr:
			return protocol.Frame{}, fmt.Errorf("read during handshake: %w", err)
		case f := <-frames:
			s.observeSeq(f)
			if match(f) {
				return f, nil
			}
			if f.Op == protocol.OpInvalidSession {
				return protocol.Frame{}, errInvalidSession
			}
		}
	}
}

func (s *Session) serve(ctx context.Context, conn Conn, frames <-chan protocol.Frame, readErr <-chan error, interval time.Duration) error {
	ticker := s.opts.Clock.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("gateway session ready",
		logging.SessionID(s.sessionID),
		slog.Duration("heartbeat_interval", interval),
	)

	if err := s.flush(conn); err != nil {
		s.fire(TriggerConnectionLost)
		return err
	}

	var hb heartbeatState
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			s.connectionLost(err)
			return err

		case f := <-frames:
			if err := s.handleFrame(conn, f, &hb); err != nil {
				return err
			}

		case <-ticker.C():
			// frames that arrived before the tick count first
			for pending := true; pending; {
				select {
				case f := <-frames:
					if err := s.handleFrame(conn, f, &hb); err != nil {
						return err
					}
				default:
					pending = false
				}
			}

			if hb.awaitingAck {
				hb.missed++
				metrics.GatewayHeartbeatsMissed.Inc()
				s.log.Warn("heartbeat acknowledgement missed", slog.Int("missed", hb.missed))
				if hb.missed >= maxMissedHeartbeats {
					s.fire(TriggerHeartbeatMissed)
					return errHeartbeatTimeout
				}
			}
			if err := s.heartbeat(conn); err != nil {
				s.fire(TriggerConnectionLost)
				return err
			}
			hb.awaitingAck = true

		case <-s.wake:
			if err := s.flush(conn); err != nil {
				s.fire(TriggerConnectionLost)
				return err
			}
		}
	}
}

type heartbeatState struct {
	awaitingAck bool
	missed      int
}

// handleFrame applies a frame received while Ready. A non-nil error ends
// the connection; the state machine has already been moved.
func (s *Session) handleFrame(conn Conn, f protocol.Frame, hb *heartbeatState) error {
	s.observeSeq(f)
	switch f.Op {
	case protocol.OpHeartbeatAck:
		hb.awaitingAck = false
		hb.missed = 0
	case protocol.OpHeartbeat:
		if err := s.heartbeat(conn); err != nil {
			s.fire(TriggerConnectionLost)
			return err
		}
	case protocol.OpReconnect:
		s.fire(TriggerConnectionLost)
		return errReconnectRequested
	case protocol.OpInvalidSession:
		s.dropSession()
		s.fire(TriggerRejected)
		return errInvalidSession
	}
	return nil
}

func (s *Session) connectionLost(err error) {
	if Resumable(err) && s.sessionID != "" {
		s.fire(TriggerConnectionLost)
		return
	}
	code, _ := CloseCode(err)
	s.log.Warn("gateway closed the session", slog.Int("close_code", code), logging.Error(err))
	s.dropSession()
	s.fire(TriggerRejected)
}

func (s *Session) readLoop(ctx context.Context, conn Conn, frames chan<- protocol.Frame, readErr chan<- error) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		received := time.Now()

		f, decErr := s.opts.Codec.Decode(data)
		if decErr != nil {
			s.log.Warn("undecodable gateway frame", logging.Error(decErr))
		} else {
			metrics.GatewayFramesReceived.WithLabelValues(f.Op.String()).Inc()
			if f.IsDispatch(protocol.EventReady) {
				if ready, err := f.Ready(); err == nil {
					s.tag.Store(ready.SessionID)
				}
			}
		}

		// the loop sees the frame before the payload is forwarded
		if decErr == nil {
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}

		raw := models.RawPayload{
			Transport:  models.TransportGateway,
			Body:       data,
			ReceivedAt: received,
			SessionID:  s.tag.Load().(string),
		}
		select {
		case s.out <- raw:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) heartbeat(conn Conn) error {
	if err := s.writeFrame(conn, protocol.HeartbeatFrame(s.lastSeq, s.hasSeq)); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	metrics.GatewayHeartbeatsSent.Inc()
	return nil
}

func (s *Session) flush(conn Conn) error {
	for {
		id, data, ok := s.outbound.Front()
		if !ok {
			metrics.OutboundQueued.Set(0)
			return nil
		}
		if err := conn.WriteMessage(data); err != nil {
			metrics.OutboundSent.WithLabelValues(models.TransportGateway.String(), "error").Inc()
			return fmt.Errorf("write queued reply: %w", err)
		}
		s.outbound.Ack(id)
		metrics.OutboundSent.WithLabelValues(models.TransportGateway.String(), "sent").Inc()
		metrics.OutboundQueued.Set(float64(s.outbound.Len()))
	}
}

func (s *Session) writeFrame(conn Conn, f protocol.Frame) error {
	data, err := s.opts.Codec.Encode(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}

func (s *Session) observeSeq(f protocol.Frame) {
	if f.HasSeq && (!s.hasSeq || f.Seq > s.lastSeq) {
		s.lastSeq = f.Seq
		s.hasSeq = true
	}
}

func (s *Session) dropSession() {
	s.sessionID = ""
	s.lastSeq, s.hasSeq = 0, false
	s.tag.Store("")
}

func (s *Session) fire(t Trigger) {
	if err := s.machine.Fire(t); err != nil {
		s.log.Error("session state machine rejected trigger", logging.Error(err))
	}
}

func (s *Session) onTransition(from, to State, t Trigger) {
	s.state.Store(int32(to))
	metrics.GatewayState.Set(float64(to))
	metrics.GatewayTransitions.WithLabelValues(from.String(), to.String()).Inc()
	s.log.Info("gateway state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("trigger", t.String()),
	)
	if s.opts.Observer != nil {
		s.opts.Observer(from, to)
	}
}
