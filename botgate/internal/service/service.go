// Package service wires the gateway session, webhook listener, normalizer
// and dispatcher into one process and runs them until shutdown.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/botgate/botgate/internal/apiclient"
	"github.com/telhawk-systems/botgate/botgate/internal/commands"
	"github.com/telhawk-systems/botgate/botgate/internal/config"
	"github.com/telhawk-systems/botgate/botgate/internal/dedupe"
	"github.com/telhawk-systems/botgate/botgate/internal/dispatcher"
	"github.com/telhawk-systems/botgate/botgate/internal/dlq"
	"github.com/telhawk-systems/botgate/botgate/internal/gateway"
	"github.com/telhawk-systems/botgate/botgate/internal/handlers"
	"github.com/telhawk-systems/botgate/botgate/internal/models"
	"github.com/telhawk-systems/botgate/botgate/internal/normalizer"
	"github.com/telhawk-systems/botgate/botgate/internal/outbound"
	"github.com/telhawk-systems/botgate/botgate/internal/protocol"
	"github.com/telhawk-systems/botgate/botgate/internal/server"
	"github.com/telhawk-systems/botgate/botgate/internal/signature"
	"github.com/telhawk-systems/botgate/botgate/internal/tokens"
	"github.com/telhawk-systems/botgate/common/logging"
)

const defaultShutdownGrace = 15 * time.Second

// Option adjusts how New builds the service.
type Option func(*options)

type options struct {
	dialer gateway.Dialer
}

// WithGatewayDialer replaces the websocket dialer used by the gateway session.
func WithGatewayDialer(d gateway.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// Service owns every long-running component of a botgate process.
type Service struct {
	cfg *config.Config
	log *logging.Logger

	raw        chan models.RawPayload
	api        *apiclient.Client
	session    *gateway.Session
	webhook    *handlers.WebhookHandler
	normalizer *normalizer.Normalizer
	dispatcher *dispatcher.Dispatcher
	replies    *outbound.Router
	server     *http.Server

	mu      sync.Mutex
	ln      net.Listener
	closers []func() error
}

// New builds the service from cfg. Handlers in registry receive every
// normalized event; the built-in command router is added when enabled.
// Startup failures (bad key material, unreachable dedupe or DLQ backends)
// are returned here.
func New(ctx context.Context, cfg *config.Config, registry *dispatcher.Registry, logger *logging.Logger, opts ...Option) (*Service, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = logging.Default()
	}
	if registry == nil {
		registry = dispatcher.NewRegistry()
	}

	s := &Service{
		cfg: cfg,
		log: logger.Component("service"),
		raw: make(chan models.RawPayload, cfg.Service.RawBuffer),
	}

	ok := false
	defer func() {
		if !ok {
			s.close()
		}
	}()

	src := tokenSource(cfg)
	s.api = apiclient.New(cfg.APIBaseURL(), cfg.API.Timeout, src)

	window, err := newWindow(cfg)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, window.Close)

	dead, err := s.newDLQ(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.Commands.Enabled {
		cmds := commands.NewRouter(cfg.Commands.AllowedAuthors, logger)
		if err := registry.Register("commands", cmds.Kinds(), cmds); err != nil {
			return nil, fmt.Errorf("register command router: %w", err)
		}
	}

	var status handlers.SessionStatus
	if cfg.Gateway.Enabled {
		s.session, err = gateway.NewSession(gateway.Options{
			URL:      cfg.Gateway.URL,
			Resolver: s.api,
			Tokens:   src,
			Intents:  cfg.Gateway.Intents,
			Shard:    [2]int{cfg.Gateway.ShardID, cfg.Gateway.ShardCount},
			Dialer:   o.dialer,
			Backoff: gateway.Backoff{
				Initial:    cfg.Gateway.Backoff.Initial,
				Max:        cfg.Gateway.Backoff.Max,
				Multiplier: cfg.Gateway.Backoff.Multiplier,
			},
			MaxRetries:        cfg.Gateway.MaxRetries,
			MaxResumeAttempts: cfg.Gateway.MaxResumeAttempts,
			HandshakeTimeout:  cfg.Gateway.HandshakeTimeout,
			OutboundQueueSize: cfg.Gateway.OutboundQueueSize,
			Logger:            logger,
		}, s.raw)
		if err != nil {
			return nil, fmt.Errorf("create gateway session: %w", err)
		}
		status = s.session
	}

	s.replies = outbound.NewRouter()
	s.replies.Route(models.TransportWebhook, s.api)
	if s.session != nil && !cfg.Outbound.GatewayViaAPI {
		s.replies.Route(models.TransportGateway, s.session)
	} else {
		s.replies.Route(models.TransportGateway, s.api)
	}

	s.dispatcher = dispatcher.New(dispatcher.Config{
		QueueSize:      cfg.Dispatcher.QueueSize,
		MaxInFlight:    cfg.Dispatcher.MaxInFlight,
		HandlerTimeout: cfg.Dispatcher.HandlerTimeout,
		ShutdownGrace:  cfg.Dispatcher.ShutdownGrace,
	}, registry, s.replies, dead, logger)

	s.normalizer = normalizer.New(window, s.dispatcher, protocol.JSONCodec{}, logger)

	if cfg.Webhook.Enabled {
		verifier, signer, err := webhookKeys(cfg)
		if err != nil {
			return nil, err
		}
		var challenges handlers.ChallengeSigner
		if signer != nil {
			challenges = signer
		}
		s.webhook = handlers.NewWebhookHandler(verifier, challenges, s.raw, handlers.WebhookConfig{
			MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
			MaxClockSkew: cfg.Webhook.MaxClockSkew,
		}, logger)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(cfg.Webhook.Path, s.webhook, handlers.NewHealthHandler(status)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ok = true
	return s, nil
}

// Handler returns the HTTP handler serving the webhook, health and metrics
// routes.
func (s *Service) Handler() http.Handler {
	return s.server.Handler
}

// Session returns the gateway session, or nil when the gateway is disabled.
func (s *Service) Session() *gateway.Session {
	return s.session
}

// Replies returns the outbound router used for handler replies.
func (s *Service) Replies() *outbound.Router {
	return s.replies
}

// Listen binds the HTTP listener. Run calls it when it has not been called.
func (s *Service) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		return s.ln.Addr(), nil
	}
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}
	s.ln = ln
	return ln.Addr(), nil
}

// Run serves until ctx is cancelled or a component fails, then shuts
// everything down. A clean shutdown returns nil.
func (s *Service) Run(ctx context.Context) error {
	defer s.close()

	addr, err := s.Listen()
	if err != nil {
		return err
	}

	s.log.Info("botgate started",
		slog.String("addr", addr.String()),
		slog.Bool("gateway", s.session != nil),
		slog.Bool("webhook", s.webhook != nil),
		slog.Any("handlers", s.dispatcher.Registry().Names()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return s.normalizer.Run(gctx, s.raw)
	})
	if s.session != nil {
		g.Go(func() error {
			return s.session.Run(gctx)
		})
	}
	g.Go(func() error {
		if err := s.server.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdownHTTP()
	})

	err = g.Wait()
	if err != nil {
		s.log.Error("botgate stopped with error", logging.Error(err))
		return err
	}
	s.log.Info("botgate stopped")
	return nil
}

func (s *Service) shutdownHTTP() error {
	s.log.Info("shutting down http server")
	if s.webhook != nil {
		s.webhook.BeginShutdown()
	}

	grace := s.cfg.Dispatcher.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Service) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.log.Warn("close failed", logging.Error(err))
		}
	}
	s.closers = nil
}

func tokenSource(cfg *config.Config) tokens.Source {
	if cfg.Auth.Token != "" || cfg.Auth.AppID == "" {
		return tokens.Static(cfg.Auth.Token)
	}
	return tokens.NewAppTokenSource(cfg.Auth.TokenURL, cfg.Auth.AppID, cfg.Auth.Secret, cfg.Auth.Timeout)
}

func newWindow(cfg *config.Config) (dedupe.Window, error) {
	switch cfg.Dedupe.Backend {
	case "redis":
		w, err := dedupe.NewRedisWindow(cfg.Redis.URL, cfg.Dedupe.Key, cfg.Dedupe.Capacity)
		if err != nil {
			return nil, fmt.Errorf("redis dedupe window: %w", err)
		}
		slog.Info("dedupe window enabled", slog.String("backend", "redis"), slog.Int("capacity", cfg.Dedupe.Capacity))
		return w, nil
	case "memory", "":
		return dedupe.NewMemoryWindow(cfg.Dedupe.Capacity), nil
	default:
		return nil, fmt.Errorf("unknown dedupe backend %q (supported: memory, redis)", cfg.Dedupe.Backend)
	}
}

func (s *Service) newDLQ(ctx context.Context) (dlq.Writer, error) {
	if !s.cfg.DLQ.Enabled {
		s.log.Info("dead letter queue disabled")
		return nil, nil
	}

	switch s.cfg.DLQ.Backend {
	case "jetstream":
		q, err := dlq.ConnectJetStream(ctx, dlq.JetStreamConfig{
			URL:    s.cfg.DLQ.NatsURL,
			Stream: s.cfg.DLQ.Stream,
		})
		if err != nil {
			return nil, fmt.Errorf("jetstream dlq: %w", err)
		}
		s.closers = append(s.closers, func() error { q.Close(); return nil })
		s.log.Info("dead letter queue enabled", slog.String("backend", "jetstream"), slog.String("nats", s.cfg.DLQ.NatsURL))
		return q, nil
	case "file", "":
		q, err := dlq.NewQueue(s.cfg.DLQ.BasePath)
		if err != nil {
			return nil, fmt.Errorf("file dlq: %w", err)
		}
		s.log.Info("dead letter queue enabled", slog.String("backend", "file"), slog.String("path", s.cfg.DLQ.BasePath))
		return q, nil
	default:
		return nil, fmt.Errorf("unknown dlq backend %q (supported: file, jetstream)", s.cfg.DLQ.Backend)
	}
}

// webhookKeys returns the callback verifier and, when the secret is known,
// the signer used to answer challenges. auth.public_key overrides the
// secret-derived verification key.
func webhookKeys(cfg *config.Config) (*signature.Verifier, *signature.Signer, error) {
	var signer *signature.Signer
	if cfg.Auth.Secret != "" {
		var err error
		signer, err = signature.NewSignerFromSecret(cfg.Auth.Secret)
		if err != nil {
			return nil, nil, fmt.Errorf("derive signing key: %w", err)
		}
	}

	if cfg.Auth.PublicKey != "" {
		key, err := signature.ParsePublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return nil, nil, fmt.Errorf("auth.public_key: %w", err)
		}
		verifier, err := signature.NewVerifier(key)
		if err != nil {
			return nil, nil, err
		}
		return verifier, signer, nil
	}

	if signer == nil {
		return nil, nil, errors.New("webhook enabled without auth.secret or auth.public_key")
	}
	return signer.Verifier(), signer, nil
}
