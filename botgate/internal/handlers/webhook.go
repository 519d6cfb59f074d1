package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/telhawk-systems/botgate/botgate/internal/metrics"
	"github.com/telhawk-systems/botgate/botgate/internal/models"
	"github.com/telhawk-systems/botgate/botgate/internal/protocol"
	"github.com/telhawk-systems/botgate/botgate/internal/signature"
	"github.com/telhawk-systems/botgate/common/httputil"
	"github.com/telhawk-systems/botgate/common/logging"
)

// Callback headers carrying the signature and the signed values.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
)

const DefaultMaxBodyBytes = 64 << 10

var ErrShuttingDown = errors.New("webhook listener shutting down")

// ChallengeSigner answers endpoint validation challenges.
type ChallengeSigner interface {
	SignChallenge(eventTS, plainToken string) string
}

type WebhookConfig struct {
	MaxBodyBytes int64
	// MaxClockSkew rejects callbacks whose timestamp is further than this
	// from local time. Zero disables the check.
	MaxClockSkew time.Duration
}

// WebhookHandler verifies signed callbacks and forwards them as raw
// payloads. It acknowledges before any handler runs.
type WebhookHandler struct {
	verifier *signature.Verifier
	signer   ChallengeSigner
	codec    protocol.Codec
	out      chan<- models.RawPayload
	cfg      WebhookConfig
	log      *logging.Logger
	now      func() time.Time

	closing   chan struct{}
	closeOnce sync.Once
}

// NewWebhookHandler creates the callback handler. signer may be nil, in
// which case challenges are verified like any other callback.
func NewWebhookHandler(verifier *signature.Verifier, signer ChallengeSigner, out chan<- models.RawPayload, cfg WebhookConfig, logger *logging.Logger) *WebhookHandler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{
		verifier: verifier,
		signer:   signer,
		codec:    protocol.JSONCodec{},
		out:      out,
		cfg:      cfg,
		log:      logger.Component("webhook"),
		now:      time.Now,
		closing:  make(chan struct{}),
	}
}

// BeginShutdown makes the handler answer 503 to every later callback.
func (h *WebhookHandler) BeginShutdown() {
	h.closeOnce.Do(func() { close(h.closing) })
}

func (h *WebhookHandler) shuttingDown() bool {
	select {
	case <-h.closing:
		return true
	default:
		return false
	}
}

func (h *WebhookHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		metrics.WebhookRequests.WithLabelValues("method_not_allowed").Inc()
		w.Header().Set("Allow", http.MethodPost)
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.shuttingDown() {
		metrics.WebhookRequests.WithLabelValues("shutting_down").Inc()
		httputil.WriteError(w, http.StatusServiceUnavailable, ErrShuttingDown.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.WebhookRequests.WithLabelValues("too_large").Inc()
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		metrics.WebhookRequests.WithLabelValues("read_error").Inc()
		h.log.WarnContext(ctx, "failed to read callback body", logging.Error(err))
		httputil.WriteError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if resp, ok := h.answerChallenge(body); ok {
		metrics.WebhookRequests.WithLabelValues("challenge").Inc()
		h.log.InfoContext(ctx, "answered endpoint validation challenge")
		httputil.WriteJSON(w, http.StatusOK, resp)
		return
	}

	timestamp := r.Header.Get(HeaderTimestamp)
	nonce := r.Header.Get(HeaderNonce)
	sig := r.Header.Get(HeaderSignature)

	if h.verifier.Verify(body, []byte(sig), timestamp, nonce) != signature.Valid {
		metrics.WebhookRequests.WithLabelValues("invalid_signature").Inc()
		h.log.WarnContext(ctx, "rejected callback with invalid signature", logging.IP(clientIP(r)))
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.freshTimestamp(timestamp) {
		metrics.WebhookRequests.WithLabelValues("stale").Inc()
		h.log.WarnContext(ctx, "rejected callback outside the allowed clock skew",
			logging.IP(clientIP(r)),
			slog.String("timestamp", timestamp),
		)
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	raw := models.RawPayload{
		Transport:  models.TransportWebhook,
		Body:       body,
		ReceivedAt: h.now(),
		Signature:  sig,
		Timestamp:  timestamp,
		Nonce:      nonce,
	}

	select {
	case h.out <- raw:
	case <-h.closing:
		metrics.WebhookRequests.WithLabelValues("shutting_down").Inc()
		httputil.WriteError(w, http.StatusServiceUnavailable, ErrShuttingDown.Error())
		return
	case <-ctx.Done():
		metrics.WebhookRequests.WithLabelValues("client_gone").Inc()
		return
	}

	metrics.WebhookRequests.WithLabelValues("accepted").Inc()
	metrics.WebhookBodyBytes.Add(float64(len(body)))
	h.log.DebugContext(ctx, "accepted callback", slog.Int("bytes", len(body)), slog.String("nonce", nonce))
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"op": int(protocol.OpCallbackAck)})
}

// answerChallenge returns the response to a well-formed validation
// challenge. Anything else falls through to signature verification.
func (h *WebhookHandler) answerChallenge(body []byte) (protocol.ChallengeResponse, bool) {
	if h.signer == nil {
		return protocol.ChallengeResponse{}, false
	}
	f, err := h.codec.Decode(body)
	if err != nil || f.Op != protocol.OpCallbackChallenge {
		return protocol.ChallengeResponse{}, false
	}
	c, err := f.Challenge()
	if err != nil {
		return protocol.ChallengeResponse{}, false
	}
	return protocol.ChallengeResponse{
		PlainToken: c.PlainToken,
		Signature:  h.signer.SignChallenge(c.EventTS, c.PlainToken),
	}, true
}

func (h *WebhookHandler) freshTimestamp(timestamp string) bool {
	if h.cfg.MaxClockSkew <= 0 {
		return true
	}
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	skew := h.now().Sub(time.Unix(secs, 0))
	if skew < 0 {
		skew = -skew
	}
	return skew <= h.cfg.MaxClockSkew
}
