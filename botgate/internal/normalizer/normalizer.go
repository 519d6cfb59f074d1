// Package normalizer turns raw transport payloads into deduplicated
// canonical events.
package normalizer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/telhawk-systems/botgate/botgate/internal/dedupe"
	"github.com/telhawk-systems/botgate/botgate/internal/metrics"
	"github.com/telhawk-systems/botgate/botgate/internal/models"
	"github.com/telhawk-systems/botgate/botgate/internal/protocol"
	"github.com/telhawk-systems/botgate/common/logging"
)

// ErrDuplicate is returned by Normalize for an event already in the window.
var ErrDuplicate = errors.New("duplicate event")

// Sink accepts normalized events. The dispatcher implements it.
type Sink interface {
	Submit(ev *models.CanonicalEvent) error
}

type Normalizer struct {
	codec  protocol.Codec
	window dedupe.Window
	sink   Sink
	log    *logging.Logger

	mu          sync.Mutex
	seqSession  string
	lastSeq     int64
	seqObserved bool
}

// New creates a Normalizer. A nil codec selects the JSON codec.
func New(window dedupe.Window, sink Sink, codec protocol.Codec, logger *logging.Logger) *Normalizer {
	if codec == nil {
		codec = protocol.JSONCodec{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Normalizer{
		codec:  codec,
		window: window,
		sink:   sink,
		log:    logger.Component("normalizer"),
	}
}

// Normalize builds the canonical event for raw. Payloads that cannot be
// understood become KindUnknown events rather than errors; the only
// errors are ErrDuplicate and a cancelled context.
func (n *Normalizer) Normalize(ctx context.Context, raw models.RawPayload) (*models.CanonicalEvent, error) {
	ev := &models.CanonicalEvent{
		Origin:     raw.Transport,
		SessionID:  raw.SessionID,
		ReceivedAt: raw.ReceivedAt,
		Raw:        raw.Body,
	}

	f, err := n.codec.Decode(raw.Body)
	if err != nil {
		ev.Kind = models.KindUnknown
		ev.Fields = salvageFields(raw.Body, err)
		n.log.Debug("payload did not decode, forwarding as unknown",
			logging.Transport(raw.Transport.String()),
			logging.Error(err),
		)
	} else {
		n.build(ev, f)
	}

	switch raw.Transport {
	case models.TransportWebhook:
		ev.ID = webhookID(raw)
	case models.TransportGateway:
		if err == nil {
			ev.ID = gatewayID(f, raw.SessionID)
			if f.HasSeq && f.Op == protocol.OpDispatch {
				n.trackSeq(raw.SessionID, f.Seq)
			}
		}
	}

	if ev.ID != "" {
		dup, err := n.window.Seen(ctx, ev.ID, raw.ReceivedAt)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			// at-least-once: an unavailable window lets the event through
			metrics.DedupeErrors.Inc()
			n.log.Warn("dedupe window lookup failed", logging.EventID(ev.ID), logging.Error(err))
		} else if dup {
			metrics.EventsDuplicate.WithLabelValues(raw.Transport.String()).Inc()
			n.log.Debug("dropping duplicate event",
				logging.EventID(ev.ID),
				logging.Transport(raw.Transport.String()),
			)
			return nil, ErrDuplicate
		}
	}

	metrics.EventsNormalized.WithLabelValues(raw.Transport.String(), string(ev.Kind)).Inc()
	return ev, nil
}

func (n *Normalizer) build(ev *models.CanonicalEvent, f protocol.Frame) {
	ev.Kind = kindOf(f)
	ev.Type = f.Type
	ev.Seq = f.Seq
	ev.HasSeq = f.HasSeq
	ev.Fields = decodeFields(f.Data)

	if ev.Kind == models.KindUnknown {
		ev.Fields["op"] = int(f.Op)
		return
	}
	if ev.Kind.IsMessage() {
		msg, err := parseMessage(ev.Kind, f.Data)
		if err != nil {
			n.log.Debug("message payload malformed, forwarding as unknown",
				slog.String("type", f.Type),
				logging.Error(err),
			)
			ev.Kind = models.KindUnknown
			ev.Fields["op"] = int(f.Op)
			return
		}
		ev.Message = msg
	}
}

// trackSeq records the latest dispatch sequence of the current session.
// Gaps and regressions are reported but never block delivery.
func (n *Normalizer) trackSeq(sessionID string, seq int64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.seqObserved || sessionID != n.seqSession {
		n.seqSession = sessionID
		n.lastSeq = seq
		n.seqObserved = true
		return
	}

	switch {
	case seq > n.lastSeq+1:
		missing := seq - n.lastSeq - 1
		metrics.SequenceGaps.Add(float64(missing))
		n.log.Warn("gateway sequence gap",
			logging.SessionID(sessionID),
			logging.Seq(seq),
			slog.Int64("last_seq", n.lastSeq),
			slog.Int64("missing", missing),
		)
		n.lastSeq = seq
	case seq <= n.lastSeq:
		metrics.SequenceOutOfOrder.Inc()
		n.log.Debug("gateway sequence did not advance",
			logging.SessionID(sessionID),
			logging.Seq(seq),
			slog.Int64("last_seq", n.lastSeq),
		)
	default:
		n.lastSeq = seq
	}
}

// Run consumes in until it is closed or ctx is cancelled, submitting every
// fresh event in arrival order. It is the only reader of in.
func (n *Normalizer) Run(ctx context.Context, in <-chan models.RawPayload) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			n.handle(ctx, raw)
		}
	}
}

func (n *Normalizer) handle(ctx context.Context, raw models.RawPayload) {
	ev, err := n.Normalize(ctx, raw)
	if err != nil {
		return
	}
	if err := n.sink.Submit(ev); err != nil {
		n.log.Warn("event not accepted by dispatcher",
			logging.EventID(ev.ID),
			logging.EventKind(string(ev.Kind)),
			logging.Error(err),
		)
	}
}
