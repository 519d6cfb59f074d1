package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/botgate/botgate/internal/metrics"
)

// JetStreamConfig configures the JetStream backend.
type JetStreamConfig struct {
	URL           string
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration
}

func (c JetStreamConfig) withDefaults() JetStreamConfig {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = "BOTGATE_DLQ"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "botgate.dlq"
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}
	return c
}

// JetStreamQueue publishes failed events to a NATS JetStream stream so
// several instances share one DLQ.
type JetStreamQueue struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	stream  jetstream.Stream
	prefix  string
	written uint64
}

// ConnectJetStream connects to NATS and creates or updates the DLQ stream.
func ConnectJetStream(ctx context.Context, cfg JetStreamConfig) (*JetStreamQueue, error) {
	cfg = cfg.withDefaults()

	conn, err := nats.Connect(cfg.URL,
		nats.Name("botgate-dlq"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ".>"},
		MaxAge:    cfg.MaxAge,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	slog.Info("dlq stream ready", slog.String("stream", cfg.Stream))

	q := NewJetStreamQueue(js, stream, cfg.SubjectPrefix)
	q.conn = conn
	return q, nil
}

// NewJetStreamQueue wraps an existing JetStream context and stream.
func NewJetStreamQueue(js jetstream.JetStream, stream jetstream.Stream, prefix string) *JetStreamQueue {
	if prefix == "" {
		prefix = "botgate.dlq"
	}
	return &JetStreamQueue{js: js, stream: stream, prefix: prefix}
}

// Subject returns the subject entries with reason are published on.
func (q *JetStreamQueue) Subject(reason string) string {
	return fmt.Sprintf("%s.%s", q.prefix, reason)
}

// Write publishes a failed event and waits for the stream to acknowledge it.
func (q *JetStreamQueue) Write(ctx context.Context, failed FailedEvent) error {
	if q == nil {
		return nil
	}

	data, err := json.Marshal(failed)
	if err != nil {
		metrics.DLQWrites.WithLabelValues(failed.Reason, "error").Inc()
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	if _, err := q.js.Publish(ctx, q.Subject(failed.Reason), data); err != nil {
		metrics.DLQWrites.WithLabelValues(failed.Reason, "error").Inc()
		return fmt.Errorf("publish dlq entry: %w", err)
	}

	atomic.AddUint64(&q.written, 1)
	metrics.DLQWrites.WithLabelValues(failed.Reason, "ok").Inc()
	return nil
}

// Stats returns stream counters.
func (q *JetStreamQueue) Stats(ctx context.Context) map[string]interface{} {
	if q == nil {
		return map[string]interface{}{
			"enabled": false,
			"backend": "jetstream",
		}
	}

	info, err := q.stream.Info(ctx)
	if err != nil {
		return map[string]interface{}{
			"enabled":       true,
			"backend":       "jetstream",
			"written_local": atomic.LoadUint64(&q.written),
			"error":         err.Error(),
		}
	}

	return map[string]interface{}{
		"enabled":        true,
		"backend":        "jetstream",
		"written_local":  atomic.LoadUint64(&q.written),
		"total_messages": info.State.Msgs,
		"total_bytes":    info.State.Bytes,
		"first_seq":      info.State.FirstSeq,
		"last_seq":       info.State.LastSeq,
	}
}

// Purge removes every entry from the stream.
func (q *JetStreamQueue) Purge(ctx context.Context) error {
	if q == nil {
		return ErrDisabled
	}
	if err := q.stream.Purge(ctx); err != nil {
		return fmt.Errorf("purge dlq stream: %w", err)
	}
	return nil
}

func (q *JetStreamQueue) Close() {
	if q != nil && q.conn != nil {
		q.conn.Close()
	}
}
