package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Gateway session metrics
	GatewayState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "botgate_gateway_state",
			Help: "Current gateway session state (0 disconnected, 1 connecting, 2 handshaking, 3 ready, 4 resuming, 5 degraded)",
		},
	)

	GatewayTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botgate_gateway_transitions_total",
			Help: "Gateway session state transitions",
		},
		[]string{"from", "to"},
	)

	GatewayReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botgate_gateway_reconnects_total",
			Help: "Gateway reconnect attempts by mode (identify or resume)",
		},
		[]string{"mode"},
	)

	GatewayFramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botgate_gateway_frames_received_total",
			Help: "Frames read from the gateway socket by opcode",
		},
		[]string{"op"},
	)

	GatewayHeartbeatsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "botgate_gateway_heartbeats_sent_total",
			Help: "Heartbeat frames written to the gateway",
		},
	)

	GatewayHeartbeatsMissed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "botgate_gateway_heartbeats_missed_total",
			Help: "Heartbeat intervals that elapsed without an acknowledgement",
		},
	)

	OutboundQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "botgate_outbound_queue_depth",
			Help: "Replies waiting for the gateway writer",
		},
	)

	OutboundDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "botgate_outbound_dropped_total",
			Help: "Queued gateway replies dropped because the queue was full",
		},
	)

	OutboundSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botgate_outbound_sent_total",
			Help: "Replies written to the platform by delivery transport and status",
		},
		[]string{"transport", "status"},
	)

	OutboundRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botgate_outbound_routed_total",
			Help: "Replies handed to a sender by origin transport and result",
		},
		[]string{"origin", "result"},
	)

	// Webhook metrics
	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botgate_webhook_requests_total",
			Help: "Webhook requests by result",
		},
		[]string{"result"},
	)

	WebhookBodyBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "botgate_webhook_body_bytes_total",
			Help: "Bytes of accepted webhook bodies",
		},
	)

	// Normalizer metrics
	EventsNormalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botgate_events_normalized_total",
			Help: "Canonical events produced by transport and kind",
		},
		[]string{"transport", "kind"},
	)

	EventsDuplicate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botgate_events_duplicate_total",
			Help: "Events dropped because their id was already in the dedupe window",
		},
		[]string{"transport"},
	)

	SequenceGaps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "botgate_gateway_sequence_gap_total",
			Help: "Gateway sequence numbers skipped between consecutive dispatches",
		},
	)

	SequenceOutOfOrder = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "botgate_gateway_sequence_out_of_order_total",
			Help: "Gateway dispatches whose sequence did not advance",
		},
	)

	DedupeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "botgate_dedupe_errors_total",
			Help: "Dedupe window lookups that failed",
		},
	)

	// Dispatcher metrics
	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "botgate_dispatch_queue_depth",
			Help: "Events waiting for a dispatcher worker",
		},
	)

	DispatchRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "botgate_dispatch_rejected_total",
			Help: "Events rejected because the dispatch queue was full",
		},
	)

	DispatchInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "botgate_dispatch_in_flight",
			Help: "Events currently being handled",
		},
	)

	HandlerOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botgate_handler_outcomes_total",
			Help: "Handler invocations by handler and outcome",
		},
		[]string{"handler", "outcome"},
	)

	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "botgate_handler_duration_seconds",
			Help:    "Handler invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler"},
	)

	// Dead-letter queue metrics
	DLQWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botgate_dlq_writes_total",
			Help: "Dead-letter entries written by reason and status",
		},
		[]string{"reason", "status"},
	)
)
