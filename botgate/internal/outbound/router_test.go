package outbound

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/botgate/botgate/internal/metrics"
	"github.com/telhawk-systems/botgate/botgate/internal/models"
)

type recorder struct {
	replies []models.Reply
	err     error
}

func (r *recorder) Send(_ context.Context, reply models.Reply) error {
	if r.err != nil {
		return r.err
	}
	r.replies = append(r.replies, reply)
	return nil
}

func TestRouter_SendsToOriginTransport(t *testing.T) {
	gateway := &recorder{}
	webhook := &recorder{}

	r := NewRouter()
	r.Route(models.TransportGateway, gateway)
	r.Route(models.TransportWebhook, webhook)

	ctx := context.Background()
	require.NoError(t, r.Send(ctx, models.TransportGateway, models.Reply{Destination: "c1", Content: "via gateway"}))
	require.NoError(t, r.Send(ctx, models.TransportWebhook, models.Reply{Destination: "c2", Content: "via api"}))

	require.Len(t, gateway.replies, 1)
	assert.Equal(t, "via gateway", gateway.replies[0].Content)
	require.Len(t, webhook.replies, 1)
	assert.Equal(t, "via api", webhook.replies[0].Content)
}

func TestRouter_NoRoute(t *testing.T) {
	r := NewRouter()
	r.Route(models.TransportGateway, &recorder{})

	err := r.Send(context.Background(), models.TransportWebhook, models.Reply{})
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestRouter_SenderError(t *testing.T) {
	r := NewRouter()
	cause := errors.New("rate limited")
	r.Route(models.TransportWebhook, &recorder{err: cause})

	err := r.Send(context.Background(), models.TransportWebhook, models.Reply{Destination: "c9"})
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "c9")
}

func TestRouter_RouteReplaces(t *testing.T) {
	first, second := &recorder{}, &recorder{}
	r := NewRouter()
	r.Route(models.TransportGateway, first)
	r.Route(models.TransportGateway, SenderFunc(second.Send))

	require.NoError(t, r.Send(context.Background(), models.TransportGateway, models.Reply{Content: "x"}))
	assert.Empty(t, first.replies)
	assert.Len(t, second.replies, 1)
}

func TestRouter_CountsRoutingNotDelivery(t *testing.T) {
	r := NewRouter()
	r.Route(models.TransportGateway, &recorder{})
	r.Route(models.TransportWebhook, &recorder{err: errors.New("boom")})

	routedOK := metrics.OutboundRouted.WithLabelValues("gateway", "ok")
	routedErr := metrics.OutboundRouted.WithLabelValues("webhook", "error")
	sent := metrics.OutboundSent.WithLabelValues("gateway", "sent")
	okBefore, errBefore, sentBefore := testutil.ToFloat64(routedOK), testutil.ToFloat64(routedErr), testutil.ToFloat64(sent)

	ctx := context.Background()
	require.NoError(t, r.Send(ctx, models.TransportGateway, models.Reply{Destination: "c1"}))
	require.Error(t, r.Send(ctx, models.TransportWebhook, models.Reply{Destination: "c2"}))

	assert.Equal(t, float64(1), testutil.ToFloat64(routedOK)-okBefore)
	assert.Equal(t, float64(1), testutil.ToFloat64(routedErr)-errBefore)
	assert.Equal(t, float64(0), testutil.ToFloat64(sent)-sentBefore, "delivery is counted by the sender")
}
