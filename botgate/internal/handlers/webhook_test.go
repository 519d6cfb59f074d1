package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/botgate/botgate/internal/gateway"
	"github.com/telhawk-systems/botgate/botgate/internal/models"
	"github.com/telhawk-systems/botgate/botgate/internal/signature"
	"github.com/telhawk-systems/botgate/common/logging"
	"github.com/telhawk-systems/botgate/common/middleware"
)

const testSecret = "DG5g3B4j9X2KOErG"

func newTestWebhook(t *testing.T, cfg WebhookConfig, buffer int) (*WebhookHandler, *signature.Signer, chan models.RawPayload) {
	t.Helper()
	signer, err := signature.NewSignerFromSecret(testSecret)
	require.NoError(t, err)
	out := make(chan models.RawPayload, buffer)
	return NewWebhookHandler(signer.Verifier(), signer, out, cfg, nil), signer, out
}

func signedRequest(signer *signature.Signer, body, ts, nonce string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, signer.Sign(ts, nonce, []byte(body)))
	return req
}

const messageBody = `{"op":0,"id":"evt-1","t":"C2C_MESSAGE_CREATE","d":{"id":"m1","content":"hi","author":{"user_openid":"u1"}}}`

func TestHandleCallback_ValidSignature(t *testing.T) {
	h, signer, out := newTestWebhook(t, WebhookConfig{}, 1)

	rec := httptest.NewRecorder()
	h.HandleCallback(rec, signedRequest(signer, messageBody, "1725442341", "nonce-1"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"op":12}`, rec.Body.String())

	require.Len(t, out, 1)
	raw := <-out
	assert.Equal(t, models.TransportWebhook, raw.Transport)
	assert.Equal(t, messageBody, string(raw.Body))
	assert.Equal(t, "1725442341", raw.Timestamp)
	assert.Equal(t, "nonce-1", raw.Nonce)
	assert.NotEmpty(t, raw.Signature)
	assert.False(t, raw.ReceivedAt.IsZero())
}

func TestHandleCallback_RejectsInvalid(t *testing.T) {
	h, signer, out := newTestWebhook(t, WebhookConfig{}, 1)

	tests := []struct {
		name   string
		mutate func(r *http.Request)
		body   string
	}{
		{
			name: "tampered body",
			body: strings.Replace(messageBody, "hi", "ho", 1),
		},
		{
			name:   "different nonce",
			body:   messageBody,
			mutate: func(r *http.Request) { r.Header.Set(HeaderNonce, "nonce-2") },
		},
		{
			name:   "different timestamp",
			body:   messageBody,
			mutate: func(r *http.Request) { r.Header.Set(HeaderTimestamp, "1725442342") },
		},
		{
			name:   "missing signature",
			body:   messageBody,
			mutate: func(r *http.Request) { r.Header.Del(HeaderSignature) },
		},
		{
			name:   "signature not hex",
			body:   messageBody,
			mutate: func(r *http.Request) { r.Header.Set(HeaderSignature, "zz") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// headers sign the original body; the request carries tt.body
			signed := signedRequest(signer, messageBody, "1725442341", "nonce-1")
			req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(tt.body))
			req.Header = signed.Header.Clone()
			if tt.mutate != nil {
				tt.mutate(req)
			}

			rec := httptest.NewRecorder()
			h.HandleCallback(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Empty(t, out, "rejected callbacks produce no payload")
		})
	}
}

func TestHandleCallback_RejectionLogCarriesRequestID(t *testing.T) {
	signer, err := signature.NewSignerFromSecret(testSecret)
	require.NoError(t, err)
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, slog.LevelInfo, "json")
	h := NewWebhookHandler(signer.Verifier(), signer, make(chan models.RawPayload, 1), WebhookConfig{}, logger)

	req := signedRequest(signer, messageBody, "1725442341", "nonce-1")
	req.Header.Set(HeaderNonce, "nonce-2")
	req = req.WithContext(context.WithValue(req.Context(), middleware.RequestIDKey, "req-77"))

	rec := httptest.NewRecorder()
	h.HandleCallback(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, buf.String(), "rejected callback with invalid signature")
	assert.Contains(t, buf.String(), `"request_id":"req-77"`)
	assert.Contains(t, buf.String(), `"component":"webhook"`)
}

func TestHandleCallback_Challenge(t *testing.T) {
	h, _, out := newTestWebhook(t, WebhookConfig{}, 1)

	body := `{"op":13,"d":{"plain_token":"Arq0D5A61EgUu4OxUvOp","event_ts":"1725442341"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleCallback(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Arq0D5A61EgUu4OxUvOp", resp["plain_token"])
	assert.Equal(t, "87befc99c42c651b3aac0278e71ada338433ae26fcb24307bdc5ad38c1adc2d01bcfcadc0842edac85e85205028a1132afe09280305f13aa6909ffc2d652c706", resp["signature"])
	assert.Empty(t, out, "challenges never become events")
}

func TestHandleCallback_ChallengeWithoutSignerIsVerified(t *testing.T) {
	signer, err := signature.NewSignerFromSecret(testSecret)
	require.NoError(t, err)
	out := make(chan models.RawPayload, 1)
	h := NewWebhookHandler(signer.Verifier(), nil, out, WebhookConfig{}, nil)

	body := `{"op":13,"d":{"plain_token":"x","event_ts":"1"}}`
	rec := httptest.NewRecorder()
	h.HandleCallback(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body)))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, out)
}

func TestHandleCallback_MalformedChallengeFallsThrough(t *testing.T) {
	h, _, out := newTestWebhook(t, WebhookConfig{}, 1)

	body := `{"op":13,"d":{"plain_token":""}}`
	rec := httptest.NewRecorder()
	h.HandleCallback(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body)))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, out)
}

func TestHandleCallback_MethodNotAllowed(t *testing.T) {
	h, _, _ := newTestWebhook(t, WebhookConfig{}, 1)

	rec := httptest.NewRecorder()
	h.HandleCallback(rec, httptest.NewRequest(http.MethodGet, "/webhook", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestHandleCallback_BodyTooLarge(t *testing.T) {
	h, signer, out := newTestWebhook(t, WebhookConfig{MaxBodyBytes: 32}, 1)

	rec := httptest.NewRecorder()
	h.HandleCallback(rec, signedRequest(signer, messageBody, "1", "n"))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, out)
}

func TestHandleCallback_ClockSkew(t *testing.T) {
	h, signer, out := newTestWebhook(t, WebhookConfig{MaxClockSkew: 5 * time.Minute}, 2)
	now := time.Unix(1725442341, 0)
	h.now = func() time.Time { return now }

	fresh := strconv.FormatInt(now.Add(-time.Minute).Unix(), 10)
	rec := httptest.NewRecorder()
	h.HandleCallback(rec, signedRequest(signer, messageBody, fresh, "n1"))
	assert.Equal(t, http.StatusOK, rec.Code)

	stale := strconv.FormatInt(now.Add(-time.Hour).Unix(), 10)
	rec = httptest.NewRecorder()
	h.HandleCallback(rec, signedRequest(signer, messageBody, stale, "n2"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.HandleCallback(rec, signedRequest(signer, messageBody, "yesterday", "n3"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Len(t, out, 1)
}

func TestHandleCallback_ShuttingDown(t *testing.T) {
	h, signer, out := newTestWebhook(t, WebhookConfig{}, 1)
	h.BeginShutdown()
	h.BeginShutdown()

	rec := httptest.NewRecorder()
	h.HandleCallback(rec, signedRequest(signer, messageBody, "1", "n"))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, out)
}

func TestHandleCallback_ShutdownWhileBlocked(t *testing.T) {
	h, signer, _ := newTestWebhook(t, WebhookConfig{}, 0)

	done := make(chan int, 1)
	go func() {
		rec := httptest.NewRecorder()
		h.HandleCallback(rec, signedRequest(signer, messageBody, "1", "n"))
		done <- rec.Code
	}()

	time.Sleep(20 * time.Millisecond)
	h.BeginShutdown()

	select {
	case code := <-done:
		assert.Equal(t, http.StatusServiceUnavailable, code)
	case <-time.After(2 * time.Second):
		t.Fatal("handler stayed blocked after shutdown")
	}
}

type fakeSession struct{ state gateway.State }

func (f fakeSession) State() gateway.State { return f.state }

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name        string
		session     SessionStatus
		wantCode    int
		wantGateway string
	}{
		{"gateway ready", fakeSession{gateway.Ready}, http.StatusOK, "ready"},
		{"gateway resuming", fakeSession{gateway.Resuming}, http.StatusServiceUnavailable, "resuming"},
		{"gateway disabled", nil, http.StatusOK, "disabled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.session)

			rec := httptest.NewRecorder()
			h.Ready(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			assert.Equal(t, tt.wantCode, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantGateway, body["gateway"])

			rec = httptest.NewRecorder()
			h.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", clientIP(req))

	req.Header.Set("X-Real-IP", "10.0.0.2")
	assert.Equal(t, "10.0.0.2", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.3")
	assert.Equal(t, "203.0.113.5", clientIP(req))
}
