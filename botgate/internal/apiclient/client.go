// Package apiclient is a minimal client for the bot platform REST API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/telhawk-systems/botgate/botgate/internal/metrics"
	"github.com/telhawk-systems/botgate/botgate/internal/models"
	"github.com/telhawk-systems/botgate/botgate/internal/protocol"
	"github.com/telhawk-systems/botgate/botgate/internal/tokens"
	"github.com/telhawk-systems/botgate/common/middleware"
)

const (
	ProductionURL = "https://api.sgroup.qq.com"
	SandboxURL    = "https://sandbox.api.sgroup.qq.com"
)

// APIError is a non-2xx response from the platform.
type APIError struct {
	Status  int
	Code    int
	Message string
	TraceID string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("api error %d (code %d): %s [trace %s]", e.Status, e.Code, e.Message, e.TraceID)
	}
	return fmt.Sprintf("api error %d: %s [trace %s]", e.Status, e.Message, e.TraceID)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     tokens.Source
}

func New(baseURL string, timeout time.Duration, src tokens.Source) *Client {
	if baseURL == "" {
		baseURL = ProductionURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		tokens: src,
	}
}

type gatewayResponse struct {
	URL string `json:"url"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SendMessage posts a reply to the channel, group or user it addresses.
func (c *Client) SendMessage(ctx context.Context, reply models.Reply) error {
	if reply.Destination == "" {
		return errors.New("reply has no destination")
	}

	body := protocol.OutboundMessage{
		Destination: reply.Destination,
		MsgID:       reply.InReplyTo,
		Content:     reply.Content,
	}
	path := "/channels/" + url.PathEscape(reply.Destination) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		metrics.OutboundSent.WithLabelValues("api", "error").Inc()
		return err
	}
	metrics.OutboundSent.WithLabelValues("api", "sent").Inc()
	return nil
}

// Send implements outbound.Sender.
func (c *Client) Send(ctx context.Context, reply models.Reply) error {
	return c.SendMessage(ctx, reply)
}

// GatewayURL discovers the websocket URL to dial.
func (c *Client) GatewayURL(ctx context.Context) (string, error) {
	var resp gatewayResponse
	if err := c.do(ctx, http.MethodGet, "/gateway", nil, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", errors.New("gateway response has no url")
	}
	return resp.URL, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("get access token: %w", err)
	}

	var reader io.Reader
	if in != nil {
		bodyBytes, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Authorization", protocol.AuthToken(token))
	if in != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{
		Status:  resp.StatusCode,
		TraceID: resp.Header.Get(middleware.HeaderProviderTrace),
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body errorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}
