// Package tokens provides bot access tokens for the gateway identify frame
// and REST calls.
package tokens

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// DefaultTokenURL is the platform endpoint that exchanges app credentials
// for an access token.
const DefaultTokenURL = "https://bots.qq.com/app/getAppAccessToken"

// refreshMargin is how long before expiry a cached token is replaced.
const refreshMargin = 60 * time.Second

var ErrEmptyToken = errors.New("access token is empty")

// Source returns a currently valid access token.
type Source interface {
	Token(ctx context.Context) (string, error)
}

// Static is a fixed token.
type Static string

func (s Static) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrEmptyToken
	}
	return string(s), nil
}

type appTokenRequest struct {
	AppID        string `json:"appId"`
	ClientSecret string `json:"clientSecret"`
}

type appTokenResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresIn   expiresIn `json:"expires_in"`
}

// expiresIn accepts both a JSON number and a numeric string.
type expiresIn int64

func (e *expiresIn) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*e = expiresIn(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expires_in: %w", err)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("expires_in: %w", err)
	}
	*e = expiresIn(n)
	return nil
}

// AppTokenSource exchanges an app id and secret for access tokens and
// caches each one until shortly before it expires.
type AppTokenSource struct {
	tokenURL     string
	appID        string
	clientSecret string
	httpClient   *http.Client
	now          func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewAppTokenSource(tokenURL, appID, clientSecret string, timeout time.Duration) *AppTokenSource {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &AppTokenSource{
		tokenURL:     tokenURL,
		appID:        appID,
		clientSecret: clientSecret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}
}

// Token returns the cached token or fetches a new one. Concurrent callers
// share a single fetch.
func (s *AppTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expiresAt) {
		return s.token, nil
	}

	token, ttl, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}

	s.token = token
	s.expiresAt = s.now().Add(ttl)
	return token, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (s *AppTokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

func (s *AppTokenSource) fetch(ctx context.Context) (string, time.Duration, error) {
	bodyBytes, err := json.Marshal(appTokenRequest{AppID: s.appID, ClientSecret: s.clientSecret})
	if err != nil {
		return "", 0, fmt.Errorf("marshal request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", 0, fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(request)
	if err != nil {
		return "", 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", 0, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var result appTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", 0, fmt.Errorf("decode response: %w", err)
	}
	if result.AccessToken == "" {
		return "", 0, ErrEmptyToken
	}

	lifetime := time.Duration(result.ExpiresIn) * time.Second
	ttl := lifetime - refreshMargin
	if ttl <= 0 {
		ttl = lifetime
	}
	return result.AccessToken, ttl, nil
}
