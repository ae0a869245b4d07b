package tabsplit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.tabsplit.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the JSON/HTTP implementation of RemoteService. It also builds
// the WebSocket and SSE push sources for the same server.
type Client struct {
	token      string
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, typically after re-authentication.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured server URL.
func (c *Client) BaseURL() string { return c.baseURL }

// APIError is the error body returned by the service.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiResult struct {
	OK       bool            `json:"ok"`
	Data     json.RawMessage `json:"data,omitempty"`
	Replayed bool            `json:"replayed,omitempty"`
	Error    *APIError       `json:"error,omitempty"`
	// Record carries the current server state on a conflict.
	Record json.RawMessage `json:"record,omitempty"`
}

// ============================================================================
// RemoteService
// ============================================================================

func (c *Client) Create(ctx context.Context, col Collection, entity Entity, idempotencyKey string) (CreateResult, error) {
	res, err := c.doRequest(ctx, http.MethodPost, "/api/"+string(col), col, createPayload(entity), idempotencyKey)
	if err != nil {
		return CreateResult{}, err
	}
	rec, err := decodeEntity(col, res.Data)
	if err != nil {
		return CreateResult{}, NewRemoteError(KindValidation, "bad_response", err.Error())
	}
	return CreateResult{Record: rec, Replayed: res.Replayed}, nil
}

func (c *Client) Update(ctx context.Context, col Collection, id string, entity Entity, idempotencyKey string) (Entity, error) {
	res, err := c.doRequest(ctx, http.MethodPatch, "/api/"+string(col)+"/"+url.PathEscape(id), col, entity, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if len(res.Data) == 0 || string(res.Data) == "null" {
		return nil, nil
	}
	rec, err := decodeEntity(col, res.Data)
	if err != nil {
		return nil, NewRemoteError(KindValidation, "bad_response", err.Error())
	}
	return rec, nil
}

func (c *Client) Delete(ctx context.Context, col Collection, id string, idempotencyKey string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/"+string(col)+"/"+url.PathEscape(id), col, nil, idempotencyKey)
	return err
}

// Probe checks that the service is reachable.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("health check: HTTP %d", resp.StatusCode)
	}
	return nil
}

// ============================================================================
// Push sources
// ============================================================================

// WS returns a WebSocket push source for this server.
func (c *Client) WS(config *RealtimeConfig) *WSSource {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	return NewWSSource(c.baseURL, &cfg)
}

// SSE returns a server-sent events push source for this server.
func (c *Client) SSE(config *RealtimeConfig) *SSESource {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	return NewSSESource(c.baseURL, &cfg)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, col Collection, body Entity, idempotencyKey string) (*apiResult, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, NewRemoteError(KindValidation, "encode", err.Error())
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RemoteError{Kind: KindNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RemoteError{Kind: KindNetwork, Message: "read response", Err: err}
	}

	var res apiResult
	if len(data) > 0 {
		if err := json.Unmarshal(data, &res); err != nil && resp.StatusCode < 300 {
			return nil, NewRemoteError(KindValidation, "bad_response", fmt.Sprintf("failed to unmarshal response: %v", err))
		}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &res, nil
	}

	re := &RemoteError{
		Kind:    classifyStatus(resp.StatusCode),
		Code:    fmt.Sprintf("http_%d", resp.StatusCode),
		Message: http.StatusText(resp.StatusCode),
	}
	if res.Error != nil {
		if res.Error.Code != "" {
			re.Code = res.Error.Code
		}
		if res.Error.Message != "" {
			re.Message = res.Error.Message
		}
	}
	if re.Kind == KindConflict && len(res.Record) > 0 && string(res.Record) != "null" {
		if rec, err := decodeEntity(col, res.Record); err == nil {
			re.Record = rec
		}
	}
	return nil, re
}

// classifyStatus maps an HTTP status to an ErrorKind.
func classifyStatus(status int) ErrorKind {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return KindValidation
	case http.StatusNotFound, http.StatusConflict, http.StatusGone:
		return KindConflict
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return KindNetwork
	}
	if status >= 500 {
		return KindNetwork
	}
	return KindValidation
}
