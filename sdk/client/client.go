// Package client is a small HTTP client for the extension manager gateway.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cordum/extmgr/core/configsvc"
	"github.com/cordum/extmgr/core/extensions"
	"github.com/cordum/extmgr/core/infra/store"
	"github.com/cordum/extmgr/core/policy"
	"github.com/gorilla/websocket"
)

// Client is a minimal HTTP client for the API gateway.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// New returns a client with a default HTTP timeout.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

// HistoryOptions selects the history page.
type HistoryOptions struct {
	Desc  bool
	Limit int
}

// EvaluateRequest previews a decision. Set ID to evaluate a host extension
// or Record to evaluate an arbitrary one; Policy overrides the stored one.
type EvaluateRequest struct {
	ID     string             `json:"id,omitempty"`
	Record *extensions.Record `json:"record,omitempty"`
	Policy *policy.Policy     `json:"policy,omitempty"`
}

// EvaluateResponse is the gateway's evaluate reply.
type EvaluateResponse struct {
	Record   extensions.Record `json:"record"`
	Decision policy.Decision   `json:"decision"`
}

// StreamEvent is one frame of the websocket stream.
type StreamEvent struct {
	Type  string            `json:"type"`
	Entry *extensions.Entry `json:"entry,omitempty"`
	Data  json.RawMessage   `json:"data,omitempty"`
}

func (c *Client) endpoint(path string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	return base + path
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		payload = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), payload)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

type itemsResponse[T any] struct {
	Items []T `json:"items"`
}

// ListExtensions lists the extensions currently reported by the host.
func (c *Client) ListExtensions(ctx context.Context) ([]extensions.Record, error) {
	var out itemsResponse[extensions.Record]
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/extensions", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// SetEnabled enables or disables an extension on the host.
func (c *Client) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if id == "" {
		return fmt.Errorf("extension id required")
	}
	action := "disable"
	if enabled {
		action = "enable"
	}
	return c.doJSON(ctx, http.MethodPost, "/api/v1/extensions/"+url.PathEscape(id)+"/"+action, nil, nil)
}

// ListInstalled returns the persisted installed set.
func (c *Client) ListInstalled(ctx context.Context) ([]extensions.Record, error) {
	var out itemsResponse[extensions.Record]
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/installed", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// History returns the history log.
func (c *Client) History(ctx context.Context, opts HistoryOptions) ([]extensions.Entry, error) {
	q := url.Values{}
	if opts.Desc {
		q.Set("order", "desc")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/api/v1/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out itemsResponse[extensions.Entry]
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// ClearHistory empties the history log.
func (c *Client) ClearHistory(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/history", nil, nil)
}

// AllTime returns every extension ever seen installed.
func (c *Client) AllTime(ctx context.Context) ([]store.Seen, error) {
	var out itemsResponse[store.Seen]
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/alltime", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Evaluate previews a policy decision without side effects.
func (c *Client) Evaluate(ctx context.Context, req EvaluateRequest) (*EvaluateResponse, error) {
	var out EvaluateResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/policy/evaluate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProcessPermissions asks the worker to sweep the installed set.
func (c *Client) ProcessPermissions(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/policy/process", nil, nil)
}

// Resync asks the worker to rebuild the installed set from the host.
func (c *Client) Resync(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/resync", nil, nil)
}

// GetConfig fetches the options document.
func (c *Client) GetConfig(ctx context.Context) (*configsvc.Document, error) {
	var out configsvc.Document
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/config", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetConfig merges patch into the options document.
func (c *Client) SetConfig(ctx context.Context, patch map[string]any) (*configsvc.Document, error) {
	if len(patch) == 0 {
		return nil, fmt.Errorf("patch required")
	}
	var out configsvc.Document
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/config", patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetWhitelist replaces the whitelisted permissions of one extension.
func (c *Client) SetWhitelist(ctx context.Context, id string, perms []string) error {
	if id == "" {
		return fmt.Errorf("extension id required")
	}
	body := map[string][]string{"permissions": perms}
	return c.doJSON(ctx, http.MethodPut, "/api/v1/whitelist/"+url.PathEscape(id), body, nil)
}

// RemoveWhitelist drops the whitelist entry of one extension.
func (c *Client) RemoveWhitelist(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("extension id required")
	}
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/whitelist/"+url.PathEscape(id), nil, nil)
}

// GetStatus fetches the gateway status snapshot.
func (c *Client) GetStatus(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stream calls fn for every frame of the event stream until ctx is done,
// the connection drops or fn returns an error.
func (c *Client) Stream(ctx context.Context, fn func(StreamEvent) error) error {
	wsURL := c.endpoint("/api/v1/stream")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	header := http.Header{}
	if c.APIKey != "" {
		header.Set("X-API-Key", c.APIKey)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		var ev StreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode stream frame: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
