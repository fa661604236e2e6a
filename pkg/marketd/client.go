// Package marketd provides a Go SDK for the marketd control API.
package marketd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to a marketd server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a marketd API client for the given base URL, e.g.
// "http://127.0.0.1:8420".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("marketd: %s (HTTP %d)", e.Message, e.StatusCode)
}

// SystemStatus mirrors the server's system status payload.
type SystemStatus struct {
	State       string          `json:"state"`
	Mode        string          `json:"mode"`
	UptimeSec   int64           `json:"uptime_sec"`
	Goroutines  int             `json:"goroutines"`
	Coordinator json.RawMessage `json:"coordinator"`
}

// DynamicSymbol is one symbol added after session start.
type DynamicSymbol struct {
	Symbol  string `json:"symbol"`
	AddedBy string `json:"added_by"`
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := string(body)
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = body
		return nil
	}
	return json.Unmarshal(body, out)
}

// StartSystem starts the session stack.
func (c *Client) StartSystem(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/system/start", nil)
}

// StopSystem stops the session stack and waits for shutdown.
func (c *Client) StopSystem(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/system/stop", nil)
}

// GetSystemStatus retrieves process and coordinator state.
func (c *Client) GetSystemStatus(ctx context.Context) (*SystemStatus, error) {
	var st SystemStatus
	if err := c.do(ctx, http.MethodGet, "/api/system/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetSessionStatus retrieves the session snapshot as raw JSON. With full set,
// every stored bar is included.
func (c *Client) GetSessionStatus(ctx context.Context, full bool) (json.RawMessage, error) {
	path := "/api/session/status"
	if full {
		path += "?full=true"
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Pause halts bar processing and strategy notifications.
func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/session/pause", nil)
}

// Resume releases a paused session.
func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/session/resume", nil)
}

// AddSymbol provisions a symbol mid-session.
func (c *Client) AddSymbol(ctx context.Context, symbol string) (*DynamicSymbol, error) {
	var out DynamicSymbol
	if err := c.do(ctx, http.MethodPut, "/api/data/symbols/"+url.PathEscape(symbol), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveSymbol drops a dynamically added symbol.
func (c *Client) RemoveSymbol(ctx context.Context, symbol string) error {
	return c.do(ctx, http.MethodDelete, "/api/data/symbols/"+url.PathEscape(symbol), nil)
}

// ListDynamicSymbols lists symbols added after session start.
func (c *Client) ListDynamicSymbols(ctx context.Context) ([]DynamicSymbol, error) {
	var out struct {
		Symbols []DynamicSymbol `json:"symbols"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/data/symbols/dynamic", &out); err != nil {
		return nil, err
	}
	return out.Symbols, nil
}

// RefreshCalendar merges upcoming exchange calendar days. Live mode only.
func (c *Client) RefreshCalendar(ctx context.Context) (int, error) {
	var out struct {
		Days int `json:"days"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/calendar/refresh", &out); err != nil {
		return 0, err
	}
	return out.Days, nil
}
