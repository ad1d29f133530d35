// Package sdk is the Go client for a corral coordination node.
//
// Example:
//
//	client := sdk.New(sdk.Config{BaseURL: "http://localhost:8080"})
//	err := client.Agents.Register(ctx, "worker-1", []string{"transcribe"})
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

type Config struct {
	// BaseURL of the node. Empty → CORRAL_URL env var → http://localhost:8080.
	BaseURL string

	// Timeout is the HTTP client timeout. Default: 30s.
	Timeout time.Duration
}

type Client struct {
	BaseURL string
	HTTP    *http.Client

	Agents       *AgentsService
	Messages     *MessagesService
	Coordination *CoordinationService
	Bridge       *BridgeService
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		BaseURL: resolveURL(cfg.BaseURL),
		HTTP:    &http.Client{Timeout: cfg.Timeout},
	}
	c.Agents = &AgentsService{client: c}
	c.Messages = &MessagesService{client: c}
	c.Coordination = &CoordinationService{client: c}
	c.Bridge = &BridgeService{client: c}
	return c
}

func resolveURL(override string) string {
	if v := strings.TrimSpace(override); v != "" {
		return strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(os.Getenv("CORRAL_URL")); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://localhost:8080"
}

type envelope[T any] struct {
	OK    bool `json:"ok"`
	Data  T    `json:"data"`
	Error any  `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var raw envelope[json.RawMessage]
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if !raw.OK {
		return &APIError{Status: resp.StatusCode, raw: raw.Error}
	}
	if out != nil {
		return json.Unmarshal(raw.Data, out)
	}
	return nil
}

// APIError carries the HTTP status and the server's error body.
type APIError struct {
	Status int
	raw    any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %v", e.Status, e.raw)
}

// Code extracts the machine-readable error code, if the server sent one.
func (e *APIError) Code() string {
	if m, ok := e.raw.(map[string]any); ok {
		if code, ok := m["code"].(string); ok {
			return code
		}
	}
	return ""
}
