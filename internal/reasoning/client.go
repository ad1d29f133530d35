// Package reasoning talks to the external reasoning service that proposes
// remediation plans during escalations. The service is optional: callers
// must tolerate errors and fall back to canned guidance.
package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"corral/internal/model"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.BaseURL != ""
}

type adviceRequest struct {
	EmergencyType string         `json:"emergency_type"`
	Severity      float64        `json:"severity"`
	Metric        string         `json:"metric"`
	Value         float64        `json:"value"`
	Threshold     float64        `json:"threshold"`
	Attempted     []string       `json:"attempted_protocols"`
	Context       map[string]any `json:"context,omitempty"`
}

type Advice struct {
	Summary string   `json:"summary"`
	Steps   []string `json:"steps"`
}

// Advise asks the reasoning service what to do about an emergency that the
// automated protocols could not clear.
func (c *Client) Advise(ctx context.Context, ev model.EmergencyEvent, attempted []string) (Advice, error) {
	req := adviceRequest{
		EmergencyType: string(ev.Type),
		Severity:      ev.Severity,
		Metric:        ev.Metric,
		Value:         ev.Value,
		Threshold:     ev.Threshold,
		Attempted:     attempted,
	}
	var out Advice
	if err := c.do(ctx, "/api/v1/reasoning/advise", req, &out); err != nil {
		return Advice{}, err
	}
	if out.Summary == "" {
		return Advice{}, fmt.Errorf("reasoning service returned empty advice")
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, path string, reqBody any, out any) error {
	endpoint := strings.TrimSuffix(c.BaseURL, "/") + path
	b, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("reasoning service status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
