package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ValidatorClient delivers contract payloads to the external improvement
// pipeline over HTTP. POST {base}/api/v1/pipeline/{contract}.
type ValidatorClient struct {
	BaseURL string
	Client  *http.Client
}

func NewValidatorClient(baseURL string, timeout time.Duration) *ValidatorClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ValidatorClient{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (v *ValidatorClient) Deliver(ctx context.Context, contract string, payload map[string]any) error {
	endpoint := strings.TrimSuffix(v.BaseURL, "/") + "/api/v1/pipeline/" + contract
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := v.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("pipeline status %d for %s", resp.StatusCode, contract)
	}
	return nil
}
