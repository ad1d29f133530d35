package sdk

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

type BreakerState struct {
	Channel             string     `json:"channel"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	ProbeBudget         int        `json:"probe_budget"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

type BridgeHealth struct {
	Breaker         BreakerState `json:"breaker"`
	DeadLetterDepth int          `json:"dead_letter_depth"`
	Processed       int64        `json:"messages_processed"`
	Failed          int64        `json:"messages_failed"`
	Throttled       int64        `json:"messages_throttled"`
	CheckedAt       time.Time    `json:"checked_at"`
}

type DeadLetter struct {
	ID            string    `json:"id"`
	FailureReason string    `json:"failure_reason"`
	RetryCount    int       `json:"retry_count"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

type BridgeService struct {
	client *Client
}

func (s *BridgeService) Health(ctx context.Context) (BridgeHealth, error) {
	var out BridgeHealth
	err := s.client.do(ctx, http.MethodGet, "/api/v1/bridge/health", nil, &out)
	return out, err
}

// SendTrigger pushes an improvement trigger through the bridge to the
// external pipeline. The payload must satisfy the improvement_trigger
// contract: trigger_type, performance_data and timestamp are required.
func (s *BridgeService) SendTrigger(ctx context.Context, payload map[string]any, priority Priority) error {
	body := map[string]any{"payload": payload}
	if priority != "" {
		body["priority"] = priority
	}
	return s.client.do(ctx, http.MethodPost, "/api/v1/bridge/trigger", body, nil)
}

func (s *BridgeService) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	path := "/api/v1/bridge/deadletters"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []DeadLetter
	err := s.client.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (s *BridgeService) Replay(ctx context.Context, id string) error {
	return s.client.do(ctx, http.MethodPost, "/api/v1/bridge/deadletters/"+url.PathEscape(id)+"/replay", map[string]any{}, nil)
}

// ReplayAll drains the dead letter queue oldest-first and returns how many
// messages were delivered. It stops early if the circuit opens.
func (s *BridgeService) ReplayAll(ctx context.Context) (int, error) {
	var out struct {
		Replayed int `json:"replayed"`
	}
	if err := s.client.do(ctx, http.MethodPost, "/api/v1/bridge/deadletters/replay", map[string]any{}, &out); err != nil {
		return 0, err
	}
	return out.Replayed, nil
}

func (s *BridgeService) Discard(ctx context.Context, id string) error {
	return s.client.do(ctx, http.MethodDelete, "/api/v1/bridge/deadletters/"+url.PathEscape(id), nil, nil)
}
