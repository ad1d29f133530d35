package sdk

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

type ActionRequest struct {
	SourceID      string    `json:"source_id"`
	Resource      string    `json:"resource"`
	Action        string    `json:"action"`
	PriorityScore float64   `json:"priority_score"`
	RequestedAt   time.Time `json:"requested_at"`
}

type RequestOutcome struct {
	Request ActionRequest `json:"request"`
	Won     bool          `json:"won"`
}

type ConflictRecord struct {
	ID         string           `json:"id"`
	Resource   string           `json:"resource"`
	Resolution ActionRequest    `json:"resolution"`
	Outcomes   []RequestOutcome `json:"outcomes"`
	ResolvedAt time.Time        `json:"resolved_at"`
}

type Emergency struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Severity       float64    `json:"severity"`
	Metric         string     `json:"metric"`
	Value          float64    `json:"value"`
	Threshold      float64    `json:"threshold"`
	DetectedAt     time.Time  `json:"detected_at"`
	AffectedAgents []string   `json:"affected_agents"`
	Resolved       bool       `json:"resolved"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

type CoordinationService struct {
	client *Client
}

// ProposeAction queues a request for a contended resource. The node settles
// contention on its next coordination tick; check Conflicts for the outcome.
func (s *CoordinationService) ProposeAction(ctx context.Context, sourceID, resource, action string, score float64) (ActionRequest, error) {
	var out ActionRequest
	err := s.client.do(ctx, http.MethodPost, "/api/v1/actions", map[string]any{
		"source_id":      sourceID,
		"resource":       resource,
		"action":         action,
		"priority_score": score,
	}, &out)
	return out, err
}

func (s *CoordinationService) Conflicts(ctx context.Context, resource string, limit int) ([]ConflictRecord, error) {
	values := url.Values{}
	if resource != "" {
		values.Set("resource", resource)
	}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/conflicts"
	if encoded := values.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out []ConflictRecord
	err := s.client.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Emergencies returns the active set, or the resolved history when
// history is true.
func (s *CoordinationService) Emergencies(ctx context.Context, history bool) ([]Emergency, error) {
	path := "/api/v1/emergencies"
	if history {
		path += "?scope=history"
	}
	var out []Emergency
	err := s.client.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (s *CoordinationService) ResolveEmergency(ctx context.Context, id string) error {
	return s.client.do(ctx, http.MethodPost, "/api/v1/emergencies/"+url.PathEscape(id)+"/resolve", map[string]any{}, nil)
}
