package sdk

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentDegraded AgentStatus = "degraded"
	AgentOffline  AgentStatus = "offline"
)

type Agent struct {
	AgentID       string      `json:"agent_id"`
	Capabilities  []string    `json:"capabilities"`
	Status        AgentStatus `json:"status"`
	RegisteredAt  time.Time   `json:"registered_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
}

type AgentsService struct {
	client *Client
}

func (s *AgentsService) Register(ctx context.Context, agentID string, capabilities []string) (Agent, error) {
	var out Agent
	err := s.client.do(ctx, http.MethodPost, "/api/v1/agents", map[string]any{
		"agent_id":     agentID,
		"capabilities": capabilities,
	}, &out)
	return out, err
}

// List returns all registered agents. Pass a status to filter; only
// "active" is recognized by the server, anything else returns everyone.
func (s *AgentsService) List(ctx context.Context, status AgentStatus) ([]Agent, error) {
	path := "/api/v1/agents"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out []Agent
	err := s.client.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (s *AgentsService) Get(ctx context.Context, agentID string) (Agent, error) {
	var out Agent
	err := s.client.do(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(agentID), nil, &out)
	return out, err
}

func (s *AgentsService) Heartbeat(ctx context.Context, agentID string) error {
	return s.client.do(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(agentID)+"/heartbeat", map[string]any{}, nil)
}

func (s *AgentsService) Deregister(ctx context.Context, agentID string) error {
	return s.client.do(ctx, http.MethodDelete, "/api/v1/agents/"+url.PathEscape(agentID), nil, nil)
}

// ReportMetrics pushes gauge readings for the next coordination cycle.
func (s *AgentsService) ReportMetrics(ctx context.Context, readings map[string]float64) error {
	return s.client.do(ctx, http.MethodPost, "/api/v1/metrics", readings, nil)
}
