package model

import "time"

// Bus topics exposed to collaborators.
const (
	TopicAgentStatus       = "agent.status"
	TopicAgentCommand      = "agent.command"
	TopicEmergencyRaised   = "emergency.raised"
	TopicEmergencyResolved = "emergency.resolved"
	TopicConflictResolved  = "conflict.resolved"
	TopicBridgeHealth      = "bridge.health"
	TopicDeployment        = "bridge.deployment"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank maps a priority to its delivery band. Unknown values rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

const PriorityBands = 4

type Message struct {
	ID              string         `json:"id"`
	Topic           string         `json:"topic"`
	Payload         map[string]any `json:"payload"`
	Priority        Priority       `json:"priority"`
	SenderID        string         `json:"sender_id"`
	CreatedAt       time.Time      `json:"created_at"`
	TTL             time.Duration  `json:"ttl"`
	ContractVersion string         `json:"contract_version,omitempty"`
}

// Expired reports whether the message TTL has elapsed at now.
// A zero TTL means the message never expires.
func (m Message) Expired(now time.Time) bool {
	return m.TTL > 0 && now.Sub(m.CreatedAt) > m.TTL
}

type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusDegraded AgentStatus = "degraded"
	AgentStatusOffline  AgentStatus = "offline"
)

type AgentRegistration struct {
	AgentID       string      `json:"agent_id"`
	Capabilities  []string    `json:"capabilities"`
	Status        AgentStatus `json:"status"`
	RegisteredAt  time.Time   `json:"registered_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
}

type EmergencyType string

const (
	EmergencyFailureRate        EmergencyType = "failure_rate"
	EmergencyLatency            EmergencyType = "latency"
	EmergencyDowntime           EmergencyType = "downtime"
	EmergencyResourceExhaustion EmergencyType = "resource_exhaustion"
	EmergencyRateLimit          EmergencyType = "rate_limit"
)

type EmergencyEvent struct {
	ID             string        `json:"id"`
	Type           EmergencyType `json:"type"`
	Severity       float64       `json:"severity"` // in [0,1]
	Metric         string        `json:"metric"`
	Value          float64       `json:"value"`
	Threshold      float64       `json:"threshold"`
	DetectedAt     time.Time     `json:"detected_at"`
	CooldownUntil  time.Time     `json:"cooldown_until"`
	AffectedAgents []string      `json:"affected_agents"`
	Resolved       bool          `json:"resolved"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
}

type InterventionAction struct {
	Protocol   string    `json:"protocol"`
	Succeeded  bool      `json:"succeeded"`
	Detail     string    `json:"detail,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

type InterventionResult struct {
	EmergencyID string               `json:"emergency_id"`
	Succeeded   bool                 `json:"succeeded"`
	Actions     []InterventionAction `json:"actions"`
}

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

// ConflictRecord is immutable once resolved. Outcomes preserve every
// competing request, winners and losers alike, for audit.
type ConflictRecord struct {
	ID         string           `json:"id"`
	Resource   string           `json:"resource"`
	Resolution ActionRequest    `json:"resolution"`
	Outcomes   []RequestOutcome `json:"outcomes"`
	ResolvedAt time.Time        `json:"resolved_at"`
}

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

type CircuitBreakerState struct {
	Channel             string       `json:"channel"`
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenedAt            *time.Time   `json:"opened_at,omitempty"`
	ProbeBudget         int          `json:"probe_budget"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

type DeadLetterEntry struct {
	ID            string    `json:"id"`
	Message       Message   `json:"message"`
	FailureReason string    `json:"failure_reason"`
	RetryCount    int       `json:"retry_count"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

type BridgeHealth struct {
	Breaker         CircuitBreakerState `json:"breaker"`
	DeadLetterDepth int                 `json:"dead_letter_depth"`
	Processed       int64               `json:"messages_processed"`
	Failed          int64               `json:"messages_failed"`
	Throttled       int64               `json:"messages_throttled"`
	CheckedAt       time.Time           `json:"checked_at"`
}

// MetricsSnapshot is the per-cycle view the coordination loop hands to the
// emergency manager. Keys are metric names, values are current readings.
type MetricsSnapshot map[string]float64
