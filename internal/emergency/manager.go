// Package emergency detects threshold breaches in cycle metrics, raises
// emergencies with dwell and cooldown gating, and runs ordered intervention
// protocols until one succeeds.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"corral/internal/model"
)

var ErrNotFound = errors.New("emergency not found")

// downtimeCooldown gates repeated downtime emergencies for the same agent.
const downtimeCooldown = time.Minute

const historyLimit = 200

// PublishFunc decouples the manager from the bus package.
type PublishFunc func(topic string, payload map[string]any, priority model.Priority)

// Rule is one armed threshold with its dwell and cooldown windows resolved.
type Rule struct {
	Metric   string
	Value    float64
	Type     model.EmergencyType
	Severity float64
	Dwell    time.Duration
	Cooldown time.Duration
}

// Manager owns emergency lifecycle: detection, intervention, resolution.
type Manager struct {
	mu      sync.Mutex
	rules   []Rule
	active  map[string]*model.EmergencyEvent
	history []model.EmergencyEvent

	// firstExceeded tracks, per metric, when the reading first crossed its
	// threshold without dipping back. Dwell is measured from here.
	firstExceeded map[string]time.Time
	cooldownUntil map[string]time.Time

	protocols map[model.EmergencyType][]Protocol
	publish   PublishFunc
	clock     func() time.Time
}

func NewManager(rules []Rule, protocols map[model.EmergencyType][]Protocol, publish PublishFunc) *Manager {
	if publish == nil {
		publish = func(string, map[string]any, model.Priority) {}
	}
	return &Manager{
		rules:         rules,
		active:        map[string]*model.EmergencyEvent{},
		firstExceeded: map[string]time.Time{},
		cooldownUntil: map[string]time.Time{},
		protocols:     protocols,
		publish:       publish,
		clock:         time.Now,
	}
}

// WithClock overrides the manager's time source.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Evaluate checks one metrics snapshot against every rule and raises the
// emergencies whose dwell has elapsed and whose type is out of cooldown.
// Raised emergencies have their intervention protocols run before Evaluate
// returns.
func (m *Manager) Evaluate(ctx context.Context, snapshot model.MetricsSnapshot) []model.InterventionResult {
	now := m.clock()
	var toRaise []Rule

	m.mu.Lock()
	for _, rule := range m.rules {
		value, ok := snapshot[rule.Metric]
		if !ok || value <= rule.Value {
			delete(m.firstExceeded, rule.Metric)
			continue
		}
		first, seen := m.firstExceeded[rule.Metric]
		if !seen {
			m.firstExceeded[rule.Metric] = now
			first = now
		}
		if now.Sub(first) < rule.Dwell {
			continue
		}
		if now.Before(m.cooldownUntil[cooldownKey(rule.Type, "")]) {
			continue
		}
		r := rule
		r.Value = value // carry the observed reading
		toRaise = append(toRaise, r)
	}
	m.mu.Unlock()

	var results []model.InterventionResult
	for _, rule := range toRaise {
		ev := m.raise(rule.Type, rule.Severity, rule.Metric, rule.Value, ruleThreshold(m.rules, rule.Metric), rule.Cooldown, nil)
		results = append(results, m.intervene(ctx, ev))
	}
	return results
}

// RaiseDowntime raises a downtime emergency for an agent that went offline.
// Repeat raises for the same agent inside the cooldown window are suppressed.
func (m *Manager) RaiseDowntime(ctx context.Context, agentID string) (model.InterventionResult, bool) {
	now := m.clock()
	key := cooldownKey(model.EmergencyDowntime, agentID)
	m.mu.Lock()
	if now.Before(m.cooldownUntil[key]) {
		m.mu.Unlock()
		return model.InterventionResult{}, false
	}
	m.cooldownUntil[key] = now.Add(downtimeCooldown)
	m.mu.Unlock()

	ev := m.raise(model.EmergencyDowntime, 0.9, "agent_offline", 1, 0, downtimeCooldown, []string{agentID})
	return m.intervene(ctx, ev), true
}

// Resolve marks an active emergency resolved and announces it.
func (m *Manager) Resolve(id string) error {
	now := m.clock()
	m.mu.Lock()
	ev, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ev.Resolved = true
	ev.ResolvedAt = &now
	resolved := *ev
	delete(m.active, id)
	m.appendHistory(resolved)
	m.mu.Unlock()

	log.Printf("[emergency] resolved %s (%s)", resolved.ID, resolved.Type)
	m.publish(model.TopicEmergencyResolved, map[string]any{
		"emergency_id": resolved.ID,
		"type":         string(resolved.Type),
		"resolved_at":  now.UTC().Format(time.RFC3339Nano),
	}, model.PriorityHigh)
	return nil
}

// Active returns emergencies not yet resolved.
func (m *Manager) Active() []model.EmergencyEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.EmergencyEvent, 0, len(m.active))
	for _, ev := range m.active {
		out = append(out, *ev)
	}
	return out
}

// History returns resolved emergencies, newest last, bounded at historyLimit.
func (m *Manager) History() []model.EmergencyEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.EmergencyEvent, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Manager) raise(typ model.EmergencyType, severity float64, metric string, value, threshold float64, cooldown time.Duration, agents []string) model.EmergencyEvent {
	now := m.clock()
	ev := model.EmergencyEvent{
		ID:             uuid.NewString(),
		Type:           typ,
		Severity:       severity,
		Metric:         metric,
		Value:          value,
		Threshold:      threshold,
		DetectedAt:     now,
		CooldownUntil:  now.Add(cooldown),
		AffectedAgents: agents,
	}
	m.mu.Lock()
	m.active[ev.ID] = &ev
	m.cooldownUntil[cooldownKey(typ, "")] = ev.CooldownUntil
	delete(m.firstExceeded, metric)
	m.mu.Unlock()

	log.Printf("[emergency] raised %s: %s %s=%.3f (severity %.2f)", ev.ID, typ, metric, value, severity)
	m.publish(model.TopicEmergencyRaised, map[string]any{
		"emergency_id": ev.ID,
		"type":         string(typ),
		"severity":     severity,
		"metric":       metric,
		"value":        value,
		"detected_at":  now.UTC().Format(time.RFC3339Nano),
	}, model.PriorityCritical)
	return ev
}

// intervene runs the type's protocols in order and stops at the first
// success. Protocol panics and errors only move execution to the next step.
func (m *Manager) intervene(ctx context.Context, ev model.EmergencyEvent) model.InterventionResult {
	result := model.InterventionResult{EmergencyID: ev.ID}
	for _, p := range m.protocols[ev.Type] {
		action := m.runProtocol(ctx, p, ev)
		result.Actions = append(result.Actions, action)
		if action.Succeeded {
			result.Succeeded = true
			break
		}
	}
	if !result.Succeeded {
		log.Printf("[emergency] all interventions failed for %s (%s)", ev.ID, ev.Type)
	}
	return result
}

func (m *Manager) runProtocol(ctx context.Context, p Protocol, ev model.EmergencyEvent) (action model.InterventionAction) {
	action = model.InterventionAction{Protocol: p.Name, ExecutedAt: m.clock()}
	defer func() {
		if r := recover(); r != nil {
			action.Succeeded = false
			action.Detail = fmt.Sprintf("panic: %v", r)
			log.Printf("[emergency] protocol %s panicked: %v", p.Name, r)
		}
	}()
	detail, err := p.Run(ctx, ev)
	action.Detail = detail
	if err != nil {
		action.Detail = err.Error()
		log.Printf("[emergency] protocol %s failed for %s: %v", p.Name, ev.ID, err)
		return action
	}
	action.Succeeded = true
	return action
}

func (m *Manager) appendHistory(ev model.EmergencyEvent) {
	m.history = append(m.history, ev)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
}

func cooldownKey(typ model.EmergencyType, agentID string) string {
	if agentID == "" {
		return string(typ)
	}
	return string(typ) + ":" + agentID
}

func ruleThreshold(rules []Rule, metric string) float64 {
	for _, r := range rules {
		if r.Metric == metric {
			return r.Value
		}
	}
	return 0
}
