// Package supervisor runs the coordination loop: once per tick it sweeps
// agent health, evaluates emergency thresholds against collected metrics,
// resolves contended action requests, and forwards improvement triggers to
// the integration bridge.
package supervisor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"corral/internal/bridge"
	"corral/internal/conflict"
	"corral/internal/emergency"
	"corral/internal/model"
	"corral/internal/registry"
)

var ErrQueueFull = errors.New("pending action queue full")

// ConflictSink persists resolved conflicts for audit.
type ConflictSink interface {
	AddConflict(ctx context.Context, rec model.ConflictRecord) error
}

// PublishFunc hands loop events to the message bus.
type PublishFunc func(topic string, payload map[string]any, priority model.Priority)

// healthEvery controls how many ticks pass between bridge health
// publications.
const healthEvery = 10

type Supervisor struct {
	registry  *registry.Registry
	emergency *emergency.Manager
	collector *Collector
	bridge    *bridge.Bridge
	conflicts ConflictSink
	publish   PublishFunc

	tick       time.Duration
	maxPending int

	mu      sync.Mutex
	pending []model.ActionRequest
	cycle   CycleMetrics

	clock func() time.Time
}

func New(reg *registry.Registry, em *emergency.Manager, col *Collector, br *bridge.Bridge, sink ConflictSink, publish PublishFunc, tick time.Duration, maxPending int) *Supervisor {
	if tick <= 0 {
		tick = time.Second
	}
	if maxPending <= 0 {
		maxPending = 1024
	}
	if publish == nil {
		publish = func(string, map[string]any, model.Priority) {}
	}
	return &Supervisor{
		registry:   reg,
		emergency:  em,
		collector:  col,
		bridge:     br,
		conflicts:  sink,
		publish:    publish,
		tick:       tick,
		maxPending: maxPending,
		clock:      time.Now,
	}
}

// Propose queues an action request for resolution on the next tick.
func (s *Supervisor) Propose(req model.ActionRequest) error {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = s.clock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) >= s.maxPending {
		return ErrQueueFull
	}
	s.pending = append(s.pending, req)
	return nil
}

// Run drives the coordination loop until ctx is done. Ticks never overlap:
// a cycle that outlasts the tick interval delays the next cycle and is
// counted as an overrun.
func (s *Supervisor) Run(ctx context.Context) {
	log.Printf("[supervisor] coordination loop started (tick %s)", s.tick)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[supervisor] coordination loop stopped")
			return
		case <-ticker.C:
			s.RunTick(ctx)
		}
	}
}

// RunTick executes one coordination cycle synchronously.
func (s *Supervisor) RunTick(ctx context.Context) {
	started := s.clock()

	results := s.sweepAgents(ctx)
	snapshot := s.collectMetrics()
	results = append(results, s.emergency.Evaluate(ctx, snapshot)...)
	records := s.resolveConflicts(ctx)
	s.forwardTriggers(ctx, snapshot, results, records)

	elapsed := s.clock().Sub(started)
	s.mu.Lock()
	s.cycle.Ticks++
	s.cycle.Conflicts += int64(len(records))
	s.cycle.Emergencies += int64(len(results))
	s.cycle.LastDuration = elapsed
	s.cycle.AvgDuration += (elapsed - s.cycle.AvgDuration) / time.Duration(s.cycle.Ticks)
	s.cycle.LastTickAt = started
	if elapsed > s.tick {
		s.cycle.Overruns++
		log.Printf("[supervisor] tick overran: %s > %s", elapsed, s.tick)
	}
	ticks := s.cycle.Ticks
	s.mu.Unlock()

	if s.bridge != nil && ticks%healthEvery == 0 {
		s.bridge.PublishHealth(ctx)
	}
}

// Stats returns a copy of the loop's cycle metrics.
func (s *Supervisor) Stats() CycleMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycle
}

// sweepAgents applies heartbeat-derived transitions, announces them, and
// raises a downtime emergency for every agent that went offline. Returns the
// intervention results of the emergencies raised.
func (s *Supervisor) sweepAgents(ctx context.Context) []model.InterventionResult {
	var results []model.InterventionResult
	for _, tr := range s.registry.Sweep() {
		s.publish(model.TopicAgentStatus, map[string]any{
			"agent_id": tr.AgentID,
			"from":     string(tr.From),
			"to":       string(tr.To),
			"evicted":  tr.Evicted,
		}, model.PriorityHigh)
		if tr.To == model.AgentStatusOffline {
			if res, ok := s.emergency.RaiseDowntime(ctx, tr.AgentID); ok {
				results = append(results, res)
				log.Printf("[supervisor] downtime emergency raised for %s", tr.AgentID)
			}
		}
	}
	return results
}

func (s *Supervisor) collectMetrics() model.MetricsSnapshot {
	snapshot := s.collector.Snapshot()
	total, active := s.registry.Count()
	snapshot["agents_total"] = float64(total)
	snapshot["agents_active"] = float64(active)
	return snapshot
}

// resolveConflicts drains the pending queue, resolves each contended
// resource deterministically, persists the audit record, and announces the
// outcome. Returns the records of the conflicts settled this cycle.
func (s *Supervisor) resolveConflicts(ctx context.Context) []model.ConflictRecord {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	var records []model.ConflictRecord
	now := s.clock()
	for resource, reqs := range conflict.GroupByResource(batch) {
		rec, err := conflict.Resolve(resource, reqs, now)
		if err != nil {
			log.Printf("[supervisor] resolve %s: %v", resource, err)
			continue
		}
		records = append(records, rec)
		if s.conflicts != nil {
			if err := s.conflicts.AddConflict(ctx, rec); err != nil {
				log.Printf("[supervisor] persist conflict %s: %v", rec.ID, err)
			}
		}
		s.publish(model.TopicConflictResolved, map[string]any{
			"conflict_id":   rec.ID,
			"resource":      resource,
			"winner_source": rec.Resolution.SourceID,
			"winner_action": rec.Resolution.Action,
			"contenders":    len(rec.Outcomes),
		}, model.PriorityHigh)
	}
	return records
}

// forwardTriggers pushes an improvement trigger through the bridge for every
// emergency raised this cycle, downtime included, with the cycle's conflict
// resolutions attached. Bridge errors are already dead-lettered; the loop
// only logs them.
func (s *Supervisor) forwardTriggers(ctx context.Context, snapshot model.MetricsSnapshot, results []model.InterventionResult, records []model.ConflictRecord) {
	if s.bridge == nil || len(results) == 0 {
		return
	}
	perf := make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		perf[k] = v
	}
	conflicts := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		conflicts = append(conflicts, map[string]any{
			"resource":      rec.Resource,
			"winner_source": rec.Resolution.SourceID,
			"winner_action": rec.Resolution.Action,
			"contenders":    len(rec.Outcomes),
		})
	}
	for _, res := range results {
		payload := map[string]any{
			"trigger_type":     "emergency_intervention",
			"performance_data": perf,
			"timestamp":        s.clock().UTC().Format(time.RFC3339Nano),
			"emergency_id":     res.EmergencyID,
			"intervened":       res.Succeeded,
			"conflict_summary": conflicts,
		}
		if err := s.bridge.Send(ctx, bridge.ContractImprovementTrigger, payload, model.PriorityHigh); err != nil {
			log.Printf("[supervisor] improvement trigger for %s: %v", res.EmergencyID, err)
		}
	}
}
