package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"corral/internal/bridge"
	"corral/internal/config"
	"corral/internal/emergency"
	"corral/internal/model"
	"corral/internal/registry"
	"corral/internal/storage"
	"corral/internal/storage/repos"
)

type recorder struct {
	mu   sync.Mutex
	msgs []struct {
		Topic   string
		Payload map[string]any
	}
}

func (r *recorder) publish(topic string, payload map[string]any, _ model.Priority) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, struct {
		Topic   string
		Payload map[string]any
	}{topic, payload})
}

func (r *recorder) onTopic(topic string) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]any
	for _, m := range r.msgs {
		if m.Topic == topic {
			out = append(out, m.Payload)
		}
	}
	return out
}

type stubTransport struct {
	mu    sync.Mutex
	calls []map[string]any
	err   error
}

func (s *stubTransport) Deliver(_ context.Context, _ string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, payload)
	return nil
}

type harness struct {
	sup       *Supervisor
	reg       *registry.Registry
	col       *Collector
	store     *repos.Store
	rec       *recorder
	transport *stubTransport
	now       *time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "supervisor-test.db")
	db, err := storage.Open(ctx, cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(ctx, db); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	store := repos.New(db)

	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	rec := &recorder{}
	reg := registry.New(10*time.Second, 3, false)
	rules := []emergency.Rule{
		{Metric: "failure_rate", Value: 0.3, Type: model.EmergencyFailureRate, Severity: 0.8, Dwell: 2 * time.Second, Cooldown: 5 * time.Minute},
	}
	em := emergency.NewManager(rules, nil, rec.publish)
	transport := &stubTransport{}
	breaker := bridge.NewBreaker("pipeline", 5, 30*time.Second, 3, nil)
	br := bridge.New(transport, bridge.NewContracts(), breaker, store, nil, rec.publish, bridge.RetryPolicy{MaxAttempts: 1})
	col := NewCollector()

	sup := New(reg, em, col, br, store, rec.publish, time.Second, 8)
	sup.clock = clock

	// Serve all components from the same fake clock.
	reg.WithClock(clock)
	em.WithClock(clock)

	return &harness{sup: sup, reg: reg, col: col, store: store, rec: rec, transport: transport, now: &now}
}

func (h *harness) advance(d time.Duration) {
	*h.now = h.now.Add(d)
}

func TestTickRaisesDowntimeOnceForOfflineAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.reg.Register(model.AgentRegistration{AgentID: "steady"})
	h.reg.Register(model.AgentRegistration{AgentID: "flaky"})

	// Only one agent keeps heartbeating across the windows.
	for i := 0; i < 7; i++ {
		h.advance(10 * time.Second)
		h.reg.Heartbeat("steady")
		h.sup.RunTick(ctx)
	}

	status := h.rec.onTopic(model.TopicAgentStatus)
	if len(status) != 2 {
		t.Fatalf("agent.status events = %d, want 2 (degraded, offline)", len(status))
	}
	if status[0]["to"] != "degraded" || status[1]["to"] != "offline" {
		t.Fatalf("transitions = %v", status)
	}
	if status[0]["agent_id"] != "flaky" {
		t.Fatalf("wrong agent transitioned: %v", status[0])
	}

	raised := h.rec.onTopic(model.TopicEmergencyRaised)
	if len(raised) != 1 {
		t.Fatalf("emergency.raised = %d, want exactly 1", len(raised))
	}
	if raised[0]["type"] != "downtime" {
		t.Fatalf("emergency type = %v", raised[0]["type"])
	}

	// The raised emergency forwarded an improvement trigger.
	h.transport.mu.Lock()
	calls := append([]map[string]any(nil), h.transport.calls...)
	h.transport.mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("improvement triggers = %d, want 1", len(calls))
	}
	if calls[0]["trigger_type"] != "emergency_intervention" {
		t.Fatalf("trigger_type = %v", calls[0]["trigger_type"])
	}
	if calls[0]["emergency_id"] != raised[0]["emergency_id"] {
		t.Fatalf("trigger emergency_id = %v, want %v", calls[0]["emergency_id"], raised[0]["emergency_id"])
	}

	got, _ := h.reg.Get("steady")
	if got.Status != model.AgentStatusActive {
		t.Fatalf("steady agent status = %s, want active", got.Status)
	}
}

func TestTickEvaluatesCollectedMetrics(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.col.Set("failure_rate", 0.5)
	h.sup.RunTick(ctx) // dwell starts
	h.advance(3 * time.Second)
	h.sup.RunTick(ctx)

	raised := h.rec.onTopic(model.TopicEmergencyRaised)
	if len(raised) != 1 {
		t.Fatalf("emergency.raised = %d, want 1", len(raised))
	}
	if raised[0]["metric"] != "failure_rate" {
		t.Fatalf("metric = %v", raised[0]["metric"])
	}

	// The forwarded trigger carries the registry gauges alongside the
	// collected readings.
	h.transport.mu.Lock()
	defer h.transport.mu.Unlock()
	if len(h.transport.calls) != 1 {
		t.Fatalf("triggers = %d, want 1", len(h.transport.calls))
	}
	perf, ok := h.transport.calls[0]["performance_data"].(map[string]any)
	if !ok {
		t.Fatalf("performance_data = %T", h.transport.calls[0]["performance_data"])
	}
	if perf["failure_rate"] != 0.5 {
		t.Fatalf("failure_rate = %v", perf["failure_rate"])
	}
	if _, ok := perf["agents_total"]; !ok {
		t.Fatal("agents_total missing from performance data")
	}
}

func TestTickResolvesProposedConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	at := *h.now
	h.sup.Propose(model.ActionRequest{SourceID: "a", Resource: "gpu-0", Action: "acquire", PriorityScore: 0.4, RequestedAt: at})
	h.sup.Propose(model.ActionRequest{SourceID: "b", Resource: "gpu-0", Action: "acquire", PriorityScore: 0.9, RequestedAt: at})
	h.sup.Propose(model.ActionRequest{SourceID: "c", Resource: "db-lock", Action: "lock", PriorityScore: 0.1, RequestedAt: at})

	h.sup.RunTick(ctx)

	resolved := h.rec.onTopic(model.TopicConflictResolved)
	if len(resolved) != 2 {
		t.Fatalf("conflict.resolved = %d, want 2", len(resolved))
	}
	for _, payload := range resolved {
		if payload["resource"] == "gpu-0" && payload["winner_source"] != "b" {
			t.Fatalf("gpu-0 winner = %v, want b", payload["winner_source"])
		}
	}

	records, err := h.store.ListConflicts(ctx, "gpu-0", 10)
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	if len(records) != 1 || records[0].Resolution.SourceID != "b" {
		t.Fatalf("persisted records = %+v", records)
	}

	// The queue drained: the next tick resolves nothing new.
	h.sup.RunTick(ctx)
	if got := h.rec.onTopic(model.TopicConflictResolved); len(got) != 2 {
		t.Fatalf("conflict.resolved after drain = %d, want still 2", len(got))
	}
	if stats := h.sup.Stats(); stats.Conflicts != 2 {
		t.Fatalf("cycle conflicts = %d, want 2", stats.Conflicts)
	}
}

func TestTriggerCarriesConflictSummary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.col.Set("failure_rate", 0.9)
	h.sup.RunTick(ctx) // dwell starts, nothing forwarded yet
	h.advance(3 * time.Second)

	at := *h.now
	h.sup.Propose(model.ActionRequest{SourceID: "a", Resource: "gpu-0", Action: "acquire", PriorityScore: 0.2, RequestedAt: at})
	h.sup.Propose(model.ActionRequest{SourceID: "b", Resource: "gpu-0", Action: "acquire", PriorityScore: 0.8, RequestedAt: at})
	h.sup.RunTick(ctx)

	h.transport.mu.Lock()
	defer h.transport.mu.Unlock()
	if len(h.transport.calls) != 1 {
		t.Fatalf("triggers = %d, want 1", len(h.transport.calls))
	}
	summary, ok := h.transport.calls[0]["conflict_summary"].([]map[string]any)
	if !ok {
		t.Fatalf("conflict_summary = %T", h.transport.calls[0]["conflict_summary"])
	}
	if len(summary) != 1 {
		t.Fatalf("conflict summary entries = %d, want 1", len(summary))
	}
	if summary[0]["resource"] != "gpu-0" || summary[0]["winner_source"] != "b" {
		t.Fatalf("conflict summary = %v", summary[0])
	}
	if summary[0]["contenders"] != 2 {
		t.Fatalf("contenders = %v, want 2", summary[0]["contenders"])
	}
}

func TestProposeQueueBound(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 8; i++ {
		if err := h.sup.Propose(model.ActionRequest{SourceID: "s", Resource: "r", Action: "a"}); err != nil {
			t.Fatalf("propose %d: %v", i, err)
		}
	}
	if err := h.sup.Propose(model.ActionRequest{SourceID: "s", Resource: "r", Action: "a"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestCycleMetricsTrackTicks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sup.RunTick(ctx)
	h.sup.RunTick(ctx)
	stats := h.sup.Stats()
	if stats.Ticks != 2 {
		t.Fatalf("ticks = %d, want 2", stats.Ticks)
	}
	if stats.Overruns != 0 {
		t.Fatalf("overruns = %d, want 0", stats.Overruns)
	}
	if !stats.LastTickAt.Equal(*h.now) {
		t.Fatalf("last tick at = %v, want %v", stats.LastTickAt, *h.now)
	}
}
