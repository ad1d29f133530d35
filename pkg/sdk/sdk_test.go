package sdk_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"corral/internal/api"
	"corral/internal/api/handlers"
	apimw "corral/internal/api/middleware"
	ws "corral/internal/api/websocket"
	"corral/internal/bridge"
	"corral/internal/bus"
	"corral/internal/config"
	"corral/internal/emergency"
	"corral/internal/model"
	"corral/internal/registry"
	"corral/internal/storage"
	"corral/internal/storage/repos"
	"corral/internal/supervisor"

	"corral/pkg/sdk"
)

type okTransport struct{}

func (okTransport) Deliver(context.Context, string, map[string]any) error { return nil }

type testNode struct {
	client *sdk.Client
	sup    *supervisor.Supervisor
}

func setupNode(t *testing.T) *testNode {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "sdk-test.db")

	db, err := storage.Open(ctx, cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := repos.New(db)

	b := bus.New(cfg.Bus.QueueCapacity, cfg.Bus.DispatchWorkers, 0)
	b.Start(ctx)
	publish := func(topic string, payload map[string]any, pri model.Priority) {
		_, _ = b.Publish(topic, payload, bus.PublishOptions{Priority: pri, SenderID: "supervisor"})
	}

	reg := registry.New(config.HeartbeatInterval(cfg), cfg.Registry.TimeoutMultiplier, cfg.Registry.EvictOffline)
	shedder := emergency.NewLoadShedder(float64(cfg.RateLimit.PerMinute)/60.0, cfg.RateLimit.Burst)
	breaker := bridge.NewBreaker("pipeline", cfg.Bridge.FailureThreshold, config.RecoveryTimeout(cfg), cfg.Bridge.HalfOpenProbes, nil)
	br := bridge.New(okTransport{}, bridge.NewContracts(), breaker, store, shedder, publish, bridge.RetryPolicy{MaxAttempts: 1})

	em := emergency.NewManager(nil, emergency.DefaultProtocols(shedder, publish, nil), publish)
	col := supervisor.NewCollector()
	sup := supervisor.New(reg, em, col, br, store, publish, time.Second, 64)

	server := handlers.New(cfg, b, reg, em, sup, col, br, store)
	hub := ws.NewHub(b)
	if err := hub.Start(); err != nil {
		t.Fatalf("hub start: %v", err)
	}
	t.Cleanup(hub.Stop)
	limiter := apimw.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst, shedder)

	ts := httptest.NewServer(api.NewRouter(server, hub, limiter))
	t.Cleanup(ts.Close)

	return &testNode{
		client: sdk.New(sdk.Config{BaseURL: ts.URL, Timeout: 5 * time.Second}),
		sup:    sup,
	}
}

func TestAgentLifecycle(t *testing.T) {
	node := setupNode(t)
	ctx := context.Background()

	agent, err := node.client.Agents.Register(ctx, "worker-1", []string{"transcribe"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if agent.AgentID != "worker-1" || agent.Status != sdk.AgentActive {
		t.Fatalf("unexpected registration: %+v", agent)
	}

	if _, err := node.client.Agents.Register(ctx, "worker-1", nil); err == nil {
		t.Fatal("duplicate register should fail")
	} else {
		var apiErr *sdk.APIError
		if !errors.As(err, &apiErr) || apiErr.Code() != "CONFLICT" {
			t.Fatalf("want CONFLICT APIError, got %v", err)
		}
	}

	if err := node.client.Agents.Heartbeat(ctx, "worker-1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	active, err := node.client.Agents.List(ctx, sdk.AgentActive)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 || active[0].AgentID != "worker-1" {
		t.Fatalf("unexpected active list: %+v", active)
	}

	if err := node.client.Agents.Deregister(ctx, "worker-1"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if _, err := node.client.Agents.Get(ctx, "worker-1"); err == nil {
		t.Fatal("get after deregister should fail")
	}
}

func TestPublishAndSubscribe(t *testing.T) {
	node := setupNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := node.client.Messages.Subscribe(ctx, "agent.status")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	id, err := node.client.Messages.Publish(ctx, sdk.PublishRequest{
		Topic:    "agent.status",
		Payload:  map[string]any{"agent_id": "worker-1", "to": "degraded"},
		Priority: sdk.PriorityHigh,
		SenderID: "sdk-test",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id == "" {
		t.Fatal("publish returned empty message id")
	}

	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event stream closed early")
		}
		if ev.Topic != "agent.status" || ev.MessageID != id {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.Payload["agent_id"] != "worker-1" {
			t.Fatalf("unexpected payload: %v", ev.Payload)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestCoordinationConflictFlow(t *testing.T) {
	node := setupNode(t)
	ctx := context.Background()

	if _, err := node.client.Coordination.ProposeAction(ctx, "agent-a", "gpu-0", "scale_up", 0.4); err != nil {
		t.Fatalf("propose a: %v", err)
	}
	if _, err := node.client.Coordination.ProposeAction(ctx, "agent-b", "gpu-0", "scale_down", 0.9); err != nil {
		t.Fatalf("propose b: %v", err)
	}

	node.sup.RunTick(ctx)

	records, err := node.client.Coordination.Conflicts(ctx, "gpu-0", 10)
	if err != nil {
		t.Fatalf("conflicts: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("want 1 conflict record, got %d", len(records))
	}
	if records[0].Resolution.SourceID != "agent-b" {
		t.Fatalf("want agent-b to win, got %s", records[0].Resolution.SourceID)
	}
	if len(records[0].Outcomes) != 2 {
		t.Fatalf("want 2 outcomes, got %d", len(records[0].Outcomes))
	}
}

func TestBridgeTriggerAndHealth(t *testing.T) {
	node := setupNode(t)
	ctx := context.Background()

	payload := map[string]any{
		"trigger_type":     "manual",
		"performance_data": map[string]any{"failure_rate": 0.1},
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	}
	if err := node.client.Bridge.SendTrigger(ctx, payload, sdk.PriorityHigh); err != nil {
		t.Fatalf("send trigger: %v", err)
	}

	// Missing required fields should park nothing remotely but surface a
	// contract violation.
	err := node.client.Bridge.SendTrigger(ctx, map[string]any{"trigger_type": "manual"}, "")
	var apiErr *sdk.APIError
	if !errors.As(err, &apiErr) || apiErr.Code() != "CONTRACT_VIOLATION" {
		t.Fatalf("want CONTRACT_VIOLATION, got %v", err)
	}

	health, err := node.client.Bridge.Health(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Breaker.State != "closed" {
		t.Fatalf("want closed breaker, got %s", health.Breaker.State)
	}
	if health.Processed != 1 {
		t.Fatalf("want 1 processed, got %d", health.Processed)
	}
	if health.DeadLetterDepth != 1 {
		t.Fatalf("want 1 dead letter from the contract violation, got %d", health.DeadLetterDepth)
	}

	letters, err := node.client.Bridge.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("want 1 dead letter, got %d", len(letters))
	}
	if err := node.client.Bridge.Discard(ctx, letters[0].ID); err != nil {
		t.Fatalf("discard: %v", err)
	}
}
