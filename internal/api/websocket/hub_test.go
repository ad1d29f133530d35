package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"corral/internal/bus"
	"corral/internal/model"
)

func setupHub(t *testing.T) (*Hub, *bus.Bus, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := bus.New(32, 2, 0)
	b.Start(ctx)
	hub := NewHub(b)
	if err := hub.Start(); err != nil {
		t.Fatalf("hub start: %v", err)
	}
	t.Cleanup(hub.Stop)

	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(ts.Close)
	return hub, b, ts
}

func connect(t *testing.T, ts *httptest.Server) *gws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *gws.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestHubRelaysWatchTopics(t *testing.T) {
	hub, b, ts := setupHub(t)

	conn := connect(t, ts)
	ack := readFrame(t, conn)
	if ack["type"] != "ack" {
		t.Fatalf("first frame = %v", ack)
	}
	if hub.clientCount() != 1 {
		t.Fatalf("clients = %d, want 1", hub.clientCount())
	}

	b.Publish(model.TopicEmergencyRaised, map[string]any{"emergency_id": "e-1"}, bus.PublishOptions{
		Priority: model.PriorityCritical,
	})
	event := readFrame(t, conn)
	if event["type"] != "event" || event["topic"] != model.TopicEmergencyRaised {
		t.Fatalf("event = %v", event)
	}
	payload, _ := event["payload"].(map[string]any)
	if payload["emergency_id"] != "e-1" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestHubFilterNarrowsStream(t *testing.T) {
	_, b, ts := setupHub(t)

	conn := connect(t, ts)
	readFrame(t, conn) // ack

	if err := conn.WriteJSON(map[string]any{"type": "filter", "topics": []string{model.TopicConflictResolved}}); err != nil {
		t.Fatalf("write filter: %v", err)
	}
	if ack := readFrame(t, conn); ack["filtered"] != true {
		t.Fatalf("filter ack = %v", ack)
	}

	b.Publish(model.TopicAgentStatus, map[string]any{"agent_id": "a"}, bus.PublishOptions{})
	b.Publish(model.TopicConflictResolved, map[string]any{"conflict_id": "c-1"}, bus.PublishOptions{})

	event := readFrame(t, conn)
	if event["topic"] != model.TopicConflictResolved {
		t.Fatalf("filtered stream delivered %v", event["topic"])
	}
}

func TestHubPingPong(t *testing.T) {
	_, _, ts := setupHub(t)
	conn := connect(t, ts)
	readFrame(t, conn) // ack

	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if frame := readFrame(t, conn); frame["type"] != "pong" {
		t.Fatalf("frame = %v", frame)
	}
}
