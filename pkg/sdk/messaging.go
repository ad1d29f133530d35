package sdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

type PublishRequest struct {
	Topic    string
	Payload  map[string]any
	Priority Priority
	TTL      time.Duration
	SenderID string
}

type TopicStats struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
	Pending     int    `json:"pending"`
	Dropped     int64  `json:"dropped"`
}

// Event is one coordination event relayed over the websocket stream.
type Event struct {
	Topic     string         `json:"topic"`
	MessageID string         `json:"message_id"`
	Priority  Priority       `json:"priority"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

type MessagesService struct {
	client *Client
}

// Publish enqueues a message on the node's bus and returns its ID.
func (s *MessagesService) Publish(ctx context.Context, req PublishRequest) (string, error) {
	body := map[string]any{
		"topic":   req.Topic,
		"payload": req.Payload,
	}
	if req.Priority != "" {
		body["priority"] = req.Priority
	}
	if req.TTL > 0 {
		body["ttl"] = req.TTL.String()
	}
	if req.SenderID != "" {
		body["sender_id"] = req.SenderID
	}
	var out struct {
		MessageID string `json:"message_id"`
	}
	if err := s.client.do(ctx, http.MethodPost, "/api/v1/messages", body, &out); err != nil {
		return "", err
	}
	return out.MessageID, nil
}

func (s *MessagesService) TopicStats(ctx context.Context, topic string) (TopicStats, error) {
	var out TopicStats
	err := s.client.do(ctx, http.MethodGet, "/api/v1/topics/"+url.PathEscape(topic)+"/stats", nil, &out)
	return out, err
}

// Subscribe opens a websocket to the node's event stream. With no topics it
// receives every watch topic; otherwise the stream is narrowed to the given
// ones. The channel closes when ctx is cancelled or the connection drops.
func (s *MessagesService) Subscribe(ctx context.Context, topics ...string) (<-chan Event, error) {
	u, err := url.Parse(s.client.BaseURL)
	if err != nil {
		return nil, err
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	wsURL := fmt.Sprintf("%s://%s/api/v1/ws", scheme, u.Host)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}

	// The server acks the connection before streaming anything.
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var ack map[string]any
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read ack: %w", err)
	}
	if len(topics) > 0 {
		if err := conn.WriteJSON(map[string]any{"type": "filter", "topics": topics}); err != nil {
			_ = conn.Close()
			return nil, err
		}
		if err := conn.ReadJSON(&ack); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("read filter ack: %w", err)
		}
	}
	_ = conn.SetReadDeadline(time.Time{})

	out := make(chan Event, 64)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var frame struct {
				Type      string         `json:"type"`
				Topic     string         `json:"topic"`
				MessageID string         `json:"message_id"`
				Priority  string         `json:"priority"`
				Payload   map[string]any `json:"payload"`
				CreatedAt time.Time      `json:"created_at"`
			}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type != "event" {
				continue
			}
			ev := Event{
				Topic:     frame.Topic,
				MessageID: frame.MessageID,
				Priority:  Priority(frame.Priority),
				Payload:   frame.Payload,
				CreatedAt: frame.CreatedAt,
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
