package bus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"corral/internal/model"
)

// Handler consumes one message. Handlers run on the bus's worker pool and
// must be reentrant or internally synchronized.
type Handler func(ctx context.Context, msg model.Message) error

type subscription struct {
	id       string
	topic    string
	agentID  string
	handler  Handler
	failures atomic.Int64
}

type topicState struct {
	mu      sync.Mutex
	pending [model.PriorityBands][]model.Message
	subs    map[string]*subscription
	dropped atomic.Int64 // backpressure drops
}

func (t *topicState) depth() int {
	n := 0
	for _, band := range t.pending {
		n += len(band)
	}
	return n
}

// pop removes the oldest pending message from the highest non-empty band.
func (t *topicState) pop() (model.Message, bool) {
	for band := model.PriorityBands - 1; band >= 0; band-- {
		if len(t.pending[band]) == 0 {
			continue
		}
		msg := t.pending[band][0]
		t.pending[band] = t.pending[band][1:]
		return msg, true
	}
	return model.Message{}, false
}

type Counters struct {
	Published       int64 `json:"published"`
	Delivered       int64 `json:"delivered"`
	Expired         int64 `json:"expired"`
	Backpressure    int64 `json:"backpressure_dropped"`
	HandlerFailures int64 `json:"handler_failures"`
}

type TopicStats struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
	Pending     int    `json:"pending"`
	Dropped     int64  `json:"dropped"`
}

// Bus is an in-process publish/subscribe hub. Delivery is at-least-once per
// active subscriber, in priority order then insertion order within a band.
// No ordering is guaranteed across topics.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*topicState
	subs   map[string]*subscription // subscription id -> sub, for unsubscribe

	capacity   int // per priority band, per topic
	workers    int
	defaultTTL time.Duration

	notify chan string

	published       atomic.Int64
	delivered       atomic.Int64
	expired         atomic.Int64
	backpressure    atomic.Int64
	handlerFailures atomic.Int64

	running atomic.Bool
	wg      sync.WaitGroup

	clock func() time.Time
}

func New(capacity, workers int, defaultTTL time.Duration) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	if workers <= 0 {
		workers = 8
	}
	return &Bus{
		topics:     map[string]*topicState{},
		subs:       map[string]*subscription{},
		capacity:   capacity,
		workers:    workers,
		defaultTTL: defaultTTL,
		notify:     make(chan string, 4096),
		clock:      time.Now,
	}
}

// Start launches the dispatch worker pool. Workers exit when ctx is done.
func (b *Bus) Start(ctx context.Context) {
	if !b.running.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.dispatchLoop(ctx)
	}
	log.Printf("[bus] started with %d dispatch workers", b.workers)
}

// Wait blocks until all dispatch workers have exited.
func (b *Bus) Wait() {
	b.wg.Wait()
}

type PublishOptions struct {
	Priority        model.Priority
	TTL             time.Duration
	SenderID        string
	ContractVersion string
}

// Publish enqueues a message for delivery and never blocks the caller.
// When the topic's band is full the band's oldest pending message is
// dropped and counted as backpressure.
func (b *Bus) Publish(topic string, payload map[string]any, opts PublishOptions) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("missing topic")
	}
	pri := opts.Priority
	if pri == "" {
		pri = model.PriorityNormal
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = b.defaultTTL
	}
	msg := model.Message{
		ID:              uuid.NewString(),
		Topic:           topic,
		Payload:         payload,
		Priority:        pri,
		SenderID:        opts.SenderID,
		CreatedAt:       b.clock(),
		TTL:             ttl,
		ContractVersion: opts.ContractVersion,
	}

	t := b.topic(topic)
	band := pri.Rank()
	t.mu.Lock()
	if len(t.pending[band]) >= b.capacity {
		t.pending[band] = t.pending[band][1:]
		t.dropped.Add(1)
		b.backpressure.Add(1)
	}
	t.pending[band] = append(t.pending[band], msg)
	t.mu.Unlock()

	b.published.Add(1)
	b.wake(topic)
	return msg.ID, nil
}

// Subscribe registers a handler for a topic and returns the subscription id.
func (b *Bus) Subscribe(topic, agentID string, handler Handler) (string, error) {
	if topic == "" || handler == nil {
		return "", fmt.Errorf("topic and handler are required")
	}
	sub := &subscription{
		id:      uuid.NewString(),
		topic:   topic,
		agentID: agentID,
		handler: handler,
	}
	t := b.topic(topic)
	t.mu.Lock()
	t.subs[sub.id] = sub
	t.mu.Unlock()

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub.id, nil
}

func (b *Bus) Unsubscribe(subscriptionID string) bool {
	b.mu.Lock()
	sub, ok := b.subs[subscriptionID]
	if ok {
		delete(b.subs, subscriptionID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	t := b.topic(sub.topic)
	t.mu.Lock()
	delete(t.subs, subscriptionID)
	t.mu.Unlock()
	return true
}

func (b *Bus) Stats(topic string) TopicStats {
	t := b.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	return TopicStats{
		Topic:       topic,
		Subscribers: len(t.subs),
		Pending:     t.depth(),
		Dropped:     t.dropped.Load(),
	}
}

func (b *Bus) Counters() Counters {
	return Counters{
		Published:       b.published.Load(),
		Delivered:       b.delivered.Load(),
		Expired:         b.expired.Load(),
		Backpressure:    b.backpressure.Load(),
		HandlerFailures: b.handlerFailures.Load(),
	}
}

// SubscriberFailures returns the failure count recorded for a subscription.
func (b *Bus) SubscriberFailures(subscriptionID string) int64 {
	b.mu.RLock()
	sub, ok := b.subs[subscriptionID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return sub.failures.Load()
}

func (b *Bus) topic(name string) *topicState {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return t
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.topics[name]; ok {
		return t
	}
	t = &topicState{subs: map[string]*subscription{}}
	b.topics[name] = t
	return t
}

func (b *Bus) wake(topic string) {
	select {
	case b.notify <- topic:
	default:
		// Wakeup channel saturated; the sweep in dispatchLoop recovers.
	}
}

func (b *Bus) dispatchLoop(ctx context.Context) {
	defer b.wg.Done()
	sweep := time.NewTicker(250 * time.Millisecond)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case topic := <-b.notify:
			b.drainOne(ctx, topic)
		case <-sweep.C:
			b.sweepPending(ctx)
		}
	}
}

// sweepPending re-dispatches topics whose wakeups were lost.
func (b *Bus) sweepPending(ctx context.Context) {
	b.mu.RLock()
	names := make([]string, 0, len(b.topics))
	for name, t := range b.topics {
		t.mu.Lock()
		if t.depth() > 0 {
			names = append(names, name)
		}
		t.mu.Unlock()
	}
	b.mu.RUnlock()
	for _, name := range names {
		for b.drainOne(ctx, name) {
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (b *Bus) drainOne(ctx context.Context, topic string) bool {
	t := b.topic(topic)
	t.mu.Lock()
	msg, ok := t.pop()
	if !ok {
		t.mu.Unlock()
		return false
	}
	subs := make([]*subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	if msg.Expired(b.clock()) {
		b.expired.Add(1)
		log.Printf("[bus] dropped expired message %s on %s", msg.ID, topic)
		return true
	}

	for _, sub := range subs {
		b.deliver(ctx, sub, msg)
	}
	return true
}

// deliver runs one handler. Failures are isolated: logged, counted per
// subscriber, never propagated to the publisher or to other subscribers.
func (b *Bus) deliver(ctx context.Context, sub *subscription, msg model.Message) {
	defer func() {
		if r := recover(); r != nil {
			sub.failures.Add(1)
			b.handlerFailures.Add(1)
			log.Printf("[bus] handler panic on %s (sub %s): %v", msg.Topic, sub.id, r)
		}
	}()
	if err := sub.handler(ctx, msg); err != nil {
		sub.failures.Add(1)
		b.handlerFailures.Add(1)
		log.Printf("[bus] handler error on %s (sub %s): %v", msg.Topic, sub.id, err)
		return
	}
	b.delivered.Add(1)
}
