// Package bridge connects the coordination plane to the external
// improvement pipeline. Outbound sends are contract-validated, breaker-
// guarded, and retried with jittered backoff; messages that exhaust their
// attempts land in a durable dead letter queue for later replay.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"corral/internal/model"
)

var ErrThrottled = errors.New("bridge throttled by load shedding")

// Outbound delivers one validated payload to the external system.
type Outbound interface {
	Deliver(ctx context.Context, contract string, payload map[string]any) error
}

// DeadLetters is the durable queue slice of the storage layer the bridge
// needs. *repos.Store satisfies it.
type DeadLetters interface {
	AddDeadLetter(ctx context.Context, msg model.Message, reason string, retries int) (model.DeadLetterEntry, error)
	GetDeadLetter(ctx context.Context, id string) (model.DeadLetterEntry, error)
	ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetterEntry, error)
	TouchDeadLetter(ctx context.Context, id string) error
	RemoveDeadLetter(ctx context.Context, id string) error
	DeadLetterDepth(ctx context.Context) (int, error)
}

// Shedder gates inbound work while a load-reduction intervention is active.
type Shedder interface {
	Allow() bool
}

// PublishFunc hands validated inbound payloads to the message bus.
type PublishFunc func(topic string, payload map[string]any, priority model.Priority)

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type Bridge struct {
	transport Outbound
	contracts *Contracts
	breaker   *Breaker
	letters   DeadLetters
	shedder   Shedder
	publish   PublishFunc
	retry     RetryPolicy

	processed atomic.Int64
	failed    atomic.Int64
	throttled atomic.Int64

	sleep func(ctx context.Context, d time.Duration) error
	clock func() time.Time
}

func New(transport Outbound, contracts *Contracts, breaker *Breaker, letters DeadLetters, shedder Shedder, publish PublishFunc, retry RetryPolicy) *Bridge {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 3
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = time.Second
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = 30 * time.Second
	}
	if publish == nil {
		publish = func(string, map[string]any, model.Priority) {}
	}
	return &Bridge{
		transport: transport,
		contracts: contracts,
		breaker:   breaker,
		letters:   letters,
		shedder:   shedder,
		publish:   publish,
		retry:     retry,
		sleep:     sleepCtx,
		clock:     time.Now,
	}
}

// Send validates a payload against its contract and delivers it with
// breaker-guarded retries. A contract violation or exhausted retry budget
// parks the message in the dead letter queue before the error returns; the
// caller never retries a dead-lettered message itself.
func (b *Bridge) Send(ctx context.Context, contract string, payload map[string]any, priority model.Priority) error {
	if b.shedder != nil && !b.shedder.Allow() {
		b.throttled.Add(1)
		return ErrThrottled
	}

	msg := b.newMessage(contract, payload, priority)
	if err := b.contracts.Validate(contract, msg.ContractVersion, payload); err != nil {
		b.failed.Add(1)
		if _, dlqErr := b.letters.AddDeadLetter(ctx, msg, err.Error(), 0); dlqErr != nil {
			log.Printf("[bridge] dead letter write failed: %v", dlqErr)
		}
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= b.retry.MaxAttempts; attempt++ {
		lastErr = b.attempt(ctx, contract, payload)
		if lastErr == nil {
			b.processed.Add(1)
			return nil
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if attempt < b.retry.MaxAttempts {
			if err := b.sleep(ctx, b.backoff(attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}

	b.failed.Add(1)
	log.Printf("[bridge] %s exhausted %d attempts: %v", contract, b.retry.MaxAttempts, lastErr)
	if _, dlqErr := b.letters.AddDeadLetter(ctx, msg, lastErr.Error(), b.retry.MaxAttempts); dlqErr != nil {
		log.Printf("[bridge] dead letter write failed: %v", dlqErr)
	}
	return fmt.Errorf("send %s: %w", contract, lastErr)
}

// Receive accepts an inbound payload from the external system, validates
// its contract, and publishes it onto the bus. Invalid payloads are dead-
// lettered so operators can inspect what the remote side produced.
func (b *Bridge) Receive(ctx context.Context, contract, version string, payload map[string]any) error {
	msg := b.newMessage(contract, payload, model.PriorityHigh)
	if version != "" {
		msg.ContractVersion = version
	}
	if err := b.contracts.Validate(contract, version, payload); err != nil {
		b.failed.Add(1)
		if _, dlqErr := b.letters.AddDeadLetter(ctx, msg, err.Error(), 0); dlqErr != nil {
			log.Printf("[bridge] dead letter write failed: %v", dlqErr)
		}
		return err
	}
	if contract != ContractDeploymentNotification {
		return fmt.Errorf("%w: %s is not an inbound contract", ErrContract, contract)
	}
	b.processed.Add(1)
	b.publish(model.TopicDeployment, payload, model.PriorityHigh)
	return nil
}

// Replay retries one dead letter. Success removes the entry; failure bumps
// its retry count and keeps it queued.
func (b *Bridge) Replay(ctx context.Context, id string) error {
	entry, err := b.letters.GetDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	if err := b.attempt(ctx, entry.Message.Topic, entry.Message.Payload); err != nil {
		if touchErr := b.letters.TouchDeadLetter(ctx, id); touchErr != nil {
			log.Printf("[bridge] touch dead letter %s: %v", id, touchErr)
		}
		return fmt.Errorf("replay %s: %w", id, err)
	}
	b.processed.Add(1)
	return b.letters.RemoveDeadLetter(ctx, id)
}

// ReplayAll walks the queue oldest-first and stops early once the circuit
// opens; there is no point hammering a down dependency with the backlog.
func (b *Bridge) ReplayAll(ctx context.Context) (replayed int, err error) {
	entries, err := b.letters.ListDeadLetters(ctx, 0)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		if err := b.Replay(ctx, entry.ID); err != nil {
			if errors.Is(err, ErrCircuitOpen) {
				log.Printf("[bridge] replay halted after %d messages: circuit open", replayed)
				return replayed, err
			}
			continue
		}
		replayed++
	}
	return replayed, nil
}

// Discard drops a dead letter without replaying it.
func (b *Bridge) Discard(ctx context.Context, id string) error {
	return b.letters.RemoveDeadLetter(ctx, id)
}

func (b *Bridge) DeadLetters(ctx context.Context, limit int) ([]model.DeadLetterEntry, error) {
	return b.letters.ListDeadLetters(ctx, limit)
}

// Health reports the breaker snapshot, queue depth, and traffic counters.
func (b *Bridge) Health(ctx context.Context) (model.BridgeHealth, error) {
	depth, err := b.letters.DeadLetterDepth(ctx)
	if err != nil {
		return model.BridgeHealth{}, err
	}
	return model.BridgeHealth{
		Breaker:         b.breaker.Snapshot(),
		DeadLetterDepth: depth,
		Processed:       b.processed.Load(),
		Failed:          b.failed.Load(),
		Throttled:       b.throttled.Load(),
		CheckedAt:       b.clock(),
	}, nil
}

// PublishHealth pushes the current health snapshot onto the bus.
func (b *Bridge) PublishHealth(ctx context.Context) {
	health, err := b.Health(ctx)
	if err != nil {
		log.Printf("[bridge] health check failed: %v", err)
		return
	}
	b.publish(model.TopicBridgeHealth, map[string]any{
		"breaker_state":     string(health.Breaker.State),
		"dead_letter_depth": health.DeadLetterDepth,
		"processed":         health.Processed,
		"failed":            health.Failed,
		"throttled":         health.Throttled,
	}, model.PriorityNormal)
}

// attempt makes one breaker-accounted delivery. A fail-fast rejection from
// an open circuit counts as a failed attempt for retry purposes.
func (b *Bridge) attempt(ctx context.Context, contract string, payload map[string]any) error {
	if err := b.breaker.Allow(); err != nil {
		return err
	}
	if err := b.transport.Deliver(ctx, contract, payload); err != nil {
		b.breaker.Failure()
		return err
	}
	b.breaker.Success()
	return nil
}

// backoff returns base*2^(attempt-1) with up to 20% jitter either way,
// capped at the policy maximum.
func (b *Bridge) backoff(attempt int) time.Duration {
	d := b.retry.BaseDelay << (attempt - 1)
	if d > b.retry.MaxDelay || d <= 0 {
		d = b.retry.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5+1) - int64(d)/10)
	d += jitter
	if d > b.retry.MaxDelay {
		d = b.retry.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (b *Bridge) newMessage(contract string, payload map[string]any, priority model.Priority) model.Message {
	version := ""
	if c, ok := b.contracts.Get(contract); ok {
		version = c.Version
	}
	return model.Message{
		ID:              uuid.NewString(),
		Topic:           contract,
		Payload:         payload,
		Priority:        priority,
		SenderID:        "bridge",
		CreatedAt:       b.clock(),
		ContractVersion: version,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
