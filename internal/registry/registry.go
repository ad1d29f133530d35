package registry

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"corral/internal/model"
)

var (
	ErrDuplicate = errors.New("agent already registered")
	ErrNotFound  = errors.New("agent not found")
)

// Transition records one status change observed during a sweep.
type Transition struct {
	AgentID string
	From    model.AgentStatus
	To      model.AgentStatus
	Evicted bool
}

type entry struct {
	reg           model.AgentRegistration
	degradedSince time.Time
}

// Registry tracks registered agents and derives their health from heartbeat
// recency. All methods are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry

	heartbeatInterval time.Duration
	timeoutMultiplier int
	evictOffline      bool

	clock func() time.Time
}

func New(heartbeatInterval time.Duration, timeoutMultiplier int, evictOffline bool) *Registry {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 10 * time.Second
	}
	if timeoutMultiplier <= 0 {
		timeoutMultiplier = 3
	}
	return &Registry{
		agents:            map[string]*entry{},
		heartbeatInterval: heartbeatInterval,
		timeoutMultiplier: timeoutMultiplier,
		evictOffline:      evictOffline,
		clock:             time.Now,
	}
}

// WithClock overrides the registry's time source.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Register adds an agent in active status. Registering an id that is already
// present returns ErrDuplicate; the caller must Deregister first.
func (r *Registry) Register(reg model.AgentRegistration) error {
	if reg.AgentID == "" {
		return fmt.Errorf("missing agent id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[reg.AgentID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, reg.AgentID)
	}
	now := r.clock()
	reg.Status = model.AgentStatusActive
	reg.LastHeartbeat = now
	if reg.RegisteredAt.IsZero() {
		reg.RegisteredAt = now
	}
	r.agents[reg.AgentID] = &entry{reg: reg}
	log.Printf("[registry] registered agent %s", reg.AgentID)
	return nil
}

func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.agents, id)
	log.Printf("[registry] deregistered agent %s", id)
	return nil
}

// Heartbeat refreshes an agent's liveness and revives degraded or offline
// agents back to active. The returned transition has From == To when the
// agent was already active; a revival carries the prior status so callers
// can announce it.
func (r *Registry) Heartbeat(id string) (Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return Transition{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.reg.LastHeartbeat = r.clock()
	tr := Transition{AgentID: id, From: e.reg.Status, To: model.AgentStatusActive}
	if e.reg.Status != model.AgentStatusActive {
		log.Printf("[registry] agent %s revived from %s", id, e.reg.Status)
		e.reg.Status = model.AgentStatusActive
		e.degradedSince = time.Time{}
	}
	return tr, nil
}

func (r *Registry) Get(id string) (model.AgentRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return model.AgentRegistration{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.reg, nil
}

// List returns all known agents, sorted by id for stable output.
func (r *Registry) List() []model.AgentRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.AgentRegistration, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// ListActive returns agents currently in active status, sorted by id.
func (r *Registry) ListActive() []model.AgentRegistration {
	all := r.List()
	out := all[:0]
	for _, a := range all {
		if a.Status == model.AgentStatusActive {
			out = append(out, a)
		}
	}
	return out
}

func (r *Registry) Count() (total, active int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.agents {
		total++
		if e.reg.Status == model.AgentStatusActive {
			active++
		}
	}
	return
}

// Sweep re-derives every agent's status from heartbeat recency and returns
// the transitions that occurred. An agent silent past the heartbeat window
// becomes degraded; silent past a second full window it becomes offline and,
// when eviction is enabled, is removed after the transition is reported.
func (r *Registry) Sweep() []Transition {
	window := time.Duration(r.timeoutMultiplier) * r.heartbeatInterval
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Transition
	for id, e := range r.agents {
		silent := now.Sub(e.reg.LastHeartbeat)
		switch e.reg.Status {
		case model.AgentStatusActive:
			if silent > window {
				e.reg.Status = model.AgentStatusDegraded
				e.degradedSince = now
				out = append(out, Transition{AgentID: id, From: model.AgentStatusActive, To: model.AgentStatusDegraded})
			}
		case model.AgentStatusDegraded:
			if silent > 2*window {
				e.reg.Status = model.AgentStatusOffline
				tr := Transition{AgentID: id, From: model.AgentStatusDegraded, To: model.AgentStatusOffline}
				if r.evictOffline {
					tr.Evicted = true
					delete(r.agents, id)
				}
				out = append(out, tr)
			}
		}
	}
	for _, tr := range out {
		log.Printf("[registry] agent %s: %s -> %s", tr.AgentID, tr.From, tr.To)
	}
	return out
}
