package bridge

import (
	"context"
	"log"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler replays the dead letter queue on a cron schedule. Replays are
// skipped while the circuit is open or a previous run is still in flight.
type Scheduler struct {
	cron   *cron.Cron
	bridge *Bridge
	mu     sync.Mutex
	busy   bool
}

func NewScheduler(bridge *Bridge) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		bridge: bridge,
	}
}

// Register installs the replay job. An empty spec disables auto-replay.
func (s *Scheduler) Register(spec string) error {
	if spec == "" {
		return nil
	}
	_, err := s.cron.AddFunc(spec, s.runReplay)
	return err
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runReplay() {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return
	}
	s.busy = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	// ReplayAll halts on an open circuit; once the recovery timeout has
	// elapsed the first replay doubles as the half-open probe.
	replayed, err := s.bridge.ReplayAll(context.Background())
	if err != nil {
		log.Printf("[bridge] scheduled replay stopped after %d messages: %v", replayed, err)
		return
	}
	if replayed > 0 {
		log.Printf("[bridge] scheduled replay recovered %d messages", replayed)
	}
}
