package emergency

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LoadShedder throttles inbound work while a load-reduction intervention is
// in force. Outside an engagement every request passes.
type LoadShedder struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	until   time.Time
	clock   func() time.Time
}

// NewLoadShedder builds a shedder that, when engaged, admits perSecond
// requests with the given burst.
func NewLoadShedder(perSecond float64, burst int) *LoadShedder {
	if perSecond <= 0 {
		perSecond = 5
	}
	if burst <= 0 {
		burst = 1
	}
	return &LoadShedder{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		clock:   time.Now,
	}
}

// Engage turns throttling on for the given duration, extending any
// engagement already in force.
func (s *LoadShedder) Engage(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until := s.clock().Add(d)
	if until.After(s.until) {
		s.until = until
	}
}

// Release ends throttling immediately.
func (s *LoadShedder) Release() {
	s.mu.Lock()
	s.until = time.Time{}
	s.mu.Unlock()
}

func (s *LoadShedder) Engaged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock().Before(s.until)
}

// Allow reports whether one unit of work may proceed right now.
func (s *LoadShedder) Allow() bool {
	s.mu.Lock()
	engaged := s.clock().Before(s.until)
	s.mu.Unlock()
	if !engaged {
		return true
	}
	return s.limiter.Allow()
}
