package supervisor

import (
	"sync"
	"time"

	"corral/internal/model"
)

// Collector aggregates named gauge readings reported by agents and internal
// components between ticks.
type Collector struct {
	mu     sync.RWMutex
	gauges map[string]float64
}

func NewCollector() *Collector {
	return &Collector{gauges: map[string]float64{}}
}

func (c *Collector) Set(name string, value float64) {
	c.mu.Lock()
	c.gauges[name] = value
	c.mu.Unlock()
}

func (c *Collector) Add(name string, delta float64) {
	c.mu.Lock()
	c.gauges[name] += delta
	c.mu.Unlock()
}

// Snapshot copies the current readings.
func (c *Collector) Snapshot() model.MetricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(model.MetricsSnapshot, len(c.gauges))
	for k, v := range c.gauges {
		out[k] = v
	}
	return out
}

// CycleMetrics describes the coordination loop's own behavior. The loop is
// the sole writer; readers take copies through Stats.
type CycleMetrics struct {
	Ticks        int64         `json:"ticks"`
	Overruns     int64         `json:"overruns"`
	Conflicts    int64         `json:"conflicts_resolved"`
	Emergencies  int64         `json:"emergencies_raised"`
	LastDuration time.Duration `json:"last_duration_ns"`
	AvgDuration  time.Duration `json:"avg_duration_ns"`
	LastTickAt   time.Time     `json:"last_tick_at"`
}
