package poller

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Signals holds externally pushed health signals and KPIs between cycles.
type Signals struct {
	mu     sync.RWMutex
	health map[string]time.Time
	kpis   map[string]float64
}

// NewSignals creates an empty signal set.
func NewSignals() *Signals {
	return &Signals{
		health: make(map[string]time.Time),
		kpis:   make(map[string]float64),
	}
}

// RecordHealth stores a last-seen signal for key. Older signals than the
// one already held are ignored.
func (s *Signals) RecordHealth(key string, at time.Time) error {
	if key == "" {
		return fmt.Errorf("health key cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.health[key]; ok && !at.After(prev) {
		return nil
	}
	s.health[key] = at.UTC()
	return nil
}

// SetKPI stores an external KPI value.
func (s *Signals) SetKPI(name string, value float64) error {
	if name == "" {
		return fmt.Errorf("kpi name cannot be empty")
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("kpi %s: value must be finite", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kpis[name] = value
	return nil
}

// Health returns a copy of the health signals.
func (s *Signals) Health() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(s.health))
	for k, v := range s.health {
		out[k] = v
	}
	return out
}

// KPIs returns a copy of the external KPIs.
func (s *Signals) KPIs() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.kpis))
	for k, v := range s.kpis {
		out[k] = v
	}
	return out
}
