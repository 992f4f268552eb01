// Package metrics provides simple built-in metrics collection for the diff
// engine with no external dependencies.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks diff-engine performance counters. All increment methods
// are safe for concurrent use.
type Collector struct {
	diffPasses          int64
	generationErrors    int64
	componentsCreated   int64
	componentsDestroyed int64
	liveComponents      int64
	maxLiveComponents   int64
	payloadBytes        int64

	customMu       sync.RWMutex
	customCounters map[string]*int64

	startTime time.Time
}

// Snapshot is a point-in-time copy of the collector's counters.
type Snapshot struct {
	DiffPasses          int64         `json:"diff_passes"`
	GenerationErrors    int64         `json:"generation_errors"`
	ComponentsCreated   int64         `json:"components_created"`
	ComponentsDestroyed int64         `json:"components_destroyed"`
	LiveComponents      int64         `json:"live_components"`
	MaxLiveComponents   int64         `json:"max_live_components"`
	PayloadBytes        int64         `json:"payload_bytes"`
	AveragePayloadBytes int64         `json:"average_payload_bytes"`
	ErrorRate           float64       `json:"error_rate"`
	Uptime              time.Duration `json:"uptime"`
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		customCounters: make(map[string]*int64),
		startTime:      time.Now(),
	}
}

// IncrementDiffPass records a completed render pass.
func (c *Collector) IncrementDiffPass() {
	atomic.AddInt64(&c.diffPasses, 1)
}

// IncrementGenerationError records a failed render pass.
func (c *Collector) IncrementGenerationError() {
	atomic.AddInt64(&c.generationErrors, 1)
}

// AddComponentsCreated records n component creations.
func (c *Collector) AddComponentsCreated(n int64) {
	if n == 0 {
		return
	}
	atomic.AddInt64(&c.componentsCreated, n)
	live := atomic.AddInt64(&c.liveComponents, n)

	// Update high-water mark if needed
	for {
		max := atomic.LoadInt64(&c.maxLiveComponents)
		if live <= max {
			break
		}
		if atomic.CompareAndSwapInt64(&c.maxLiveComponents, max, live) {
			break
		}
	}
}

// AddComponentsDestroyed records n component destructions.
func (c *Collector) AddComponentsDestroyed(n int64) {
	if n == 0 {
		return
	}
	atomic.AddInt64(&c.componentsDestroyed, n)
	atomic.AddInt64(&c.liveComponents, -n)
}

// AddPayloadBytes records the estimated size of an emitted payload.
func (c *Collector) AddPayloadBytes(n int64) {
	atomic.AddInt64(&c.payloadBytes, n)
}

// IncrementCustomCounter increments a custom named counter.
func (c *Collector) IncrementCustomCounter(name string) {
	c.customMu.Lock()
	counter, exists := c.customCounters[name]
	if !exists {
		counter = new(int64)
		c.customCounters[name] = counter
	}
	c.customMu.Unlock()
	atomic.AddInt64(counter, 1)
}

// CustomCounter returns the value of a custom named counter.
func (c *Collector) CustomCounter(name string) int64 {
	c.customMu.RLock()
	defer c.customMu.RUnlock()
	if counter, exists := c.customCounters[name]; exists {
		return atomic.LoadInt64(counter)
	}
	return 0
}

// Snapshot returns a consistent-enough copy of the counters for reporting.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		DiffPasses:          atomic.LoadInt64(&c.diffPasses),
		GenerationErrors:    atomic.LoadInt64(&c.generationErrors),
		ComponentsCreated:   atomic.LoadInt64(&c.componentsCreated),
		ComponentsDestroyed: atomic.LoadInt64(&c.componentsDestroyed),
		LiveComponents:      atomic.LoadInt64(&c.liveComponents),
		MaxLiveComponents:   atomic.LoadInt64(&c.maxLiveComponents),
		PayloadBytes:        atomic.LoadInt64(&c.payloadBytes),
		Uptime:              time.Since(c.startTime),
	}
	if s.DiffPasses > 0 {
		s.AveragePayloadBytes = s.PayloadBytes / s.DiffPasses
	}
	total := s.DiffPasses + s.GenerationErrors
	if total > 0 {
		s.ErrorRate = float64(s.GenerationErrors) / float64(total)
	}
	return s
}

// Reset zeroes every counter; intended for tests.
func (c *Collector) Reset() {
	atomic.StoreInt64(&c.diffPasses, 0)
	atomic.StoreInt64(&c.generationErrors, 0)
	atomic.StoreInt64(&c.componentsCreated, 0)
	atomic.StoreInt64(&c.componentsDestroyed, 0)
	atomic.StoreInt64(&c.liveComponents, 0)
	atomic.StoreInt64(&c.maxLiveComponents, 0)
	atomic.StoreInt64(&c.payloadBytes, 0)

	c.customMu.Lock()
	c.customCounters = make(map[string]*int64)
	c.customMu.Unlock()
	c.startTime = time.Now()
}
