package metrics

import (
	"sync"
	"time"
)

type SourceLatency struct {
	// EWMA of inference time in milliseconds.
	EWMAms float64 `json:"ewma_ms"`

	// Counters (rolling since start).
	OK    uint64 `json:"ok"`
	Error uint64 `json:"error"`

	LastDuration time.Duration `json:"last_duration_ns"`
	LastAt       time.Time     `json:"last_at"`
}

// LatencyTracker keeps a smoothed inference latency per trigger source
// (http, kafka, mqtt).
type LatencyTracker struct {
	mu      sync.RWMutex
	alpha   float64
	sources map[string]*SourceLatency
}

// NewLatencyTracker creates a tracker with EWMA smoothing factor alpha.
// Typical alpha: 0.1..0.3 (higher reacts faster).
func NewLatencyTracker(alpha float64) *LatencyTracker {
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.2
	}
	return &LatencyTracker{
		alpha:   alpha,
		sources: map[string]*SourceLatency{},
	}
}

func (t *LatencyTracker) ObserveOK(source string, d time.Duration) {
	t.observe(source, d, true)
}

func (t *LatencyTracker) ObserveError(source string, d time.Duration) {
	t.observe(source, d, false)
}

func (t *LatencyTracker) observe(source string, d time.Duration, ok bool) {
	if t == nil {
		return
	}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.sources[source]
	if s == nil {
		s = &SourceLatency{}
		t.sources[source] = s
	}

	ms := float64(d) / float64(time.Millisecond)
	if ms < 0 {
		ms = 0
	}

	if s.OK+s.Error == 0 {
		s.EWMAms = ms
	} else {
		s.EWMAms = (t.alpha * ms) + ((1.0 - t.alpha) * s.EWMAms)
	}

	s.LastDuration = d
	s.LastAt = now
	if ok {
		s.OK++
	} else {
		s.Error++
	}
}

func (t *LatencyTracker) Get(source string) (SourceLatency, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.sources[source]
	if s == nil {
		return SourceLatency{}, false
	}
	return *s, true
}

func (t *LatencyTracker) Snapshot() map[string]SourceLatency {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]SourceLatency, len(t.sources))
	for k, v := range t.sources {
		out[k] = *v
	}
	return out
}
