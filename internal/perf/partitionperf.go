package perf

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

type PartitionStats struct {
	// EWMA of per-message processing time in milliseconds.
	ProcessMsEWMA float64 `json:"process_ms_ewma"`

	Messages uint64 `json:"messages"`
	Errors   uint64 `json:"errors"`

	LastOffset int64     `json:"last_offset"`
	LastOK     time.Time `json:"last_ok"`
	LastError  time.Time `json:"last_error"`
}

// Store tracks consumer processing per topic partition.
type Store struct {
	mu    sync.RWMutex
	alpha float64
	parts map[string]*PartitionStats
}

// New creates a store with EWMA alpha (0..1). Typical: 0.2.
func New(alpha float64) *Store {
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.2
	}
	return &Store{
		alpha: alpha,
		parts: map[string]*PartitionStats{},
	}
}

func Key(topic string, partition int) string {
	return fmt.Sprintf("%s/%d", topic, partition)
}

func (s *Store) ObserveOK(key string, offset int64, d time.Duration) {
	if s == nil {
		return
	}
	ms := float64(d) / float64(time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.getOrCreateLocked(key)
	st.LastOffset = offset
	st.LastOK = time.Now()
	if st.Messages == 0 {
		st.ProcessMsEWMA = ms
	} else {
		st.ProcessMsEWMA = s.alpha*ms + (1.0-s.alpha)*st.ProcessMsEWMA
	}
	st.Messages++
}

func (s *Store) ObserveError(key string, offset int64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.getOrCreateLocked(key)
	st.Messages++
	st.Errors++
	st.LastOffset = offset
	st.LastError = time.Now()
}

func (s *Store) Snapshot(key string) (PartitionStats, bool) {
	if s == nil {
		return PartitionStats{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.parts[key]
	if !ok {
		return PartitionStats{}, false
	}
	return *st, true
}

// Keys returns the tracked partitions in sorted order.
func (s *Store) Keys() []string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.parts))
	for k := range s.parts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Store) getOrCreateLocked(key string) *PartitionStats {
	if st, ok := s.parts[key]; ok {
		return st
	}
	st := &PartitionStats{}
	s.parts[key] = st
	return st
}

func ErrorRate(st PartitionStats) float64 {
	if st.Messages == 0 {
		return 0
	}
	return float64(st.Errors) / float64(st.Messages)
}
