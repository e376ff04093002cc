package state

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcules/forecast-inference/internal/forecast"
)

type ModelState string

const (
	ModelEmpty   ModelState = "empty"
	ModelLoading ModelState = "loading"
	ModelReady   ModelState = "ready"
	ModelError   ModelState = "error"
)

// Snapshot is an immutable fitted model. Readers hold on to a snapshot for
// the whole request; the registry only ever replaces the pointer.
type Snapshot struct {
	Version    uint64
	Kind       forecast.Kind
	Target     string
	Generation uint64
	Step       time.Duration
	LastTime   time.Time
	Rows       int
	FittedAt   time.Time
	Model      forecast.Forecaster
}

// Registry publishes fitted models. Swaps are serialised; reads are lock free.
type Registry struct {
	cur atomic.Pointer[Snapshot]

	writeMu sync.Mutex

	mu       sync.Mutex
	st       ModelState
	lastErr  error
	notifyCh chan struct{} // closed when a snapshot is published
}

func NewRegistry() *Registry {
	return &Registry{
		st:       ModelEmpty,
		notifyCh: make(chan struct{}),
	}
}

// Current returns the published snapshot, or nil before the first swap.
func (r *Registry) Current() *Snapshot {
	return r.cur.Load()
}

// Swap publishes s with the next version number and wakes waiters.
func (r *Registry) Swap(s Snapshot) *Snapshot {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	var prev uint64
	if p := r.cur.Load(); p != nil {
		prev = p.Version
	}
	s.Version = prev + 1
	if s.FittedAt.IsZero() {
		s.FittedAt = time.Now()
	}
	r.cur.Store(&s)

	r.mu.Lock()
	r.st = ModelReady
	r.lastErr = nil
	close(r.notifyCh)
	r.notifyCh = make(chan struct{})
	r.mu.Unlock()

	return &s
}

// SetState records a loading or error transition. A published snapshot stays
// in place; readers keep serving it.
func (r *Registry) SetState(st ModelState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st = st
	r.lastErr = err
}

func (r *Registry) Status() (ModelState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st, r.lastErr
}

// WaitReady blocks until a snapshot is published or ctx ends.
func (r *Registry) WaitReady(ctx context.Context) (*Snapshot, error) {
	for {
		r.mu.Lock()
		ch := r.notifyCh
		r.mu.Unlock()

		if s := r.cur.Load(); s != nil {
			return s, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}
