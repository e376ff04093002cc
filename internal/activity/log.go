package activity

import (
	"slices"
	"sync"
	"time"
)

type EventType string

const (
	EventPredict EventType = "predict"
	EventIngest  EventType = "ingest"
	EventRefit   EventType = "refit"
	EventTrim    EventType = "trim"
	EventError   EventType = "error"
)

type Event struct {
	At     time.Time `json:"at"`
	Type   EventType `json:"type"`
	Source string    `json:"source,omitempty"`
	Target string    `json:"target,omitempty"`
	Note   string    `json:"note,omitempty"`
}

// Log is a fixed-size ring of recent events.
type Log struct {
	mu   sync.RWMutex
	buf  []Event
	next int
	full bool
}

func New(size int) *Log {
	if size <= 0 {
		size = 300
	}
	return &Log{
		buf: make([]Event, size),
	}
}

func (l *Log) Add(e Event) {
	if l == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf[l.next] = e
	l.next++
	if l.next >= len(l.buf) {
		l.next = 0
		l.full = true
	}
}

// List returns up to limit buffered events, newest first. A limit of zero
// or less means all of them; types, when given, keeps only those kinds.
func (l *Log) List(limit int, types ...EventType) []Event {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.next
	if l.full {
		n = len(l.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	var out []Event
	for i := 0; i < n && len(out) < limit; i++ {
		e := l.buf[(l.next-1-i+len(l.buf))%len(l.buf)]
		if len(types) > 0 && !slices.Contains(types, e.Type) {
			continue
		}
		out = append(out, e)
	}
	return out
}
