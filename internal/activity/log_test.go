package activity

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func notes(events []Event) []string {
	out := []string{}
	for _, e := range events {
		out = append(out, e.Note)
	}
	return out
}

func TestListNewestFirst(t *testing.T) {
	l := New(3)
	assert.Nil(t, l.List(0))

	l.Add(Event{Type: EventIngest, Note: "a"})
	l.Add(Event{Type: EventPredict, Note: "b"})

	got := l.List(0)
	assert.Equal(t, []string{"b", "a"}, notes(got))
	assert.False(t, got[0].At.IsZero())
}

func TestRingOverwritesOldest(t *testing.T) {
	l := New(3)
	for _, n := range []string{"1", "2", "3", "4", "5"} {
		l.Add(Event{Type: EventPredict, Note: n})
	}
	if diff := cmp.Diff([]string{"5", "4", "3"}, notes(l.List(0))); diff != "" {
		t.Errorf("ring order (-want +got):\n%s", diff)
	}
}

func TestListLimitAndTypes(t *testing.T) {
	l := New(10)
	l.Add(Event{Type: EventIngest, Note: "i1"})
	l.Add(Event{Type: EventPredict, Note: "p1"})
	l.Add(Event{Type: EventRefit, Note: "r1"})
	l.Add(Event{Type: EventPredict, Note: "p2"})

	assert.Equal(t, []string{"p2", "r1"}, notes(l.List(2)))
	assert.Equal(t, []string{"p2", "p1"}, notes(l.List(0, EventPredict)))
	assert.Equal(t, []string{"r1", "i1"}, notes(l.List(5, EventRefit, EventIngest)))
	assert.Empty(t, l.List(0, EventTrim))
}

func TestNilLogIsSafe(t *testing.T) {
	var l *Log
	l.Add(Event{Type: EventError})
	assert.Nil(t, l.List(0))
}
