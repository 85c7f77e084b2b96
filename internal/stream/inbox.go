package stream

import (
	"strings"
	"sync"
)

// Inbox is an append-only, ordered log of events with a single writer.
// Readers take snapshots and never observe a partially appended event.
type Inbox struct {
	mu     sync.RWMutex
	events []Event
}

func (in *Inbox) Append(ev Event) {
	in.mu.Lock()
	in.events = append(in.events, ev)
	in.mu.Unlock()
}

// Snapshot returns a copy of the events received so far, in arrival order.
func (in *Inbox) Snapshot() []Event {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make([]Event, len(in.events))
	copy(out, in.events)
	return out
}

func (in *Inbox) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.events)
}

// Count returns how many events satisfy match.
func (in *Inbox) Count(match func(Event) bool) int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	n := 0
	for _, ev := range in.events {
		if match(ev) {
			n++
		}
	}
	return n
}

// Contains reports whether any event satisfies match.
func (in *Inbox) Contains(match func(Event) bool) bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	for _, ev := range in.events {
		if match(ev) {
			return true
		}
	}
	return false
}

// WithText matches events carrying exactly text.
func WithText(text string) func(Event) bool {
	return func(ev Event) bool { return ev.Text == text }
}

// WithPrefix matches events whose text starts with prefix.
func WithPrefix(prefix string) func(Event) bool {
	return func(ev Event) bool {
		return strings.HasPrefix(ev.Text, prefix)
	}
}
