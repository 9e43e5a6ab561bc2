// Package notify carries lifecycle notifications from the orchestrator to
// transport-layer consumers without the core knowing who they are.
package notify

import (
	"sync"

	"driftsync/internal/model"
)

type EventType string

const (
	// EventJobs carries a full job-list snapshot after any job mutation.
	EventJobs EventType = "jobs"
	// EventActivity carries a single new activity-log entry.
	EventActivity EventType = "activity"
	// EventActivityCleared signals the whole ledger was wiped.
	EventActivityCleared EventType = "activity_cleared"
)

type Event struct {
	Type  EventType            `json:"type"`
	Jobs  []model.JobView      `json:"jobs,omitempty"`
	Entry *model.ActivityEntry `json:"entry,omitempty"`
}

// Bus is a fan-out publisher. Publish never blocks; a subscriber that
// cannot keep up loses events rather than stalling the orchestrator.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener with the given buffer size and returns its
// channel plus an unsubscribe function. The channel is closed on unsubscribe.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}

func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
