package sshpool

import (
	"sync"
	"time"
)

// eventBufferSize is the maximum number of events kept per host.
const eventBufferSize = 100

// EventType names a pool lifecycle action.
type EventType string

const (
	EventConnecting      EventType = "connecting"
	EventConnected       EventType = "connected"
	EventConnectFailed   EventType = "connect_failed"
	EventReused          EventType = "reused"
	EventReleased        EventType = "released"
	EventEvictedIdle     EventType = "evicted_idle"
	EventEvictedCapacity EventType = "evicted_capacity"
	EventRemoteEnd       EventType = "remote_end"
	EventClosed          EventType = "closed"
)

// Event is one entry in a host's connection log.
type Event struct {
	HostID    string    `json:"hostId"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}

// eventBuffer is a fixed-size ring of events for one host.
type eventBuffer struct {
	events [eventBufferSize]Event
	head   int // next write position
	count  int
}

func (b *eventBuffer) record(e Event) {
	b.events[b.head] = e
	b.head = (b.head + 1) % eventBufferSize
	if b.count < eventBufferSize {
		b.count++
	}
}

// history returns events oldest first.
func (b *eventBuffer) history() []Event {
	if b.count == 0 {
		return nil
	}
	out := make([]Event, b.count)
	if b.count < eventBufferSize {
		copy(out, b.events[:b.count])
	} else {
		// Full: head is the oldest entry.
		n := copy(out, b.events[b.head:])
		copy(out[n:], b.events[:b.head])
	}
	return out
}

type eventLog struct {
	mu      sync.RWMutex
	buffers map[string]*eventBuffer
	now     func() time.Time
	subs    map[int]func(Event)
	nextSub int
}

func newEventLog(now func() time.Time) *eventLog {
	return &eventLog{
		buffers: make(map[string]*eventBuffer),
		subs:    make(map[int]func(Event)),
		now:     now,
	}
}

func (el *eventLog) log(hostID string, typ EventType, details string) {
	e := Event{HostID: hostID, Type: typ, Timestamp: el.now(), Details: details}

	el.mu.Lock()
	buf, ok := el.buffers[hostID]
	if !ok {
		buf = &eventBuffer{}
		el.buffers[hostID] = buf
	}
	buf.record(e)
	subs := make([]func(Event), 0, len(el.subs))
	for _, fn := range el.subs {
		subs = append(subs, fn)
	}
	el.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
}

func (el *eventLog) subscribe(fn func(Event)) (unsubscribe func()) {
	el.mu.Lock()
	id := el.nextSub
	el.nextSub++
	el.subs[id] = fn
	el.mu.Unlock()

	return func() {
		el.mu.Lock()
		delete(el.subs, id)
		el.mu.Unlock()
	}
}

func (el *eventLog) get(hostID string) []Event {
	el.mu.RLock()
	defer el.mu.RUnlock()
	buf, ok := el.buffers[hostID]
	if !ok {
		return nil
	}
	return buf.history()
}

func (el *eventLog) all() map[string][]Event {
	el.mu.RLock()
	defer el.mu.RUnlock()
	out := make(map[string][]Event, len(el.buffers))
	for id, buf := range el.buffers {
		if events := buf.history(); events != nil {
			out[id] = events
		}
	}
	return out
}
