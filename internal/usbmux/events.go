package usbmux

import (
	"sync"
	"time"

	"uprelay/internal/constants"
)

type EventKind string

const (
	EventStarted EventKind = "started"
	EventExited  EventKind = "exited"
)

// Event reports a forwarding process lifecycle change. ExitCode is only set
// for EventExited and is -1 when the process was killed by a signal.
type Event struct {
	Kind     EventKind `json:"kind"`
	PID      int       `json:"pid"`
	ExitCode int       `json:"exitCode"`
	Ports    Ports     `json:"ports"`
	Time     time.Time `json:"time"`
}

// broadcaster fans events out to subscribers without ever blocking the
// publisher. A subscriber that falls behind loses events.
type broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs == nil {
		b.subs = make(map[int]chan Event)
	}
	id := b.next
	b.next++
	ch := make(chan Event, constants.EventBufferSize)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

func (b *broadcaster) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
