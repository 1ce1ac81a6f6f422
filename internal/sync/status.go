package sync

import (
	"sync"
	"time"
)

type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateOK      State = "ok"
	StateError   State = "error"
)

type Status struct {
	State State
	Err   error
	At    time.Time
}

// StatusFeed tracks the worker's most recent state and fans it out on
// a coalescing channel. A slow reader only ever misses intermediate
// states, never the latest one.
type StatusFeed struct {
	mu      sync.Mutex
	last    Status
	updates chan Status
}

func NewStatusFeed() *StatusFeed {
	return &StatusFeed{
		last:    Status{State: StateIdle, At: time.Now()},
		updates: make(chan Status, 1),
	}
}

func (f *StatusFeed) set(state State, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.last = Status{State: state, Err: err, At: time.Now()}

	select {
	case f.updates <- f.last:
	default:
		// Replace the undelivered status with the newer one.
		select {
		case <-f.updates:
		default:
		}
		select {
		case f.updates <- f.last:
		default:
		}
	}
}

func (f *StatusFeed) Updates() <-chan Status {
	return f.updates
}

func (f *StatusFeed) Last() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}
