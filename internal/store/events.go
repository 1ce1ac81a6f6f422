package store

import "sync"

type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Event describes a committed write. An empty ID means a bulk change
// touched the collection (the repair job reports per collection, not
// per row). Remote marks writes that originated from the sync inbox,
// so the sync worker does not echo them back.
type Event struct {
	Collection string
	Kind       ChangeKind
	ID         string
	Remote     bool
}

// Subscription is a live feed of change events for a set of
// collections. Delivery is coalescing: an undelivered pending event
// collapses with newer ones, which is sufficient because consumers
// recompute against the current store state, not the event itself.
type Subscription struct {
	b           *broadcaster
	collections map[string]struct{}
	ch          chan Event
	closeOnce   sync.Once
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close unsubscribes. Safe to call at any time, including concurrently
// with a publish.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { s.b.remove(s) })
}

func (s *Subscription) matches(collection string) bool {
	if len(s.collections) == 0 {
		return true
	}
	_, ok := s.collections[collection]
	return ok
}

type broadcaster struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[*Subscription]struct{})}
}

func (b *broadcaster) subscribe(collections ...string) *Subscription {
	sub := &Subscription{
		b:  b,
		ch: make(chan Event, 1),
	}
	if len(collections) > 0 {
		sub.collections = make(map[string]struct{}, len(collections))
		for _, c := range collections {
			sub.collections[c] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// publish delivers the event to every matching subscriber without
// blocking. Publishing and channel close share the mutex, so a send
// never races a close.
func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if !sub.matches(ev.Collection) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
