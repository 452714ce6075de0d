package connectivity

import (
	"slices"
	"sync"
)

// Source reports whether the remote system is reachable.
type Source interface {
	Online() bool
	// Subscribe registers fn to be called with the new state on every transition. The
	// returned func removes the subscription.
	Subscribe(fn func(online bool)) (cancel func())
}

// broadcaster holds the current state and fans transitions out to subscribers.
type broadcaster struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(bool)
}

func newBroadcaster(online bool) *broadcaster {
	return &broadcaster{online: online, subs: make(map[int]func(bool))}
}

func (b *broadcaster) Online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

func (b *broadcaster) Subscribe(fn func(online bool)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
		})
	}
}

// set records the state and reports whether it changed. Subscribers are called outside the
// lock, in subscription order.
func (b *broadcaster) set(online bool) bool {
	b.mu.Lock()
	if b.online == online {
		b.mu.Unlock()
		return false
	}
	b.online = online
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, b.subs[id])
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
	return true
}

// Manual is a Source whose state is set by the caller.
type Manual struct {
	*broadcaster
}

func NewManual(online bool) *Manual {
	return &Manual{broadcaster: newBroadcaster(online)}
}

// Set updates the state and notifies subscribers if it changed.
func (m *Manual) Set(online bool) {
	m.set(online)
}

// Always is a Source that never changes.
type Always bool

func (a Always) Online() bool {
	return bool(a)
}

func (a Always) Subscribe(func(bool)) func() {
	return func() {}
}
