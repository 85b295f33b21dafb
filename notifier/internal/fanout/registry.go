package fanout

import (
	"sync"

	"library-notifications/shared/metricsx"
)

// Registry is the set of live subscribers, keyed by reference.
type Registry struct {
	mu   sync.RWMutex
	subs map[Subscriber]struct{}
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[Subscriber]struct{})}
}

// Register adds s and reports whether it was new.
func (r *Registry) Register(s Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[s]; ok {
		return false
	}
	r.subs[s] = struct{}{}
	metricsx.AddSubscribers(string(s.Transport()), 1)
	return true
}

// Unregister removes s. Removing an absent subscriber is a no-op.
func (r *Registry) Unregister(s Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[s]; !ok {
		return false
	}
	delete(r.subs, s)
	metricsx.AddSubscribers(string(s.Transport()), -1)
	return true
}

func (r *Registry) Contains(s Subscriber) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[s]
	return ok
}

// Snapshot copies the current set; callers iterate the copy without the lock.
func (r *Registry) Snapshot() []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subscriber, 0, len(r.subs))
	for s := range r.subs {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Registry) Counts() map[Transport]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[Transport]int{TransportPush: 0, TransportStream: 0}
	for s := range r.subs {
		out[s.Transport()]++
	}
	return out
}
