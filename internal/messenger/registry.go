package messenger

import (
	"reflect"
	"sync"
)

// registry maps a message type to the set of subscribers interested in it.
type registry struct {
	mu   sync.RWMutex
	subs map[reflect.Type]map[Subscriber]struct{}
}

func newRegistry() *registry {
	return &registry{subs: map[reflect.Type]map[Subscriber]struct{}{}}
}

// add registers sub for every non-nil type and reports how many new
// (type, subscriber) pairs were created.
func (r *registry) add(sub Subscriber, types []reflect.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	added := 0
	for _, t := range types {
		if t == nil {
			continue
		}
		set, ok := r.subs[t]
		if !ok {
			set = map[Subscriber]struct{}{}
			r.subs[t] = set
		}
		if _, dup := set[sub]; dup {
			continue
		}
		set[sub] = struct{}{}
		added++
	}
	return added
}

// lookup returns a snapshot so dispatch doesn't hold the lock while
// subscribers run.
func (r *registry) lookup(t reflect.Type) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.subs[t]
	if len(set) == 0 {
		return nil
	}
	out := make([]Subscriber, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

func (r *registry) count(t reflect.Type) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[t])
}
