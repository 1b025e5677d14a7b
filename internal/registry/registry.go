// Package registry is the id-keyed, insertion-ordered store behind the
// supervisor. Ids come from a monotonic counter and are never handed out
// twice during the life of a Registry.
package registry

import (
	"fmt"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type Registry[T any] struct {
	mu      sync.RWMutex
	next    int
	entries *orderedmap.OrderedMap[int, T]
	retired map[int]struct{} // deleted or swapped-out ids
}

func New[T any]() *Registry[T] {
	return &Registry[T]{
		entries: orderedmap.New[int, T](),
		retired: make(map[int]struct{}),
	}
}

// Add allocates the next id and stores the value built by fn.
func (r *Registry[T]) Add(fn func(id int) T) (int, T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	v := fn(id)
	r.entries.Set(id, v)
	return id, v
}

// Reserve stores the value under want when that id has never been used;
// otherwise it falls back to a fresh id. ok reports whether want was kept.
func (r *Registry[T]) Reserve(want int, fn func(id int) T) (id int, v T, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, taken := r.entries.Get(want)
	_, gone := r.retired[want]
	if want >= 0 && !taken && !gone {
		id, ok = want, true
		if want >= r.next {
			r.next = want + 1
		}
	} else {
		id = r.next
		r.next++
	}
	v = fn(id)
	r.entries.Set(id, v)
	return id, v, ok
}

func (r *Registry[T]) Get(id int) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries.Get(id)
}

// Remove deletes id and retires it. It reports whether the id was present.
func (r *Registry[T]) Remove(id int) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries.Delete(id)
	if ok {
		r.retired[id] = struct{}{}
	}
	return v, ok
}

// Retired reports whether id was once present and has been removed.
func (r *Registry[T]) Retired(id int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.retired[id]
	return ok
}

// Replace moves the value stored under from into slot, keeping slot's
// position in the order, and retires from. The previous slot value is returned.
func (r *Registry[T]) Replace(slot, from int) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	old, ok := r.entries.Get(slot)
	if !ok {
		return zero, fmt.Errorf("registry: slot %d not present", slot)
	}
	v, ok := r.entries.Get(from)
	if !ok {
		return zero, fmt.Errorf("registry: id %d not present", from)
	}
	r.entries.Set(slot, v)
	r.entries.Delete(from)
	r.retired[from] = struct{}{}
	return old, nil
}

// Values returns the stored values in registry order.
func (r *Registry[T]) Values() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, r.entries.Len())
	for p := r.entries.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Value)
	}
	return out
}

// Select returns, in order, the values for which keep returns true.
func (r *Registry[T]) Select(keep func(id int, v T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []T
	for p := r.entries.Oldest(); p != nil; p = p.Next() {
		if keep(p.Key, p.Value) {
			out = append(out, p.Value)
		}
	}
	return out
}
