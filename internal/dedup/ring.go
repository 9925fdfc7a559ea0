// Package dedup provides a FIFO-evicting bounded set of message IDs.
//
// Overflow evicts the oldest entry silently; this is the documented loss
// mode for all dedup state in the pipeline.
package dedup

// Ring is a fixed-capacity set with FIFO eviction. It is not safe for
// concurrent use; callers hold their own lock.
type Ring struct {
	capacity int
	set      map[string]struct{}
	order    []string
	head     int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		capacity: capacity,
		set:      make(map[string]struct{}, capacity),
	}
}

// Observe checks and marks an ID as seen. It returns true if the ID was
// already present (a duplicate), false if it was newly inserted.
func (r *Ring) Observe(id string) bool {
	if _, ok := r.set[id]; ok {
		return true
	}
	r.set[id] = struct{}{}
	r.order = append(r.order, id)
	for len(r.set) > r.capacity {
		oldest := r.order[r.head]
		delete(r.set, oldest)
		r.order[r.head] = ""
		r.head++
	}
	// Compact the backing slice once the dead prefix dominates.
	if r.head > r.capacity {
		r.order = append([]string(nil), r.order[r.head:]...)
		r.head = 0
	}
	return false
}

// Contains reports whether an ID is currently tracked, without marking it.
func (r *Ring) Contains(id string) bool {
	_, ok := r.set[id]
	return ok
}

func (r *Ring) Len() int {
	return len(r.set)
}
