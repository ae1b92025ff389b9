package reconcile

import (
	"sync"
	"time"
)

// ring keeps the most recent findings, overwriting the oldest once full.
type ring struct {
	mu    sync.RWMutex
	items []Finding
	next  int
	full  bool
}

func newRing(size int) *ring {
	if size <= 0 {
		size = DefaultConfig().RingSize
	}
	return &ring{items: make([]Finding, size)}
}

func (r *ring) add(fs ...Finding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range fs {
		r.items[r.next] = f
		r.next = (r.next + 1) % len(r.items)
		if r.next == 0 {
			r.full = true
		}
	}
}

// since returns findings detected after t, oldest first.
func (r *ring) since(t time.Time) []Finding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start, n := 0, r.next
	if r.full {
		start, n = r.next, len(r.items)
	}
	out := []Finding{}
	for i := 0; i < n; i++ {
		f := r.items[(start+i)%len(r.items)]
		if f.DetectedAt.After(t) {
			out = append(out, f)
		}
	}
	return out
}
